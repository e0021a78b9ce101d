package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vmunix/konvert/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configTestCmd = &cobra.Command{
	Use:   "test [path]",
	Short: "Validate configuration file",
	Long:  "Validates konvert.toml syntax, profiles, backends and environment variable substitution without converting anything.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigTest,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the example configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configTestCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigTest(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		found, err := config.Discover()
		if err != nil {
			return err
		}
		path = found
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", path)

	cfg, err := config.Load(path)
	if err != nil {
		var configErr *config.ConfigError
		if errors.As(err, &configErr) {
			printConfigErrors(out, configErr)
			return fmt.Errorf("configuration invalid")
		}
		return fmt.Errorf("failed to load config: %w", err)
	}

	printConfigSummary(out, cfg)
	fmt.Fprintln(out, "\nConfiguration valid!")
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.DefaultPath()
	if len(args) > 0 {
		path = args[0]
	}
	if err := config.WriteDefault(path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists", path)
		}
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func printConfigErrors(w io.Writer, e *config.ConfigError) {
	if len(e.Missing) > 0 {
		fmt.Fprintln(w, "Missing environment variables:")
		for _, m := range e.Missing {
			fmt.Fprintf(w, "  - %s\n", m)
		}
		fmt.Fprintln(w)
	}

	if len(e.Errors) > 0 {
		fmt.Fprintln(w, "Validation errors:")
		for _, err := range e.Errors {
			fmt.Fprintf(w, "  - %s\n", err)
		}
		fmt.Fprintln(w)
	}
}

func printConfigSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "Configuration Summary:")
	fmt.Fprintf(w, "  Jobs:       %d (log: %s, update every %s)\n",
		cfg.General.Jobs, cfg.General.LogLevel, cfg.General.UpdateInterval)
	fmt.Fprintf(w, "  Temp:       %s\n", cfg.Temp.Dir)
	if cfg.Output.SameDir {
		fmt.Fprintln(w, "  Output:     next to source")
	} else {
		fmt.Fprintf(w, "  Output:     %s (%s)\n", cfg.Output.Dir, cfg.Output.Template)
	}
	fmt.Fprintf(w, "  Covers:     %s\n", cfg.Covers.Policy)

	profiles := cfg.ProfileNames()
	if len(profiles) > 0 {
		fmt.Fprintf(w, "  Profiles:   %s (default: %s)\n", strings.Join(profiles, ", "), cfg.General.DefaultProfile)
	} else {
		fmt.Fprintln(w, "  Profiles:   (none)")
	}

	backends := make([]string, 0, len(cfg.Backends))
	for name := range cfg.Backends {
		backends = append(backends, name)
	}
	sort.Strings(backends)
	if len(backends) > 0 {
		fmt.Fprintf(w, "  Backends:   %s\n", strings.Join(backends, ", "))
	} else {
		fmt.Fprintln(w, "  Backends:   (none)")
	}

	if cfg.Fetch.S3 != nil {
		fmt.Fprintf(w, "  S3:         %s\n", cfg.Fetch.S3.Region)
	}
}

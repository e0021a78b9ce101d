package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vmunix/konvert/internal/backend"
	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/pipeline"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured backends and their trunks",
	RunE:  runBackendsCmd,
}

func init() {
	rootCmd.AddCommand(backendsCmd)
}

type backendInfo struct {
	Name      string           `json:"name"`
	Kind      string           `json:"kind"`
	Available bool             `json:"available"`
	Trunks    []pipeline.Trunk `json:"trunks"`
}

func runBackendsCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := loadRegistry(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	infos := describeBackends(reg)

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, infos)
	}
	printBackends(out, infos)
	return nil
}

// loadRegistry builds the backends without a journal; nothing is run.
func loadRegistry(cfg *config.Config, logOut io.Writer) (*backend.Registry, error) {
	logger := newLogger(logOut, cfg)
	reg, err := backend.FromConfig(cfg.Backends, events.NewBus(nil, logger), logger)
	if err != nil {
		return nil, fmt.Errorf("backends: %w", err)
	}
	return reg, nil
}

func describeBackends(reg *backend.Registry) []backendInfo {
	trunks := reg.Trunks()
	infos := make([]backendInfo, 0, len(reg.Names()))
	for _, name := range reg.Names() {
		b, err := reg.Get(name)
		if err != nil {
			continue
		}
		info := backendInfo{Name: name, Kind: string(b.Kind()), Available: true}
		if a, ok := b.(interface{ Available() bool }); ok {
			info.Available = a.Available()
		}
		for _, t := range trunks {
			if t.Backend == name {
				info.Trunks = append(info.Trunks, t)
			}
		}
		infos = append(infos, info)
	}
	return infos
}

func printBackends(w io.Writer, infos []backendInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No backends configured")
		return
	}

	fmt.Fprintf(w, "Backends (%d):\n\n", len(infos))
	fmt.Fprintf(w, "  %-12s %-11s %-9s %s\n", "NAME", "KIND", "BINARY", "TRUNKS")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 70))
	for _, b := range infos {
		found := "found"
		if !b.Available {
			found = "missing"
		}
		parts := make([]string, len(b.Trunks))
		for i, t := range b.Trunks {
			parts[i] = fmt.Sprintf("%s->%s (%d)", t.From, t.To, t.Rating)
		}
		fmt.Fprintf(w, "  %-12s %-11s %-9s %s\n", b.Name, b.Kind, found, strings.Join(parts, ", "))
	}
}

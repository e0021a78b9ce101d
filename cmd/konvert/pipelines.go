package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vmunix/konvert/internal/pipeline"
)

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines <from> <to>",
	Short: "Show candidate pipelines for a conversion, best first",
	Long: `Lists every pipeline able to convert codec <from> into codec <to>, in
the order they would be tried. With --replaygain, <to> is omitted and the
loudness tools for <from> are listed instead.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPipelinesCmd,
}

func init() {
	rootCmd.AddCommand(pipelinesCmd)
	pipelinesCmd.Flags().String("tool", "", "Rank pipelines ending in this backend first")
	pipelinesCmd.Flags().Bool("replaygain", false, "List replay gain tools for <from>")
}

func runPipelinesCmd(cmd *cobra.Command, args []string) error {
	tool, _ := cmd.Flags().GetString("tool")
	gain, _ := cmd.Flags().GetBool("replaygain")
	if !gain && len(args) != 2 {
		return fmt.Errorf("expected <from> <to>")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := loadRegistry(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	resolver := pipeline.NewTableResolver(reg.Trunks())

	from := cfg.CodecForExtension(args[0])
	var ps []pipeline.Pipeline
	var title string
	if gain {
		ps = resolver.ResolveReplayGain(from, tool)
		title = fmt.Sprintf("Replay gain for %s", from)
	} else {
		to := cfg.CodecForExtension(args[1])
		ps = resolver.ResolveTransform(from, to, tool)
		title = fmt.Sprintf("%s -> %s", from, to)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, ps)
	}
	printPipelines(out, title, ps, tool)
	return nil
}

func printPipelines(w io.Writer, title string, ps []pipeline.Pipeline, tool string) {
	if len(ps) == 0 {
		fmt.Fprintf(w, "No pipelines for %s\n", title)
		return
	}

	fmt.Fprintf(w, "%s (%d):\n\n", title, len(ps))
	fmt.Fprintf(w, "  %-3s %-6s %-8s %s\n", "#", "RATING", "FLAGS", "PIPELINE")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 60))
	for i, p := range ps {
		var flags []string
		if p.Fusable() {
			flags = append(flags, "pipe")
		}
		if p.Last().InlineReplayGain {
			flags = append(flags, "rg")
		}
		if pipeline.MatchesHint(p.Last().Backend, tool) {
			flags = append(flags, "hint")
		}
		f := strings.Join(flags, ",")
		if f == "" {
			f = "-"
		}
		fmt.Fprintf(w, "  %-3d %-6d %-8s %s\n", i+1, p.Rating, f, p.String())
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vmunix/konvert/internal/convert"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/queue"
)

var convertCmd = &cobra.Command{
	Use:   "convert [flags] <file|url|track>...",
	Short: "Convert files, URLs or disc tracks",
	Long: `Converts every argument with the selected profile.

Arguments are local paths, file://, http(s):// or s3:// URLs. With --device
they are track numbers on that disc drive.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringP("profile", "p", "", "Profile name (default: general.default_profile)")
	convertCmd.Flags().String("tool", "", "Prefer pipelines ending in this backend")
	convertCmd.Flags().IntP("jobs", "j", 0, "Concurrent jobs (default: general.jobs)")
	convertCmd.Flags().StringP("output", "o", "", "Output directory")
	convertCmd.Flags().Bool("same-dir", false, "Write outputs next to their sources")
	convertCmd.Flags().Bool("keep-failed", false, "Keep outputs of failed jobs")
	convertCmd.Flags().String("device", "", "Disc drive to rip tracks from")
	convertCmd.Flags().Int("tracks", 0, "Number of tracks on the disc")
	convertCmd.Flags().Bool("show-log", false, "Print the job log of items that did not complete")
	convertCmd.Flags().BoolP("quiet", "q", false, "No progress output")
}

// itemResult is one row of the run summary.
type itemResult struct {
	ID     int64  `json:"id"`
	Item   string `json:"item"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	Output string `json:"output,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

type runSummary struct {
	Items   []itemResult   `json:"items"`
	Elapsed string         `json:"elapsed"`
	Events  map[string]int `json:"events"`
}

func runConvert(cmd *cobra.Command, args []string) error {
	profileName, _ := cmd.Flags().GetString("profile")
	tool, _ := cmd.Flags().GetString("tool")
	jobs, _ := cmd.Flags().GetInt("jobs")
	outputDir, _ := cmd.Flags().GetString("output")
	sameDir, _ := cmd.Flags().GetBool("same-dir")
	keepFailed, _ := cmd.Flags().GetBool("keep-failed")
	device, _ := cmd.Flags().GetString("device")
	tracks, _ := cmd.Flags().GetInt("tracks")
	showLog, _ := cmd.Flags().GetBool("show-log")
	quiet, _ := cmd.Flags().GetBool("quiet")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if sameDir {
		cfg.Output.SameDir = true
	}
	if keepFailed {
		cfg.General.KeepFailedFiles = true
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)

	pc, name, err := cfg.Profile(profileName)
	if err != nil {
		return err
	}
	prof := convert.ProfileFromConfig(name, pc)
	if tool != "" {
		prof.Tool = tool
	}

	sess, err := newSession(cfg, jobs, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	sources := make([]convert.Source, 0, len(args))
	for _, arg := range args {
		src, err := sourceFor(cfg, sess.tags, itemSpec{Arg: arg, Device: device, Tracks: tracks}, logger)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	// subscribe before the engine can publish anything
	progress := sess.bus.Subscribe(events.EventProgressUpdated, 16)
	finished := sess.bus.Subscribe(events.EventJobFinished, 64)
	stopped := sess.bus.Subscribe(events.EventQueueStopped, 1)
	defer func() {
		sess.bus.Unsubscribe(progress)
		sess.bus.Unsubscribe(finished)
		sess.bus.Unsubscribe(stopped)
	}()
	if debugEnabled(logger) {
		trace := sess.bus.SubscribeAll(256)
		defer sess.bus.Unsubscribe(trace)
		go traceEvents(trace, logger.With("component", "trace"))
	}

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := sess.engine.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	started := time.Now()
	labels := make(map[int64]string, len(sources))
	for _, src := range sources {
		id, err := sess.engine.Enqueue(runCtx, src, prof)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		labels[id] = src.Label
	}
	if err := sess.engine.StartAll(runCtx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if jsonOutput {
		quiet = true
	}
	interrupted := sigCtx.Done()

watch:
	for {
		select {
		case <-interrupted:
			interrupted = nil
			stop()
			clearLine(errOut, quiet)
			fmt.Fprintln(errOut, "Interrupted, killing running jobs...")
			if err := sess.engine.KillAll(runCtx); err != nil {
				break watch
			}
		case ev := <-progress:
			if p, ok := ev.(*events.ProgressUpdated); ok && !quiet {
				printProgress(errOut, p)
			}
		case ev := <-finished:
			f, ok := ev.(*events.JobFinished)
			if ok && !jsonOutput {
				clearLine(errOut, quiet)
				printFinished(out, labels[f.ItemID], f)
			}
		case <-stopped:
			break watch
		case <-runCtx.Done():
			break watch
		}
	}
	clearLine(errOut, quiet)

	items, itemsErr := sess.engine.Items(runCtx)
	var logs map[int64][]string
	if showLog && itemsErr == nil {
		logs = collectLogs(runCtx, sess, items)
	}
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	if itemsErr != nil {
		return itemsErr
	}

	counts, err := sess.journal.CountByType()
	if err != nil {
		logger.Warn("journal unavailable", "error", err)
	}
	results, err := finishedJobs(sess.journal)
	if err != nil {
		logger.Warn("journal unavailable", "error", err)
	}
	sizes := make(map[int64]int64, len(results))
	for id, f := range results {
		sizes[id] = f.Size
	}
	summary := summarize(items, sizes, counts, time.Since(started))

	if jsonOutput {
		if err := printJSON(out, summary); err != nil {
			return err
		}
	} else {
		printSummary(out, summary)
		printLogs(out, sess.journal, items, logs)
	}

	if n := incomplete(items); n > 0 {
		return fmt.Errorf("%d of %d items did not complete", n, len(items))
	}
	return nil
}

// collectLogs gathers the job log of every item that did not complete.
func collectLogs(ctx context.Context, sess *session, items []queue.Item) map[int64][]string {
	logs := make(map[int64][]string)
	_ = sess.engine.Do(ctx, func(context.Context) {
		for _, it := range items {
			if it.State == convert.StateCompleted {
				continue
			}
			j, ok := sess.orch.Job(it.ID)
			if !ok {
				continue
			}
			for _, l := range sess.log.Lines(j.LogID) {
				logs[it.ID] = append(logs[it.ID], l.Text)
			}
		}
	})
	return logs
}

func summarize(items []queue.Item, sizes map[int64]int64, counts map[string]int, elapsed time.Duration) runSummary {
	s := runSummary{
		Items:   make([]itemResult, 0, len(items)),
		Elapsed: elapsed.Round(time.Second).String(),
		Events:  counts,
	}
	for _, it := range items {
		s.Items = append(s.Items, itemResult{
			ID:     it.ID,
			Item:   it.Source.Label,
			State:  string(it.State),
			Reason: it.Reason,
			Output: it.Output,
			Size:   sizes[it.ID],
		})
	}
	return s
}

func incomplete(items []queue.Item) int {
	n := 0
	for _, it := range items {
		if it.State != convert.StateCompleted {
			n++
		}
	}
	return n
}

func printProgress(w io.Writer, p *events.ProgressUpdated) {
	pct := 0.0
	if p.Total > 0 {
		pct = 100 * p.Processed / p.Total
	}
	eta := "unknown"
	if p.ETASeconds >= 0 {
		eta = formatSeconds(p.ETASeconds)
	}
	active := make([]string, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		active = append(active, fmt.Sprintf("%s %s", j.Label, j.State))
	}
	line := fmt.Sprintf("[%3.0f%%] %s of %s, ETA %s", pct,
		formatSeconds(p.Processed), formatSeconds(p.Total), eta)
	if len(active) > 0 {
		line += " | " + strings.Join(active, ", ")
	}
	if len(line) > 100 {
		line = line[:97] + "..."
	}
	fmt.Fprintf(w, "\r%-100s", line)
}

func clearLine(w io.Writer, quiet bool) {
	if !quiet {
		fmt.Fprintf(w, "\r%-100s\r", "")
	}
}

func printFinished(w io.Writer, label string, f *events.JobFinished) {
	switch convert.State(f.State) {
	case convert.StateCompleted:
		fmt.Fprintf(w, "done     %s -> %s (%s)\n", label, f.Output, humanize.Bytes(uint64(max(f.Size, 0))))
	case convert.StateStopped:
		fmt.Fprintf(w, "stopped  %s\n", label)
	default:
		fmt.Fprintf(w, "%-8s %s: %s\n", shortState(f.State), label, f.Reason)
	}
}

func shortState(s string) string {
	if s == string(convert.StateNeedsConfiguration) {
		return "config"
	}
	return s
}

func printSummary(w io.Writer, s runSummary) {
	fmt.Fprintf(w, "\nItems (%d), elapsed %s:\n\n", len(s.Items), s.Elapsed)
	fmt.Fprintf(w, "  %-4s %-22s %-32s %s\n", "ID", "STATE", "ITEM", "OUTPUT")
	fmt.Fprintln(w, "  "+strings.Repeat("-", 80))
	for _, r := range s.Items {
		item := r.Item
		if len(item) > 32 {
			item = item[:29] + "..."
		}
		detail := r.Output
		if r.Size > 0 {
			detail += " (" + humanize.Bytes(uint64(r.Size)) + ")"
		}
		if detail == "" {
			detail = r.Reason
		}
		fmt.Fprintf(w, "  %-4d %-22s %-32s %s\n", r.ID, r.State, item, detail)
	}

	if len(s.Events) > 0 {
		types := make([]string, 0, len(s.Events))
		total := 0
		for t, n := range s.Events {
			types = append(types, t)
			total += n
		}
		sort.Strings(types)
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = fmt.Sprintf("%s %s", t, humanize.Comma(int64(s.Events[t])))
		}
		fmt.Fprintf(w, "\nJournal: %s events (%s)\n", humanize.Comma(int64(total)), strings.Join(parts, ", "))
	}
}

func printLogs(w io.Writer, journal *events.EventLog, items []queue.Item, logs map[int64][]string) {
	for _, it := range items {
		lines, ok := logs[it.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\nLog of %s:\n", it.Source.Label)
		if states, err := stateHistory(journal, it.ID); err == nil && len(states) > 0 {
			fmt.Fprintf(w, "  states: %s\n", strings.Join(states, " -> "))
		}
		for _, l := range lines {
			fmt.Fprintf(w, "  %s\n", l)
		}
	}
}

// formatSeconds renders media seconds as h:mm:ss or m:ss.
func formatSeconds(sec float64) string {
	d := time.Duration(sec * float64(time.Second)).Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

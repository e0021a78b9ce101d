package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/convert"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/pipeline"
)

var watchCmd = &cobra.Command{
	Use:   "watch [flags] <dir>",
	Short: "Convert files as they appear in a directory",
	Long: `Watches a directory and queues every new file the selected profile
can convert. A file is queued once it has not been written to for the
settle time. Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringP("profile", "p", "", "Profile name (default: general.default_profile)")
	watchCmd.Flags().String("tool", "", "Prefer pipelines ending in this backend")
	watchCmd.Flags().IntP("jobs", "j", 0, "Concurrent jobs (default: general.jobs)")
	watchCmd.Flags().StringP("output", "o", "", "Output directory")
	watchCmd.Flags().Duration("settle", 2*time.Second, "Quiet time before a new file is queued")
}

// dirWatcher decides which files to queue and holds them back until
// writes to them stop.
type dirWatcher struct {
	cfg      *config.Config
	resolver pipeline.Resolver
	prof     convert.Profile
	settle   time.Duration

	ready   chan string
	pending map[string]func(func())
	queued  map[string]bool
}

func newDirWatcher(cfg *config.Config, resolver pipeline.Resolver, prof convert.Profile, settle time.Duration) *dirWatcher {
	return &dirWatcher{
		cfg:      cfg,
		resolver: resolver,
		prof:     prof,
		settle:   settle,
		ready:    make(chan string, 16),
		pending:  make(map[string]func(func())),
		queued:   make(map[string]bool),
	}
}

// accepts reports whether path is something the profile converts.
// Hidden files and files already in the target codec are skipped.
func (w *dirWatcher) accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	if ext == "" {
		return false
	}
	codec := w.cfg.CodecForExtension(ext)
	if strings.EqualFold(codec, w.prof.Codec) {
		return false
	}
	return len(w.resolver.ResolveTransform(codec, w.prof.Codec, "")) > 0
}

// handle restarts the settle timer of path for create and write events.
func (w *dirWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if w.queued[ev.Name] || !w.accepts(ev.Name) {
		return
	}
	d, ok := w.pending[ev.Name]
	if !ok {
		d = debounce.New(w.settle)
		w.pending[ev.Name] = d
	}
	path := ev.Name
	d(func() {
		select {
		case w.ready <- path:
		case <-ctx.Done():
		}
	})
}

// take marks path as queued. It returns false for a path seen before.
func (w *dirWatcher) take(path string) bool {
	delete(w.pending, path)
	if w.queued[path] {
		return false
	}
	w.queued[path] = true
	return true
}

func runWatch(cmd *cobra.Command, args []string) error {
	profileName, _ := cmd.Flags().GetString("profile")
	tool, _ := cmd.Flags().GetString("tool")
	jobs, _ := cmd.Flags().GetInt("jobs")
	outputDir, _ := cmd.Flags().GetString("output")
	settle, _ := cmd.Flags().GetDuration("settle")

	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if cfg.Output.SameDir {
		return errors.New("watch needs an output directory, output.same_dir is set")
	}
	if out, err := filepath.Abs(cfg.Output.Dir); err == nil && out == dir {
		return fmt.Errorf("output directory %s is the watched directory", dir)
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

	finished := sess.bus.Subscribe(events.EventJobFinished, 64)
	defer sess.bus.Unsubscribe(finished)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
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

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	w := newDirWatcher(cfg, sess.resolver, prof, settle)
	labels := make(map[int64]string)
	fmt.Fprintf(errOut, "Watching %s (profile %s), press Ctrl+C to stop\n", dir, prof.Name)

loop:
	for {
		select {
		case <-sigCtx.Done():
			break loop
		case ev, ok := <-watcher.Events:
			if !ok {
				break loop
			}
			w.handle(runCtx, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				break loop
			}
			logger.Warn("watch error", "error", err)
		case path := <-w.ready:
			if !w.take(path) {
				continue
			}
			src, err := sourceFor(cfg, sess.tags, itemSpec{Arg: path}, logger)
			if err != nil {
				logger.Warn("skipping file", "path", path, "error", err)
				continue
			}
			id, err := sess.engine.Submit(runCtx, src, prof)
			if err != nil {
				break loop
			}
			labels[id] = src.Label
			fmt.Fprintf(out, "queued   %s\n", src.Label)
		case ev := <-finished:
			if f, ok := ev.(*events.JobFinished); ok {
				printFinished(out, labels[f.ItemID], f)
			}
		case <-runCtx.Done():
			break loop
		}
	}
	stop()

	if len(labels) > 0 {
		fmt.Fprintln(errOut, "Stopping, killing running jobs...")
		_ = sess.engine.KillAll(runCtx)
	}
	cancel()
	return g.Wait()
}

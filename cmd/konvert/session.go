package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmunix/konvert/internal/backend"
	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/convert"
	"github.com/vmunix/konvert/internal/engine"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/fetch"
	"github.com/vmunix/konvert/internal/joblog"
	"github.com/vmunix/konvert/internal/naming"
	"github.com/vmunix/konvert/internal/notify"
	"github.com/vmunix/konvert/internal/pipeline"
	"github.com/vmunix/konvert/internal/queue"
	"github.com/vmunix/konvert/internal/tags"
)

// session is everything one conversion run needs, wired together.
type session struct {
	cfg      *config.Config
	journal  *events.EventLog
	bus      *events.Bus
	registry *backend.Registry
	resolver *pipeline.TableResolver
	tags     tags.Engine
	log      *joblog.Logger
	orch     *convert.Orchestrator
	sched    *queue.Scheduler
	engine   *engine.Engine
}

func newSession(cfg *config.Config, jobs int, logger *slog.Logger) (*session, error) {
	journal, err := events.OpenJournal()
	if err != nil {
		return nil, err
	}
	bus := events.NewBus(journal, logger)

	registry, err := backend.FromConfig(cfg.Backends, bus, logger)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("backends: %w", err)
	}
	resolver := pipeline.NewTableResolver(registry.Trunks())

	fetcher := fetch.New(bus, logger)
	fetcher.Register(fetch.NewHTTPTransfer(cfg.Fetch.Timeout), "http", "https")
	if cfg.Fetch.S3 != nil {
		s3, err := fetch.NewS3Transfer(cfg.Fetch.S3)
		if err != nil {
			journal.Close()
			return nil, fmt.Errorf("s3: %w", err)
		}
		fetcher.Register(s3, "s3")
	}

	tagEngine := tags.NewMulti()
	jl := joblog.New(logger)
	orch := convert.New(convert.SettingsFromConfig(cfg), convert.Deps{
		Backends: registry,
		Resolver: resolver,
		Fetcher:  fetcher,
		Tags:     tagEngine,
		Names:    naming.NewRegistry(),
		Log:      jl,
		Notifier: notify.New(logger),
		Bus:      bus,
		Logger:   logger,
	})

	if jobs < 1 {
		jobs = cfg.General.Jobs
	}
	sched := queue.New(orch, queue.NewDeviceLocks(), bus, jobs, logger)
	eng := engine.New(orch, sched, bus, engine.Config{UpdateInterval: cfg.General.UpdateInterval}, logger)

	return &session{
		cfg:      cfg,
		journal:  journal,
		bus:      bus,
		registry: registry,
		resolver: resolver,
		tags:     tagEngine,
		log:      jl,
		orch:     orch,
		sched:    sched,
		engine:   eng,
	}, nil
}

func (s *session) Close() {
	s.bus.Close()
	s.journal.Close()
}

// itemSpec is the command line view of one item.
type itemSpec struct {
	Arg    string
	Device string
	Tracks int
}

// sourceFor describes a queue item. Local files are stat'ed and their tags
// read up front so album tracks can be grouped before they finish.
func sourceFor(cfg *config.Config, te tags.Engine, spec itemSpec, logger *slog.Logger) (convert.Source, error) {
	if spec.Device != "" {
		var track int
		if _, err := fmt.Sscanf(spec.Arg, "%d", &track); err != nil || track < 1 {
			return convert.Source{}, fmt.Errorf("invalid track number %q", spec.Arg)
		}
		return convert.Source{
			Label:  fmt.Sprintf("Track %02d", track),
			Codec:  pipeline.CodecAudioCD,
			Device: spec.Device,
			Track:  track,
			Tracks: spec.Tracks,
		}, nil
	}

	if !fetch.IsLocal(spec.Arg) {
		name := spec.Arg
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
		return convert.Source{
			Label: filepath.Base(name),
			Path:  spec.Arg,
			Codec: cfg.CodecForExtension(filepath.Ext(name)),
		}, nil
	}

	path, err := filepath.Abs(fetch.LocalPath(spec.Arg))
	if err != nil {
		return convert.Source{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return convert.Source{}, err
	}
	if info.IsDir() {
		return convert.Source{}, fmt.Errorf("%s is a directory", spec.Arg)
	}
	src := convert.Source{
		Label: filepath.Base(path),
		Path:  path,
		Codec: cfg.CodecForExtension(filepath.Ext(path)),
		Size:  info.Size(),
	}
	t, err := te.ReadTags(path)
	switch {
	case err == nil:
		src.Tags = t
	case !errors.Is(err, tags.ErrUnsupported):
		logger.Warn("tags unreadable", "path", path, "error", err)
	}
	return src, nil
}

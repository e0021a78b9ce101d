package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/pipeline"
	"github.com/vmunix/konvert/internal/process"
)

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

type trunkSpec struct {
	trunk  pipeline.Trunk
	args   []string
	rgArgs []string
}

type operation struct {
	run      *process.Run
	progress float64
	known    bool
}

// Tool is a backend driven by a command line template from the config.
type Tool struct {
	name     string
	kind     pipeline.Kind
	binary   string
	stdin    string
	stdout   string
	progress *regexp.Regexp
	trunks   []trunkSpec

	bus      *events.Bus
	logger   *slog.Logger
	lookPath func(string) (string, error)

	mu   sync.Mutex
	next OperationID
	ops  map[OperationID]*operation
}

// NewTool builds a tool backend from its config section.
func NewTool(name string, cfg config.BackendConfig, bus *events.Bus, logger *slog.Logger) (*Tool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tool{
		name:     name,
		kind:     pipeline.Kind(cfg.Kind),
		binary:   cfg.Binary,
		stdin:    cfg.Stdin,
		stdout:   cfg.Stdout,
		bus:      bus,
		logger:   logger.With("backend", name),
		lookPath: exec.LookPath,
		ops:      make(map[OperationID]*operation),
	}
	switch t.kind {
	case pipeline.KindCodec, pipeline.KindRipper, pipeline.KindReplayGain:
	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", name, cfg.Kind)
	}
	if cfg.Progress != "" {
		re, err := regexp.Compile(cfg.Progress)
		if err != nil {
			return nil, fmt.Errorf("backend %s: progress pattern: %w", name, err)
		}
		t.progress = re
	}
	for _, tc := range cfg.Trunks {
		t.trunks = append(t.trunks, trunkSpec{
			trunk: pipeline.Trunk{
				From:             strings.ToLower(tc.From),
				To:               strings.ToLower(tc.To),
				Backend:          name,
				Kind:             t.kind,
				Rating:           tc.Rating,
				Streaming:        tc.Streaming,
				InlineReplayGain: tc.InlineReplayGain,
			},
			args:   tc.Args,
			rgArgs: tc.ReplayGainArgs,
		})
	}
	return t, nil
}

func (t *Tool) Name() string        { return t.name }
func (t *Tool) Kind() pipeline.Kind { return t.kind }

// Trunks lists the conversions this tool offers.
func (t *Tool) Trunks() []pipeline.Trunk {
	out := make([]pipeline.Trunk, len(t.trunks))
	for i, s := range t.trunks {
		out[i] = s.trunk
	}
	return out
}

// Available reports whether the binary can be found.
func (t *Tool) Available() bool {
	_, err := t.lookPath(t.binary)
	return err == nil
}

// CommandLine renders the argv for req.
func (t *Tool) CommandLine(req Request) (Command, error) {
	spec, err := t.spec(req)
	if err != nil {
		return Command{}, err
	}
	if err := t.validate(req, spec); err != nil {
		return Command{}, err
	}

	bin, err := t.lookPath(t.binary)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %s: %v", ErrNeedsConfiguration, t.name, err)
	}

	args, err := t.expand(spec, req)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Argv:     append([]string{bin}, args...),
		Progress: t.parseProgress,
	}, nil
}

func (t *Tool) spec(req Request) (trunkSpec, error) {
	from, to := strings.ToLower(req.From), strings.ToLower(req.To)
	for _, s := range t.trunks {
		if s.trunk.From == from && s.trunk.To == to {
			return s, nil
		}
	}
	return trunkSpec{}, fmt.Errorf("%w: %s cannot convert %s to %s", ErrUnsupported, t.name, req.From, req.To)
}

// validate checks the request shape each tool family expects.
func (t *Tool) validate(req Request, spec trunkSpec) error {
	switch t.kind {
	case pipeline.KindReplayGain:
		if len(req.Inputs) == 0 {
			return fmt.Errorf("%w: replay gain needs input files", ErrInvalidRequest)
		}
		return nil
	case pipeline.KindRipper:
		if req.Device == "" || req.Track < 1 {
			return fmt.Errorf("%w: ripping needs a device and a track number", ErrInvalidRequest)
		}
	default:
		if req.Input == "" && !spec.trunk.Streaming {
			return fmt.Errorf("%w: %s", ErrNotStreamable, t.name)
		}
	}
	if req.Output == "" && !spec.trunk.Streaming {
		return fmt.Errorf("%w: %s", ErrNotStreamable, t.name)
	}
	return nil
}

func (t *Tool) expand(spec trunkSpec, req Request) ([]string, error) {
	vars := map[string]string{
		"input":  req.Input,
		"output": req.Output,
		"device": req.Device,
		"track":  strconv.Itoa(req.Track),
		"tracks": strconv.Itoa(req.Tracks),
	}
	if req.Input == "" {
		vars["input"] = t.stdin
	}
	if req.Output == "" {
		vars["output"] = t.stdout
	}
	for k, v := range req.Options {
		if _, reserved := vars[k]; !reserved {
			vars[k] = v
		}
	}

	var out []string
	for _, arg := range spec.args {
		switch arg {
		case "{inputs}":
			out = append(out, req.Inputs...)
			continue
		case "{replaygain}":
			if req.InlineReplayGain {
				out = append(out, spec.rgArgs...)
			}
			continue
		}

		var missing string
		expanded := placeholderPattern.ReplaceAllStringFunc(arg, func(m string) string {
			key := m[1 : len(m)-1]
			if v, ok := vars[key]; ok {
				return v
			}
			missing = key
			return m
		})
		if missing != "" {
			return nil, fmt.Errorf("%w: %s needs option %q", ErrNeedsConfiguration, t.name, missing)
		}
		out = append(out, expanded)
	}
	return out, nil
}

func (t *Tool) parseProgress(line string) (float64, bool) {
	if t.progress == nil {
		return 0, false
	}
	m := t.progress.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0, false
	}
	p, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return min(max(p, 0), 100), true
}

// Start runs the command for req in the background.
func (t *Tool) Start(ctx context.Context, req Request) (OperationID, error) {
	cmd, err := t.CommandLine(req)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.next++
	id := t.next
	op := &operation{}
	t.ops[id] = op
	t.mu.Unlock()

	onLine := func(line string) {
		if p, ok := cmd.Progress(line); ok {
			t.mu.Lock()
			op.progress, op.known = p, true
			t.mu.Unlock()
			return
		}
		t.publish(ctx, events.NewOperationLog(t.name, int64(id), line))
	}

	run, err := process.Start(ctx, [][]string{cmd.Argv}, process.Options{OnLine: onLine})
	if err != nil {
		t.mu.Lock()
		delete(t.ops, id)
		t.mu.Unlock()
		return 0, fmt.Errorf("start %s: %w", t.name, err)
	}

	t.mu.Lock()
	op.run = run
	t.mu.Unlock()

	t.logger.Debug("operation started", "id", id, "command", run.String())

	go func() {
		code, err := run.Wait()
		t.mu.Lock()
		delete(t.ops, id)
		t.mu.Unlock()
		t.logger.Debug("operation finished", "id", id, "exit_code", code)
		t.publish(ctx, events.NewOperationCompleted(t.name, int64(id), code, err))
	}()

	return id, nil
}

func (t *Tool) publish(ctx context.Context, e events.Event) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(ctx, e); err != nil {
		t.logger.Warn("event not delivered", "type", e.EventType(), "error", err)
	}
}

// Cancel kills the operation if it is still running.
func (t *Tool) Cancel(id OperationID) bool {
	t.mu.Lock()
	op, ok := t.ops[id]
	t.mu.Unlock()
	if !ok || op.run == nil {
		return false
	}
	op.run.Kill()
	return true
}

// Progress returns the last percentage parsed from the tool's output.
func (t *Tool) Progress(id OperationID) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return 0, false
	}
	return op.progress, op.known
}

// Package convert drives conversion jobs through fetch, transform and
// replay gain, falling back to the next candidate pipeline when a stage
// fails.
//
// The Orchestrator is not safe for concurrent use. It is owned by a single
// control loop which feeds it completion and log events from the bus.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/vmunix/konvert/internal/backend"
	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/estimate"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/fetch"
	"github.com/vmunix/konvert/internal/joblog"
	"github.com/vmunix/konvert/internal/naming"
	"github.com/vmunix/konvert/internal/pipeline"
	"github.com/vmunix/konvert/internal/tags"
)

// lineRetention bounds how long log lines of unknown or finished
// operations are kept around.
const lineRetention = 10 * time.Second

// Backends looks up a backend by name.
type Backends interface {
	Get(name string) (backend.Backend, error)
}

// Fetcher copies remote sources to local files.
type Fetcher interface {
	Operator
	Start(ctx context.Context, source, dest string) (int64, error)
}

// Notifier launches the post-job command.
type Notifier interface {
	Run(ctx context.Context, template, input, output string) (<-chan error, error)
}

// Settings are the config values the orchestrator needs.
type Settings struct {
	TempDir           string
	SharedMemoryDir   string
	MaxSharedMemoryMB int
	MinRatio          float64
	MinBytes          int64
	ExemptCodecs      []string
	LosslessCodecs    []string
	KeepFailedFiles   bool
	OutputDir         string
	Template          string
	SameDir           bool
	CoverPolicy       string
	CoverName         string
}

// SettingsFromConfig extracts orchestrator settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		TempDir:           cfg.Temp.Dir,
		SharedMemoryDir:   cfg.Temp.SharedMemoryDir,
		MaxSharedMemoryMB: cfg.Temp.MaxSharedMemoryMB,
		MinRatio:          cfg.Sanity.MinRatio,
		MinBytes:          cfg.Sanity.MinBytes,
		ExemptCodecs:      cfg.Sanity.ExemptCodecs,
		LosslessCodecs:    cfg.Codecs.Lossless,
		KeepFailedFiles:   cfg.General.KeepFailedFiles,
		OutputDir:         cfg.Output.Dir,
		Template:          cfg.Output.Template,
		SameDir:           cfg.Output.SameDir,
		CoverPolicy:       cfg.Covers.Policy,
		CoverName:         cfg.Covers.Filename,
	}
}

// Deps are the collaborators of an Orchestrator. Fetcher, Tags and
// Notifier may be nil.
type Deps struct {
	Backends Backends
	Resolver pipeline.Resolver
	Fetcher  Fetcher
	Tags     tags.Engine
	Names    *naming.Registry
	Log      *joblog.Logger
	Notifier Notifier
	Bus      *events.Bus
	Logger   *slog.Logger
}

type opKey struct {
	backend string
	id      int64
}

type owner struct {
	job   *Job
	album *AlbumJob
	ref   *opRef
}

func (o owner) logID() joblog.ID {
	if o.album != nil {
		return o.album.LogID
	}
	return o.job.LogID
}

type pendingLine struct {
	text string
	at   time.Time
}

type retiredOp struct {
	logID joblog.ID
	at    time.Time
}

// Orchestrator runs conversion jobs.
type Orchestrator struct {
	settings Settings
	backends Backends
	resolver pipeline.Resolver
	fetcher  Fetcher
	tags     tags.Engine
	names    *naming.Registry
	renamer  *naming.Renamer
	joblog   *joblog.Logger
	notifier Notifier
	bus      *events.Bus
	logger   *slog.Logger
	pipe     *pipeRunner
	now      func() time.Time
	onState  func(itemID int64, from, to State)

	jobs      map[int64]*Job
	albums    map[int64]*AlbumJob
	ops       map[opKey]owner
	retired   map[opKey]retiredOp
	pending   map[opKey][]pendingLine
	outcomes  []Outcome
	nextAlbum int64
}

// New creates an Orchestrator.
func New(settings Settings, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "convert")
	if deps.Tags == nil {
		deps.Tags = tags.Nop{}
	}
	if deps.Log == nil {
		deps.Log = joblog.New(logger)
	}
	if deps.Names == nil {
		deps.Names = naming.NewRegistry()
	}
	if settings.TempDir == "" {
		settings.TempDir = os.TempDir()
	}
	if settings.OutputDir == "" {
		if wd, err := os.Getwd(); err == nil {
			settings.OutputDir = wd
		}
	}
	return &Orchestrator{
		settings: settings,
		backends: deps.Backends,
		resolver: deps.Resolver,
		fetcher:  deps.Fetcher,
		tags:     deps.Tags,
		names:    deps.Names,
		renamer:  naming.NewRenamer(settings.OutputDir, settings.Template),
		joblog:   deps.Log,
		notifier: deps.Notifier,
		bus:      deps.Bus,
		logger:   logger,
		pipe:     newPipeRunner(deps.Bus, logger),
		now:      time.Now,
		jobs:     make(map[int64]*Job),
		albums:   make(map[int64]*AlbumJob),
		ops:      make(map[opKey]owner),
		retired:  make(map[opKey]retiredOp),
		pending:  make(map[opKey][]pendingLine),
	}
}

// OnStateChange registers fn to be called on every job state change.
// fn runs synchronously and must not call back into the Orchestrator.
func (o *Orchestrator) OnStateChange(fn func(itemID int64, from, to State)) {
	o.onState = fn
}

// Job returns the tracked job for an item.
func (o *Orchestrator) Job(itemID int64) (*Job, bool) {
	j, ok := o.jobs[itemID]
	return j, ok
}

// TakeOutcomes returns and clears the outcomes recorded since the last call.
func (o *Orchestrator) TakeOutcomes() []Outcome {
	out := o.outcomes
	o.outcomes = nil
	return out
}

// Start creates a job for src and begins its first stage. Failures to find
// any pipeline are reported as an outcome, not an error.
func (o *Orchestrator) Start(ctx context.Context, src Source, prof Profile) error {
	if _, ok := o.jobs[src.ItemID]; ok {
		return fmt.Errorf("%w: %d", ErrJobExists, src.ItemID)
	}
	if src.Label == "" {
		src.Label = filepath.Base(src.Path)
	}
	src.Codec = strings.ToLower(src.Codec)
	if src.Ripping() {
		src.Codec = pipeline.CodecAudioCD
	}
	if prof.Extension == "" {
		prof.Extension = prof.Codec
	}

	j := &Job{
		ID:      src.ItemID,
		Source:  src,
		Profile: prof,
		State:   StateIdle,
		Started: o.now(),
	}
	j.LogID = o.joblog.Register(src.Label)
	o.jobs[j.ID] = j

	switch {
	case src.Ripping():
	case fetch.IsLocal(src.Path):
		j.input = fetch.LocalPath(src.Path)
		if j.Source.Tags == nil {
			if t, err := o.tags.ReadTags(j.input); err == nil {
				j.Source.Tags = t
			}
		}
	default:
		j.Mode |= ModeFetch
	}
	if src.Ripping() || src.Codec != prof.Codec {
		j.Mode |= ModeTransform
	}
	if prof.ReplayGain {
		j.Mode |= ModeReplayGain
	}
	if prof.AlbumGain {
		j.Mode |= ModeAlbumGain
	}

	tagged := 0
	if j.Source.Tags != nil {
		tagged = j.Source.Tags.Length
	}
	j.Length = estimate.Length(float64(tagged), src.Size)
	j.inputSize = src.Size

	o.logf(j.LogID, "Converting %s to %s (profile %s, mode %s)", src.Label, prof.Codec, prof.Name, j.Mode)

	if j.Mode.Has(ModeTransform) {
		j.Pipelines = o.resolver.ResolveTransform(src.Codec, prof.Codec, prof.Tool)
		o.logStrategies(j.LogID, j.Pipelines)
	}
	if j.Mode.Has(ModeReplayGain) {
		j.GainPipelines = o.resolver.ResolveReplayGain(prof.Codec, "")
	}
	j.Budget = o.budget(j)

	if j.Mode.Has(ModeTransform) && len(j.Pipelines) == 0 {
		o.logf(j.LogID, "No conversion pipeline from %s to %s", src.Codec, prof.Codec)
		o.terminate(ctx, j, StateNeedsConfiguration, ErrNoCandidates.Error())
		return nil
	}

	o.advance(ctx, j)
	return nil
}

func (o *Orchestrator) logStrategies(id joblog.ID, ps []pipeline.Pipeline) {
	o.logf(id, "Possible conversion strategies:")
	for _, p := range ps {
		o.logf(id, "  %s", p)
	}
}

func (o *Orchestrator) budget(j *Job) estimate.Budget {
	plan := estimate.Plan{
		Fetch:      j.Mode.Has(ModeFetch),
		Transform:  true,
		ReplayGain: j.Mode.Has(ModeReplayGain) || j.Mode.Has(ModeAlbumGain),
	}
	if take := j.Take(); j.Mode.Has(ModeTransform) && take < len(j.Pipelines) {
		p := j.Pipelines[take]
		plan.Split = p.Len() == 2 && !p.Fusable()
	}
	return estimate.NewBudget(estimate.WeightsFor(j.Source.Ripping()), plan, j.Length)
}

// advance starts whatever the job needs next.
func (o *Orchestrator) advance(ctx context.Context, j *Job) {
	switch {
	case j.Mode.Has(ModeFetch) && j.input == "":
		o.startFetch(ctx, j)
	case !j.transformed():
		o.runTransform(ctx, j)
	case j.ReplayGainPending():
		o.runReplayGain(ctx, j)
	case j.Mode.Has(ModeAlbumGain):
		o.waitForAlbumGain(ctx, j)
	default:
		o.complete(ctx, j)
	}
}

// Kill stops a job. Killing an unknown, terminal or already killed job is
// a no-op and returns false.
func (o *Orchestrator) Kill(ctx context.Context, itemID int64) bool {
	j, ok := o.jobs[itemID]
	if !ok || j.State.IsTerminal() || j.killed {
		return false
	}
	j.killed = true
	o.logf(j.LogID, "Killing job")

	if j.album != nil {
		o.killAlbum(ctx, j.album)
		return true
	}
	if j.op != nil {
		// An operation that already exited still delivers its completion,
		// which routes to Stopped.
		j.op.operator.Cancel(j.op.key.id)
		return true
	}
	o.terminate(ctx, j, StateStopped, "killed")
	return true
}

// KillAll stops every job.
func (o *Orchestrator) KillAll(ctx context.Context) {
	ids := make([]int64, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		o.Kill(ctx, id)
	}
}

// HandleEvent feeds a completion or log event into the orchestrator.
func (o *Orchestrator) HandleEvent(ctx context.Context, e events.Event) {
	switch ev := e.(type) {
	case *events.OperationCompleted:
		o.handleCompleted(ctx, ev)
	case *events.OperationLog:
		o.handleLog(ev)
	}
}

func (o *Orchestrator) register(j *Job, a *AlbumJob, key opKey, op Operator, stage estimate.Stage, inline bool) {
	ref := &opRef{key: key, operator: op, stage: stage, inline: inline}
	ow := owner{job: j, album: a, ref: ref}
	if a != nil {
		a.op = ref
		for _, m := range a.Members {
			m.Finished = m.Budget.Before(estimate.StageReplayGain)
		}
	} else {
		j.op = ref
		j.Finished = j.Budget.Before(stage)
	}
	o.ops[key] = ow
	o.flushPending(key, ow.logID())
}

func (o *Orchestrator) handleCompleted(ctx context.Context, ev *events.OperationCompleted) {
	key := opKey{ev.Backend, ev.OperationID}
	ow, ok := o.ops[key]
	if !ok {
		o.logger.Debug("completion for unknown operation", "backend", ev.Backend, "id", ev.OperationID)
		return
	}
	delete(o.ops, key)
	o.retired[key] = retiredOp{logID: ow.logID(), at: o.now()}
	o.flushPending(key, ow.logID())

	if ow.album != nil {
		ow.album.op = nil
		o.albumCompleted(ctx, ow.album, ev)
		return
	}
	j := ow.job
	j.op = nil
	if ow.ref.stage == estimate.StageFetch {
		o.fetchCompleted(ctx, j, ev)
		return
	}
	o.stageCompleted(ctx, j, ow.ref, ev)
}

func isNeedsConfiguration(err error) bool {
	return errors.Is(err, backend.ErrNeedsConfiguration)
}

func failed(ev *events.OperationCompleted) bool {
	return ev.ExitCode != 0 || ev.Error != ""
}

func eventError(ev *events.OperationCompleted) error {
	if ev.Error == "" {
		return nil
	}
	return errors.New(ev.Error)
}

func (o *Orchestrator) handleLog(ev *events.OperationLog) {
	key := opKey{ev.Backend, ev.OperationID}
	if ow, ok := o.ops[key]; ok {
		o.joblog.Log(ow.logID(), ev.Line)
		return
	}
	if r, ok := o.retired[key]; ok {
		o.joblog.Log(r.logID, ev.Line)
		return
	}
	o.pending[key] = append(o.pending[key], pendingLine{text: ev.Line, at: o.now()})
}

func (o *Orchestrator) flushPending(key opKey, id joblog.ID) {
	lines, ok := o.pending[key]
	if !ok {
		return
	}
	delete(o.pending, key)
	for _, l := range lines {
		o.joblog.Log(id, l.text)
	}
}

// Tick flushes log lines whose operation became known and forgets stale ones.
func (o *Orchestrator) Tick() {
	now := o.now()
	for key, lines := range o.pending {
		if ow, ok := o.ops[key]; ok {
			o.flushPending(key, ow.logID())
			continue
		}
		if r, ok := o.retired[key]; ok {
			o.flushPending(key, r.logID)
			continue
		}
		if len(lines) > 0 && now.Sub(lines[len(lines)-1].at) > lineRetention {
			delete(o.pending, key)
		}
	}
	for key, r := range o.retired {
		if now.Sub(r.at) > lineRetention {
			delete(o.retired, key)
		}
	}
}

// JobSample is the progress of one tracked job.
type JobSample struct {
	ItemID int64
	Label  string
	State  State
	Sample estimate.Sample
	Budget float64
}

// Progress samples every tracked job, polling running operations.
func (o *Orchestrator) Progress() []JobSample {
	ids := make([]int64, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	out := make([]JobSample, 0, len(ids))
	for _, id := range ids {
		j := o.jobs[id]
		s := estimate.Sample{Finished: j.Finished, Known: true}
		ref := j.op
		if j.album != nil {
			ref = j.album.op
		}
		if ref != nil {
			s.StageBudget = j.Budget.Of(ref.stage)
			s.Percent, s.Known = ref.operator.Progress(ref.key.id)
		}
		out = append(out, JobSample{
			ItemID: j.ID,
			Label:  j.Source.Label,
			State:  j.State,
			Sample: s,
			Budget: j.Budget.Total(),
		})
	}
	return out
}

// Shutdown cancels every running operation and removes temporary and
// partial files without reporting outcomes.
func (o *Orchestrator) Shutdown() {
	for _, j := range o.jobs {
		if j.op != nil {
			j.op.operator.Cancel(j.op.key.id)
		}
		o.cleanupTemp(j)
		if !o.settings.KeepFailedFiles {
			removeFile(j.work)
		}
		o.names.Release(j.ID)
	}
	for _, a := range o.albums {
		if a.op != nil {
			a.op.operator.Cancel(a.op.key.id)
		}
	}
	clear(o.jobs)
	clear(o.albums)
	clear(o.ops)
}

func (o *Orchestrator) setState(ctx context.Context, j *Job, to State) {
	from := j.State
	if from == to {
		return
	}
	if !from.CanTransitionTo(to) {
		o.logger.Error("invalid state transition", "item_id", j.ID, "from", from, "to", to)
	}
	j.State = to
	if o.onState != nil {
		o.onState(j.ID, from, to)
	}
	o.publish(ctx, &events.JobStateChanged{
		BaseEvent: events.NewBaseEvent(events.EventJobStateChanged, events.EntityJob, j.ID),
		ItemID:    j.ID,
		From:      string(from),
		To:        string(to),
		Pipeline:  j.Take(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, e); err != nil {
		o.logger.Warn("failed to publish event", "type", e.EventType(), "error", err)
	}
}

func (o *Orchestrator) logf(id joblog.ID, format string, args ...any) {
	o.joblog.Log(id, fmt.Sprintf(format, args...))
}

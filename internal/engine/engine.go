// Package engine runs the single control loop that owns the scheduler and
// the orchestrator.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vmunix/konvert/internal/convert"
	"github.com/vmunix/konvert/internal/estimate"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/queue"
)

// Tick interval bounds.
const (
	MinInterval = 100 * time.Millisecond
	MaxInterval = 5 * time.Second
)

// ErrNotRunning is returned by commands posted after the loop exited.
var ErrNotRunning = errors.New("engine is not running")

// Config for the engine.
type Config struct {
	UpdateInterval time.Duration
}

// Interval returns the tick interval clamped to its bounds.
func (c Config) Interval() time.Duration {
	return min(max(c.UpdateInterval, MinInterval), MaxInterval)
}

type command struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Engine feeds bus events, ticks and commands to the orchestrator and the
// scheduler from one goroutine.
type Engine struct {
	orch    *convert.Orchestrator
	sched   *queue.Scheduler
	bus     *events.Bus
	tracker *estimate.Tracker
	config  Config
	logger  *slog.Logger

	completions <-chan events.Event
	logs        <-chan events.Event
	commands    chan command
	stopped     chan struct{}
	finished    float64
}

// New wires orch and sched together. It subscribes to operation events
// right away, so it must be called before any backend starts publishing.
func New(orch *convert.Orchestrator, sched *queue.Scheduler, bus *events.Bus, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	bus.MarkTransient(events.EventOperationLog, events.EventProgressUpdated)
	orch.OnStateChange(sched.Mirror)
	return &Engine{
		orch:        orch,
		sched:       sched,
		bus:         bus,
		tracker:     estimate.NewTracker(nil),
		config:      cfg,
		logger:      logger.With("component", "engine"),
		completions: bus.SubscribeReliable(events.EventOperationCompleted, 64),
		logs:        bus.SubscribeReliable(events.EventOperationLog, 256),
		commands:    make(chan command),
		stopped:     make(chan struct{}),
	}
}

// Run drives the loop until ctx is canceled. Running operations are
// cancelled and temporary files removed on the way out.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(e.stopped)
		return e.loop(ctx)
	})
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.config.Interval())
	defer ticker.Stop()
	defer e.orch.Shutdown()

	e.logger.Debug("engine started", "interval", e.config.Interval())
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("engine stopping")
			return ctx.Err()
		case ev, ok := <-e.completions:
			if !ok {
				return nil
			}
			e.orch.HandleEvent(ctx, ev)
			e.drain(ctx)
		case ev, ok := <-e.logs:
			if !ok {
				return nil
			}
			e.orch.HandleEvent(ctx, ev)
		case c := <-e.commands:
			c.fn(ctx)
			e.drain(ctx)
			close(c.done)
		case <-ticker.C:
			e.orch.Tick()
			e.publishProgress(ctx)
		}
	}
}

// drain hands queued outcomes to the scheduler until none are left.
// Admitting new items can finish jobs synchronously, hence the loop.
func (e *Engine) drain(ctx context.Context) {
	for {
		outs := e.orch.TakeOutcomes()
		if len(outs) == 0 {
			return
		}
		for _, out := range outs {
			if out.State.IsTerminal() {
				e.tracker.Finish(out.Budget)
				e.finished += out.Budget
			}
			e.sched.OnTerminal(ctx, out)
		}
	}
}

// Do runs fn on the control loop and waits for it.
func (e *Engine) Do(ctx context.Context, fn func(ctx context.Context)) error {
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case e.commands <- c:
	case <-e.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-e.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue adds an item and returns its id.
func (e *Engine) Enqueue(ctx context.Context, src convert.Source, prof convert.Profile) (int64, error) {
	var id int64
	err := e.Do(ctx, func(ctx context.Context) {
		id = e.sched.Enqueue(ctx, src, prof).ID
	})
	return id, err
}

// Submit adds an item and resumes a halted queue without requeueing the
// items that already finished.
func (e *Engine) Submit(ctx context.Context, src convert.Source, prof convert.Profile) (int64, error) {
	var id int64
	err := e.Do(ctx, func(ctx context.Context) {
		if e.sched.Halted() {
			e.tracker.Start()
			e.finished = 0
		}
		id = e.sched.Enqueue(ctx, src, prof).ID
		e.sched.Resume(ctx)
	})
	return id, err
}

// StartAll starts the queue. A queue that had halted begins a new run
// for progress accounting.
func (e *Engine) StartAll(ctx context.Context) error {
	return e.Do(ctx, func(ctx context.Context) {
		if e.sched.Halted() {
			e.tracker.Start()
			e.finished = 0
		}
		e.sched.StartAll(ctx)
	})
}

// StopAll stops admitting new jobs.
func (e *Engine) StopAll(ctx context.Context) error {
	return e.Do(ctx, e.sched.StopAll)
}

// KillAll kills every running job.
func (e *Engine) KillAll(ctx context.Context) error {
	return e.Do(ctx, e.sched.KillAll)
}

// KillOne kills one item.
func (e *Engine) KillOne(ctx context.Context, id int64) error {
	var kerr error
	if err := e.Do(ctx, func(ctx context.Context) {
		kerr = e.sched.KillOne(ctx, id)
	}); err != nil {
		return err
	}
	return kerr
}

// Items returns a snapshot of the queue.
func (e *Engine) Items(ctx context.Context) ([]queue.Item, error) {
	var items []queue.Item
	err := e.Do(ctx, func(context.Context) {
		items = e.sched.Items()
	})
	return items, err
}

// publishProgress folds every tracked job into one ProgressUpdated.
func (e *Engine) publishProgress(ctx context.Context) {
	samples := e.orch.Progress()
	if len(samples) == 0 && !e.sched.Running() {
		return
	}

	total := e.finished
	active := make([]estimate.Sample, 0, len(samples))
	jobs := make([]events.JobProgress, 0, len(samples))
	for _, s := range samples {
		active = append(active, s.Sample)
		total += s.Budget
		jobs = append(jobs, events.JobProgress{
			ItemID:  s.ItemID,
			Label:   s.Label,
			State:   string(s.State),
			Percent: s.Sample.Percent,
			Known:   s.Sample.Known,
		})
	}
	if e.sched.Running() {
		for _, it := range e.sched.Items() {
			if it.Waiting() {
				total += itemLength(it)
			}
		}
	}
	e.tracker.SetTotal(total)
	snap := e.tracker.Snapshot(active)
	eta := -1.0
	if snap.ETAKnown {
		eta = snap.ETA.Seconds()
	}

	if err := e.bus.Publish(ctx, &events.ProgressUpdated{
		BaseEvent:  events.NewBaseEvent(events.EventProgressUpdated, events.EntityQueue, 0),
		Processed:  snap.Processed,
		Total:      snap.Total,
		ETASeconds: eta,
		Unknown:    snap.Unknown,
		Jobs:       jobs,
	}); err != nil {
		e.logger.Debug("progress not delivered", "error", err)
	}
}

func itemLength(it queue.Item) float64 {
	tagged := 0
	if it.Source.Tags != nil {
		tagged = it.Source.Tags.Length
	}
	return estimate.Length(float64(tagged), it.Source.Size)
}

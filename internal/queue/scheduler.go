// Package queue admits conversion items under a concurrency cap and
// per-device exclusivity, and hands finished album tracks to album gain.
//
// The Scheduler is not safe for concurrent use; like the orchestrator it
// belongs to the engine's control loop.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vmunix/konvert/internal/convert"
	"github.com/vmunix/konvert/internal/events"
)

// ErrUnknownItem is returned for ids not in the queue.
var ErrUnknownItem = errors.New("unknown queue item")

// Runner starts and stops conversion jobs.
type Runner interface {
	Start(ctx context.Context, src convert.Source, prof convert.Profile) error
	Kill(ctx context.Context, itemID int64) bool
	StartAlbumGain(ctx context.Context, album, codec string, itemIDs []int64) (int64, error)
}

// Item is one entry of the queue. State mirrors the job state; Idle means
// the item is waiting to be admitted.
type Item struct {
	ID      int64
	Source  convert.Source
	Profile convert.Profile
	State   convert.State
	Reason  string
	Output  string
}

// Waiting reports whether the item is queued but not admitted.
func (it *Item) Waiting() bool { return it.State == convert.StateIdle }

// Summary counts items by terminal state.
type Summary struct {
	Completed          int
	Failed             int
	Stopped            int
	NeedsConfiguration int
}

// Scheduler owns the item list.
type Scheduler struct {
	runner  Runner
	devices *DeviceLocks
	bus     *events.Bus
	logger  *slog.Logger
	limit   int

	items   []*Item
	byID    map[int64]*Item
	nextID  int64
	running bool
	halted  bool
}

// New creates a Scheduler admitting at most limit jobs at a time.
func New(runner Runner, devices *DeviceLocks, bus *events.Bus, limit int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if devices == nil {
		devices = NewDeviceLocks()
	}
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{
		runner:  runner,
		devices: devices,
		bus:     bus,
		logger:  logger.With("component", "queue"),
		limit:   limit,
		byID:    make(map[int64]*Item),
		halted:  true,
	}
}

// Enqueue appends an item. A zero Source.ItemID is assigned. Items added
// while the queue runs are admitted as capacity allows.
func (s *Scheduler) Enqueue(ctx context.Context, src convert.Source, prof convert.Profile) *Item {
	if src.ItemID == 0 {
		s.nextID++
		src.ItemID = s.nextID
	} else if src.ItemID > s.nextID {
		s.nextID = src.ItemID
	}
	it := &Item{ID: src.ItemID, Source: src, Profile: prof, State: convert.StateIdle}
	s.items = append(s.items, it)
	s.byID[it.ID] = it
	s.logger.Debug("item queued", "item_id", it.ID, "label", src.Label, "profile", prof.Name)
	if s.running {
		s.admit(ctx)
	}
	return it
}

// Items returns a snapshot of the queue in list order.
func (s *Scheduler) Items() []Item {
	out := make([]Item, len(s.items))
	for i, it := range s.items {
		out[i] = *it
	}
	return out
}

// Item returns a snapshot of one item.
func (s *Scheduler) Item(id int64) (Item, bool) {
	it, ok := s.byID[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Running reports whether the queue admits new jobs.
func (s *Scheduler) Running() bool { return s.running }

// StartAll requeues stopped, failed and unconfigured items and starts
// admitting.
func (s *Scheduler) StartAll(ctx context.Context) {
	for _, it := range s.items {
		switch it.State {
		case convert.StateStopped, convert.StateFailed, convert.StateNeedsConfiguration:
			it.State = convert.StateIdle
			it.Reason = ""
		}
	}
	s.running = true
	s.halted = false
	s.logger.Info("queue started", "items", len(s.items), "jobs", s.limit)
	s.admit(ctx)
	s.batch(ctx)
	s.checkHalted(ctx)
}

// Resume admits waiting items again after the queue halted. Unlike
// StartAll it leaves stopped and failed items alone.
func (s *Scheduler) Resume(ctx context.Context) {
	if s.running {
		return
	}
	s.running = true
	s.halted = false
	s.admit(ctx)
	s.batch(ctx)
	s.checkHalted(ctx)
}

// StopAll stops admitting. Active jobs run to completion.
func (s *Scheduler) StopAll(ctx context.Context) {
	s.running = false
	s.logger.Info("queue stopping")
	s.batch(ctx)
	s.checkHalted(ctx)
}

// KillAll stops admitting and kills every running job.
func (s *Scheduler) KillAll(ctx context.Context) {
	s.running = false
	for _, it := range s.items {
		if it.State.IsActive() || it.State == convert.StateWaitingForAlbumGain {
			s.runner.Kill(ctx, it.ID)
		}
	}
	s.checkHalted(ctx)
}

// KillOne kills a running job or marks a waiting item stopped.
func (s *Scheduler) KillOne(ctx context.Context, id int64) error {
	it, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownItem, id)
	}
	switch {
	case it.Waiting():
		it.State = convert.StateStopped
		it.Reason = "killed"
		s.batch(ctx)
		s.checkHalted(ctx)
	case it.State.IsTerminal():
	default:
		s.runner.Kill(ctx, id)
	}
	return nil
}

// Mirror copies a job state change onto its item. It matches the
// orchestrator's state hook.
func (s *Scheduler) Mirror(itemID int64, _, to convert.State) {
	if it, ok := s.byID[itemID]; ok {
		it.State = to
	}
}

// OnTerminal records a job outcome, starts album batches that became
// ready and admits the next waiting items.
func (s *Scheduler) OnTerminal(ctx context.Context, out convert.Outcome) {
	it, ok := s.byID[out.ItemID]
	if !ok {
		s.logger.Warn("outcome for unknown item", "item_id", out.ItemID)
		return
	}
	it.State = out.State
	it.Reason = out.Reason
	if out.Output != "" {
		it.Output = out.Output
	}
	if dev := it.Source.Device; dev != "" {
		s.devices.Release(dev, it.ID)
	}
	s.logger.Debug("item left active set", "item_id", it.ID, "state", out.State)

	s.batch(ctx)
	s.admit(ctx)
	s.checkHalted(ctx)
}

// admit starts waiting items in list order until the cap is reached.
// Items whose device is busy are skipped over.
func (s *Scheduler) admit(ctx context.Context) {
	if !s.running {
		return
	}
	for _, it := range s.items {
		if s.active() >= s.limit {
			return
		}
		if !it.Waiting() {
			continue
		}
		dev := it.Source.Device
		if dev != "" && !s.devices.TryAcquire(dev, it.ID) {
			continue
		}

		s.publish(ctx, &events.JobAdmitted{
			BaseEvent: events.NewBaseEvent(events.EventJobAdmitted, events.EntityJob, it.ID),
			ItemID:    it.ID,
			Label:     it.Source.Label,
			Profile:   it.Profile.Name,
			Device:    dev,
		})
		if err := s.runner.Start(ctx, it.Source, it.Profile); err != nil {
			s.logger.Error("start failed", "item_id", it.ID, "error", err)
			it.State = convert.StateFailed
			it.Reason = err.Error()
			if dev != "" {
				s.devices.Release(dev, it.ID)
			}
		}
	}
}

func (s *Scheduler) active() int {
	n := 0
	for _, it := range s.items {
		if it.State.IsActive() {
			n++
		}
	}
	return n
}

// batch starts album gain for every ready group. It runs whether or not
// the queue admits new items.
func (s *Scheduler) batch(ctx context.Context) {
	for _, g := range Batches(s.items, s.running) {
		id, err := s.runner.StartAlbumGain(ctx, g.Album, g.Codec, g.IDs())
		if err != nil {
			s.logger.Error("album gain not started", "album", g.Album, "items", g.IDs(), "error", err)
			continue
		}
		s.logger.Info("album gain started", "album_id", id, "album", g.Album, "tracks", len(g.Items))
	}
}

// checkHalted fires QueueStopped once nothing is left to run.
func (s *Scheduler) checkHalted(ctx context.Context) {
	if s.halted {
		return
	}
	for _, it := range s.items {
		if it.State.IsActive() || it.State == convert.StateWaitingForAlbumGain {
			return
		}
		if s.running && it.Waiting() {
			return
		}
	}
	s.halted = true
	s.running = false

	sum := s.Summary()
	s.logger.Info("queue stopped", "completed", sum.Completed, "failed", sum.Failed,
		"stopped", sum.Stopped, "needs_configuration", sum.NeedsConfiguration)
	s.publish(ctx, &events.QueueStopped{
		BaseEvent:          events.NewBaseEvent(events.EventQueueStopped, events.EntityQueue, 0),
		Completed:          sum.Completed,
		Failed:             sum.Failed,
		Stopped:            sum.Stopped,
		NeedsConfiguration: sum.NeedsConfiguration,
	})
}

// Halted reports whether the queue has stopped with nothing left to run.
func (s *Scheduler) Halted() bool { return s.halted }

// Summary counts items by terminal state.
func (s *Scheduler) Summary() Summary {
	var sum Summary
	for _, it := range s.items {
		switch it.State {
		case convert.StateCompleted:
			sum.Completed++
		case convert.StateFailed:
			sum.Failed++
		case convert.StateStopped:
			sum.Stopped++
		case convert.StateNeedsConfiguration:
			sum.NeedsConfiguration++
		}
	}
	return sum
}

func (s *Scheduler) publish(ctx context.Context, e events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.logger.Warn("failed to publish event", "type", e.EventType(), "error", err)
	}
}

package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmunix/konvert/internal/convert"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/tags"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner mirrors state changes back into the scheduler the way the
// orchestrator's state hook does.
type fakeRunner struct {
	sched    *Scheduler
	started  []int64
	killed   []int64
	albums   [][]int64
	startErr map[int64]error
}

func (r *fakeRunner) Start(_ context.Context, src convert.Source, _ convert.Profile) error {
	if err := r.startErr[src.ItemID]; err != nil {
		return err
	}
	r.started = append(r.started, src.ItemID)
	r.sched.Mirror(src.ItemID, convert.StateIdle, convert.StateConverting)
	return nil
}

func (r *fakeRunner) Kill(_ context.Context, id int64) bool {
	r.killed = append(r.killed, id)
	return true
}

func (r *fakeRunner) StartAlbumGain(_ context.Context, _, _ string, ids []int64) (int64, error) {
	r.albums = append(r.albums, ids)
	for _, id := range ids {
		r.sched.Mirror(id, convert.StateWaitingForAlbumGain, convert.StateApplyingReplayGain)
	}
	return int64(len(r.albums)), nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	sched  *Scheduler
	runner *fakeRunner
	bus    *events.Bus
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	bus := events.NewBus(nil, testLogger())
	t.Cleanup(func() { bus.Close() })
	r := &fakeRunner{startErr: make(map[int64]error)}
	s := New(r, NewDeviceLocks(), bus, limit, testLogger())
	r.sched = s
	return &fixture{t: t, ctx: context.Background(), sched: s, runner: r, bus: bus}
}

var mp3 = convert.Profile{Name: "mp3", Codec: "mp3"}

func albumProfile() convert.Profile {
	p := mp3
	p.AlbumGain = true
	return p
}

func (f *fixture) add(label string) *Item {
	return f.sched.Enqueue(f.ctx, convert.Source{Label: label, Path: "/music/" + label}, mp3)
}

func (f *fixture) addTrack(label, album string) *Item {
	src := convert.Source{Label: label, Path: "/music/" + label, Tags: &tags.Tags{Album: album, Title: label}}
	return f.sched.Enqueue(f.ctx, src, albumProfile())
}

// finish reports an outcome the way the engine does: state hook first,
// then the drained outcome.
func (f *fixture) finish(id int64, state convert.State) {
	f.t.Helper()
	it, ok := f.sched.Item(id)
	require.True(f.t, ok)
	f.sched.Mirror(id, it.State, state)
	f.sched.OnTerminal(f.ctx, convert.Outcome{ItemID: id, State: state})
}

func (f *fixture) states() []convert.State {
	var out []convert.State
	for _, it := range f.sched.Items() {
		out = append(out, it.State)
	}
	return out
}

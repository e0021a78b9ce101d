package convert

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmunix/konvert/internal/backend"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/joblog"
	"github.com/vmunix/konvert/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend records requests and writes output bytes the moment an
// operation starts. Completion is driven by the test. leftover records
// whether the output path already existed when each request came in.
type fakeBackend struct {
	name     string
	kind     pipeline.Kind
	output   []byte
	startErr error
	percent  float64

	next     backend.OperationID
	starts   []backend.Request
	leftover []bool
	canceled []backend.OperationID
}

func newFake(name string) *fakeBackend {
	return &fakeBackend{name: name, kind: pipeline.KindCodec, output: make([]byte, 1000), percent: 50}
}

func (f *fakeBackend) Name() string        { return f.name }
func (f *fakeBackend) Kind() pipeline.Kind { return f.kind }

func (f *fakeBackend) Start(_ context.Context, req backend.Request) (backend.OperationID, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.next++
	f.starts = append(f.starts, req)
	_, err := os.Stat(req.Output)
	f.leftover = append(f.leftover, req.Output != "" && err == nil)
	if req.Output != "" && f.output != nil {
		if err := os.WriteFile(req.Output, f.output, 0644); err != nil {
			return 0, err
		}
	}
	return f.next, nil
}

func (f *fakeBackend) CommandLine(backend.Request) (backend.Command, error) {
	return backend.Command{}, backend.ErrNotStreamable
}

func (f *fakeBackend) Cancel(id backend.OperationID) bool {
	f.canceled = append(f.canceled, id)
	return true
}

func (f *fakeBackend) Progress(backend.OperationID) (float64, bool) {
	return f.percent, true
}

type backendSet map[string]backend.Backend

func (s backendSet) Get(name string) (backend.Backend, error) {
	b, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrNeedsConfiguration, name)
	}
	return b, nil
}

func codecTrunk(from, to, name string, rating int) pipeline.Trunk {
	return pipeline.Trunk{From: from, To: to, Backend: name, Kind: pipeline.KindCodec, Rating: rating}
}

func gainTrunk(codec, name string) pipeline.Trunk {
	return pipeline.Trunk{From: codec, To: codec, Backend: name, Kind: pipeline.KindReplayGain, Rating: 100}
}

var mp3Profile = Profile{Name: "mp3", Codec: "mp3", Extension: "mp3"}

type transition struct {
	item     int64
	from, to State
}

type harness struct {
	t           *testing.T
	ctx         context.Context
	o           *Orchestrator
	log         *joblog.Logger
	backends    backendSet
	outDir      string
	srcDir      string
	transitions []transition
	nextID      int64
}

func newHarness(t *testing.T, trunks []pipeline.Trunk, bs ...backend.Backend) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		log:      joblog.New(testLogger()),
		backends: backendSet{},
		outDir:   t.TempDir(),
		srcDir:   t.TempDir(),
	}
	for _, b := range bs {
		h.backends[b.Name()] = b
	}
	h.o = New(Settings{
		TempDir:     t.TempDir(),
		MinRatio:    0.01,
		MinBytes:    100,
		OutputDir:   h.outDir,
		CoverPolicy: CoversNever,
	}, Deps{
		Backends: h.backends,
		Resolver: pipeline.NewTableResolver(trunks),
		Log:      h.log,
		Logger:   testLogger(),
	})
	h.o.OnStateChange(func(id int64, from, to State) {
		h.transitions = append(h.transitions, transition{id, from, to})
	})
	return h
}

// source writes a small file but reports size as its estimated input size.
func (h *harness) source(name string, size int64) Source {
	h.t.Helper()
	path := filepath.Join(h.srcDir, name)
	require.NoError(h.t, os.WriteFile(path, []byte("source"), 0644))
	h.nextID++
	return Source{
		ItemID: h.nextID,
		Path:   path,
		Codec:  strings.TrimPrefix(filepath.Ext(name), "."),
		Size:   size,
	}
}

func (h *harness) start(src Source, prof Profile) *Job {
	h.t.Helper()
	require.NoError(h.t, h.o.Start(h.ctx, src, prof))
	j, _ := h.o.Job(src.ItemID)
	return j
}

// finish completes the most recent operation of b.
func (h *harness) finish(b *fakeBackend, code int) {
	h.o.HandleEvent(h.ctx, events.NewOperationCompleted(b.name, int64(b.next), code, nil))
}

func (h *harness) outcomes() []Outcome {
	return h.o.TakeOutcomes()
}

func (h *harness) statesOf(item int64) []State {
	var out []State
	for _, tr := range h.transitions {
		if tr.item == item {
			out = append(out, tr.to)
		}
	}
	return out
}

func (h *harness) lines(id joblog.ID) string {
	var b strings.Builder
	for _, l := range h.log.Lines(id) {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/vmunix/konvert/internal/backend"
	"github.com/vmunix/konvert/internal/backend/mocks"
	"github.com/vmunix/konvert/internal/estimate"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/fetch"
	"github.com/vmunix/konvert/internal/pipeline"
	"github.com/vmunix/konvert/internal/process"
	"github.com/vmunix/konvert/internal/tags"
)

func TestOrchestrator_SingleTrunkCompletes(t *testing.T) {
	lame := newFake("lame")
	h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
	src := h.source("song.flac", 10<<20)

	j := h.start(src, mp3Profile)
	require.NotNil(t, j)
	assert.Equal(t, StateConverting, j.State)
	require.Len(t, lame.starts, 1)
	assert.Equal(t, src.Path, lame.starts[0].Input)
	assert.Equal(t, filepath.Dir(j.Output()), filepath.Dir(lame.starts[0].Output))

	h.finish(lame, 0)

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StateCompleted, out[0].State)
	assert.Equal(t, filepath.Join(h.outDir, "song.mp3"), out[0].Output)
	assert.Equal(t, int64(1000), out[0].Size)
	assert.InDelta(t, out[0].Budget, out[0].Finished, 1e-9)
	assert.InDelta(t, estimate.Length(0, 10<<20), out[0].Budget, 1e-9)

	entries, err := os.ReadDir(h.outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "working file must be renamed, not copied")
	assert.Equal(t, "song.mp3", entries[0].Name())

	_, ok := h.o.Job(src.ItemID)
	assert.False(t, ok)
	assert.Equal(t, []State{StateConverting, StateCompleted}, h.statesOf(src.ItemID))
}

func TestOrchestrator_StartTwice(t *testing.T) {
	lame := newFake("lame")
	h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
	src := h.source("song.flac", 10<<20)

	h.start(src, mp3Profile)
	err := h.o.Start(h.ctx, src, mp3Profile)
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestOrchestrator_NoCandidates(t *testing.T) {
	h := newHarness(t, nil)
	src := h.source("song.flac", 10<<20)

	require.NoError(t, h.o.Start(h.ctx, src, mp3Profile))

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StateNeedsConfiguration, out[0].State)
	assert.Equal(t, ErrNoCandidates.Error(), out[0].Reason)
}

func TestOrchestrator_FallsBackThroughCandidates(t *testing.T) {
	a, b, c := newFake("a"), newFake("b"), newFake("c")
	h := newHarness(t, []pipeline.Trunk{
		codecTrunk("flac", "mp3", "a", 100),
		codecTrunk("flac", "mp3", "b", 90),
		codecTrunk("flac", "mp3", "c", 80),
	}, a, b, c)
	src := h.source("song.flac", 10<<20)

	j := h.start(src, mp3Profile)
	require.Len(t, a.starts, 1)
	assert.Empty(t, b.starts)

	h.finish(a, 1)
	assert.Equal(t, 1, j.Take())
	require.Len(t, b.starts, 1)
	assert.Empty(t, c.starts)
	assert.Equal(t, a.starts[0].Output, b.starts[0].Output)
	assert.Equal(t, []bool{false}, b.leftover, "output of the failed attempt was not removed")

	h.finish(b, 1)
	assert.Equal(t, 2, j.Take())
	require.Len(t, c.starts, 1)
	assert.Equal(t, []bool{false}, c.leftover, "output of the failed attempt was not removed")

	h.finish(c, 2)

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StateFailed, out[0].State)
	assert.Len(t, j.Attempts, 3)
	assert.Equal(t, 3, j.Take())

	states := h.statesOf(src.ItemID)
	assert.Equal(t, StateFailed, states[len(states)-1])
	assert.Len(t, a.starts, 1)
	assert.Len(t, b.starts, 1)
	assert.Len(t, c.starts, 1)

	entries, err := os.ReadDir(h.outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrchestrator_ExhaustionReportsNeedsConfiguration(t *testing.T) {
	tests := []struct {
		name     string
		trunks   []pipeline.Trunk
		failures int
		want     State
	}{
		{
			name: "last candidate not configured",
			trunks: []pipeline.Trunk{
				codecTrunk("flac", "mp3", "a", 100),
				codecTrunk("flac", "mp3", "missing", 90),
			},
			failures: 1,
			want:     StateNeedsConfiguration,
		},
		{
			name: "last candidate failed",
			trunks: []pipeline.Trunk{
				codecTrunk("flac", "mp3", "missing", 100),
				codecTrunk("flac", "mp3", "a", 90),
			},
			failures: 1,
			want:     StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newFake("a")
			h := newHarness(t, tt.trunks, a)
			src := h.source("song.flac", 10<<20)

			h.start(src, mp3Profile)
			for i := 0; i < tt.failures; i++ {
				h.finish(a, 1)
			}

			out := h.outcomes()
			require.Len(t, out, 1)
			assert.Equal(t, tt.want, out[0].State)
		})
	}
}

func TestOrchestrator_UnconfiguredToolFallsThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	toolA := mocks.NewMockBackend(ctrl)
	toolA.EXPECT().
		Start(gomock.Any(), gomock.Any()).
		Return(backend.OperationID(0), fmt.Errorf("%w: toolA binary not found", backend.ErrNeedsConfiguration))

	toolB := newFake("toolB")
	h := newHarness(t, []pipeline.Trunk{
		codecTrunk("flac", "mp3", "toolA", 100),
		codecTrunk("flac", "mp3", "toolB", 80),
	}, toolB)
	h.backends["toolA"] = toolA

	src := h.source("track.flac", 30<<20)
	src.Tags = &tags.Tags{Length: 180}
	j := h.start(src, mp3Profile)

	require.Len(t, toolB.starts, 1)
	require.Len(t, j.Attempts, 1)
	assert.Equal(t, OutcomeNeedsConfiguration, j.Attempts[0].Outcome)
	assert.Equal(t, 1, j.Take())
	logID := j.LogID

	h.finish(toolB, 0)

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StateCompleted, out[0].State)
	assert.InDelta(t, 180.0, out[0].Budget, 1e-9)
	assert.InDelta(t, 180.0, out[0].Finished, 1e-9)
	assert.Contains(t, h.lines(logID), "Possible conversion strategies:")
	assert.Contains(t, h.lines(logID), "Trying pipeline 2 of 2")
}

func TestOrchestrator_Kill(t *testing.T) {
	lame := newFake("lame")
	h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
	src := h.source("song.flac", 10<<20)

	j := h.start(src, mp3Profile)
	work := lame.starts[0].Output
	require.FileExists(t, work)

	assert.True(t, h.o.Kill(h.ctx, src.ItemID))
	assert.True(t, j.Killed())
	assert.Len(t, lame.canceled, 1)

	assert.False(t, h.o.Kill(h.ctx, src.ItemID), "second kill is a no-op")
	assert.Len(t, lame.canceled, 1)

	h.finish(lame, process.ExitKilled)

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StateStopped, out[0].State)
	assert.NoFileExists(t, work)
	assert.False(t, h.o.Kill(h.ctx, src.ItemID), "terminal job")
	assert.False(t, h.o.Kill(h.ctx, 999), "unknown job")
}

func TestOrchestrator_KillAfterExitStillStops(t *testing.T) {
	lame := newFake("lame")
	h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
	src := h.source("song.flac", 10<<20)

	h.start(src, mp3Profile)
	require.True(t, h.o.Kill(h.ctx, src.ItemID))
	// the tool exited cleanly before the cancel landed
	h.finish(lame, 0)

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StateStopped, out[0].State)
}

func TestOrchestrator_KeepFailedFiles(t *testing.T) {
	lame := newFake("lame")
	h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
	h.o.settings.KeepFailedFiles = true
	src := h.source("song.flac", 10<<20)

	h.start(src, mp3Profile)
	work := lame.starts[0].Output
	h.o.Kill(h.ctx, src.ItemID)
	h.finish(lame, process.ExitKilled)

	require.Len(t, h.outcomes(), 1)
	assert.FileExists(t, work)
}

func TestOrchestrator_OutputTooSmall(t *testing.T) {
	t.Run("second undersized output fails", func(t *testing.T) {
		lame := newFake("lame")
		lame.output = make([]byte, 50)
		h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
		src := h.source("song.flac", 10<<20)

		j := h.start(src, mp3Profile)
		h.finish(lame, 0)

		assert.Empty(t, h.outcomes())
		require.Len(t, lame.starts, 2, "same pipeline is retried once")
		assert.Equal(t, 0, j.Take())
		assert.Equal(t, OutcomeTooSmall, j.Attempts[0].Outcome)

		h.finish(lame, 0)

		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateFailed, out[0].State)
		assert.Equal(t, ErrOutputTooSmall.Error(), out[0].Reason)
		assert.Len(t, lame.starts, 2)
	})

	t.Run("retry with plausible output completes", func(t *testing.T) {
		lame := newFake("lame")
		lame.output = make([]byte, 50)
		h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
		src := h.source("song.flac", 10<<20)

		h.start(src, mp3Profile)
		lame.output = make([]byte, 1000)
		h.finish(lame, 0)
		h.finish(lame, 0)

		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateCompleted, out[0].State)
	})

	t.Run("exempt codec", func(t *testing.T) {
		enc := newFake("speexenc")
		enc.output = make([]byte, 50)
		h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "speex", "speexenc", 100)}, enc)
		h.o.settings.ExemptCodecs = []string{"speex"}
		src := h.source("song.flac", 10<<20)

		h.start(src, Profile{Name: "speex", Codec: "speex", Extension: "spx"})
		h.finish(enc, 0)

		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateCompleted, out[0].State)
		assert.Len(t, enc.starts, 1)
	})
}

func TestOrchestrator_SameCodecCopies(t *testing.T) {
	h := newHarness(t, nil)
	src := h.source("song.mp3", 10<<20)

	require.NoError(t, h.o.Start(h.ctx, src, mp3Profile))

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StateCompleted, out[0].State)
	data, err := os.ReadFile(out[0].Output)
	require.NoError(t, err)
	assert.Equal(t, "source", string(data))
}

func TestOrchestrator_ReplayGain(t *testing.T) {
	gainProfile := mp3Profile
	gainProfile.ReplayGain = true

	t.Run("inline", func(t *testing.T) {
		lame, mp3gain := newFake("lame"), newFake("mp3gain")
		mp3gain.kind = pipeline.KindReplayGain
		tr := codecTrunk("flac", "mp3", "lame", 100)
		tr.InlineReplayGain = true
		h := newHarness(t, []pipeline.Trunk{tr, gainTrunk("mp3", "mp3gain")}, lame, mp3gain)
		src := h.source("song.flac", 10<<20)

		h.start(src, gainProfile)
		require.Len(t, lame.starts, 1)
		assert.True(t, lame.starts[0].InlineReplayGain)

		h.finish(lame, 0)

		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateCompleted, out[0].State)
		assert.Empty(t, mp3gain.starts)
		assert.InDelta(t, out[0].Budget, out[0].Finished, 1e-9)
	})

	t.Run("separate stage", func(t *testing.T) {
		lame, mp3gain := newFake("lame"), newFake("mp3gain")
		mp3gain.kind = pipeline.KindReplayGain
		h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100), gainTrunk("mp3", "mp3gain")}, lame, mp3gain)
		src := h.source("song.flac", 10<<20)

		j := h.start(src, gainProfile)
		assert.False(t, lame.starts[0].InlineReplayGain)
		h.finish(lame, 0)

		require.Len(t, mp3gain.starts, 1)
		assert.Equal(t, []string{lame.starts[0].Output}, mp3gain.starts[0].Inputs)
		assert.Equal(t, StateApplyingReplayGain, j.State)
		assert.InDelta(t, j.Budget.Before(estimate.StageReplayGain), j.Finished, 1e-9)

		h.finish(mp3gain, 0)

		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateCompleted, out[0].State)
	})

	t.Run("fallback pipeline without inline gain", func(t *testing.T) {
		a, b, mp3gain := newFake("a"), newFake("b"), newFake("mp3gain")
		mp3gain.kind = pipeline.KindReplayGain
		inline := codecTrunk("flac", "mp3", "a", 100)
		inline.InlineReplayGain = true
		h := newHarness(t, []pipeline.Trunk{inline, codecTrunk("flac", "mp3", "b", 90), gainTrunk("mp3", "mp3gain")}, a, b, mp3gain)
		src := h.source("song.flac", 10<<20)

		j := h.start(src, gainProfile)
		h.finish(a, 1)
		h.finish(b, 0)

		assert.True(t, j.ReplayGainPending())
		assert.Equal(t, StateApplyingReplayGain, j.State)
		require.Len(t, mp3gain.starts, 1)
		h.finish(mp3gain, 0)

		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateCompleted, out[0].State)
	})

	t.Run("gain tool failure", func(t *testing.T) {
		lame, mp3gain := newFake("lame"), newFake("mp3gain")
		mp3gain.kind = pipeline.KindReplayGain
		h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100), gainTrunk("mp3", "mp3gain")}, lame, mp3gain)
		src := h.source("song.flac", 10<<20)

		h.start(src, gainProfile)
		h.finish(lame, 0)
		h.finish(mp3gain, 1)

		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateFailed, out[0].State)
		assert.Len(t, lame.starts, 1, "transform is not rerun")
	})

	t.Run("no gain tool", func(t *testing.T) {
		lame := newFake("lame")
		h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
		src := h.source("song.flac", 10<<20)

		h.start(src, gainProfile)
		h.finish(lame, 0)

		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateNeedsConfiguration, out[0].State)
	})
}

func TestOrchestrator_DecodeThenEncode(t *testing.T) {
	dec, enc := newFake("flacdec"), newFake("lame")
	h := newHarness(t, []pipeline.Trunk{
		codecTrunk("flac", "wav", "flacdec", 100),
		codecTrunk("wav", "mp3", "lame", 100),
	}, dec, enc)
	src := h.source("song.flac", 10<<20)

	j := h.start(src, mp3Profile)
	assert.Equal(t, StateDecoding, j.State)
	assert.Greater(t, j.Budget.Decode, 0.0)
	assert.Zero(t, j.Budget.Convert)
	require.Len(t, dec.starts, 1)
	intermediate := dec.starts[0].Output
	require.FileExists(t, intermediate)

	h.finish(dec, 0)
	assert.Equal(t, StateEncoding, j.State)
	require.Len(t, enc.starts, 1)
	assert.Equal(t, intermediate, enc.starts[0].Input)
	assert.InDelta(t, j.Budget.Decode, j.Finished, 1e-9)

	h.finish(enc, 0)

	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StateCompleted, out[0].State)
	assert.NoFileExists(t, intermediate)
	assert.Equal(t, []State{StateDecoding, StateEncoding, StateCompleted}, h.statesOf(src.ItemID))
}

func TestOrchestrator_EncodeFailureFallsBackToNextPipeline(t *testing.T) {
	dec, enc, direct := newFake("flacdec"), newFake("lame"), newFake("ffmpeg")
	h := newHarness(t, []pipeline.Trunk{
		codecTrunk("flac", "wav", "flacdec", 100),
		codecTrunk("wav", "mp3", "lame", 100),
		codecTrunk("flac", "mp3", "ffmpeg", 50),
	}, dec, enc, direct)
	src := h.source("song.flac", 10<<20)

	j := h.start(src, mp3Profile)
	require.Len(t, dec.starts, 1)
	intermediate := dec.starts[0].Output

	h.finish(dec, 0)
	h.finish(enc, 1)

	assert.NoFileExists(t, intermediate)
	assert.Equal(t, 1, j.Take())
	require.Len(t, direct.starts, 1)
	assert.Equal(t, StateConverting, j.State)

	h.finish(direct, 0)
	out := h.outcomes()
	require.Len(t, out, 1)
	assert.Equal(t, StateCompleted, out[0].State)
}

func TestOrchestrator_AlbumGain(t *testing.T) {
	albumProfile := mp3Profile
	albumProfile.AlbumGain = true

	setup := func(t *testing.T) (*harness, *fakeBackend, *fakeBackend, []int64) {
		lame, mp3gain := newFake("lame"), newFake("mp3gain")
		mp3gain.kind = pipeline.KindReplayGain
		h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100), gainTrunk("mp3", "mp3gain")}, lame, mp3gain)
		var ids []int64
		for _, name := range []string{"one.flac", "two.flac", "three.flac"} {
			src := h.source(name, 10<<20)
			h.start(src, albumProfile)
			h.finish(lame, 0)
			ids = append(ids, src.ItemID)
		}
		waiting := h.outcomes()
		require.Len(t, waiting, 3)
		for _, w := range waiting {
			assert.Equal(t, StateWaitingForAlbumGain, w.State)
			assert.Less(t, w.Finished, w.Budget)
		}
		return h, lame, mp3gain, ids
	}

	t.Run("success completes every member", func(t *testing.T) {
		h, lame, mp3gain, ids := setup(t)

		_, err := h.o.StartAlbumGain(h.ctx, "Album", "mp3", ids)
		require.NoError(t, err)
		require.Len(t, mp3gain.starts, 1)
		assert.Len(t, mp3gain.starts[0].Inputs, 3)
		for i, in := range mp3gain.starts[0].Inputs {
			assert.Equal(t, lame.starts[i].Output, in)
		}
		for _, id := range ids {
			j, ok := h.o.Job(id)
			require.True(t, ok)
			assert.Equal(t, StateApplyingReplayGain, j.State)
		}

		h.finish(mp3gain, 0)

		out := h.outcomes()
		require.Len(t, out, 3)
		for _, o := range out {
			assert.Equal(t, StateCompleted, o.State)
			assert.FileExists(t, o.Output)
			assert.InDelta(t, o.Budget, o.Finished, 1e-9)
		}
	})

	t.Run("failure fails every member", func(t *testing.T) {
		h, _, mp3gain, ids := setup(t)

		_, err := h.o.StartAlbumGain(h.ctx, "Album", "mp3", ids)
		require.NoError(t, err)
		h.finish(mp3gain, 1)

		out := h.outcomes()
		require.Len(t, out, 3)
		for _, o := range out {
			assert.Equal(t, StateFailed, o.State)
		}
		entries, err := os.ReadDir(h.outDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("killing one member stops the batch", func(t *testing.T) {
		h, _, mp3gain, ids := setup(t)

		_, err := h.o.StartAlbumGain(h.ctx, "Album", "mp3", ids)
		require.NoError(t, err)
		assert.True(t, h.o.Kill(h.ctx, ids[1]))
		assert.Len(t, mp3gain.canceled, 1)
		assert.False(t, h.o.Kill(h.ctx, ids[0]), "batch already killed")

		h.finish(mp3gain, process.ExitKilled)

		out := h.outcomes()
		require.Len(t, out, 3)
		for _, o := range out {
			assert.Equal(t, StateStopped, o.State)
		}
	})

	t.Run("members must be waiting", func(t *testing.T) {
		h, _, _, ids := setup(t)

		_, err := h.o.StartAlbumGain(h.ctx, "Album", "mp3", append(ids, 42))
		assert.ErrorIs(t, err, ErrUnknownJob)

		_, err = h.o.StartAlbumGain(h.ctx, "Album", "mp3", ids[:1])
		require.NoError(t, err)
		_, err = h.o.StartAlbumGain(h.ctx, "Album", "mp3", ids)
		assert.ErrorIs(t, err, ErrNotWaiting)
	})

	t.Run("killing a waiting member", func(t *testing.T) {
		h, _, _, ids := setup(t)

		assert.True(t, h.o.Kill(h.ctx, ids[0]))
		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateStopped, out[0].State)
	})
}

type fakeFetcher struct {
	next     int64
	dests    []string
	canceled []int64
}

func (f *fakeFetcher) Start(_ context.Context, _, dest string) (int64, error) {
	f.next++
	f.dests = append(f.dests, dest)
	return f.next, os.WriteFile(dest, make([]byte, 2000), 0644)
}

func (f *fakeFetcher) Cancel(id int64) bool {
	f.canceled = append(f.canceled, id)
	return true
}

func (f *fakeFetcher) Progress(int64) (float64, bool) { return 0, false }

func TestOrchestrator_Fetch(t *testing.T) {
	tests := []struct {
		name string
		code int
		want State
	}{
		{"aborted", fetch.ExitAborted, StateStopped},
		{"failed", fetch.ExitFailed, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{}
			h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, newFake("lame"))
			h.o.fetcher = f

			j := h.start(Source{ItemID: 1, Path: "https://example.com/a.flac", Codec: "flac"}, mp3Profile)
			assert.Equal(t, StateFetching, j.State)
			require.Len(t, f.dests, 1)

			h.o.HandleEvent(h.ctx, events.NewOperationCompleted(fetch.Name, f.next, tt.code, nil))

			out := h.outcomes()
			require.Len(t, out, 1)
			assert.Equal(t, tt.want, out[0].State)
			assert.NoFileExists(t, f.dests[0])
		})
	}

	t.Run("success converts the fetched file", func(t *testing.T) {
		f := &fakeFetcher{}
		lame := newFake("lame")
		h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
		h.o.fetcher = f

		j := h.start(Source{ItemID: 1, Path: "https://example.com/a.flac?sig=1", Codec: "flac"}, mp3Profile)
		assert.True(t, j.Mode.Has(ModeFetch))
		assert.Greater(t, j.Budget.Fetch, 0.0)
		assert.Equal(t, ".flac", filepath.Ext(f.dests[0]))

		h.o.HandleEvent(h.ctx, events.NewOperationCompleted(fetch.Name, f.next, fetch.ExitOK, nil))
		require.Len(t, lame.starts, 1)
		assert.Equal(t, f.dests[0], lame.starts[0].Input)
		assert.InDelta(t, j.Budget.Fetch, j.Finished, 1e-9)

		h.finish(lame, 0)
		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateCompleted, out[0].State)
		assert.Equal(t, filepath.Join(h.outDir, "a.mp3"), out[0].Output)
		assert.NoFileExists(t, f.dests[0])
	})

	t.Run("remote without fetcher", func(t *testing.T) {
		h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, newFake("lame"))
		require.NoError(t, h.o.Start(h.ctx, Source{ItemID: 1, Path: "https://example.com/a.flac", Codec: "flac"}, mp3Profile))

		out := h.outcomes()
		require.Len(t, out, 1)
		assert.Equal(t, StateFailed, out[0].State)
	})
}

func TestOrchestrator_LogLines(t *testing.T) {
	lame := newFake("lame")
	h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
	src := h.source("song.flac", 10<<20)

	// the tool prints before the orchestrator learns the operation id
	h.o.HandleEvent(h.ctx, events.NewOperationLog("lame", 1, "early line"))
	j := h.start(src, mp3Profile)
	logID := j.LogID
	assert.Contains(t, h.lines(logID), "early line")

	h.o.HandleEvent(h.ctx, events.NewOperationLog("lame", 1, "running"))
	h.finish(lame, 0)
	h.o.HandleEvent(h.ctx, events.NewOperationLog("lame", 1, "late line"))

	lines := h.lines(logID)
	assert.Contains(t, lines, "running")
	assert.Contains(t, lines, "late line")
	assert.Contains(t, lines, "Output file: ")
}

func TestOrchestrator_TickForgetsStaleLines(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Now()
	h.o.now = func() time.Time { return now }

	h.o.HandleEvent(h.ctx, events.NewOperationLog("lame", 7, "orphan"))
	h.o.Tick()
	assert.Len(t, h.o.pending, 1)

	now = now.Add(lineRetention + time.Second)
	h.o.Tick()
	assert.Empty(t, h.o.pending)
}

func TestOrchestrator_Progress(t *testing.T) {
	lame := newFake("lame")
	lame.percent = 40
	h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
	src := h.source("song.flac", 10<<20)

	j := h.start(src, mp3Profile)

	samples := h.o.Progress()
	require.Len(t, samples, 1)
	s := samples[0]
	assert.Equal(t, src.ItemID, s.ItemID)
	assert.Equal(t, StateConverting, s.State)
	assert.True(t, s.Sample.Known)
	assert.InDelta(t, 40.0, s.Sample.Percent, 1e-9)
	assert.InDelta(t, j.Budget.Convert, s.Sample.StageBudget, 1e-9)
	assert.InDelta(t, j.Budget.Total(), s.Budget, 1e-9)
}

func TestOrchestrator_Shutdown(t *testing.T) {
	lame := newFake("lame")
	h := newHarness(t, []pipeline.Trunk{codecTrunk("flac", "mp3", "lame", 100)}, lame)
	src := h.source("song.flac", 10<<20)

	h.start(src, mp3Profile)
	work := lame.starts[0].Output

	h.o.Shutdown()

	assert.Len(t, lame.canceled, 1)
	assert.NoFileExists(t, work)
	assert.Empty(t, h.o.Progress())
	assert.Empty(t, h.outcomes())
}

func TestOrchestrator_FusedPipe(t *testing.T) {
	bus := events.NewBus(nil, testLogger())
	completions := bus.SubscribeReliable(events.EventOperationCompleted, 4)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})

	dec, enc := newStreamer("flacdec"), newStreamer("lame")
	decTrunk := codecTrunk("flac", "wav", "flacdec", 100)
	decTrunk.Streaming = true
	encTrunk := codecTrunk("wav", "mp3", "lame", 100)
	encTrunk.Streaming = true

	h := newHarness(t, []pipeline.Trunk{decTrunk, encTrunk}, dec, enc)
	h.ctx = ctx
	h.o.bus = bus
	h.o.pipe = newPipeRunner(bus, testLogger())
	src := h.source("song.flac", 0)

	j := h.start(src, mp3Profile)
	assert.Equal(t, StateConverting, j.State)
	assert.Zero(t, j.Budget.Decode, "fused pipelines are budgeted as one convert")

	var ev events.Event
	for ev == nil {
		select {
		case e := <-completions:
			if c := e.(*events.OperationCompleted); c.Backend == pipeName {
				ev = e
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pipe did not complete")
		}
	}
	h.o.HandleEvent(ctx, ev)

	out := h.outcomes()
	require.Len(t, out, 1)
	require.Equal(t, StateCompleted, out[0].State, out[0].Reason)
	data, err := os.ReadFile(out[0].Output)
	require.NoError(t, err)
	assert.Equal(t, "source", string(data))
}

// streamer builds shell command lines that copy stdin to stdout through
// the named file arguments.
type streamer struct {
	*fakeBackend
}

func newStreamer(name string) *streamer {
	return &streamer{fakeBackend: newFake(name)}
}

func (s *streamer) CommandLine(req backend.Request) (backend.Command, error) {
	switch {
	case req.Input != "":
		return backend.Command{Argv: []string{"sh", "-c", `cat "$1"`, "sh", req.Input}}, nil
	case req.Output != "":
		return backend.Command{Argv: []string{"sh", "-c", `cat > "$1"`, "sh", req.Output}}, nil
	}
	return backend.Command{Argv: []string{"cat"}}, nil
}

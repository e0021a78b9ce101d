package backend_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmunix/konvert/internal/backend"
	"github.com/vmunix/konvert/internal/backend/mocks"
	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/pipeline"
	"go.uber.org/mock/gomock"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	b.EXPECT().Name().Return("toolA").AnyTimes()

	r := backend.NewRegistry()
	r.Register(b, pipeline.Trunk{From: "wav", To: "mp3", Backend: "toolA", Kind: pipeline.KindCodec, Rating: 100})

	got, err := r.Get("toolA")
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, []string{"toolA"}, r.Names())
	assert.Len(t, r.Trunks(), 1)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, backend.ErrNeedsConfiguration)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()

	r, err := backend.FromConfig(cfg.Backends, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	names := r.Names()
	assert.Equal(t, "cdparanoia", names[0], "backends are registered in name order")
	assert.Contains(t, names, "lame")

	resolver := pipeline.NewTableResolver(r.Trunks())
	ps := resolver.ResolveTransform("flac", "mp3", "")
	require.NotEmpty(t, ps)
	assert.Equal(t, []string{"flac", "lame"}, ps[0].Backends())

	rg := resolver.ResolveReplayGain("mp3", "")
	require.Len(t, rg, 1)
	assert.Equal(t, pipeline.KindReplayGain, rg[0].First().Kind)
}

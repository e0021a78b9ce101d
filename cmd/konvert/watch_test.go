package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/convert"
	"github.com/vmunix/konvert/internal/pipeline"
)

func testWatcher(t *testing.T, settle time.Duration) *dirWatcher {
	t.Helper()
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	reg, err := loadRegistry(cfg, io.Discard)
	require.NoError(t, err)
	return newDirWatcher(cfg, pipeline.NewTableResolver(reg.Trunks()), convert.Profile{Name: "mp3", Codec: "mp3"}, settle)
}

func TestDirWatcher_Accepts(t *testing.T) {
	w := testWatcher(t, time.Second)
	dir := t.TempDir()

	tests := []struct {
		name string
		want bool
	}{
		{"track.flac", true},
		{"take.WAV", true},
		{"done.mp3", false},
		{"notes.txt", false},
		{"track.flac.part", false},
		{".track.flac", false},
		{"README", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.accepts(filepath.Join(dir, tt.name)))
		})
	}
}

func TestDirWatcher_SettlesWrites(t *testing.T) {
	w := testWatcher(t, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "track.flac")

	w.handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Create})
	for i := 0; i < 3; i++ {
		w.handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
	}
	w.handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Chmod})

	select {
	case got := <-w.ready:
		assert.Equal(t, path, got)
	case <-time.After(2 * time.Second):
		t.Fatal("file never settled")
	}
	assert.True(t, w.take(path))

	select {
	case got := <-w.ready:
		t.Fatalf("settled twice: %s", got)
	case <-time.After(100 * time.Millisecond):
	}

	// later writes to a queued file are ignored
	w.handle(ctx, fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Empty(t, w.pending)
	assert.False(t, w.take(path))
}

func TestWatchCmd_RejectsSameDir(t *testing.T) {
	path := writeConfig(t)
	dir := t.TempDir()

	_, err := execute(t, "--config", path, "watch", "--output", dir, "--profile=", "--tool=", dir)
	assert.ErrorContains(t, err, "is the watched directory")
}

func TestWatchCmd_NotADirectory(t *testing.T) {
	path := writeConfig(t)

	_, err := execute(t, "--config", path, "watch", "--output=", "--profile=", "--tool=", path)
	assert.ErrorContains(t, err, "is not a directory")
}

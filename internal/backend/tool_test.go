package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lameConfig() config.BackendConfig {
	return config.BackendConfig{
		Kind:     "codec",
		Binary:   "lame",
		Progress: `\(\s*(\d+)%\)`,
		Stdin:    "-",
		Stdout:   "-",
		Trunks: []config.TrunkConfig{
			{From: "wav", To: "mp3", Rating: 100, Streaming: true, Args: []string{"-b", "{bitrate}", "{input}", "{output}"}},
			{From: "mp3", To: "wav", Rating: 90, Args: []string{"--decode", "{input}", "{output}"}},
		},
	}
}

func fakeLookPath(found bool) func(string) (string, error) {
	return func(name string) (string, error) {
		if !found {
			return "", errors.New("executable file not found in $PATH")
		}
		return "/usr/bin/" + name, nil
	}
}

func newTestTool(t *testing.T, name string, cfg config.BackendConfig, bus *events.Bus) *Tool {
	t.Helper()
	tool, err := NewTool(name, cfg, bus, testLogger())
	require.NoError(t, err)
	return tool
}

func TestTool_Trunks(t *testing.T) {
	tool := newTestTool(t, "lame", lameConfig(), nil)

	trunks := tool.Trunks()
	require.Len(t, trunks, 2)
	assert.Equal(t, pipeline.Trunk{From: "wav", To: "mp3", Backend: "lame", Kind: pipeline.KindCodec, Rating: 100, Streaming: true}, trunks[0])
	assert.Equal(t, pipeline.KindCodec, tool.Kind())
	assert.Equal(t, "lame", tool.Name())
}

func TestTool_CommandLine(t *testing.T) {
	tool := newTestTool(t, "lame", lameConfig(), nil)
	tool.lookPath = fakeLookPath(true)

	cmd, err := tool.CommandLine(Request{
		From: "wav", To: "mp3", Input: "/in.wav", Output: "/out.mp3",
		Options: map[string]string{"bitrate": "192"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/lame", "-b", "192", "/in.wav", "/out.mp3"}, cmd.Argv)

	stream, err := tool.CommandLine(Request{From: "wav", To: "mp3", Output: "/out.mp3", Options: map[string]string{"bitrate": "128"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/lame", "-b", "128", "-", "/out.mp3"}, stream.Argv)
}

func TestTool_CommandLineErrors(t *testing.T) {
	tool := newTestTool(t, "lame", lameConfig(), nil)
	tool.lookPath = fakeLookPath(true)

	_, err := tool.CommandLine(Request{From: "flac", To: "mp3", Input: "a", Output: "b"})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = tool.CommandLine(Request{From: "mp3", To: "wav", Output: "/out.wav"})
	assert.ErrorIs(t, err, ErrNotStreamable)

	_, err = tool.CommandLine(Request{From: "wav", To: "mp3", Input: "a", Output: "b"})
	assert.ErrorIs(t, err, ErrNeedsConfiguration, "missing bitrate option")

	tool.lookPath = fakeLookPath(false)
	_, err = tool.CommandLine(Request{From: "wav", To: "mp3", Input: "a", Output: "b", Options: map[string]string{"bitrate": "1"}})
	assert.ErrorIs(t, err, ErrNeedsConfiguration)
	assert.False(t, tool.Available())
}

func TestTool_InlineReplayGainArgs(t *testing.T) {
	cfg := config.BackendConfig{
		Kind:   "codec",
		Binary: "flac",
		Trunks: []config.TrunkConfig{{
			From: "wav", To: "flac", InlineReplayGain: true,
			Args:           []string{"-f", "{replaygain}", "-o", "{output}", "{input}"},
			ReplayGainArgs: []string{"--replay-gain"},
		}},
	}
	tool := newTestTool(t, "flac", cfg, nil)
	tool.lookPath = fakeLookPath(true)

	with, err := tool.CommandLine(Request{From: "wav", To: "flac", Input: "in", Output: "out", InlineReplayGain: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/flac", "-f", "--replay-gain", "-o", "out", "in"}, with.Argv)

	without, err := tool.CommandLine(Request{From: "wav", To: "flac", Input: "in", Output: "out"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/flac", "-f", "-o", "out", "in"}, without.Argv)
}

func TestTool_ReplayGainAndRipperRequests(t *testing.T) {
	rg := newTestTool(t, "mp3gain", config.BackendConfig{
		Kind: "replaygain", Binary: "mp3gain",
		Trunks: []config.TrunkConfig{{From: "mp3", To: "mp3", Args: []string{"-a", "{inputs}"}}},
	}, nil)
	rg.lookPath = fakeLookPath(true)

	cmd, err := rg.CommandLine(Request{From: "mp3", To: "mp3", Inputs: []string{"1.mp3", "2.mp3"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/mp3gain", "-a", "1.mp3", "2.mp3"}, cmd.Argv)

	_, err = rg.CommandLine(Request{From: "mp3", To: "mp3"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	ripper := newTestTool(t, "cdparanoia", config.BackendConfig{
		Kind: "ripper", Binary: "cdparanoia", Stdout: "-",
		Trunks: []config.TrunkConfig{{From: "audiocd", To: "wav", Streaming: true, Args: []string{"-d", "{device}", "{track}", "{output}"}}},
	}, nil)
	ripper.lookPath = fakeLookPath(true)

	cmd, err = ripper.CommandLine(Request{From: "audiocd", To: "wav", Device: "/dev/sr0", Track: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/cdparanoia", "-d", "/dev/sr0", "3", "-"}, cmd.Argv)

	_, err = ripper.CommandLine(Request{From: "audiocd", To: "wav", Output: "x.wav"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTool_ParseProgress(t *testing.T) {
	tool := newTestTool(t, "lame", lameConfig(), nil)

	p, ok := tool.parseProgress("  1234/5678   ( 42%)| 0:01/ 0:03")
	require.True(t, ok)
	assert.Equal(t, 42.0, p)

	_, ok = tool.parseProgress("LAME 3.100 64bits")
	assert.False(t, ok)

	silent := newTestTool(t, "oggdec", config.BackendConfig{Kind: "codec", Binary: "oggdec"}, nil)
	_, ok = silent.parseProgress("50%")
	assert.False(t, ok)
}

func TestNewTool_Errors(t *testing.T) {
	_, err := NewTool("x", config.BackendConfig{Kind: "muxer"}, nil, nil)
	assert.Error(t, err)

	_, err = NewTool("x", config.BackendConfig{Kind: "codec", Progress: "(("}, nil, nil)
	assert.Error(t, err)
}

func TestTool_StartPublishesCompletion(t *testing.T) {
	bus := events.NewBus(nil, testLogger())
	defer bus.Close()
	done := bus.SubscribeReliable(events.EventOperationCompleted, 4)
	logs := bus.SubscribeReliable(events.EventOperationLog, 16)

	out := filepath.Join(t.TempDir(), "out.txt")
	tool := newTestTool(t, "shell", config.BackendConfig{
		Kind: "codec", Binary: "sh", Progress: `(\d+)% done`,
		Trunks: []config.TrunkConfig{{
			From: "txt", To: "copy",
			Args: []string{"-c", "echo 50% done; echo copying; cp {input} {output}", "sh"},
		}},
	}, bus)

	in := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(in, []byte("payload"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// drain log lines so the publisher never blocks
	go func() {
		for range logs {
		}
	}()

	id, err := tool.Start(ctx, Request{From: "txt", To: "copy", Input: in, Output: out})
	require.NoError(t, err)

	select {
	case e := <-done:
		c := e.(*events.OperationCompleted)
		assert.Equal(t, "shell", c.Backend)
		assert.Equal(t, int64(id), c.OperationID)
		assert.Equal(t, 0, c.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for completion")
	}

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, known := tool.Progress(id)
	assert.False(t, known, "finished operations are forgotten")
	assert.False(t, tool.Cancel(id))
}

func TestTool_CancelReportsKilled(t *testing.T) {
	bus := events.NewBus(nil, testLogger())
	defer bus.Close()
	done := bus.SubscribeReliable(events.EventOperationCompleted, 4)

	tool := newTestTool(t, "sleeper", config.BackendConfig{
		Kind: "codec", Binary: "sleep",
		Trunks: []config.TrunkConfig{{From: "a", To: "b", Args: []string{"30"}}},
	}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := tool.Start(ctx, Request{From: "a", To: "b", Input: "x", Output: "y"})
	require.NoError(t, err)
	assert.True(t, tool.Cancel(id))

	select {
	case e := <-done:
		assert.NotEqual(t, 0, e.(*events.OperationCompleted).ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for killed completion")
	}
}

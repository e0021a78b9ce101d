package tags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulti_Dispatch(t *testing.T) {
	m := NewMulti()

	_, err := m.ReadTags("/music/song.mp3")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, m.WriteCovers("/music/song.ogg", nil), ErrUnsupported)

	path := writeTestFLAC(t, 5)
	upper := filepath.Join(filepath.Dir(path), "TRACK.FLAC")
	require.NoError(t, os.Rename(path, upper))

	got, err := m.ReadTags(upper)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Length)
}

func TestTags_Empty(t *testing.T) {
	var nilTags *Tags
	assert.True(t, nilTags.Empty())
	assert.True(t, (&Tags{Genre: "Rock", Length: 10}).Empty())
	assert.False(t, (&Tags{Album: "A"}).Empty())
}

func TestSaveCovers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cover-1.png"), []byte("old"), 0644))

	written, err := SaveCovers(dir, "cover", []Cover{
		{MIME: "image/jpeg", Data: []byte("jpg")},
		{MIME: "image/png", Data: []byte("png")},
		{MIME: "image/gif", Data: []byte("gif")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "cover.jpg"),
		filepath.Join(dir, "cover-2.gif"),
	}, written)

	data, err := os.ReadFile(filepath.Join(dir, "cover-1.png"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

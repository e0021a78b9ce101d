package tags

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-flac/go-flac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestFLAC creates a metadata-only FLAC file with a STREAMINFO
// block describing seconds of 44.1 kHz audio.
func writeTestFLAC(t *testing.T, seconds int) string {
	t.Helper()

	info := make([]byte, 34)
	rate := uint32(44100)
	total := uint64(rate) * uint64(seconds)
	info[10] = byte(rate >> 12)
	info[11] = byte(rate >> 4)
	info[12] = byte(rate<<4) | 0x02 // two channels
	info[13] = 0xF0 | byte(total>>32&0x0F)
	binary.BigEndian.PutUint32(info[14:18], uint32(total))

	data := []byte("fLaC")
	data = append(data, 0x80|byte(flac.StreamInfo), 0, 0, byte(len(info)))
	data = append(data, info...)

	path := filepath.Join(t.TempDir(), "track.flac")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestStreamLength(t *testing.T) {
	path := writeTestFLAC(t, 183)

	got, err := FLACEngine{}.ReadTags(path)
	require.NoError(t, err)
	assert.Equal(t, 183, got.Length)
	assert.True(t, got.Empty())
}

func TestFLACEngine_TagsRoundTrip(t *testing.T) {
	path := writeTestFLAC(t, 60)
	e := FLACEngine{}

	in := &Tags{
		Artist: "Miles Davis",
		Album:  "Kind of Blue",
		Title:  "So What",
		Genre:  "Jazz",
		Track:  1,
		Tracks: 5,
		Disc:   1,
		Year:   1959,
	}
	require.NoError(t, e.WriteTags(path, in))

	got, err := e.ReadTags(path)
	require.NoError(t, err)
	in.Length = 60
	assert.Equal(t, in, got)
}

func TestFLACEngine_WriteTagsKeepsForeignFields(t *testing.T) {
	path := writeTestFLAC(t, 10)

	f, err := readFile(path)
	require.NoError(t, err)
	vc := &vorbisComment{Vendor: "reference libFLAC", Comments: []string{
		"TITLE=Old", "MUSICBRAINZ_TRACKID=abc", "REPLAYGAIN_TRACK_GAIN=-6.1 dB",
	}}
	f.Meta = append(f.Meta, &flac.MetaDataBlock{Type: flac.VorbisComment, Data: vc.marshal()})
	require.NoError(t, f.Save(path))

	require.NoError(t, FLACEngine{}.WriteTags(path, &Tags{Title: "New", Track: 3}))

	f, err = readMeta(path)
	require.NoError(t, err)
	var got *vorbisComment
	for _, b := range f.Meta {
		if b.Type == flac.VorbisComment {
			got, err = parseVorbisComment(b.Data)
			require.NoError(t, err)
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, "reference libFLAC", got.Vendor)
	assert.ElementsMatch(t, []string{
		"MUSICBRAINZ_TRACKID=abc", "REPLAYGAIN_TRACK_GAIN=-6.1 dB", "TITLE=New", "TRACKNUMBER=3",
	}, got.Comments)
}

func appendBytes(t *testing.T, path string, b ...byte) {
	t.Helper()
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fh.Write(b)
	require.NoError(t, err)
	require.NoError(t, fh.Close())
}

func TestFLACEngine_ShortFrameData(t *testing.T) {
	tests := []struct {
		name   string
		frames []byte
	}{
		{"no frames", nil},
		{"one byte", []byte{0xFF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTestFLAC(t, 0)
			appendBytes(t, path, tt.frames...)
			e := NewMulti()

			got, err := e.ReadTags(path)
			require.NoError(t, err)
			assert.Equal(t, 0, got.Length)

			covers, err := e.ReadCovers(path)
			require.NoError(t, err)
			assert.Empty(t, covers)

			require.NoError(t, e.WriteTags(path, &Tags{Title: "Silence"}))
			got, err = e.ReadTags(path)
			require.NoError(t, err)
			assert.Equal(t, "Silence", got.Title)
		})
	}
}

func TestFLACEngine_KeepsFrames(t *testing.T) {
	path := writeTestFLAC(t, 1)
	frames := []byte{0xFF, 0xF8, 0x69, 0x08, 0x00, 0x17}
	appendBytes(t, path, frames...)

	require.NoError(t, FLACEngine{}.WriteTags(path, &Tags{Artist: "Low"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, frames, data[len(data)-len(frames):])
}

func TestFLACEngine_BadSyncCode(t *testing.T) {
	path := writeTestFLAC(t, 1)
	appendBytes(t, path, 'I', 'D', '3')

	_, err := FLACEngine{}.ReadTags(path)
	require.NoError(t, err)

	err = FLACEngine{}.WriteTags(path, &Tags{Artist: "Low"})
	assert.ErrorIs(t, err, flac.ErrorNoSyncCode)
}

func TestFLACEngine_Covers(t *testing.T) {
	path := writeTestFLAC(t, 10)
	e := FLACEngine{}

	covers := []Cover{
		{Type: FrontCover, MIME: "image/jpeg", Description: "front", Data: []byte{0xFF, 0xD8, 0xFF}},
		{Type: 4, MIME: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}
	require.NoError(t, e.WriteCovers(path, covers))
	require.NoError(t, e.WriteCovers(path, covers))

	got, err := e.ReadCovers(path)
	require.NoError(t, err)
	assert.Equal(t, covers, got)
}

func TestVorbisComment_Apply(t *testing.T) {
	vc := &vorbisComment{Comments: []string{
		"artist=Low", "TRACKNUMBER=4/11", "DATE=1994-03-01", "DiscNumber=2/2", "broken",
	}}
	var got Tags
	vc.apply(&got)

	assert.Equal(t, Tags{Artist: "Low", Track: 4, Tracks: 11, Year: 1994, Disc: 2}, got)
}

func TestParseVorbisComment_Truncated(t *testing.T) {
	vc := &vorbisComment{Vendor: "v", Comments: []string{"TITLE=x"}}
	data := vc.marshal()

	_, err := parseVorbisComment(data[:len(data)-3])
	assert.Error(t, err)
}

func TestParsePicture_Truncated(t *testing.T) {
	data := marshalPicture(Cover{Type: 3, MIME: "image/jpeg", Data: []byte("abcdef")})
	_, err := parsePicture(data[:len(data)-2])
	assert.ErrorIs(t, err, errShortPicture)
}

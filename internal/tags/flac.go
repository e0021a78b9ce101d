package tags

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-flac/go-flac"
)

const vendor = "konvert"

// FLACEngine handles Vorbis comments and PICTURE blocks in FLAC files.
type FLACEngine struct{}

// readMeta parses the metadata blocks and leaves the frames unread.
func readMeta(path string) (*flac.File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	f, err := flac.ParseMetadata(bufio.NewReader(fh))
	if err != nil {
		return nil, fmt.Errorf("parse flac: %w", err)
	}
	return f, nil
}

// readFile parses the metadata and keeps the frames verbatim for Save.
// Streams with no frames at all are accepted.
func readFile(path string) (*flac.File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	r := bufio.NewReader(fh)
	f, err := flac.ParseMetadata(r)
	if err != nil {
		return nil, fmt.Errorf("parse flac: %w", err)
	}
	frames, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("parse flac: %w", err)
	}
	if len(frames) >= 2 && (frames[0] != 0xFF || frames[1]>>2 != 0x3E) {
		return nil, fmt.Errorf("parse flac: %w", flac.ErrorNoSyncCode)
	}
	f.Frames = frames
	return f, nil
}

func (FLACEngine) ReadTags(path string) (*Tags, error) {
	f, err := readMeta(path)
	if err != nil {
		return nil, err
	}

	t := &Tags{}
	for _, block := range f.Meta {
		switch block.Type {
		case flac.StreamInfo:
			t.Length = streamLength(block.Data)
		case flac.VorbisComment:
			vc, err := parseVorbisComment(block.Data)
			if err != nil {
				return nil, fmt.Errorf("vorbis comment: %w", err)
			}
			vc.apply(t)
		}
	}
	return t, nil
}

func (FLACEngine) WriteTags(path string, t *Tags) error {
	f, err := readFile(path)
	if err != nil {
		return err
	}

	var block *flac.MetaDataBlock
	for _, b := range f.Meta {
		if b.Type == flac.VorbisComment {
			block = b
			break
		}
	}
	vc := &vorbisComment{Vendor: vendor}
	if block != nil {
		if vc, err = parseVorbisComment(block.Data); err != nil {
			return fmt.Errorf("vorbis comment: %w", err)
		}
	} else {
		block = &flac.MetaDataBlock{Type: flac.VorbisComment}
		f.Meta = append(f.Meta, block)
	}
	vc.merge(t)
	block.Data = vc.marshal()
	return f.Save(path)
}

func (FLACEngine) ReadCovers(path string) ([]Cover, error) {
	f, err := readMeta(path)
	if err != nil {
		return nil, err
	}
	var covers []Cover
	for _, block := range f.Meta {
		if block.Type != flac.Picture {
			continue
		}
		c, err := parsePicture(block.Data)
		if err != nil {
			return nil, fmt.Errorf("picture block: %w", err)
		}
		covers = append(covers, c)
	}
	return covers, nil
}

// WriteCovers replaces all embedded pictures with covers.
func (FLACEngine) WriteCovers(path string, covers []Cover) error {
	f, err := readFile(path)
	if err != nil {
		return err
	}
	meta := f.Meta[:0]
	for _, b := range f.Meta {
		if b.Type != flac.Picture {
			meta = append(meta, b)
		}
	}
	for _, c := range covers {
		meta = append(meta, &flac.MetaDataBlock{Type: flac.Picture, Data: marshalPicture(c)})
	}
	f.Meta = meta
	return f.Save(path)
}

// streamLength returns the duration in whole seconds encoded in a
// STREAMINFO block: a 20 bit sample rate at byte 10 followed by a 36 bit
// total sample count.
func streamLength(data []byte) int {
	if len(data) < 18 {
		return 0
	}
	rate := uint64(data[10])<<12 | uint64(data[11])<<4 | uint64(data[12])>>4
	total := uint64(data[13]&0x0F)<<32 | uint64(binary.BigEndian.Uint32(data[14:18]))
	if rate == 0 {
		return 0
	}
	return int(total / rate)
}

type vorbisComment struct {
	Vendor   string
	Comments []string
}

func parseVorbisComment(data []byte) (*vorbisComment, error) {
	r := bytes.NewReader(data)
	readString := func(order binary.ByteOrder) (string, error) {
		var n uint32
		if err := binary.Read(r, order, &n); err != nil {
			return "", err
		}
		if int64(n) > int64(r.Len()) {
			return "", io.ErrUnexpectedEOF
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	}

	vendor, err := readString(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	vc := &vorbisComment{Vendor: vendor}
	for i := uint32(0); i < count; i++ {
		c, err := readString(binary.LittleEndian)
		if err != nil {
			return nil, err
		}
		vc.Comments = append(vc.Comments, c)
	}
	return vc, nil
}

func (vc *vorbisComment) marshal() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(vc.Vendor)))
	buf.WriteString(vc.Vendor)
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(vc.Comments)))
	for _, c := range vc.Comments {
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(c)))
		buf.WriteString(c)
	}
	return buf.Bytes()
}

func (vc *vorbisComment) apply(t *Tags) {
	for _, c := range vc.Comments {
		key, value, ok := strings.Cut(c, "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(key) {
		case "ARTIST":
			t.Artist = value
		case "ALBUM":
			t.Album = value
		case "TITLE":
			t.Title = value
		case "GENRE":
			t.Genre = value
		case "COMMENT", "DESCRIPTION":
			t.Comment = value
		case "TRACKNUMBER":
			num, total, _ := strings.Cut(value, "/")
			t.Track = atoi(num)
			if total != "" {
				t.Tracks = atoi(total)
			}
		case "TRACKTOTAL", "TOTALTRACKS":
			t.Tracks = atoi(value)
		case "DISCNUMBER":
			num, _, _ := strings.Cut(value, "/")
			t.Disc = atoi(num)
		case "DATE", "YEAR":
			if len(value) >= 4 {
				t.Year = atoi(value[:4])
			}
		}
	}
}

// owned lists the comment fields merge rewrites.
var owned = map[string]bool{
	"ARTIST": true, "ALBUM": true, "TITLE": true, "GENRE": true,
	"COMMENT": true, "DESCRIPTION": true, "TRACKNUMBER": true, "TRACKTOTAL": true,
	"TOTALTRACKS": true, "DISCNUMBER": true, "DATE": true, "YEAR": true,
}

// merge replaces the fields owned by Tags and keeps everything else.
func (vc *vorbisComment) merge(t *Tags) {
	kept := vc.Comments[:0]
	for _, c := range vc.Comments {
		key, _, _ := strings.Cut(c, "=")
		if !owned[strings.ToUpper(key)] {
			kept = append(kept, c)
		}
	}
	add := func(key, value string) {
		if value != "" {
			kept = append(kept, key+"="+value)
		}
	}
	num := func(n int) string {
		if n <= 0 {
			return ""
		}
		return strconv.Itoa(n)
	}
	add("ARTIST", t.Artist)
	add("ALBUM", t.Album)
	add("TITLE", t.Title)
	add("GENRE", t.Genre)
	add("COMMENT", t.Comment)
	add("TRACKNUMBER", num(t.Track))
	add("TRACKTOTAL", num(t.Tracks))
	add("DISCNUMBER", num(t.Disc))
	add("DATE", num(t.Year))
	vc.Comments = kept
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

var errShortPicture = errors.New("short picture block")

func parsePicture(data []byte) (Cover, error) {
	r := bytes.NewReader(data)
	var c Cover
	readString := func() (string, error) {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return "", errShortPicture
		}
		if int64(n) > int64(r.Len()) {
			return "", errShortPicture
		}
		buf := make([]byte, n)
		_, _ = io.ReadFull(r, buf)
		return string(buf), nil
	}

	if err := binary.Read(r, binary.BigEndian, &c.Type); err != nil {
		return c, errShortPicture
	}
	var err error
	if c.MIME, err = readString(); err != nil {
		return c, err
	}
	if c.Description, err = readString(); err != nil {
		return c, err
	}
	// width, height, depth, colors
	var dims [4]uint32
	if err := binary.Read(r, binary.BigEndian, &dims); err != nil {
		return c, errShortPicture
	}
	body, err := readString()
	if err != nil {
		return c, err
	}
	c.Data = []byte(body)
	return c, nil
}

func marshalPicture(c Cover) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, c.Type)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(c.MIME)))
	buf.WriteString(c.MIME)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(c.Description)))
	buf.WriteString(c.Description)
	_ = binary.Write(buf, binary.BigEndian, [4]uint32{})
	_ = binary.Write(buf, binary.BigEndian, uint32(len(c.Data)))
	buf.Write(c.Data)
	return buf.Bytes()
}

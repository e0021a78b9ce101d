// Package tags reads and writes the metadata carried from source to output.
package tags

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned by engines that cannot handle a file type.
var ErrUnsupported = errors.New("tag format not supported")

// Tags holds the metadata the engine copies across a conversion.
// Length is in seconds; zero means unknown.
type Tags struct {
	Artist  string
	Album   string
	Title   string
	Genre   string
	Comment string
	Track   int
	Tracks  int
	Disc    int
	Year    int
	Length  int
}

// Empty reports whether no identifying field is set.
func (t *Tags) Empty() bool {
	return t == nil || (t.Artist == "" && t.Album == "" && t.Title == "")
}

// Cover is one embedded picture.
type Cover struct {
	Type        uint32 // ID3v2 APIC picture type, 3 is front cover
	MIME        string
	Description string
	Data        []byte
}

// FrontCover is the picture type of a front cover.
const FrontCover = 3

// Engine reads and writes tags and covers for a file.
type Engine interface {
	ReadTags(path string) (*Tags, error)
	WriteTags(path string, t *Tags) error
	ReadCovers(path string) ([]Cover, error)
	WriteCovers(path string, covers []Cover) error
}

// Nop supports no formats.
type Nop struct{}

func (Nop) ReadTags(string) (*Tags, error) { return nil, ErrUnsupported }

func (Nop) WriteTags(string, *Tags) error { return ErrUnsupported }

func (Nop) ReadCovers(string) ([]Cover, error) { return nil, ErrUnsupported }

func (Nop) WriteCovers(string, []Cover) error { return ErrUnsupported }

// Multi dispatches to an engine by lower-case file extension.
type Multi struct {
	engines map[string]Engine
}

// NewMulti creates a dispatcher with FLAC support registered.
func NewMulti() *Multi {
	m := &Multi{engines: make(map[string]Engine)}
	m.Register(FLACEngine{}, "flac")
	return m
}

// Register binds e to the given extensions.
func (m *Multi) Register(e Engine, exts ...string) {
	for _, ext := range exts {
		m.engines[strings.ToLower(strings.TrimPrefix(ext, "."))] = e
	}
}

func (m *Multi) engine(path string) Engine {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if e, ok := m.engines[ext]; ok {
		return e
	}
	return Nop{}
}

func (m *Multi) ReadTags(path string) (*Tags, error) { return m.engine(path).ReadTags(path) }

func (m *Multi) WriteTags(path string, t *Tags) error { return m.engine(path).WriteTags(path, t) }

func (m *Multi) ReadCovers(path string) ([]Cover, error) { return m.engine(path).ReadCovers(path) }

func (m *Multi) WriteCovers(path string, covers []Cover) error {
	return m.engine(path).WriteCovers(path, covers)
}

// SaveCovers writes covers as image files into dir. The first cover is
// named base plus extension, later ones get a numeric suffix. Existing
// files are left alone.
func SaveCovers(dir, base string, covers []Cover) ([]string, error) {
	var written []string
	for i, c := range covers {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		path := filepath.Join(dir, name+extensionFor(c.MIME))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("save cover: %w", err)
		}
		_, werr := f.Write(c.Data)
		cerr := f.Close()
		if werr != nil {
			return written, fmt.Errorf("save cover: %w", werr)
		}
		if cerr != nil {
			return written, fmt.Errorf("save cover: %w", cerr)
		}
		written = append(written, path)
	}
	return written, nil
}

func extensionFor(mime string) string {
	switch strings.ToLower(mime) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	default:
		return ".jpg"
	}
}

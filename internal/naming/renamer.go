// internal/naming/renamer.go
package naming

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTemplate lays files out by artist and album.
const DefaultTemplate = "{artist}/{album}/{track:02} - {title}.{ext}"

// Vars are the values a template can reference.
type Vars struct {
	Artist   string
	Album    string
	Title    string
	Genre    string
	Track    int
	Disc     int
	Year     int
	Basename string // source file name without extension
	Ext      string
}

// Renamer renders output paths below a root directory.
type Renamer struct {
	root     string
	template string
}

// NewRenamer creates a Renamer. An empty template uses DefaultTemplate.
func NewRenamer(root, template string) *Renamer {
	if template == "" {
		template = DefaultTemplate
	}
	return &Renamer{root: root, template: template}
}

// Path renders the output path for v. Items without tags fall back to
// their source basename.
func (r *Renamer) Path(v Vars) (string, error) {
	var rel string
	if v.Artist == "" && v.Album == "" && v.Title == "" {
		rel = SanitizeFilename(v.Basename) + "." + v.Ext
	} else {
		rel = applyTemplate(r.template, v.values())
	}
	path := filepath.Join(r.root, rel)
	if err := ValidatePath(path, r.root); err != nil {
		return "", fmt.Errorf("%w: %s", err, rel)
	}
	return path, nil
}

// SameDir places the output next to the source file.
func SameDir(source string, ext string) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(filepath.Dir(source), SanitizeFilename(base)+"."+ext)
}

func (v Vars) values() map[string]any {
	title := v.Title
	if title == "" {
		title = v.Basename
	}
	return map[string]any{
		"artist":   orUnknown(v.Artist, "Unknown Artist"),
		"album":    orUnknown(v.Album, "Unknown Album"),
		"title":    SanitizeFilename(title),
		"genre":    orUnknown(v.Genre, "Unknown Genre"),
		"track":    v.Track,
		"disc":     v.Disc,
		"year":     v.Year,
		"basename": SanitizeFilename(v.Basename),
		"ext":      v.Ext,
	}
}

func orUnknown(s, fallback string) string {
	if s = SanitizeFilename(s); s == "" {
		return fallback
	}
	return s
}

// formatPattern matches {name} or {name:02} style placeholders.
var formatPattern = regexp.MustCompile(`\{(\w+)(?::(\d+))?\}`)

// applyTemplate substitutes variables into a template string.
// Supports {name} for simple substitution and {name:02} for zero-padded integers.
func applyTemplate(template string, vars map[string]any) string {
	return formatPattern.ReplaceAllStringFunc(template, func(match string) string {
		parts := formatPattern.FindStringSubmatch(match)
		val, ok := vars[parts[1]]
		if !ok {
			return match
		}
		if parts[2] != "" {
			if width, err := strconv.Atoi(parts[2]); err == nil {
				if n, isInt := val.(int); isInt {
					return fmt.Sprintf("%0*d", width, n)
				}
			}
		}
		return fmt.Sprintf("%v", val)
	})
}

package naming

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const maxNameAttempts = 1000

// Registry hands out output names that neither exist on disk nor are
// reserved by another running job.
type Registry struct {
	mu    sync.Mutex
	byJob map[int64]string
	taken map[string]int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byJob: make(map[int64]string),
		taken: make(map[string]int64),
	}
}

// Reserve claims a free variant of desired for job. A job holding a name
// gets the same one back.
func (r *Registry) Reserve(job int64, desired string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.byJob[job]; ok {
		return name, nil
	}

	ext := filepath.Ext(desired)
	stem := strings.TrimSuffix(desired, ext)
	for i := 0; i < maxNameAttempts; i++ {
		candidate := desired
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		if _, reserved := r.taken[candidate]; reserved {
			continue
		}
		if _, err := os.Lstat(candidate); err == nil {
			continue
		}
		r.taken[candidate] = job
		r.byJob[job] = candidate
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoFreeName, desired)
}

// Release frees the name held by job.
func (r *Registry) Release(job int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.byJob[job]; ok {
		delete(r.taken, name)
		delete(r.byJob, job)
	}
}

// Reserved returns the name held by job.
func (r *Registry) Reserved(job int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.byJob[job]
	return name, ok
}

// TempPath returns a fresh path in dir for an intermediate artifact.
func TempPath(dir, purpose string, logID int64, ext string) string {
	name := fmt.Sprintf("konvert_%s_%d_%s", purpose, logID, uuid.NewString()[:8])
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return filepath.Join(dir, name)
}

// WorkPath returns a hidden sibling of final used while the output is
// still being produced. It keeps the extension so tools pick the right format.
func WorkPath(final string, logID int64) string {
	dir, base := filepath.Split(final)
	return filepath.Join(dir, fmt.Sprintf(".konvert-%d-%s-%s", logID, uuid.NewString()[:8], base))
}

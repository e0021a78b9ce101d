// Package fetch copies remote sources to local temporary files.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/vmunix/konvert/internal/events"
)

// Name identifies fetch operations on the event bus.
const Name = "fetch"

// Exit codes carried by the completion event.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitAborted = -1
)

var (
	// ErrAborted indicates the transfer was canceled.
	ErrAborted = errors.New("transfer aborted")
	// ErrUnsupportedScheme indicates no transfer handles the source URL.
	ErrUnsupportedScheme = errors.New("unsupported source scheme")
)

// ProgressFunc receives the bytes copied so far and the total, or -1 when
// the total is unknown.
type ProgressFunc func(done, total int64)

// Transfer copies one remote object into dst.
type Transfer interface {
	Fetch(ctx context.Context, src *url.URL, dst *os.File, progress ProgressFunc) error
}

// IsLocal reports whether source can be read without a transfer.
func IsLocal(source string) bool {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		return true
	}
	// Windows style drive letters parse as a one letter scheme.
	return len(u.Scheme) == 1
}

// LocalPath strips a file:// prefix.
func LocalPath(source string) string {
	if strings.HasPrefix(source, "file://") {
		if u, err := url.Parse(source); err == nil {
			return u.Path
		}
	}
	return source
}

type operation struct {
	cancel context.CancelFunc
	done   int64
	total  int64
}

// Fetcher runs transfers in the background and announces their completion
// with events.OperationCompleted under Name.
type Fetcher struct {
	transfers map[string]Transfer
	bus       *events.Bus
	logger    *slog.Logger

	mu   sync.Mutex
	next int64
	ops  map[int64]*operation
}

// New creates a Fetcher with no transfers registered.
func New(bus *events.Bus, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		transfers: make(map[string]Transfer),
		bus:       bus,
		logger:    logger.With("component", "fetch"),
		ops:       make(map[int64]*operation),
	}
}

// Register binds t to the given URL schemes.
func (f *Fetcher) Register(t Transfer, schemes ...string) {
	for _, s := range schemes {
		f.transfers[strings.ToLower(s)] = t
	}
}

// Start copies source to dest in the background. Data is written to
// dest.part and renamed once complete.
func (f *Fetcher) Start(ctx context.Context, source, dest string) (int64, error) {
	u, err := url.Parse(source)
	if err != nil {
		return 0, fmt.Errorf("parse source: %w", err)
	}
	t, ok := f.transfers[strings.ToLower(u.Scheme)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	part := dest + ".part"
	file, err := os.OpenFile(part, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}

	opCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.next++
	id := f.next
	op := &operation{cancel: cancel, total: -1}
	f.ops[id] = op
	f.mu.Unlock()

	progress := func(done, total int64) {
		f.mu.Lock()
		op.done, op.total = done, total
		f.mu.Unlock()
	}

	f.logger.Debug("transfer started", "id", id, "source", source)

	go func() {
		defer cancel()
		err := t.Fetch(opCtx, u, file, progress)
		if cerr := file.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err == nil {
			err = os.Rename(part, dest)
		}
		if err != nil {
			_ = os.Remove(part)
		}

		f.mu.Lock()
		delete(f.ops, id)
		f.mu.Unlock()

		code := ExitOK
		switch {
		case err == nil:
		case opCtx.Err() != nil || errors.Is(err, context.Canceled):
			code = ExitAborted
			err = fmt.Errorf("%w: %v", ErrAborted, err)
		default:
			code = ExitFailed
		}
		f.logger.Debug("transfer finished", "id", id, "exit_code", code, "error", err)

		if f.bus != nil {
			if perr := f.bus.Publish(ctx, events.NewOperationCompleted(Name, id, code, err)); perr != nil {
				f.logger.Warn("event not delivered", "id", id, "error", perr)
			}
		}
	}()

	return id, nil
}

// Cancel aborts a running transfer. It reports whether id was running.
func (f *Fetcher) Cancel(id int64) bool {
	f.mu.Lock()
	op, ok := f.ops[id]
	f.mu.Unlock()
	if !ok {
		return false
	}
	op.cancel()
	return true
}

// Progress returns the percentage copied when the size is known.
func (f *Fetcher) Progress(id int64) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok || op.total <= 0 {
		return 0, false
	}
	return min(float64(op.done)*100/float64(op.total), 100), true
}

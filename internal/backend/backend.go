// Package backend runs external tools as asynchronous operations.
//
// Every backend reports completion and output lines on the event bus, keyed
// by its name and the operation id it handed out.
package backend

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/vmunix/konvert/internal/backend Backend

import (
	"context"
	"errors"

	"github.com/vmunix/konvert/internal/pipeline"
)

// Sentinel errors
var (
	// ErrNeedsConfiguration marks a backend that is missing or not set up.
	ErrNeedsConfiguration = errors.New("backend needs configuration")
	ErrUnsupported        = errors.New("conversion not supported by backend")
	ErrNotStreamable      = errors.New("backend cannot read stdin or write stdout")
	ErrInvalidRequest     = errors.New("invalid backend request")
)

// OperationID identifies one operation within a single backend.
type OperationID int64

// Request describes one operation. An empty Input or Output asks the backend
// to read stdin or write stdout; only streaming trunks accept that.
type Request struct {
	From             string
	To               string
	Input            string
	Inputs           []string // replay gain batches
	Output           string
	Device           string
	Track            int
	Tracks           int
	InlineReplayGain bool
	Options          map[string]string
}

// ProgressFunc extracts a percentage from one output line.
type ProgressFunc func(line string) (float64, bool)

// Command is a ready-to-run command line for one trunk.
type Command struct {
	Argv     []string
	Progress ProgressFunc
}

// Backend is a tool family able to run conversion operations.
type Backend interface {
	Name() string
	Kind() pipeline.Kind
	// Start launches an operation and returns immediately. Completion is
	// announced with an events.OperationCompleted.
	Start(ctx context.Context, req Request) (OperationID, error)
	// CommandLine builds the argv without running it, for pipe fusing.
	CommandLine(req Request) (Command, error)
	// Cancel kills a running operation. It reports whether id was running.
	Cancel(id OperationID) bool
	// Progress returns the last known percentage of a running operation.
	Progress(id OperationID) (float64, bool)
}

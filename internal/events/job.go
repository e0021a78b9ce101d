// internal/events/job.go
package events

// Entity types
const (
	EntityOperation = "operation"
	EntityJob       = "job"
	EntityAlbum     = "album"
	EntityQueue     = "queue"
)

// Event type constants
const (
	EventOperationCompleted = "operation.completed"
	EventOperationLog       = "operation.log"
	EventJobAdmitted        = "job.admitted"
	EventJobStateChanged    = "job.state.changed"
	EventJobFinished        = "job.finished"
	EventAlbumGainStarted   = "albumgain.started"
	EventAlbumGainFinished  = "albumgain.finished"
	EventProgressUpdated    = "progress.updated"
	EventQueueStopped       = "queue.stopped"
)

// OperationCompleted is emitted by a backend when an external operation exits.
// The pair (Backend, OperationID) identifies the operation.
type OperationCompleted struct {
	BaseEvent
	Backend     string `json:"backend"`
	OperationID int64  `json:"operation_id"`
	ExitCode    int    `json:"exit_code"`
	Error       string `json:"error,omitempty"`
}

// NewOperationCompleted builds a completion event for backend operation id.
func NewOperationCompleted(backend string, id int64, exitCode int, err error) *OperationCompleted {
	e := &OperationCompleted{
		BaseEvent:   NewBaseEvent(EventOperationCompleted, EntityOperation, id),
		Backend:     backend,
		OperationID: id,
		ExitCode:    exitCode,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// OperationLog carries one line of tool output.
type OperationLog struct {
	BaseEvent
	Backend     string `json:"backend"`
	OperationID int64  `json:"operation_id"`
	Line        string `json:"line"`
}

// NewOperationLog builds a log event for backend operation id.
func NewOperationLog(backend string, id int64, line string) *OperationLog {
	return &OperationLog{
		BaseEvent:   NewBaseEvent(EventOperationLog, EntityOperation, id),
		Backend:     backend,
		OperationID: id,
		Line:        line,
	}
}

// JobAdmitted is emitted when the scheduler starts a queued item.
type JobAdmitted struct {
	BaseEvent
	ItemID  int64  `json:"item_id"`
	Label   string `json:"label"`
	Profile string `json:"profile"`
	Device  string `json:"device,omitempty"`
}

// JobStateChanged is emitted on every orchestrator state transition.
type JobStateChanged struct {
	BaseEvent
	ItemID   int64  `json:"item_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Pipeline int    `json:"pipeline"`
}

// JobFinished is emitted when an item leaves the active lifecycle.
type JobFinished struct {
	BaseEvent
	ItemID   int64   `json:"item_id"`
	State    string  `json:"state"`
	Reason   string  `json:"reason,omitempty"`
	Output   string  `json:"output,omitempty"`
	Duration float64 `json:"duration"` // media seconds
	Size     int64   `json:"size,omitempty"`
}

// AlbumGainStarted is emitted when a batch of album tracks is normalized together.
type AlbumGainStarted struct {
	BaseEvent
	AlbumID int64   `json:"album_id"`
	ItemIDs []int64 `json:"item_ids"`
	Album   string  `json:"album"`
	Codec   string  `json:"codec"`
}

// AlbumGainFinished is emitted when an album batch reaches a terminal state.
type AlbumGainFinished struct {
	BaseEvent
	AlbumID int64  `json:"album_id"`
	State   string `json:"state"`
}

// JobProgress is one active job's share of a ProgressUpdated event.
type JobProgress struct {
	ItemID  int64   `json:"item_id"`
	Label   string  `json:"label"`
	State   string  `json:"state"`
	Percent float64 `json:"percent"`
	Known   bool    `json:"known"`
}

// ProgressUpdated is emitted on every tick while the queue runs.
type ProgressUpdated struct {
	BaseEvent
	Processed  float64       `json:"processed"` // media seconds
	Total      float64       `json:"total"`
	ETASeconds float64       `json:"eta_seconds"`
	Unknown    int           `json:"unknown"`
	Jobs       []JobProgress `json:"jobs"`
}

// QueueStopped is emitted when no item is active or waiting any more.
type QueueStopped struct {
	BaseEvent
	Completed          int `json:"completed"`
	Failed             int `json:"failed"`
	Stopped            int `json:"stopped"`
	NeedsConfiguration int `json:"needs_configuration"`
}

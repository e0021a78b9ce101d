package convert

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmunix/konvert/internal/config"
	"github.com/vmunix/konvert/internal/estimate"
	"github.com/vmunix/konvert/internal/joblog"
	"github.com/vmunix/konvert/internal/pipeline"
	"github.com/vmunix/konvert/internal/tags"
)

var (
	// ErrNoCandidates means no pipeline can produce the target codec.
	ErrNoCandidates = errors.New("no conversion pipeline available")
	// ErrOutputTooSmall means a stage produced an implausibly small file.
	ErrOutputTooSmall = errors.New("output file too small")
	// ErrUnknownJob is returned for ids the orchestrator does not track.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobExists is returned when an item is started twice.
	ErrJobExists = errors.New("job already running")
	// ErrNotWaiting is returned when an album batch member has not finished transcoding.
	ErrNotWaiting = errors.New("job is not waiting for album gain")
)

// StageError describes a failed stage attempt.
type StageError struct {
	Stage    estimate.Stage
	Pipeline string
	ExitCode int
	Err      error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s stage failed (%s)", e.Stage, e.Pipeline)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(": exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

// Mode is the set of phases a job runs. It is fixed when the job is created.
type Mode uint8

const (
	ModeFetch Mode = 1 << iota
	ModeTransform
	ModeReplayGain
	ModeAlbumGain
)

// Has reports whether every flag in f is set.
func (m Mode) Has(f Mode) bool { return m&f == f }

func (m Mode) String() string {
	var parts []string
	for _, f := range []struct {
		flag Mode
		name string
	}{{ModeFetch, "fetch"}, {ModeTransform, "transform"}, {ModeReplayGain, "replaygain"}, {ModeAlbumGain, "albumgain"}} {
		if m.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Source is the item a job converts: a file or URL, or a disc track.
type Source struct {
	ItemID int64
	Label  string
	Path   string
	Codec  string
	Size   int64
	Tags   *tags.Tags
	Device string
	Track  int
	Tracks int
}

// Ripping reports whether the source is read from a physical disc.
func (s Source) Ripping() bool {
	return s.Device != "" || s.Codec == pipeline.CodecAudioCD
}

// Profile is the conversion target.
type Profile struct {
	Name       string
	Codec      string
	Extension  string
	Tool       string
	ReplayGain bool
	AlbumGain  bool
	Options    map[string]string
	Notify     string
}

// ProfileFromConfig converts a config profile section.
func ProfileFromConfig(name string, p config.ProfileConfig) Profile {
	return Profile{
		Name:       name,
		Codec:      strings.ToLower(p.Codec),
		Extension:  strings.TrimPrefix(p.Extension, "."),
		Tool:       p.Tool,
		ReplayGain: p.ReplayGain,
		AlbumGain:  p.AlbumGain,
		Options:    p.Options,
		Notify:     p.Notify,
	}
}

// AttemptOutcome is the result of one stage run.
type AttemptOutcome string

const (
	OutcomeSucceeded          AttemptOutcome = "succeeded"
	OutcomeFailed             AttemptOutcome = "failed"
	OutcomeNeedsConfiguration AttemptOutcome = "needs_configuration"
	OutcomeTooSmall           AttemptOutcome = "too_small"
	OutcomeKilled             AttemptOutcome = "killed"
)

// Attempt is one entry of a job's attempt log. Pipeline indexes the
// candidate list of the attempt's stage group.
type Attempt struct {
	Stage            estimate.Stage
	Pipeline         int
	Outcome          AttemptOutcome
	ExitCode         int
	InlineReplayGain bool
}

func (a Attempt) counts() bool {
	return a.Outcome == OutcomeFailed || a.Outcome == OutcomeNeedsConfiguration
}

func transformStage(s estimate.Stage) bool {
	return s == estimate.StageConvert || s == estimate.StageDecode || s == estimate.StageEncode
}

type opRef struct {
	key      opKey
	operator Operator
	stage    estimate.Stage
	inline   bool
}

// Job is one item moving through the conversion lifecycle.
type Job struct {
	ID      int64
	LogID   joblog.ID
	Source  Source
	Profile Profile
	Mode    Mode
	State   State

	// Pipelines are the transform candidates, best first.
	Pipelines []pipeline.Pipeline
	// GainPipelines are the track replay gain candidates.
	GainPipelines []pipeline.Pipeline
	Attempts      []Attempt

	Length   float64
	Budget   estimate.Budget
	Finished float64
	Started  time.Time

	input        string
	fetched      string
	intermediate string
	work         string
	output       string
	inputSize    int64

	covers []tags.Cover

	op     *opRef
	killed bool
	album  *AlbumJob
}

// Take is the index of the transform pipeline in use.
func (j *Job) Take() int {
	n := 0
	for _, a := range j.Attempts {
		if transformStage(a.Stage) && a.counts() {
			n++
		}
	}
	return n
}

func (j *Job) gainTake() int {
	n := 0
	for _, a := range j.Attempts {
		if a.Stage == estimate.StageReplayGain && a.counts() {
			n++
		}
	}
	return n
}

// tooSmall reports whether the current transform pipeline already
// produced an undersized output once.
func (j *Job) tooSmall() bool {
	take := j.Take()
	for _, a := range j.Attempts {
		if a.Outcome == OutcomeTooSmall && a.Pipeline == take {
			return true
		}
	}
	return false
}

// ReplayGainPending reports whether track replay gain still has to run.
// The latest accepted transform decides whether it was applied inline.
func (j *Job) ReplayGainPending() bool {
	if !j.Mode.Has(ModeReplayGain) {
		return false
	}
	for i := len(j.Attempts) - 1; i >= 0; i-- {
		a := j.Attempts[i]
		if a.Outcome != OutcomeSucceeded {
			continue
		}
		if a.Stage == estimate.StageConvert || a.Stage == estimate.StageEncode {
			return !a.InlineReplayGain
		}
		if a.Stage == estimate.StageReplayGain {
			return false
		}
	}
	return true
}

// Output is the final path reserved for the job, once known.
func (j *Job) Output() string { return j.output }

// Killed reports whether the job was asked to stop.
func (j *Job) Killed() bool { return j.killed }

// AlbumJob normalizes the outputs of several jobs in one operation.
type AlbumJob struct {
	ID        int64
	Album     string
	Codec     string
	LogID     joblog.ID
	Members   []*Job
	Pipelines []pipeline.Pipeline
	Attempts  []Attempt
	State     State

	op     *opRef
	killed bool
}

func (a *AlbumJob) take() int {
	n := 0
	for _, at := range a.Attempts {
		if at.counts() {
			n++
		}
	}
	return n
}

// Outcome is reported once for every job that leaves the active lifecycle,
// including jobs parking in WaitingForAlbumGain.
type Outcome struct {
	ItemID   int64
	State    State
	Reason   string
	Output   string
	Size     int64
	Finished float64
	Budget   float64
	Elapsed  time.Duration
}

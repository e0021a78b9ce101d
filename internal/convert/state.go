package convert

// State is the lifecycle position of a conversion job.
type State string

const (
	StateIdle                State = "idle"
	StateFetching            State = "fetching"
	StateConverting          State = "converting"
	StateDecoding            State = "decoding"
	StateEncoding            State = "encoding"
	StateApplyingReplayGain  State = "applying_replaygain"
	StateWaitingForAlbumGain State = "waiting_for_album_gain"
	StateStopped             State = "stopped"
	StateNeedsConfiguration  State = "needs_configuration"
	StateFailed              State = "failed"
	StateCompleted           State = "completed"
)

var terminalStates = []State{StateStopped, StateNeedsConfiguration, StateFailed}

// validTransitions defines allowed state transitions. Every non-terminal
// state may also move to Stopped, NeedsConfiguration or Failed.
var validTransitions = map[State][]State{
	StateIdle:                {StateFetching, StateConverting, StateDecoding, StateApplyingReplayGain, StateWaitingForAlbumGain, StateCompleted},
	StateFetching:            {StateConverting, StateDecoding, StateApplyingReplayGain, StateWaitingForAlbumGain, StateCompleted},
	StateConverting:          {StateConverting, StateDecoding, StateApplyingReplayGain, StateWaitingForAlbumGain, StateCompleted},
	StateDecoding:            {StateDecoding, StateEncoding, StateConverting},
	StateEncoding:            {StateEncoding, StateDecoding, StateConverting, StateApplyingReplayGain, StateWaitingForAlbumGain, StateCompleted},
	StateApplyingReplayGain:  {StateApplyingReplayGain, StateCompleted},
	StateWaitingForAlbumGain: {StateApplyingReplayGain},
	StateStopped:             {StateIdle},
	StateNeedsConfiguration:  {StateIdle},
	StateFailed:              {StateIdle},
	StateCompleted:           {},
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s State) CanTransitionTo(target State) bool {
	valid, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, v := range valid {
		if v == target {
			return true
		}
	}
	if !s.IsTerminal() {
		for _, v := range terminalStates {
			if v == target {
				return true
			}
		}
	}
	return false
}

// IsTerminal reports whether the job has left the conversion lifecycle.
func (s State) IsTerminal() bool {
	switch s {
	case StateStopped, StateNeedsConfiguration, StateFailed, StateCompleted:
		return true
	}
	return false
}

// IsActive reports whether a job in this state occupies a worker slot.
func (s State) IsActive() bool {
	switch s {
	case StateFetching, StateConverting, StateDecoding, StateEncoding, StateApplyingReplayGain:
		return true
	}
	return false
}

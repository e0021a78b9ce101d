// Package estimate turns stage weights into time budgets and folds the
// progress of running jobs into one processed/total figure with an ETA.
//
// All budgets are in seconds of media: a job's budgets add up to the
// duration of the item it converts.
package estimate

import (
	"strings"
	"time"
)

// Stage is a unit of work that owns part of a job's budget.
type Stage string

const (
	StageFetch      Stage = "fetch"
	StageConvert    Stage = "convert"
	StageDecode     Stage = "decode"
	StageEncode     Stage = "encode"
	StageReplayGain Stage = "replaygain"
)

// DefaultLength is assumed when neither tags nor file size give a duration.
const DefaultLength = 200.0

// assumedBytesPerSecond approximates a 128 kbit/s stream.
const assumedBytesPerSecond = 16000

// Weights are the relative costs of each stage.
type Weights struct {
	Fetch      float64
	Convert    float64
	Decode     float64
	Encode     float64
	ReplayGain float64
}

var (
	// FileWeights apply to files: encoding dominates decoding.
	FileWeights = Weights{Fetch: 0.8, Convert: 1.4, Decode: 0.4, Encode: 1.0, ReplayGain: 0.2}
	// DiscWeights apply to ripped tracks: reading the disc dominates.
	DiscWeights = Weights{Fetch: 0.8, Convert: 1.4, Decode: 1.0, Encode: 0.4, ReplayGain: 0.2}
)

// WeightsFor picks the weight table for an item.
func WeightsFor(ripping bool) Weights {
	if ripping {
		return DiscWeights
	}
	return FileWeights
}

// Plan lists the stages a job will run. Split means the transform runs as a
// separate decode and encode instead of a single convert.
type Plan struct {
	Fetch      bool
	Transform  bool
	Split      bool
	ReplayGain bool
}

// Budget holds the seconds assigned to each stage.
type Budget struct {
	Fetch      float64
	Convert    float64
	Decode     float64
	Encode     float64
	ReplayGain float64
}

// NewBudget scales the weights of the planned stages so they sum to length.
func NewBudget(w Weights, p Plan, length float64) Budget {
	var b Budget
	if p.Fetch {
		b.Fetch = w.Fetch
	}
	if p.Transform {
		if p.Split {
			b.Decode, b.Encode = w.Decode, w.Encode
		} else {
			b.Convert = w.Convert
		}
	}
	if p.ReplayGain {
		b.ReplayGain = w.ReplayGain
	}

	sum := b.Total()
	if sum <= 0 || length <= 0 {
		return Budget{}
	}
	scale := length / sum
	return Budget{
		Fetch:      b.Fetch * scale,
		Convert:    b.Convert * scale,
		Decode:     b.Decode * scale,
		Encode:     b.Encode * scale,
		ReplayGain: b.ReplayGain * scale,
	}
}

// Total is the sum of all stage budgets.
func (b Budget) Total() float64 {
	return b.Fetch + b.Convert + b.Decode + b.Encode + b.ReplayGain
}

// Of returns the budget of one stage.
func (b Budget) Of(s Stage) float64 {
	switch s {
	case StageFetch:
		return b.Fetch
	case StageConvert:
		return b.Convert
	case StageDecode:
		return b.Decode
	case StageEncode:
		return b.Encode
	case StageReplayGain:
		return b.ReplayGain
	}
	return 0
}

// Before returns the budget of all stages that run ahead of s.
func (b Budget) Before(s Stage) float64 {
	switch s {
	case StageFetch:
		return 0
	case StageConvert, StageDecode:
		return b.Fetch
	case StageEncode:
		return b.Fetch + b.Decode
	case StageReplayGain:
		return b.Fetch + b.Convert + b.Decode + b.Encode
	}
	return b.Total()
}

// Length picks a duration for an item: the tagged one, a guess from the
// file size, or DefaultLength.
func Length(tagged float64, size int64) float64 {
	switch {
	case tagged > 0:
		return tagged
	case size > 0:
		return float64(size) / assumedBytesPerSecond
	}
	return DefaultLength
}

// IntermediateSize estimates the bytes of decoded audio for an item.
func IntermediateSize(length float64, inputSize int64, ripping, lossless bool, codec string) int64 {
	switch {
	case ripping:
		return int64(length * 44100 * 16 * 2 / 8)
	case lossless:
		return inputSize * 14 / 10
	case isTracker(codec):
		return inputSize * 1000
	}
	return inputSize * 10
}

func isTracker(codec string) bool {
	switch strings.ToLower(codec) {
	case "midi", "mid", "mod", "xm", "s3m", "it":
		return true
	}
	return false
}

// Sample is one active job's contribution to the aggregate.
type Sample struct {
	Finished    float64 // budget of completed stages
	StageBudget float64 // budget of the running stage
	Percent     float64 // 0-100, meaningful only when Known
	Known       bool
}

// Processed returns the seconds of work this sample accounts for.
// Unknown progress counts as zero within the running stage.
func (s Sample) Processed() float64 {
	if !s.Known || s.Percent <= 0 {
		return s.Finished
	}
	return s.Finished + min(s.Percent, 100)/100*s.StageBudget
}

// Snapshot is the aggregate progress of a run.
type Snapshot struct {
	Processed float64
	Total     float64
	Unknown   int
	ETA       time.Duration
	ETAKnown  bool
}

// Percent returns processed as a share of total.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return min(s.Processed/s.Total*100, 100)
}

// Tracker accumulates finished work and derives an ETA from wall time.
type Tracker struct {
	now     func() time.Time
	started time.Time
	total   float64
	done    float64
}

// NewTracker creates a tracker. A nil clock uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Start resets the clock and the accounting for a new run.
func (t *Tracker) Start() {
	t.started = t.now()
	t.done = 0
}

// Running reports whether Start was called.
func (t *Tracker) Running() bool { return !t.started.IsZero() }

// AddTotal registers work that belongs to this run.
func (t *Tracker) AddTotal(seconds float64) { t.total += seconds }

// SetTotal replaces the run total.
func (t *Tracker) SetTotal(seconds float64) { t.total = seconds }

// Finish records the budget of a job that left the active set.
func (t *Tracker) Finish(seconds float64) { t.done += seconds }

// Snapshot folds active samples into the aggregate.
func (t *Tracker) Snapshot(active []Sample) Snapshot {
	s := Snapshot{Processed: t.done, Total: t.total}
	for _, a := range active {
		s.Processed += a.Processed()
		if !a.Known {
			s.Unknown++
		}
	}
	if s.Processed > s.Total {
		s.Processed = s.Total
	}

	elapsed := t.now().Sub(t.started)
	if t.Running() && s.Processed > 0 && elapsed > 0 {
		remaining := s.Total - s.Processed
		s.ETA = time.Duration(float64(elapsed) / s.Processed * remaining)
		s.ETAKnown = true
	}
	return s
}

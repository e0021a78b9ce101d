package convert

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/vmunix/konvert/internal/backend"
	"github.com/vmunix/konvert/internal/estimate"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/fetch"
	"github.com/vmunix/konvert/internal/naming"
	"github.com/vmunix/konvert/internal/pipeline"
	"github.com/vmunix/konvert/internal/process"
)

func (j *Job) transformed() bool {
	for _, a := range j.Attempts {
		if a.Outcome == OutcomeSucceeded && (a.Stage == estimate.StageConvert || a.Stage == estimate.StageEncode) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) startFetch(ctx context.Context, j *Job) {
	if o.fetcher == nil {
		o.terminate(ctx, j, StateFailed, "remote sources are not supported")
		return
	}
	ext := filepath.Ext(j.Source.Path)
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	dest := naming.TempPath(o.settings.TempDir, "fetch", int64(j.LogID), ext)
	o.logf(j.LogID, "Fetching %s", j.Source.Path)

	id, err := o.fetcher.Start(ctx, j.Source.Path, dest)
	if err != nil {
		o.logf(j.LogID, "Fetch failed: %v", err)
		o.terminate(ctx, j, StateFailed, err.Error())
		return
	}
	j.fetched = dest
	o.setState(ctx, j, StateFetching)
	o.register(j, nil, opKey{fetch.Name, id}, o.fetcher, estimate.StageFetch, false)
}

func (o *Orchestrator) fetchCompleted(ctx context.Context, j *Job, ev *events.OperationCompleted) {
	if j.killed || ev.ExitCode == fetch.ExitAborted {
		j.Attempts = append(j.Attempts, Attempt{Stage: estimate.StageFetch, Outcome: OutcomeKilled, ExitCode: ev.ExitCode})
		o.logf(j.LogID, "Fetch aborted")
		o.terminate(ctx, j, StateStopped, fetch.ErrAborted.Error())
		return
	}
	if ev.ExitCode != fetch.ExitOK {
		j.Attempts = append(j.Attempts, Attempt{Stage: estimate.StageFetch, Outcome: OutcomeFailed, ExitCode: ev.ExitCode})
		o.logf(j.LogID, "Fetch failed: %s", ev.Error)
		o.terminate(ctx, j, StateFailed, ev.Error)
		return
	}

	j.Attempts = append(j.Attempts, Attempt{Stage: estimate.StageFetch, Outcome: OutcomeSucceeded})
	j.input = j.fetched
	if info, err := os.Stat(j.input); err == nil {
		j.inputSize = info.Size()
	}
	if j.Source.Tags == nil {
		if t, err := o.tags.ReadTags(j.input); err == nil {
			j.Source.Tags = t
		}
	}
	o.advance(ctx, j)
}

// runTransform starts the current candidate pipeline, moving on to the
// next one for every pipeline that cannot even be started.
func (o *Orchestrator) runTransform(ctx context.Context, j *Job) {
	if err := o.prepareOutput(j); err != nil {
		o.logf(j.LogID, "Cannot prepare output: %v", err)
		o.terminate(ctx, j, StateFailed, err.Error())
		return
	}
	if !j.Mode.Has(ModeTransform) {
		o.copyInput(ctx, j)
		return
	}

	for {
		take := j.Take()
		if take >= len(j.Pipelines) {
			o.exhausted(ctx, j, transformStage)
			return
		}
		p := j.Pipelines[take]
		j.Budget = o.budget(j)
		o.logf(j.LogID, "Trying pipeline %d of %d: %s", take+1, len(j.Pipelines), p)

		stage, err := o.startPipeline(ctx, j, p)
		if err == nil {
			return
		}
		o.recordFailure(j, stage, take, 0, err)
	}
}

func (o *Orchestrator) startPipeline(ctx context.Context, j *Job, p pipeline.Pipeline) (estimate.Stage, error) {
	switch {
	case p.Len() == 1:
		return estimate.StageConvert, o.startTrunk(ctx, j, estimate.StageConvert, p.First(), j.input, j.work)
	case p.Fusable():
		return estimate.StageConvert, o.startFused(ctx, j, p)
	default:
		j.intermediate = naming.TempPath(o.intermediateDir(j), "decoded", int64(j.LogID), p.First().To)
		return estimate.StageDecode, o.startTrunk(ctx, j, estimate.StageDecode, p.First(), j.input, j.intermediate)
	}
}

func (o *Orchestrator) intermediateDir(j *Job) string {
	lossless := slices.ContainsFunc(o.settings.LosslessCodecs, func(c string) bool {
		return strings.EqualFold(c, j.Source.Codec)
	})
	size := estimate.IntermediateSize(j.Length, j.inputSize, j.Source.Ripping(), lossless, j.Source.Codec)
	limit := int64(o.settings.MaxSharedMemoryMB) << 20
	if limit > 0 && size < limit && o.settings.SharedMemoryDir != "" {
		if info, err := os.Stat(o.settings.SharedMemoryDir); err == nil && info.IsDir() {
			return o.settings.SharedMemoryDir
		}
	}
	return o.settings.TempDir
}

func (o *Orchestrator) request(j *Job, t pipeline.Trunk, input, output string) backend.Request {
	req := backend.Request{
		From:    t.From,
		To:      t.To,
		Input:   input,
		Output:  output,
		Options: j.Profile.Options,
	}
	if t.Kind == pipeline.KindRipper {
		req.Input = ""
		req.Device = j.Source.Device
		req.Track = j.Source.Track
		req.Tracks = j.Source.Tracks
	}
	if t.InlineReplayGain && t.To == j.Profile.Codec && j.Mode.Has(ModeReplayGain) {
		req.InlineReplayGain = true
	}
	return req
}

func stateFor(stage estimate.Stage) State {
	switch stage {
	case estimate.StageFetch:
		return StateFetching
	case estimate.StageDecode:
		return StateDecoding
	case estimate.StageEncode:
		return StateEncoding
	case estimate.StageReplayGain:
		return StateApplyingReplayGain
	}
	return StateConverting
}

func (o *Orchestrator) startTrunk(ctx context.Context, j *Job, stage estimate.Stage, t pipeline.Trunk, input, output string) error {
	b, err := o.backends.Get(t.Backend)
	if err != nil {
		return err
	}
	req := o.request(j, t, input, output)
	id, err := b.Start(ctx, req)
	if err != nil {
		return err
	}
	o.setState(ctx, j, stateFor(stage))
	o.register(j, nil, opKey{b.Name(), int64(id)}, backendOperator{b}, stage, req.InlineReplayGain)
	return nil
}

func (o *Orchestrator) startFused(ctx context.Context, j *Job, p pipeline.Pipeline) error {
	first, second := p.Trunks[0], p.Trunks[1]
	b1, err := o.backends.Get(first.Backend)
	if err != nil {
		return err
	}
	b2, err := o.backends.Get(second.Backend)
	if err != nil {
		return err
	}
	c1, err := b1.CommandLine(o.request(j, first, j.input, ""))
	if err != nil {
		return err
	}
	req := o.request(j, second, "", j.work)
	c2, err := b2.CommandLine(req)
	if err != nil {
		return err
	}
	id, err := o.pipe.Start(ctx, []backend.Command{c1, c2})
	if err != nil {
		return err
	}
	o.setState(ctx, j, StateConverting)
	o.register(j, nil, opKey{pipeName, id}, o.pipe, estimate.StageConvert, req.InlineReplayGain)
	return nil
}

// copyInput handles jobs whose source already has the target codec.
func (o *Orchestrator) copyInput(ctx context.Context, j *Job) {
	o.setState(ctx, j, StateConverting)
	if _, err := naming.CopyFile(j.input, j.work); err != nil {
		j.Attempts = append(j.Attempts, Attempt{Stage: estimate.StageConvert, Outcome: OutcomeFailed})
		o.logf(j.LogID, "Copy failed: %v", err)
		o.terminate(ctx, j, StateFailed, err.Error())
		return
	}
	j.Attempts = append(j.Attempts, Attempt{Stage: estimate.StageConvert, Outcome: OutcomeSucceeded})
	o.acceptTransform(ctx, j)
}

func (o *Orchestrator) runReplayGain(ctx context.Context, j *Job) {
	for {
		take := j.gainTake()
		if take >= len(j.GainPipelines) {
			if len(j.GainPipelines) == 0 {
				o.logf(j.LogID, "No replay gain tool for %s", j.Profile.Codec)
				o.terminate(ctx, j, StateNeedsConfiguration, ErrNoCandidates.Error())
				return
			}
			o.exhausted(ctx, j, func(s estimate.Stage) bool { return s == estimate.StageReplayGain })
			return
		}
		p := j.GainPipelines[take]
		o.logf(j.LogID, "Applying replay gain: %s", p)

		err := o.startGain(ctx, j, p.First())
		if err == nil {
			return
		}
		o.recordFailure(j, estimate.StageReplayGain, take, 0, err)
	}
}

func (o *Orchestrator) startGain(ctx context.Context, j *Job, t pipeline.Trunk) error {
	b, err := o.backends.Get(t.Backend)
	if err != nil {
		return err
	}
	id, err := b.Start(ctx, backend.Request{From: t.From, To: t.To, Inputs: []string{j.work}, Options: j.Profile.Options})
	if err != nil {
		return err
	}
	o.setState(ctx, j, StateApplyingReplayGain)
	o.register(j, nil, opKey{b.Name(), int64(id)}, backendOperator{b}, estimate.StageReplayGain, false)
	return nil
}

// recordFailure appends a failed attempt and removes what the attempt produced.
func (o *Orchestrator) recordFailure(j *Job, stage estimate.Stage, take, code int, err error) {
	outcome := OutcomeFailed
	if isNeedsConfiguration(err) {
		outcome = OutcomeNeedsConfiguration
	}
	j.Attempts = append(j.Attempts, Attempt{Stage: stage, Pipeline: take, Outcome: outcome, ExitCode: code})

	name := ""
	if transformStage(stage) && take < len(j.Pipelines) {
		name = j.Pipelines[take].String()
	} else if stage == estimate.StageReplayGain && take < len(j.GainPipelines) {
		name = j.GainPipelines[take].String()
	}
	serr := &StageError{Stage: stage, Pipeline: name, ExitCode: code, Err: err}
	o.logf(j.LogID, "%v", serr)
	o.logger.Warn("stage failed", "item_id", j.ID, "stage", stage, "pipeline", name, "exit_code", code, "error", err)

	if transformStage(stage) {
		o.removeIntermediate(j)
		removeFile(j.work)
	}
}

// exhausted ends a job whose candidates in one stage group all failed.
func (o *Orchestrator) exhausted(ctx context.Context, j *Job, group func(estimate.Stage) bool) {
	state := StateFailed
	for i := len(j.Attempts) - 1; i >= 0; i-- {
		a := j.Attempts[i]
		if group(a.Stage) && a.counts() {
			if a.Outcome == OutcomeNeedsConfiguration {
				state = StateNeedsConfiguration
			}
			break
		}
	}
	o.logf(j.LogID, "No pipelines left to try")
	o.terminate(ctx, j, state, "all candidate pipelines failed")
}

func (o *Orchestrator) stageCompleted(ctx context.Context, j *Job, ref *opRef, ev *events.OperationCompleted) {
	take := j.Take()
	if ref.stage == estimate.StageReplayGain {
		take = j.gainTake()
	}

	if j.killed || ev.ExitCode == process.ExitKilled {
		j.Attempts = append(j.Attempts, Attempt{Stage: ref.stage, Pipeline: take, Outcome: OutcomeKilled, ExitCode: ev.ExitCode})
		o.terminate(ctx, j, StateStopped, "killed")
		return
	}

	if failed(ev) {
		o.recordFailure(j, ref.stage, take, ev.ExitCode, eventError(ev))
		if ref.stage == estimate.StageReplayGain {
			o.runReplayGain(ctx, j)
		} else {
			o.runTransform(ctx, j)
		}
		return
	}

	switch ref.stage {
	case estimate.StageDecode:
		j.Attempts = append(j.Attempts, Attempt{Stage: estimate.StageDecode, Pipeline: take, Outcome: OutcomeSucceeded})
		p := j.Pipelines[take]
		if err := o.startTrunk(ctx, j, estimate.StageEncode, p.Last(), j.intermediate, j.work); err != nil {
			o.recordFailure(j, estimate.StageEncode, take, 0, err)
			o.runTransform(ctx, j)
		}

	case estimate.StageConvert, estimate.StageEncode:
		if o.outputTooSmall(j) {
			retried := j.tooSmall()
			j.Attempts = append(j.Attempts, Attempt{Stage: ref.stage, Pipeline: take, Outcome: OutcomeTooSmall})
			o.removeIntermediate(j)
			removeFile(j.work)
			if retried {
				o.logf(j.LogID, "Output file is too small again, giving up")
				o.terminate(ctx, j, StateFailed, ErrOutputTooSmall.Error())
				return
			}
			o.logf(j.LogID, "Output file is suspiciously small, retrying once")
			o.runTransform(ctx, j)
			return
		}
		j.Attempts = append(j.Attempts, Attempt{
			Stage:            ref.stage,
			Pipeline:         take,
			Outcome:          OutcomeSucceeded,
			InlineReplayGain: ref.inline,
		})
		o.acceptTransform(ctx, j)

	case estimate.StageReplayGain:
		j.Attempts = append(j.Attempts, Attempt{Stage: estimate.StageReplayGain, Pipeline: take, Outcome: OutcomeSucceeded})
		o.advance(ctx, j)
	}
}

func (o *Orchestrator) acceptTransform(ctx context.Context, j *Job) {
	o.removeIntermediate(j)
	o.captureCovers(j)
	o.advance(ctx, j)
}

// outputTooSmall flags outputs under both the ratio and the absolute floor.
func (o *Orchestrator) outputTooSmall(j *Job) bool {
	if slices.ContainsFunc(o.settings.ExemptCodecs, func(c string) bool {
		return strings.EqualFold(c, j.Profile.Codec)
	}) {
		return false
	}
	var size int64
	if info, err := os.Stat(j.work); err == nil {
		size = info.Size()
	}
	estimated := j.inputSize
	if j.Source.Ripping() {
		estimated = estimate.IntermediateSize(j.Length, 0, true, false, j.Source.Codec)
	}
	return float64(size) < o.settings.MinRatio*float64(estimated) && size < o.settings.MinBytes
}

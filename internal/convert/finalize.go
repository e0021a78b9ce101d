package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vmunix/konvert/internal/estimate"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/naming"
	"github.com/vmunix/konvert/internal/tags"
)

// Cover policies.
const (
	CoversAlways   = "always"
	CoversFallback = "fallback"
	CoversNever    = "never"
)

// captureCovers reads the source pictures while the input is still around.
func (o *Orchestrator) captureCovers(j *Job) {
	if o.settings.CoverPolicy == CoversNever || j.input == "" || j.covers != nil {
		return
	}
	covers, err := o.tags.ReadCovers(j.input)
	if err != nil {
		if !errors.Is(err, tags.ErrUnsupported) {
			o.logf(j.LogID, "Reading cover art failed: %v", err)
		}
		return
	}
	j.covers = covers
}

// finalize writes metadata, moves the working output to its final name
// and fires the notify command.
func (o *Orchestrator) finalize(ctx context.Context, j *Job) error {
	if t := j.Source.Tags; t != nil && !t.Empty() {
		if err := o.tags.WriteTags(j.work, t); err != nil && !errors.Is(err, tags.ErrUnsupported) {
			o.logf(j.LogID, "Writing tags failed: %v", err)
		}
	}
	o.writeCovers(j)

	if err := naming.Move(j.work, j.output); err != nil {
		return fmt.Errorf("move output to %s: %w", j.output, err)
	}
	j.work = ""

	var size int64
	if info, err := os.Stat(j.output); err == nil {
		size = info.Size()
	}
	o.logf(j.LogID, "Output file: %s", j.output)
	o.logf(j.LogID, "\tConversion time: %s", o.now().Sub(j.Started).Round(time.Millisecond))
	o.logf(j.LogID, "\tOutput file size: %s", humanize.Bytes(uint64(size)))
	if j.inputSize > 0 {
		o.logf(j.LogID, "\tFile size ratio: %.1f%%", float64(size)*100/float64(j.inputSize))
	}

	o.notify(ctx, j)
	return nil
}

func (o *Orchestrator) writeCovers(j *Job) {
	if len(j.covers) == 0 {
		return
	}
	err := o.tags.WriteCovers(j.work, j.covers)
	if err != nil && !errors.Is(err, tags.ErrUnsupported) {
		o.logf(j.LogID, "Embedding cover art failed: %v", err)
	}
	policy := o.settings.CoverPolicy
	if policy != CoversAlways && (policy != CoversFallback || err == nil) {
		return
	}
	name := o.settings.CoverName
	if name == "" {
		name = "cover"
	}
	written, serr := tags.SaveCovers(filepath.Dir(j.output), name, j.covers)
	if serr != nil {
		o.logf(j.LogID, "Saving cover art failed: %v", serr)
	}
	for _, path := range written {
		o.logf(j.LogID, "Saved cover art to %s", path)
	}
}

func (o *Orchestrator) notify(ctx context.Context, j *Job) {
	if j.Profile.Notify == "" || o.notifier == nil {
		return
	}
	if _, err := o.notifier.Run(ctx, j.Profile.Notify, j.Source.Path, j.output); err != nil {
		o.logf(j.LogID, "Notify command failed: %v", err)
		return
	}
	o.logf(j.LogID, "Notify command started")
}

// prepareOutput reserves the final name and picks the working path next to it.
func (o *Orchestrator) prepareOutput(j *Job) error {
	if j.output != "" {
		return nil
	}
	desired, err := o.outputPath(j)
	if err != nil {
		return err
	}
	final, err := o.names.Reserve(j.ID, desired)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		o.names.Release(j.ID)
		return fmt.Errorf("create output directory: %w", err)
	}
	j.output = final
	j.work = naming.WorkPath(final, int64(j.LogID))
	if j.inputSize == 0 && j.input != "" {
		if info, err := os.Stat(j.input); err == nil {
			j.inputSize = info.Size()
		}
	}
	return nil
}

func (o *Orchestrator) outputPath(j *Job) (string, error) {
	ext := j.Profile.Extension
	if o.settings.SameDir && !j.Source.Ripping() && !j.Mode.Has(ModeFetch) {
		return naming.SameDir(j.input, ext), nil
	}

	base := j.Source.Label
	if j.Source.Path != "" {
		base = filepath.Base(j.Source.Path)
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if j.Source.Ripping() && j.Source.Track > 0 {
		base = fmt.Sprintf("Track %02d", j.Source.Track)
	}
	v := naming.Vars{Basename: base, Ext: ext, Track: j.Source.Track}
	if t := j.Source.Tags; t != nil {
		v.Artist, v.Album, v.Title, v.Genre = t.Artist, t.Album, t.Title, t.Genre
		v.Disc, v.Year = t.Disc, t.Year
		if t.Track > 0 {
			v.Track = t.Track
		}
	}
	return o.renamer.Path(v)
}

func (o *Orchestrator) waitForAlbumGain(ctx context.Context, j *Job) {
	o.cleanupTemp(j)
	j.Finished = j.Budget.Before(estimate.StageReplayGain)
	o.setState(ctx, j, StateWaitingForAlbumGain)
	o.logf(j.LogID, "Waiting for the rest of the album")
	o.outcomes = append(o.outcomes, Outcome{
		ItemID:   j.ID,
		State:    StateWaitingForAlbumGain,
		Finished: j.Finished,
		Budget:   j.Budget.Total(),
		Elapsed:  o.now().Sub(j.Started),
	})
}

func (o *Orchestrator) complete(ctx context.Context, j *Job) {
	if err := o.finalize(ctx, j); err != nil {
		o.logf(j.LogID, "Finishing failed: %v", err)
		o.terminate(ctx, j, StateFailed, err.Error())
		return
	}
	o.terminate(ctx, j, StateCompleted, "")
}

// terminate moves j to a terminal state, purges its temporary files and
// reports the outcome.
func (o *Orchestrator) terminate(ctx context.Context, j *Job, state State, reason string) {
	if j.op != nil {
		delete(o.ops, j.op.key)
		j.op = nil
	}
	o.setState(ctx, j, state)
	o.cleanupTemp(j)

	var size int64
	if state == StateCompleted {
		j.Finished = j.Budget.Total()
		if info, err := os.Stat(j.output); err == nil {
			size = info.Size()
		}
	} else if j.work != "" {
		if o.settings.KeepFailedFiles {
			o.logf(j.LogID, "Keeping partial output %s", j.work)
		} else {
			removeFile(j.work)
		}
	}
	o.names.Release(j.ID)
	delete(o.jobs, j.ID)

	out := Outcome{
		ItemID:   j.ID,
		State:    state,
		Reason:   reason,
		Size:     size,
		Finished: j.Finished,
		Budget:   j.Budget.Total(),
		Elapsed:  o.now().Sub(j.Started),
	}
	if state == StateCompleted {
		out.Output = j.output
	}
	o.outcomes = append(o.outcomes, out)

	o.logger.Info("job finished", "item_id", j.ID, "state", state, "reason", reason, "output", out.Output)
	o.publish(ctx, &events.JobFinished{
		BaseEvent: events.NewBaseEvent(events.EventJobFinished, events.EntityJob, j.ID),
		ItemID:    j.ID,
		State:     string(state),
		Reason:    reason,
		Output:    out.Output,
		Duration:  j.Length,
		Size:      size,
	})
}

func (o *Orchestrator) cleanupTemp(j *Job) {
	if j.fetched != "" {
		removeFile(j.fetched)
		j.fetched = ""
	}
	o.removeIntermediate(j)
}

func (o *Orchestrator) removeIntermediate(j *Job) {
	if j.intermediate != "" {
		removeFile(j.intermediate)
		j.intermediate = ""
	}
}

func removeFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

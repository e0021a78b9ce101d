package convert

import (
	"context"
	"fmt"

	"github.com/vmunix/konvert/internal/backend"
	"github.com/vmunix/konvert/internal/estimate"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/pipeline"
	"github.com/vmunix/konvert/internal/process"
)

// StartAlbumGain normalizes the outputs of the given jobs as one album.
// Every member must be waiting for album gain.
func (o *Orchestrator) StartAlbumGain(ctx context.Context, album, codec string, itemIDs []int64) (int64, error) {
	members := make([]*Job, 0, len(itemIDs))
	for _, id := range itemIDs {
		j, ok := o.jobs[id]
		if !ok {
			return 0, fmt.Errorf("%w: %d", ErrUnknownJob, id)
		}
		if j.State != StateWaitingForAlbumGain || j.album != nil {
			return 0, fmt.Errorf("%w: %d is %s", ErrNotWaiting, id, j.State)
		}
		members = append(members, j)
	}
	if len(members) == 0 {
		return 0, fmt.Errorf("%w: empty album batch", ErrUnknownJob)
	}

	o.nextAlbum++
	label := album
	if label == "" {
		label = members[0].Source.Label
	}
	a := &AlbumJob{
		ID:        o.nextAlbum,
		Album:     album,
		Codec:     codec,
		Members:   members,
		Pipelines: o.resolver.ResolveReplayGain(codec, ""),
		State:     StateIdle,
	}
	a.LogID = o.joblog.Register("Album gain: " + label)
	o.albums[a.ID] = a
	for _, m := range members {
		m.album = a
		o.logf(m.LogID, "Album gain batch %d started with %d tracks", a.ID, len(members))
	}
	o.logStrategies(a.LogID, a.Pipelines)

	o.publish(ctx, &events.AlbumGainStarted{
		BaseEvent: events.NewBaseEvent(events.EventAlbumGainStarted, events.EntityAlbum, a.ID),
		AlbumID:   a.ID,
		ItemIDs:   append([]int64(nil), itemIDs...),
		Album:     album,
		Codec:     codec,
	})

	o.runAlbumGain(ctx, a)
	return a.ID, nil
}

func (o *Orchestrator) runAlbumGain(ctx context.Context, a *AlbumJob) {
	for {
		take := a.take()
		if take >= len(a.Pipelines) {
			state := StateFailed
			if len(a.Pipelines) == 0 {
				state = StateNeedsConfiguration
			} else if last := a.Attempts[len(a.Attempts)-1]; last.Outcome == OutcomeNeedsConfiguration {
				state = StateNeedsConfiguration
			}
			o.logf(a.LogID, "No replay gain tools left to try")
			o.finishAlbum(ctx, a, state, "album gain failed")
			return
		}
		p := a.Pipelines[take]
		o.logf(a.LogID, "Trying %s", p)

		err := o.startAlbumTrunk(ctx, a, p)
		if err == nil {
			return
		}
		o.recordAlbumFailure(a, take, 0, err)
	}
}

func (o *Orchestrator) startAlbumTrunk(ctx context.Context, a *AlbumJob, p pipeline.Pipeline) error {
	t := p.First()
	b, err := o.backends.Get(t.Backend)
	if err != nil {
		return err
	}
	inputs := make([]string, len(a.Members))
	for i, m := range a.Members {
		inputs[i] = m.work
	}
	id, err := b.Start(ctx, backend.Request{From: t.From, To: t.To, Inputs: inputs, Options: a.Members[0].Profile.Options})
	if err != nil {
		return err
	}
	a.State = StateApplyingReplayGain
	for _, m := range a.Members {
		o.setState(ctx, m, StateApplyingReplayGain)
	}
	o.register(nil, a, opKey{b.Name(), int64(id)}, backendOperator{b}, estimate.StageReplayGain, false)
	return nil
}

func (o *Orchestrator) recordAlbumFailure(a *AlbumJob, take, code int, err error) {
	outcome := OutcomeFailed
	if isNeedsConfiguration(err) {
		outcome = OutcomeNeedsConfiguration
	}
	a.Attempts = append(a.Attempts, Attempt{Stage: estimate.StageReplayGain, Pipeline: take, Outcome: outcome, ExitCode: code})
	serr := &StageError{Stage: estimate.StageReplayGain, Pipeline: a.Pipelines[take].String(), ExitCode: code, Err: err}
	o.logf(a.LogID, "%v", serr)
	o.logger.Warn("album gain failed", "album_id", a.ID, "exit_code", code, "error", err)
}

func (o *Orchestrator) albumCompleted(ctx context.Context, a *AlbumJob, ev *events.OperationCompleted) {
	take := a.take()
	switch {
	case a.killed || ev.ExitCode == process.ExitKilled:
		a.Attempts = append(a.Attempts, Attempt{Stage: estimate.StageReplayGain, Pipeline: take, Outcome: OutcomeKilled, ExitCode: ev.ExitCode})
		o.finishAlbum(ctx, a, StateStopped, "killed")
	case failed(ev):
		o.recordAlbumFailure(a, take, ev.ExitCode, eventError(ev))
		o.runAlbumGain(ctx, a)
	default:
		a.Attempts = append(a.Attempts, Attempt{Stage: estimate.StageReplayGain, Pipeline: take, Outcome: OutcomeSucceeded})
		o.finishAlbum(ctx, a, StateCompleted, "")
	}
}

func (o *Orchestrator) killAlbum(ctx context.Context, a *AlbumJob) {
	if a.killed {
		return
	}
	a.killed = true
	o.logf(a.LogID, "Killing album gain batch")
	for _, m := range a.Members {
		m.killed = true
	}
	if a.op != nil {
		a.op.operator.Cancel(a.op.key.id)
		return
	}
	o.finishAlbum(ctx, a, StateStopped, "killed")
}

// finishAlbum fans the batch result out to every member.
func (o *Orchestrator) finishAlbum(ctx context.Context, a *AlbumJob, state State, reason string) {
	if a.op != nil {
		delete(o.ops, a.op.key)
		a.op = nil
	}
	a.State = state
	delete(o.albums, a.ID)

	o.publish(ctx, &events.AlbumGainFinished{
		BaseEvent: events.NewBaseEvent(events.EventAlbumGainFinished, events.EntityAlbum, a.ID),
		AlbumID:   a.ID,
		State:     string(state),
	})

	for _, m := range a.Members {
		m.album = nil
		if state == StateCompleted {
			m.Attempts = append(m.Attempts, Attempt{Stage: estimate.StageReplayGain, Outcome: OutcomeSucceeded})
			o.complete(ctx, m)
			continue
		}
		o.logf(m.LogID, "Album gain ended: %s", state)
		o.terminate(ctx, m, state, reason)
	}
}

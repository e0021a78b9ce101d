package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vmunix/konvert/internal/events"
)

// finishedJobs decodes the journaled JobFinished events, keyed by item.
// A requeued item keeps its latest result.
func finishedJobs(log *events.EventLog) (map[int64]*events.JobFinished, error) {
	raws, err := log.OfType(events.EventJobFinished)
	if err != nil {
		return nil, err
	}
	reg := events.DefaultRegistry()
	out := make(map[int64]*events.JobFinished, len(raws))
	for _, raw := range raws {
		ev, err := reg.Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		if f, ok := ev.(*events.JobFinished); ok {
			out[f.ItemID] = f
		}
	}
	return out, nil
}

// stateHistory lists the states an item went through, oldest first.
func stateHistory(log *events.EventLog, itemID int64) ([]string, error) {
	raws, err := log.ForEntity(events.EntityJob, itemID)
	if err != nil {
		return nil, err
	}
	reg := events.DefaultRegistry()
	var states []string
	for _, raw := range raws {
		if raw.EventType != events.EventJobStateChanged {
			continue
		}
		ev, err := reg.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", itemID, err)
		}
		sc, ok := ev.(*events.JobStateChanged)
		if !ok {
			continue
		}
		if len(states) == 0 {
			states = append(states, sc.From)
		}
		states = append(states, sc.To)
	}
	return states, nil
}

// traceEvents logs every bus event at debug level until ch is closed.
func traceEvents(ch <-chan events.Event, logger *slog.Logger) {
	for ev := range ch {
		attrs := []any{"type", ev.EventType(), "entity", ev.EntityType(), "id", ev.EntityID()}
		switch e := ev.(type) {
		case *events.OperationLog:
			attrs = append(attrs, "backend", e.Backend, "line", e.Line)
		case *events.OperationCompleted:
			attrs = append(attrs, "backend", e.Backend, "exit_code", e.ExitCode)
		case *events.JobStateChanged:
			attrs = append(attrs, "from", e.From, "to", e.To, "pipeline", e.Pipeline)
		}
		logger.Debug("event", attrs...)
	}
}

func debugEnabled(logger *slog.Logger) bool {
	return logger.Enabled(context.Background(), slog.LevelDebug)
}

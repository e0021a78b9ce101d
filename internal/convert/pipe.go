package convert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vmunix/konvert/internal/backend"
	"github.com/vmunix/konvert/internal/events"
	"github.com/vmunix/konvert/internal/process"
)

// pipeName identifies fused two-stage runs on the event bus.
const pipeName = "pipe"

// Operator is the control surface of a running operation.
type Operator interface {
	Cancel(id int64) bool
	Progress(id int64) (float64, bool)
}

type backendOperator struct {
	b backend.Backend
}

func (o backendOperator) Cancel(id int64) bool {
	return o.b.Cancel(backend.OperationID(id))
}

func (o backendOperator) Progress(id int64) (float64, bool) {
	return o.b.Progress(backend.OperationID(id))
}

type pipeOp struct {
	run      *process.Run
	progress float64
	known    bool
}

// pipeRunner joins the command lines of two streaming trunks with a pipe
// and reports like a backend.
type pipeRunner struct {
	bus    *events.Bus
	logger *slog.Logger

	mu   sync.Mutex
	next int64
	ops  map[int64]*pipeOp
}

func newPipeRunner(bus *events.Bus, logger *slog.Logger) *pipeRunner {
	return &pipeRunner{bus: bus, logger: logger, ops: make(map[int64]*pipeOp)}
}

func (p *pipeRunner) Start(ctx context.Context, cmds []backend.Command) (int64, error) {
	stages := make([][]string, len(cmds))
	for i, c := range cmds {
		stages[i] = c.Argv
	}

	p.mu.Lock()
	p.next++
	id := p.next
	op := &pipeOp{}
	p.ops[id] = op
	p.mu.Unlock()

	onLine := func(line string) {
		for _, c := range cmds {
			if c.Progress == nil {
				continue
			}
			if pct, ok := c.Progress(line); ok {
				p.mu.Lock()
				op.progress, op.known = pct, true
				p.mu.Unlock()
				return
			}
		}
		p.publish(ctx, events.NewOperationLog(pipeName, id, line))
	}

	run, err := process.Start(ctx, stages, process.Options{OnLine: onLine})
	if err != nil {
		p.mu.Lock()
		delete(p.ops, id)
		p.mu.Unlock()
		return 0, fmt.Errorf("start pipe: %w", err)
	}
	p.mu.Lock()
	op.run = run
	p.mu.Unlock()

	p.logger.Debug("pipe started", "id", id, "command", run.String())

	go func() {
		code, err := run.Wait()
		p.mu.Lock()
		delete(p.ops, id)
		p.mu.Unlock()
		p.publish(ctx, events.NewOperationCompleted(pipeName, id, code, err))
	}()
	return id, nil
}

func (p *pipeRunner) publish(ctx context.Context, e events.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, e); err != nil {
		p.logger.Warn("event not delivered", "type", e.EventType(), "error", err)
	}
}

func (p *pipeRunner) Cancel(id int64) bool {
	p.mu.Lock()
	op, ok := p.ops[id]
	p.mu.Unlock()
	if !ok || op.run == nil {
		return false
	}
	op.run.Kill()
	return true
}

func (p *pipeRunner) Progress(id int64) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[id]
	if !ok {
		return 0, false
	}
	return op.progress, op.known
}

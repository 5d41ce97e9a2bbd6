package pipeline

import (
	"context"
	"log/slog"
)

// Runner runs every pipeline pass once
type Runner interface {
	RunAll(ctx context.Context) ([]PassReport, error)
}

// Trigger runs the pipeline on demand. Notifications that arrive while a run
// is in progress collapse into a single follow-up run.
type Trigger struct {
	runner  Runner
	pending chan struct{}
	done    chan struct{}
}

// NewTrigger creates a Trigger for runner
func NewTrigger(runner Runner) *Trigger {
	return &Trigger{
		runner:  runner,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}, 1),
	}
}

// Notify schedules a run without blocking
func (t *Trigger) Notify() {
	select {
	case t.pending <- struct{}{}:
	default:
	}
}

// Done receives after every completed run. It is buffered by one and never
// blocks the trigger.
func (t *Trigger) Done() <-chan struct{} {
	return t.done
}

// Run processes notifications until ctx is cancelled
func (t *Trigger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.pending:
			if _, err := t.runner.RunAll(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Pipeline run failed", "error", err)
			}
			select {
			case t.done <- struct{}{}:
			default:
			}
		}
	}
}

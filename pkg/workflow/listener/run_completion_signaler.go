package listener

import (
	"context"
	"sync"

	port "github.com/tigerroll/entiflow/pkg/workflow/core/application/port"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// RunCompletionSignaler is a RunListener that lets callers block until a given run ends.
// Runs that end before anyone waits for them are remembered.
type RunCompletionSignaler struct {
	mu       sync.Mutex
	finished map[string]*model.WorkflowRun
	waiters  map[string][]chan *model.WorkflowRun
}

var _ port.RunListener = (*RunCompletionSignaler)(nil)

// NewRunCompletionSignaler creates a new instance of RunCompletionSignaler.
func NewRunCompletionSignaler() *RunCompletionSignaler {
	return &RunCompletionSignaler{
		finished: make(map[string]*model.WorkflowRun),
		waiters:  make(map[string][]chan *model.WorkflowRun),
	}
}

// BeforeRun is part of the RunListener interface but does nothing in this implementation.
func (s *RunCompletionSignaler) BeforeRun(context.Context, *model.Workflow, *model.WorkflowRun) {}

// AfterRun releases the waiters of run.
func (s *RunCompletionSignaler) AfterRun(_ context.Context, _ *model.Workflow, run *model.WorkflowRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[run.UUID] = run
	for _, ch := range s.waiters[run.UUID] {
		ch <- run
		close(ch)
	}
	delete(s.waiters, run.UUID)
	logger.Debugf("RunCompletionSignaler: Run %s completed with status %s.", run.UUID, run.Status)
}

// Wait blocks until runUUID reaches a terminal status or ctx is done.
func (s *RunCompletionSignaler) Wait(ctx context.Context, runUUID string) (*model.WorkflowRun, error) {
	s.mu.Lock()
	if run, ok := s.finished[runUUID]; ok {
		s.mu.Unlock()
		return run, nil
	}
	ch := make(chan *model.WorkflowRun, 1)
	s.waiters[runUUID] = append(s.waiters[runUUID], ch)
	s.mu.Unlock()

	select {
	case run := <-ch:
		return run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

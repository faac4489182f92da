package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

func TestRunCompletionSignaler(t *testing.T) {
	s := NewRunCompletionSignaler()
	wf := &model.Workflow{UUID: "wf"}
	early := &model.WorkflowRun{UUID: "early", Status: model.RunStatusSuccess}
	s.AfterRun(context.Background(), wf, early)

	got, err := s.Wait(context.Background(), "early")
	require.NoError(t, err)
	assert.Same(t, early, got)

	late := &model.WorkflowRun{UUID: "late", Status: model.RunStatusFailed}
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.AfterRun(context.Background(), wf, late)
	}()
	got, err = s.Wait(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Wait(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

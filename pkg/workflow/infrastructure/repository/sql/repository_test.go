package sql_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	repository "github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	sqlrepo "github.com/tigerroll/entiflow/pkg/workflow/infrastructure/repository/sql"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/test"
)

func newRepo(t *testing.T) *sqlrepo.SQLRepository {
	return sqlrepo.NewSQLRepository(test.NewTestDB(t))
}

func newWorkflow(name string) *model.Workflow {
	return &model.Workflow{
		Name:      name,
		Kind:      model.KindConsumer,
		Enabled:   true,
		Config:    model.RawJSON(`{"steps":[]}`),
		CreatedBy: "alice",
	}
}

func TestWorkflowCreateAndUpdateKeepsHistory(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	wf := newWorkflow("orders")
	require.NoError(t, repo.CreateWorkflow(ctx, wf))
	assert.NotEmpty(t, wf.UUID)
	assert.Equal(t, 1, wf.Version)

	wf.Description = "nightly import"
	wf.UpdatedBy = "bob"
	require.NoError(t, repo.UpdateWorkflow(ctx, wf))
	assert.Equal(t, 2, wf.Version)

	got, err := repo.FindWorkflowByUUID(ctx, wf.UUID)
	require.NoError(t, err)
	assert.Equal(t, "nightly import", got.Description)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "bob", got.UpdatedBy)
	assert.Equal(t, "alice", got.CreatedBy)

	versions, err := repo.ListWorkflowVersions(ctx, wf.UUID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].VersionNumber)

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(versions[0].Data, &snapshot))
	assert.Equal(t, "", snapshot["description"])
	assert.Equal(t, map[string]interface{}{"steps": []interface{}{}}, snapshot["config"])

	v1, err := repo.FindWorkflowVersion(ctx, wf.UUID, 1)
	require.NoError(t, err)
	assert.Equal(t, "bob", v1.CreatedBy)

	_, err = repo.FindWorkflowVersion(ctx, wf.UUID, 7)
	assert.ErrorIs(t, err, repository.ErrWorkflowVersionNotFound)
}

func TestWorkflowUpdateRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	wf := newWorkflow("orders")
	require.NoError(t, repo.CreateWorkflow(ctx, wf))

	stale := *wf
	require.NoError(t, repo.UpdateWorkflow(ctx, wf))

	stale.Name = "renamed"
	err := repo.UpdateWorkflow(ctx, &stale)
	require.Error(t, err)
	assert.True(t, exception.IsOptimisticLockingFailure(err))

	missing := newWorkflow("ghost")
	missing.UUID = model.NewID()
	missing.Version = 1
	assert.ErrorIs(t, repo.UpdateWorkflow(ctx, missing), repository.ErrWorkflowNotFound)
}

func TestListScheduledWorkflows(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	cron := "*/5 * * * *"
	blank := ""
	scheduled := newWorkflow("scheduled")
	scheduled.ScheduleCron = &cron
	disabled := newWorkflow("disabled")
	disabled.ScheduleCron = &cron
	disabled.Enabled = false
	unscheduled := newWorkflow("manual")
	unscheduled.ScheduleCron = &blank

	for _, wf := range []*model.Workflow{scheduled, disabled, unscheduled} {
		require.NoError(t, repo.CreateWorkflow(ctx, wf))
	}

	all, err := repo.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	got, err := repo.ListScheduledWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, scheduled.UUID, got[0].UUID)
	assert.Equal(t, cron, got[0].Cron())
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	wf := newWorkflow("orders")
	require.NoError(t, repo.CreateWorkflow(ctx, wf))

	run := model.NewWorkflowRun(wf.UUID, model.TriggerManual, "alice")
	require.NoError(t, repo.CreateRun(ctx, run))

	ok, err := repo.MarkRunning(ctx, run.UUID, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkRunning(ctx, run.UUID, 3)
	require.NoError(t, err)
	assert.False(t, ok, "a running run cannot be started twice")

	require.NoError(t, repo.IncrementCounters(ctx, run.UUID, 2, 1, 0))
	require.NoError(t, repo.IncrementCounters(ctx, run.UUID, 0, 0, 0))

	got, err := repo.FindRunByUUID(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, 3, got.StagedItems)
	assert.Equal(t, 2, got.ProcessedItems)
	assert.Equal(t, 1, got.FailedItems)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	ok, err = repo.TransitionStatus(ctx, run.UUID, []model.RunStatus{model.RunStatusRunning}, model.RunStatusSuccess, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitionStatus(ctx, run.UUID, []model.RunStatus{model.RunStatusRunning}, model.RunStatusFailed, "late")
	require.NoError(t, err)
	assert.False(t, ok, "only one transition out of running wins")

	_, err = repo.TransitionStatus(ctx, run.UUID, []model.RunStatus{model.RunStatusSuccess}, model.RunStatusRunning, "")
	assert.Error(t, err)

	got, err = repo.FindRunByUUID(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.NotNil(t, got.FinishedAt)
	assert.Empty(t, got.Error)

	assert.ErrorIs(t, repo.IncrementCounters(ctx, model.NewID(), 1, 0, 0), repository.ErrRunNotFound)
	_, err = repo.FindRunByUUID(ctx, model.NewID())
	assert.ErrorIs(t, err, repository.ErrRunNotFound)
}

func TestRawItemsAndLogs(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	wf := newWorkflow("orders")
	require.NoError(t, repo.CreateWorkflow(ctx, wf))
	run := model.NewWorkflowRun(wf.UUID, model.TriggerAPI, "")
	require.NoError(t, repo.CreateRun(ctx, run))

	items := []*model.RawItem{
		model.NewRawItem(run.UUID, 1, map[string]interface{}{"id": "b"}),
		model.NewRawItem(run.UUID, 0, map[string]interface{}{"id": "a"}),
	}
	require.NoError(t, repo.CreateRawItems(ctx, items))
	require.NoError(t, repo.CreateRawItems(ctx, nil))

	pending, err := repo.ListRawItemsByRun(ctx, run.UUID, model.RawItemPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Payload["id"])

	ok, err := repo.TransitionRawItem(ctx, items[0].UUID, model.RawItemFailed, "bad row")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitionRawItem(ctx, items[0].UUID, model.RawItemProcessed, "")
	require.NoError(t, err)
	assert.False(t, ok, "a settled item stays settled")

	_, err = repo.TransitionRawItem(ctx, items[1].UUID, model.RawItemPending, "")
	assert.Error(t, err)

	item, err := repo.FindRawItemByUUID(ctx, items[0].UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RawItemFailed, item.Status)
	assert.Equal(t, "bad row", item.Error)
	assert.NotNil(t, item.ProcessedAt)

	all, err := repo.ListRawItemsByRun(ctx, run.UUID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	first := model.NewRunLog(run.UUID, model.LogLevelInfo, "fetched", map[string]interface{}{"count": 2})
	second := model.NewRunLog(run.UUID, model.LogLevelError, "item failed", nil)
	second.Timestamp = first.Timestamp.Add(time.Millisecond)
	require.NoError(t, repo.AppendLog(ctx, second))
	require.NoError(t, repo.AppendLog(ctx, first))

	logs, err := repo.ListLogsByRun(ctx, run.UUID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "fetched", logs[0].Message)
	assert.EqualValues(t, 2, logs[0].Meta["count"])
}

func TestListStalled(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	later := time.Now().UTC().Add(time.Minute)
	earlier := time.Now().UTC().Add(-time.Hour)

	wf := newWorkflow("orders")
	require.NoError(t, repo.CreateWorkflow(ctx, wf))
	run := model.NewWorkflowRun(wf.UUID, model.TriggerAPI, "")
	require.NoError(t, repo.CreateRun(ctx, run))
	items := []*model.RawItem{
		model.NewRawItem(run.UUID, 0, map[string]interface{}{"id": "a"}),
		model.NewRawItem(run.UUID, 1, map[string]interface{}{"id": "b"}),
	}
	require.NoError(t, repo.CreateRawItems(ctx, items))

	runs, err := repo.ListStalledRuns(ctx, later, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1, "an old queued run is stalled")
	assert.Equal(t, run.UUID, runs[0].UUID)

	runs, err = repo.ListStalledRuns(ctx, earlier, 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "a fresh queued run is not")

	pending, err := repo.ListStalledRawItems(ctx, later, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "items of a queued run are left to staging")

	ok, err := repo.MarkRunning(ctx, run.UUID, len(items))
	require.NoError(t, err)
	require.True(t, ok)

	runs, err = repo.ListStalledRuns(ctx, later, 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "a running run with unsettled items is not stalled")

	pending, err = repo.ListStalledRawItems(ctx, later, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Payload["id"])

	pending, err = repo.ListStalledRawItems(ctx, later, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	pending, err = repo.ListStalledRawItems(ctx, earlier, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	for _, item := range items {
		_, err = repo.TransitionRawItem(ctx, item.UUID, model.RawItemProcessed, "")
		require.NoError(t, err)
	}
	require.NoError(t, repo.IncrementCounters(ctx, run.UUID, 2, 0, 0))

	runs, err = repo.ListStalledRuns(ctx, earlier, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1, "a running run whose items all settled awaits finalization")
	assert.Equal(t, model.RunStatusRunning, runs[0].Status)

	ok, err = repo.TransitionStatus(ctx, run.UUID, []model.RunStatus{model.RunStatusRunning}, model.RunStatusSuccess, "")
	require.NoError(t, err)
	require.True(t, ok)
	runs, err = repo.ListStalledRuns(ctx, later, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDeleteWorkflowRemovesChildren(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	wf := newWorkflow("orders")
	require.NoError(t, repo.CreateWorkflow(ctx, wf))
	require.NoError(t, repo.UpdateWorkflow(ctx, wf))
	run := model.NewWorkflowRun(wf.UUID, model.TriggerManual, "")
	require.NoError(t, repo.CreateRun(ctx, run))
	item := model.NewRawItem(run.UUID, 0, map[string]interface{}{"id": 1})
	require.NoError(t, repo.CreateRawItems(ctx, []*model.RawItem{item}))

	require.NoError(t, repo.DeleteWorkflow(ctx, wf.UUID))

	_, err := repo.FindWorkflowByUUID(ctx, wf.UUID)
	assert.ErrorIs(t, err, repository.ErrWorkflowNotFound)
	_, err = repo.FindRunByUUID(ctx, run.UUID)
	assert.ErrorIs(t, err, repository.ErrRunNotFound)
	_, err = repo.FindRawItemByUUID(ctx, item.UUID)
	assert.ErrorIs(t, err, repository.ErrRawItemNotFound)
	versions, err := repo.ListWorkflowVersions(ctx, wf.UUID)
	require.NoError(t, err)
	assert.Empty(t, versions)

	assert.ErrorIs(t, repo.DeleteWorkflow(ctx, wf.UUID), repository.ErrWorkflowNotFound)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	wf := newWorkflow("orders")
	require.NoError(t, repo.CreateWorkflow(ctx, wf))

	base := time.Now().UTC()
	newRun := func(age time.Duration, status model.RunStatus) *model.WorkflowRun {
		run := model.NewWorkflowRun(wf.UUID, model.TriggerCron, "")
		run.QueuedAt = base.Add(-age)
		run.Status = status
		require.NoError(t, repo.CreateRun(ctx, run))
		require.NoError(t, repo.AppendLog(ctx, model.NewRunLog(run.UUID, model.LogLevelInfo, "x", nil)))
		return run
	}
	ancient := newRun(40*24*time.Hour, model.RunStatusSuccess)
	ancientRunning := newRun(41*24*time.Hour, model.RunStatusRunning)
	r1 := newRun(3*time.Hour, model.RunStatusFailed)
	r2 := newRun(2*time.Hour, model.RunStatusSuccess)
	r3 := newRun(1*time.Hour, model.RunStatusSuccess)

	n, err := repo.PruneOlderThanDays(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = repo.FindRunByUUID(ctx, ancient.UUID)
	assert.ErrorIs(t, err, repository.ErrRunNotFound)
	logs, err := repo.ListLogsByRun(ctx, ancient.UUID)
	require.NoError(t, err)
	assert.Empty(t, logs)

	n, err = repo.PruneKeepLatestPerWorkflow(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = repo.FindRunByUUID(ctx, r1.UUID)
	assert.ErrorIs(t, err, repository.ErrRunNotFound)

	for _, kept := range []*model.WorkflowRun{ancientRunning, r2, r3} {
		_, err := repo.FindRunByUUID(ctx, kept.UUID)
		assert.NoError(t, err)
	}

	n, err = repo.PruneOlderThanDays(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/entiflow/pkg/workflow/core/application/usecase"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/format"
	sqlrepo "github.com/tigerroll/entiflow/pkg/workflow/infrastructure/repository/sql"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/test"
	"github.com/tigerroll/entiflow/pkg/workflow/transport"
)

const consumerConfig = `{"steps":[{
	"from":{"type":"format","source":{"source_type":"uri","config":{"uri":"http://example.com/items.json"}},
		"format":{"format_type":"json"}},
	"to":{"type":"entity","entity_definition":"product","update_key":"sku"}}]}`

const providerConfig = `{"steps":[{
	"from":{"type":"entity","entity_definition":"product"},
	"to":{"type":"format","format":{"format_type":"csv"},
		"output":{"destination":{"destination_type":"uri","config":{"uri":"http://example.com/in"}}}}}]}`

type fakeLauncher struct {
	calls []string
	run   *model.WorkflowRun
}

func (l *fakeLauncher) TriggerRun(_ context.Context, wfUUID string, trigger model.TriggerType, actor string) (*model.WorkflowRun, error) {
	l.calls = append(l.calls, "trigger:"+wfUUID+":"+string(trigger)+":"+actor)
	return l.run, nil
}

func (l *fakeLauncher) StageUpload(_ context.Context, wfUUID string, data []byte, formatType, actor string) (*model.WorkflowRun, error) {
	l.calls = append(l.calls, "upload:"+wfUUID+":"+formatType+":"+string(data))
	return l.run, nil
}

func (l *fakeLauncher) Cancel(_ context.Context, runUUID string) (*model.WorkflowRun, error) {
	l.calls = append(l.calls, "cancel:"+runUUID)
	return l.run, nil
}

func newValidator() *usecase.Validator {
	return usecase.NewValidator(format.DefaultRegistry(), transport.DefaultRegistry(transport.Env{}))
}

func newService(t *testing.T) (*usecase.DefaultWorkflowService, *sqlrepo.SQLRepository, *fakeLauncher) {
	t.Helper()
	repo := sqlrepo.NewSQLRepository(test.NewTestDB(t))
	launcher := &fakeLauncher{run: &model.WorkflowRun{UUID: "run-1"}}
	return usecase.NewDefaultWorkflowService(repo, newValidator(), launcher), repo, launcher
}

func strPtr(s string) *string { return &s }

func TestValidatorAcceptsValidWorkflows(t *testing.T) {
	v := newValidator()
	assert.NoError(t, v.Validate(&model.Workflow{Name: "in", Kind: model.KindConsumer, Config: model.RawJSON(consumerConfig),
		ScheduleCron: strPtr("*/5 * * * *")}))
	assert.NoError(t, v.Validate(&model.Workflow{Name: "out", Kind: model.KindProvider, Config: model.RawJSON(providerConfig)}))
}

func TestValidatorReportsAllProblems(t *testing.T) {
	v := newValidator()
	config := `{"steps":[{
		"from":{"type":"format","source":{"source_type":"carrier-pigeon"},"format":{"format_type":"json"}},
		"to":{"type":"next_step"}}]}`
	err := v.Validate(&model.Workflow{Name: " ", Kind: model.KindConsumer, Config: model.RawJSON(config),
		ScheduleCron: strPtr("every tuesday")})
	require.Error(t, err)
	assert.Equal(t, exception.ValidationError, exception.KindOf(err))

	problems := dsl.ValidationErrors(err)
	require.Len(t, problems, 4)
	assert.Contains(t, problems[0].Error(), "name is required")
	assert.Contains(t, problems[1].Error(), "schedule_cron")
	assert.Contains(t, problems[2].Error(), "steps[0].from.source")
	assert.Contains(t, problems[3].Error(), "consumer workflow needs a step writing to an entity")
}

func TestValidatorKindSinkAgreement(t *testing.T) {
	v := newValidator()
	err := v.Validate(&model.Workflow{Name: "x", Kind: model.KindProvider, Config: model.RawJSON(consumerConfig)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider workflow needs a step writing to a format destination")

	err = v.Validate(&model.Workflow{Name: "x", Kind: "sideways", Config: model.RawJSON(consumerConfig)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `kind "sideways"`)
}

func TestValidatorRejectsBadProgram(t *testing.T) {
	v := newValidator()
	err := v.Validate(&model.Workflow{Name: "x", Kind: model.KindConsumer, Config: model.RawJSON(`{"steps":[]}`)})
	require.Error(t, err)
	assert.Equal(t, exception.ValidationError, exception.KindOf(err))
	assert.Contains(t, err.Error(), "at least one step is required")

	err = v.Validate(&model.Workflow{Name: "x", Kind: model.KindConsumer, Config: model.RawJSON(`not json`)})
	require.Error(t, err)
	assert.Equal(t, exception.ValidationError, exception.KindOf(err))
}

func TestCreateUpdateAndRollback(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	wf := &model.Workflow{Name: "import", Kind: model.KindConsumer, Enabled: true,
		Config: model.RawJSON(consumerConfig), CreatedBy: "alice"}
	require.NoError(t, svc.Create(ctx, wf))
	require.NotEmpty(t, wf.UUID)

	bad := *wf
	bad.Config = model.RawJSON(providerConfig)
	require.Error(t, svc.Update(ctx, &bad), "a consumer config must keep an entity sink")

	wf.Name = "import v2"
	wf.UpdatedBy = "bob"
	require.NoError(t, svc.Update(ctx, wf))
	assert.Equal(t, 2, wf.Version)

	stale := *wf
	stale.Version = 1
	err := svc.Update(ctx, &stale)
	assert.True(t, exception.IsOptimisticLockingFailure(err))

	versions, err := svc.Versions(ctx, wf.UUID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].VersionNumber)

	restored, err := svc.Rollback(ctx, wf.UUID, 1, "carol")
	require.NoError(t, err)
	assert.Equal(t, "import", restored.Name)
	assert.Equal(t, 3, restored.Version)

	got, err := svc.Get(ctx, wf.UUID)
	require.NoError(t, err)
	assert.Equal(t, "import", got.Name)
	assert.Equal(t, "carol", got.UpdatedBy)

	_, err = svc.Rollback(ctx, wf.UUID, 42, "carol")
	assert.ErrorIs(t, err, repository.ErrWorkflowVersionNotFound)

	require.NoError(t, svc.Delete(ctx, wf.UUID))
	_, err = svc.Get(ctx, wf.UUID)
	assert.ErrorIs(t, err, repository.ErrWorkflowNotFound)
}

func TestUpdateUnknownWorkflow(t *testing.T) {
	svc, _, _ := newService(t)
	err := svc.Update(context.Background(), &model.Workflow{UUID: "missing", Name: "x", Kind: model.KindConsumer,
		Config: model.RawJSON(consumerConfig), Version: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrWorkflowNotFound))
	assert.Equal(t, exception.ValidationError, exception.KindOf(err))
}

func TestRunNowAndCancelDelegate(t *testing.T) {
	ctx := context.Background()
	svc, _, launcher := newService(t)

	run, err := svc.RunNow(ctx, "wf-1", nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.UUID)

	_, err = svc.RunNow(ctx, "wf-1", &usecase.Upload{Data: []byte("a,b"), FormatType: "csv"}, "alice")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"trigger:wf-1:manual:alice", "upload:wf-1:csv:a,b", "cancel:run-1"}, launcher.calls)
}

func TestPreviewSchedule(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newService(t)

	wf := &model.Workflow{Name: "nightly", Kind: model.KindConsumer, Config: model.RawJSON(consumerConfig),
		ScheduleCron: strPtr("0 0 * * *")}
	require.NoError(t, repo.CreateWorkflow(ctx, wf))

	times, err := svc.PreviewSchedule(ctx, wf.UUID, 3)
	require.NoError(t, err)
	require.Len(t, times, 3)
	for _, s := range times {
		ts, err := time.Parse(time.RFC3339, s)
		require.NoError(t, err)
		assert.Equal(t, 0, ts.Hour())
		assert.Equal(t, 0, ts.Minute())
	}

	unscheduled := &model.Workflow{Name: "adhoc", Kind: model.KindConsumer, Config: model.RawJSON(consumerConfig)}
	require.NoError(t, repo.CreateWorkflow(ctx, unscheduled))
	_, err = svc.PreviewSchedule(ctx, unscheduled.UUID, 3)
	assert.Equal(t, exception.ValidationError, exception.KindOf(err))
}

func TestRunExplorer(t *testing.T) {
	ctx := context.Background()
	repo := sqlrepo.NewSQLRepository(test.NewTestDB(t))
	explorer := usecase.NewSimpleRunExplorer(repo)

	wf := &model.Workflow{Name: "import", Kind: model.KindConsumer, Config: model.RawJSON(consumerConfig)}
	require.NoError(t, repo.CreateWorkflow(ctx, wf))
	run := model.NewWorkflowRun(wf.UUID, model.TriggerManual, "alice")
	require.NoError(t, repo.CreateRun(ctx, run))
	require.NoError(t, repo.CreateRawItems(ctx, []*model.RawItem{
		model.NewRawItem(run.UUID, 0, model.JSONMap{"sku": "a"}),
		model.NewRawItem(run.UUID, 1, model.JSONMap{"sku": "b"}),
	}))
	require.NoError(t, repo.AppendLog(ctx, model.NewRunLog(run.UUID, model.LogLevelInfo, "Run queued", nil)))

	got, err := explorer.GetRun(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, got.Status)

	runs, err := explorer.ListRuns(ctx, wf.UUID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	logs, err := explorer.ListLogs(ctx, run.UUID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Run queued", logs[0].Message)

	items, err := explorer.ListItems(ctx, run.UUID, model.RawItemPending)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = explorer.ListRuns(ctx, "missing", 10)
	assert.ErrorIs(t, err, repository.ErrWorkflowNotFound)
	_, err = explorer.ListLogs(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrRunNotFound)
}

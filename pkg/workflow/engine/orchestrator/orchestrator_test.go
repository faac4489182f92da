package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	port "github.com/tigerroll/entiflow/pkg/workflow/core/application/port"
	"github.com/tigerroll/entiflow/pkg/workflow/core/cache"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/orchestrator"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/queue"
	"github.com/tigerroll/entiflow/pkg/workflow/entity"
	sqlrepo "github.com/tigerroll/entiflow/pkg/workflow/infrastructure/repository/sql"
	"github.com/tigerroll/entiflow/pkg/workflow/listener"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/test"
	"github.com/tigerroll/entiflow/pkg/workflow/transport"
)

type itemRecorder struct {
	mu       sync.Mutex
	statuses map[model.RawItemStatus]int
}

func (r *itemRecorder) AfterItem(_ context.Context, _ *model.Workflow, item *model.RawItem, _ error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[item.Status]++
}

func (r *itemRecorder) count(s model.RawItemStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[s]
}

type fixture struct {
	deps     orchestrator.Dependencies
	policy   orchestrator.Policy
	repo     *sqlrepo.SQLRepository
	store    *entity.Store
	resolver *entity.Resolver
	queue    *queue.MemoryQueue
	orch     *orchestrator.Orchestrator
	signaler *listener.RunCompletionSignaler
	items    *itemRecorder
}

func newFixture(t *testing.T, policy orchestrator.Policy) *fixture {
	t.Helper()
	conn := test.NewTestDB(t)
	c := cache.NewMapManager()
	defs := entity.NewDefinitionStore(conn)
	ctx := context.Background()
	require.NoError(t, defs.Save(ctx, &model.EntityDefinition{
		EntityType: "product",
		Fields: []model.FieldDefinition{
			{Name: "sku", Type: model.FieldString, Required: true},
			{Name: "ean", Type: model.FieldString, Unique: true},
			{Name: "brand", Type: model.FieldString},
		},
	}))
	require.NoError(t, defs.Save(ctx, &model.EntityDefinition{
		EntityType: "brand",
		Fields:     []model.FieldDefinition{{Name: "name", Type: model.FieldString, Required: true}},
	}))

	f := &fixture{
		repo:     sqlrepo.NewSQLRepository(conn),
		store:    entity.NewStore(conn),
		queue:    queue.NewMemoryQueue(0),
		signaler: listener.NewRunCompletionSignaler(),
		items:    &itemRecorder{statuses: map[model.RawItemStatus]int{}},
	}
	f.resolver = entity.NewResolver(f.store, entity.NewCachedDefinitionService(defs, c, 0), c)
	f.deps = orchestrator.Dependencies{
		Repo:          f.repo,
		Tx:            f.repo.TxManager,
		Queue:         f.queue,
		Transports:    transport.DefaultRegistry(transport.Env{}),
		Resolver:      f.resolver,
		RunListeners:  []port.RunListener{f.signaler},
		ItemListeners: []port.ItemListener{f.items},
	}
	f.policy = policy
	f.orch = orchestrator.New(f.deps, policy)
	t.Cleanup(func() { _ = f.queue.Close() })
	return f
}

func (f *fixture) workflow(t *testing.T, config string) *model.Workflow {
	t.Helper()
	wf := &model.Workflow{Name: "import", Kind: model.KindConsumer, Enabled: true, Config: model.RawJSON(config)}
	require.NoError(t, f.repo.CreateWorkflow(context.Background(), wf))
	return wf
}

// useRepo rebuilds the orchestrator on repo, sharing everything else.
func (f *fixture) useRepo(repo repository.Repository) {
	deps := f.deps
	deps.Repo = repo
	f.orch = orchestrator.New(deps, f.policy)
}

// work runs a single worker until the run ends.
func (f *fixture) work(t *testing.T, runUUID string) *model.WorkflowRun {
	t.Helper()
	return f.workWith(t, runUUID, f.orch, 1)
}

func (f *fixture) workWith(t *testing.T, runUUID string, h queue.Handler, workers int) *model.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.NewWorkerPool(f.queue, h, workers).Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	run, err := f.signaler.Wait(waitCtx, runUUID)
	require.NoError(t, err)
	return run
}

func (f *fixture) logs(t *testing.T, runUUID string, level model.LogLevel) []*model.WorkflowRunLog {
	t.Helper()
	all, err := f.repo.ListLogsByRun(context.Background(), runUUID)
	require.NoError(t, err)
	var out []*model.WorkflowRunLog
	for _, l := range all {
		if l.Level == level {
			out = append(out, l)
		}
	}
	return out
}

func serveJSON(t *testing.T, v interface{}) *httptest.Server {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func consumerConfig(uri string) string {
	return fmt.Sprintf(`{"steps":[{
		"from":{"type":"format","source":{"source_type":"uri","config":{"uri":%q}},"format":{"format_type":"json"}},
		"to":{"type":"entity","entity_definition":"product","update_key":"sku","path":"/products"}}]}`, uri)
}

func TestPartialSuccessRunIsSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})

	records := make([]map[string]interface{}, 10)
	for i := range records {
		records[i] = map[string]interface{}{"sku": fmt.Sprintf("s%d", i), "ean": fmt.Sprintf("e%d", i)}
	}
	// The last three reuse the EAN of earlier products.
	for i := 7; i < 10; i++ {
		records[i]["ean"] = fmt.Sprintf("e%d", i-7)
	}
	wf := f.workflow(t, consumerConfig(serveJSON(t, records).URL))

	run, err := f.orch.TriggerRun(ctx, wf.UUID, model.TriggerManual, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, run.Status)

	final := f.work(t, run.UUID)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 10, final.StagedItems)
	assert.Equal(t, 7, final.ProcessedItems)
	assert.Equal(t, 3, final.FailedItems)
	assert.NotNil(t, final.FinishedAt)

	errs := f.logs(t, run.UUID, model.LogLevelError)
	require.Len(t, errs, 3)
	for _, l := range errs {
		assert.Equal(t, string(exception.PersistenceConflict), l.Meta["kind"])
	}
	assert.Equal(t, 7, f.items.count(model.RawItemProcessed))
	assert.Equal(t, 3, f.items.count(model.RawItemFailed))

	failed, err := f.repo.ListRawItemsByRun(ctx, run.UUID, model.RawItemFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 3)

	products, err := f.store.List(ctx, "product", nil, 0)
	require.NoError(t, err)
	assert.Len(t, products, 7)
	assert.Equal(t, "alice", products[0].CreatedBy)
}

func TestRedeliveredJobsAreNoOps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	wf := f.workflow(t, consumerConfig(serveJSON(t, []map[string]interface{}{{"sku": "a"}, {"sku": "b"}}).URL))

	run, err := f.orch.TriggerRun(ctx, wf.UUID, model.TriggerManual, "")
	require.NoError(t, err)
	require.Equal(t, model.RunStatusSuccess, f.work(t, run.UUID).Status)

	items, err := f.repo.ListRawItemsByRun(ctx, run.UUID, "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NoError(t, f.orch.HandleProcessRawItem(ctx, queue.ProcessRawItemJob{RunUUID: run.UUID, RawItemUUID: items[0].UUID}))
	require.NoError(t, f.orch.HandleFetchAndStage(ctx, queue.FetchAndStageJob{RunUUID: run.UUID, WorkflowUUID: wf.UUID}))

	again, err := f.repo.FindRunByUUID(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.ProcessedItems)
	assert.Equal(t, 2, again.StagedItems)

	e, err := f.store.FindByKey(ctx, "product", entity.EntityKey("sku", "a"))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Version)

	finalized, err := f.orch.Finalize(ctx, run.UUID)
	require.NoError(t, err)
	assert.False(t, finalized)
}

func TestFetchFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	wf := f.workflow(t, consumerConfig(srv.URL))

	run, err := f.orch.TriggerRun(ctx, wf.UUID, model.TriggerCron, "")
	require.NoError(t, err)

	final := f.work(t, run.UUID)
	assert.Equal(t, model.RunStatusFailed, final.Status)
	assert.NotEmpty(t, final.Error)
	assert.Zero(t, final.StagedItems)
	errs := f.logs(t, run.UUID, model.LogLevelError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(exception.FetchError), errs[0].Meta["kind"])
}

func TestEmptySourceSucceeds(t *testing.T) {
	f := newFixture(t, orchestrator.Policy{})
	wf := f.workflow(t, consumerConfig(serveJSON(t, []interface{}{}).URL))

	run, err := f.orch.TriggerRun(context.Background(), wf.UUID, model.TriggerManual, "")
	require.NoError(t, err)
	final := f.work(t, run.UUID)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Zero(t, final.StagedItems)
}

func TestTriggerRunRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})

	_, err := f.orch.TriggerRun(ctx, "missing", model.TriggerManual, "")
	assert.Error(t, err)

	disabled := f.workflow(t, consumerConfig("http://example.test"))
	disabled.Enabled = false
	require.NoError(t, f.repo.UpdateWorkflow(ctx, disabled))
	_, err = f.orch.TriggerRun(ctx, disabled.UUID, model.TriggerCron, "")
	assert.True(t, exception.IsKind(err, exception.ConfigError))
	_, err = f.orch.TriggerRun(ctx, disabled.UUID, model.TriggerManual, "bob")
	assert.NoError(t, err)

	pushOnly := f.workflow(t, `{"steps":[{"from":{"type":"format","source":{"source_type":"api","config":{}},"format":{"format_type":"json"}},
		"to":{"type":"entity","entity_definition":"product","update_key":"sku"}}]}`)
	assert.True(t, f.orch.CheckHasAPIEndpoint(pushOnly))
	_, err = f.orch.TriggerRun(ctx, pushOnly.UUID, model.TriggerManual, "")
	assert.True(t, exception.IsKind(err, exception.ConfigError))
}

func TestStageInbound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	pushOnly := f.workflow(t, `{"steps":[{"from":{"type":"format","source":{"source_type":"api","config":{}},"format":{"format_type":"json"}},
		"to":{"type":"entity","entity_definition":"product","update_key":"sku"}}]}`)

	run, err := f.orch.StageInbound(ctx, pushOnly.UUID, []byte(`{"sku":"x1"}`+"\n"+`{"sku":"x2"}`), "api-client")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerAPI, run.Trigger)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, 2, run.StagedItems)

	final := f.work(t, run.UUID)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 2, final.ProcessedItems)

	pull := f.workflow(t, consumerConfig("http://example.test"))
	_, err = f.orch.StageInbound(ctx, pull.UUID, []byte(`{}`), "")
	assert.True(t, exception.IsKind(err, exception.ConfigError))
}

func TestStageUploadWithGetOrCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	wf := f.workflow(t, `{"steps":[{
		"from":{"type":"format","source":{"source_type":"uri","config":{"uri":"http://example.test/products.json"}},"format":{"format_type":"json"}},
		"transform":{"type":"get_or_create_entity","target":"brand_uuid","entity_definition":"brand","path":"/brands","key_field":"name","value":"brand"},
		"to":{"type":"entity","entity_definition":"product","update_key":"sku","path":"/products","mapping":{"sku":"sku","brand_uuid":"brand"}}}]}`)

	upload := []byte("sku,brand\nA1,Acme\nA2,Acme\nB1,Bolt\n")
	run, err := f.orch.StageUpload(ctx, wf.UUID, upload, "csv", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerUpload, run.Trigger)

	final := f.work(t, run.UUID)
	require.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 3, final.ProcessedItems)

	brands, err := f.store.List(ctx, "brand", nil, 0)
	require.NoError(t, err)
	require.Len(t, brands, 2)
	byName := map[string]string{}
	for _, b := range brands {
		byName[b.FieldData["name"].(string)] = b.UUID
		assert.Equal(t, "/brands", b.Path)
		assert.Equal(t, "alice", b.CreatedBy)
	}

	a2, err := f.store.FindByKey(ctx, "product", entity.EntityKey("sku", "A2"))
	require.NoError(t, err)
	assert.Equal(t, byName["Acme"], a2.FieldData["brand"])

	bad, err := f.orch.StageUpload(ctx, wf.UUID, []byte("not json at all"), "", "alice")
	require.Error(t, err)
	require.NotNil(t, bad)
	assert.Equal(t, model.RunStatusFailed, bad.Status)
}

func TestCancelSkipsRemainingItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	wf := f.workflow(t, consumerConfig("http://example.test"))

	run, err := f.orch.StageUpload(ctx, wf.UUID, []byte(`[{"sku":"a"},{"sku":"b"},{"sku":"c"}]`), "", "")
	require.NoError(t, err)
	require.Equal(t, model.RunStatusRunning, run.Status)

	cancelled, err := f.orch.Cancel(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, cancelled.Status)
	_, err = f.orch.Cancel(ctx, run.UUID)
	assert.True(t, exception.IsKind(err, exception.ValidationError))

	workCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.NewWorkerPool(f.queue, f.orch, 1).Run(workCtx)
	}()
	require.Eventually(t, func() bool {
		r, err := f.repo.FindRunByUUID(ctx, run.UUID)
		return err == nil && r.SkippedItems == 3
	}, 5*time.Second, 10*time.Millisecond)
	stop()
	<-done

	final, err := f.repo.FindRunByUUID(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, final.Status)
	assert.Zero(t, final.ProcessedItems)
	products, err := f.store.List(ctx, "product", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestRunPolicies(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, orchestrator.Policy{FailOnAllItemsFailed: true})
	wf := f.workflow(t, consumerConfig("http://example.test"))
	run, err := f.orch.StageUpload(ctx, wf.UUID, []byte(`[{"ean":"1"},{"ean":"2"}]`), "", "")
	require.NoError(t, err)
	final := f.work(t, run.UUID)
	assert.Equal(t, model.RunStatusFailed, final.Status)
	assert.Equal(t, 2, final.FailedItems)
	assert.Contains(t, final.Error, "all 2 item(s) failed")

	f = newFixture(t, orchestrator.Policy{MaxItemsPerRun: 2})
	wf = f.workflow(t, consumerConfig("http://example.test"))
	run, err = f.orch.StageUpload(ctx, wf.UUID, []byte(`[{"sku":"a"},{"sku":"b"},{"sku":"c"}]`), "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, run.StagedItems)
	final = f.work(t, run.UUID)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 2, final.ProcessedItems)
	assert.Len(t, f.logs(t, run.UUID, model.LogLevelWarn), 1)
}

func TestProviderPushesEntities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	for _, sku := range []string{"p1", "p2"} {
		_, err := f.resolver.CreateOrUpdateEntity(ctx, entity.PersistenceContext{
			EntityType: "product", Produced: map[string]interface{}{"sku": sku}, UpdateKey: "sku",
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var pushed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var recs []map[string]interface{}
		if err := json.Unmarshal(body, &recs); err == nil && len(recs) == 1 {
			mu.Lock()
			pushed = append(pushed, fmt.Sprint(recs[0]["code"]))
			mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wf := &model.Workflow{Name: "export", Kind: model.KindProvider, Enabled: true, Config: model.RawJSON(fmt.Sprintf(`{"steps":[{
		"from":{"type":"entity","entity_definition":"product"},
		"to":{"type":"format","mapping":{"sku":"code"},"format":{"format_type":"json"},
			"output":{"mode":"push","destination":{"destination_type":"uri","config":{"uri":%q}}}}}]}`, srv.URL))}
	require.NoError(t, f.repo.CreateWorkflow(ctx, wf))

	run, err := f.orch.TriggerRun(ctx, wf.UUID, model.TriggerManual, "")
	require.NoError(t, err)
	final := f.work(t, run.UUID)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 2, final.ProcessedItems)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"p1", "p2"}, pushed)
}

// flakyRepo loses the connection on the first item settlement.
type flakyRepo struct {
	*sqlrepo.SQLRepository
	failed atomic.Bool
}

func (r *flakyRepo) TransitionRawItem(ctx context.Context, uuid string, to model.RawItemStatus, errMsg string) (bool, error) {
	if r.failed.CompareAndSwap(false, true) {
		return false, exception.New(exception.InternalError, "test", "driver: bad connection", nil)
	}
	return r.SQLRepository.TransitionRawItem(ctx, uuid, to, errMsg)
}

func TestItemRetriedAfterSettlementFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	flaky := &flakyRepo{SQLRepository: f.repo}
	f.useRepo(flaky)
	wf := f.workflow(t, consumerConfig(serveJSON(t, []map[string]interface{}{{"sku": "a"}, {"sku": "b"}}).URL))

	run, err := f.orch.TriggerRun(ctx, wf.UUID, model.TriggerManual, "")
	require.NoError(t, err)

	final := f.workWith(t, run.UUID, f.orch, 2)
	assert.True(t, flaky.failed.Load())
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 2, final.ProcessedItems)
	assert.Zero(t, final.FailedItems)
	assert.Equal(t, 2, f.items.count(model.RawItemProcessed))

	products, err := f.store.List(ctx, "product", nil, 0)
	require.NoError(t, err)
	assert.Len(t, products, 2, "the retried item updates its entity through the update key")
}

func TestHandleProcessRawItemAsksForRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	flaky := &flakyRepo{SQLRepository: f.repo}
	f.useRepo(flaky)
	wf := f.workflow(t, consumerConfig(serveJSON(t, []map[string]interface{}{{"sku": "a"}}).URL))

	run, err := f.orch.TriggerRun(ctx, wf.UUID, model.TriggerManual, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.FetchAndStage(ctx, run.UUID))
	items, err := f.repo.ListRawItemsByRun(ctx, run.UUID, "")
	require.NoError(t, err)
	require.Len(t, items, 1)

	job := queue.ProcessRawItemJob{RunUUID: run.UUID, RawItemUUID: items[0].UUID}
	err = f.orch.HandleProcessRawItem(ctx, job)
	require.Error(t, err)
	assert.True(t, exception.IsRetryable(err))

	item, err := f.repo.FindRawItemByUUID(ctx, items[0].UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RawItemPending, item.Status)

	require.NoError(t, f.orch.HandleProcessRawItem(ctx, job))
	got, err := f.repo.FindRunByUUID(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
}

// fetchOnly stages runs and drops their item jobs, like a broker losing messages.
type fetchOnly struct {
	orch *orchestrator.Orchestrator
}

func (h fetchOnly) HandleFetchAndStage(ctx context.Context, job queue.FetchAndStageJob) error {
	return h.orch.HandleFetchAndStage(ctx, job)
}

func (fetchOnly) HandleProcessRawItem(context.Context, queue.ProcessRawItemJob) error {
	return nil
}

func TestRecoverStalledResumesLostItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	wf := f.workflow(t, consumerConfig(serveJSON(t, []map[string]interface{}{{"sku": "a"}, {"sku": "b"}}).URL))

	run, err := f.orch.TriggerRun(ctx, wf.UUID, model.TriggerManual, "")
	require.NoError(t, err)

	workCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.NewWorkerPool(f.queue, fetchOnly{orch: f.orch}, 1).Run(workCtx)
	}()
	require.Eventually(t, func() bool {
		r, err := f.repo.FindRunByUUID(ctx, run.UUID)
		return err == nil && r.Status == model.RunStatusRunning && f.queue.Pending() == 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	n, err := f.orch.RecoverStalled(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh items are left to their jobs")

	n, err = f.orch.RecoverStalled(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	final := f.work(t, run.UUID)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 2, final.ProcessedItems)

	n, err = f.orch.RecoverStalled(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverStalledRequeuesQueuedRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	wf := f.workflow(t, consumerConfig(serveJSON(t, []map[string]interface{}{{"sku": "a"}, {"sku": "b"}}).URL))

	run, err := f.orch.TriggerRun(ctx, wf.UUID, model.TriggerManual, "")
	require.NoError(t, err)
	upload := model.NewWorkflowRun(wf.UUID, model.TriggerUpload, "bob")
	require.NoError(t, f.repo.CreateRun(ctx, upload))

	n, err := f.orch.RecoverStalled(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	interrupted, err := f.repo.FindRunByUUID(ctx, upload.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, interrupted.Status, "uploaded data cannot be fetched again")
	assert.Contains(t, interrupted.Error, "staging was interrupted")

	// Both fetch jobs run; the second finds the run no longer Queued.
	final := f.work(t, run.UUID)
	assert.Equal(t, model.RunStatusSuccess, final.Status)
	assert.Equal(t, 2, final.StagedItems)
	items, err := f.repo.ListRawItemsByRun(ctx, run.UUID, "")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestRedeliveryFinalizesSettledRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, orchestrator.Policy{})
	wf := f.workflow(t, consumerConfig("http://unused.invalid"))

	run := model.NewWorkflowRun(wf.UUID, model.TriggerManual, "")
	require.NoError(t, f.repo.CreateRun(ctx, run))
	item := model.NewRawItem(run.UUID, 0, map[string]interface{}{"sku": "a"})
	require.NoError(t, f.repo.CreateRawItems(ctx, []*model.RawItem{item}))
	ok, err := f.repo.MarkRunning(ctx, run.UUID, 1)
	require.NoError(t, err)
	require.True(t, ok)
	// Settled, but the worker stopped before finalizing.
	_, err = f.repo.TransitionRawItem(ctx, item.UUID, model.RawItemProcessed, "")
	require.NoError(t, err)
	require.NoError(t, f.repo.IncrementCounters(ctx, run.UUID, 1, 0, 0))

	require.NoError(t, f.orch.ProcessItem(ctx, item.UUID))
	got, err := f.repo.FindRunByUUID(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
}

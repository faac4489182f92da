// Package sql implements the workflow repositories on gorm: definitions with version history,
// runs, staged raw items, run logs and retention pruning.
package sql

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	gormadapter "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	repository "github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/core/tx"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

const moduleName = "repository.sql"

// SQLRepository implements repository.Repository on one database connection.
type SQLRepository struct {
	db *gorm.DB
	// TxManager demarcates the multi-statement operations. Callers may wrap repository calls
	// in their own TxManager.Do on the same connection; the repository joins that transaction.
	TxManager *gormadapter.TransactionManager
}

var _ repository.Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a repository over conn.
func NewSQLRepository(conn database.DBConnection) *SQLRepository {
	return &SQLRepository{db: conn.DB(), TxManager: gormadapter.NewTransactionManager(conn.DB())}
}

func (r *SQLRepository) conn(ctx context.Context) *gorm.DB {
	return gormadapter.DB(ctx, r.db)
}

func wrap(err error, format string, args ...interface{}) error {
	return gormadapter.WrapError(moduleName, fmt.Sprintf(format, args...), err)
}

// --- Workflows ---

// CreateWorkflow implements repository.WorkflowRepository.
func (r *SQLRepository) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	now := time.Now().UTC()
	if wf.UUID == "" {
		wf.UUID = model.NewID()
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.UpdatedBy == "" {
		wf.UpdatedBy = wf.CreatedBy
	}
	if err := r.conn(ctx).Create(fromDomainWorkflow(wf)).Error; err != nil {
		return wrap(err, "failed to create workflow '%s'", wf.UUID)
	}
	return nil
}

// UpdateWorkflow implements repository.WorkflowRepository.
func (r *SQLRepository) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	return r.TxManager.Do(ctx, func(ctx context.Context) error {
		db := r.conn(ctx)
		var current WorkflowEntity
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("uuid = ?", wf.UUID).Take(&current).Error
		if gormadapter.IsNotFound(err) {
			return repository.ErrWorkflowNotFound
		}
		if err != nil {
			return wrap(err, "failed to load workflow '%s'", wf.UUID)
		}
		if current.Version != wf.Version {
			return exception.NewOptimisticLockingFailure(moduleName,
				fmt.Sprintf("workflow '%s' is at version %d, update was based on %d", wf.UUID, current.Version, wf.Version))
		}

		data, err := workflowSnapshot(&current)
		if err != nil {
			return exception.New(exception.InternalError, moduleName, "failed to snapshot workflow", err)
		}
		snapshot := &WorkflowVersionEntity{
			WorkflowUUID:  current.UUID,
			VersionNumber: current.Version,
			Data:          data,
			CreatedAt:     time.Now().UTC(),
			CreatedBy:     wf.UpdatedBy,
		}
		if err := db.Create(snapshot).Error; err != nil {
			return wrap(err, "failed to write version %d of workflow '%s'", current.Version, wf.UUID)
		}

		now := time.Now().UTC()
		res := db.Model(&WorkflowEntity{}).
			Where("uuid = ? AND version = ?", wf.UUID, wf.Version).
			Updates(map[string]interface{}{
				"name":                wf.Name,
				"description":         wf.Description,
				"kind":                string(wf.Kind),
				"enabled":             wf.Enabled,
				"schedule_cron":       normalizeCron(wf.ScheduleCron),
				"config":              wf.Config,
				"versioning_disabled": wf.VersioningDisabled,
				"version":             wf.Version + 1,
				"updated_at":          now,
				"updated_by":          wf.UpdatedBy,
			})
		if res.Error != nil {
			return wrap(res.Error, "failed to update workflow '%s'", wf.UUID)
		}
		if res.RowsAffected == 0 {
			return exception.NewOptimisticLockingFailure(moduleName, fmt.Sprintf("workflow '%s' changed concurrently", wf.UUID))
		}
		wf.Version++
		wf.UpdatedAt = now
		wf.CreatedAt = current.CreatedAt.UTC()
		wf.CreatedBy = current.CreatedBy
		return nil
	})
}

// FindWorkflowByUUID implements repository.WorkflowRepository.
func (r *SQLRepository) FindWorkflowByUUID(ctx context.Context, uuid string) (*model.Workflow, error) {
	var e WorkflowEntity
	err := r.conn(ctx).Where("uuid = ?", uuid).Take(&e).Error
	if gormadapter.IsNotFound(err) {
		return nil, repository.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to find workflow '%s'", uuid)
	}
	return toDomainWorkflow(&e), nil
}

// ListWorkflows implements repository.WorkflowRepository.
func (r *SQLRepository) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	return r.listWorkflows(r.conn(ctx))
}

// ListScheduledWorkflows implements repository.WorkflowRepository.
func (r *SQLRepository) ListScheduledWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	return r.listWorkflows(r.conn(ctx).
		Where("enabled = ?", true).
		Where("schedule_cron IS NOT NULL AND schedule_cron <> ?", ""))
}

func (r *SQLRepository) listWorkflows(db *gorm.DB) ([]*model.Workflow, error) {
	var entities []WorkflowEntity
	if err := db.Order("created_at, uuid").Find(&entities).Error; err != nil {
		return nil, wrap(err, "failed to list workflows")
	}
	out := make([]*model.Workflow, len(entities))
	for i := range entities {
		out[i] = toDomainWorkflow(&entities[i])
	}
	return out, nil
}

// DeleteWorkflow implements repository.WorkflowRepository. Runs, items, logs and versions go with it.
func (r *SQLRepository) DeleteWorkflow(ctx context.Context, uuid string) error {
	return r.TxManager.Do(ctx, func(ctx context.Context) error {
		db := r.conn(ctx)
		runs := db.Model(&WorkflowRunEntity{}).Select("uuid").Where("workflow_uuid = ?", uuid)
		if err := deleteRunChildren(db, runs); err != nil {
			return err
		}
		if err := db.Where("workflow_uuid = ?", uuid).Delete(&WorkflowRunEntity{}).Error; err != nil {
			return wrap(err, "failed to delete runs of workflow '%s'", uuid)
		}
		if err := db.Where("workflow_uuid = ?", uuid).Delete(&WorkflowVersionEntity{}).Error; err != nil {
			return wrap(err, "failed to delete versions of workflow '%s'", uuid)
		}
		res := db.Where("uuid = ?", uuid).Delete(&WorkflowEntity{})
		if res.Error != nil {
			return wrap(res.Error, "failed to delete workflow '%s'", uuid)
		}
		if res.RowsAffected == 0 {
			return repository.ErrWorkflowNotFound
		}
		return nil
	})
}

// ListWorkflowVersions implements repository.WorkflowRepository. Newest first.
func (r *SQLRepository) ListWorkflowVersions(ctx context.Context, workflowUUID string) ([]*model.WorkflowVersion, error) {
	var entities []WorkflowVersionEntity
	if err := r.conn(ctx).Where("workflow_uuid = ?", workflowUUID).Order("version_number DESC").Find(&entities).Error; err != nil {
		return nil, wrap(err, "failed to list versions of workflow '%s'", workflowUUID)
	}
	out := make([]*model.WorkflowVersion, len(entities))
	for i := range entities {
		out[i] = toDomainWorkflowVersion(&entities[i])
	}
	return out, nil
}

// FindWorkflowVersion implements repository.WorkflowRepository.
func (r *SQLRepository) FindWorkflowVersion(ctx context.Context, workflowUUID string, version int) (*model.WorkflowVersion, error) {
	var e WorkflowVersionEntity
	err := r.conn(ctx).Where("workflow_uuid = ? AND version_number = ?", workflowUUID, version).Take(&e).Error
	if gormadapter.IsNotFound(err) {
		return nil, repository.ErrWorkflowVersionNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to find version %d of workflow '%s'", version, workflowUUID)
	}
	return toDomainWorkflowVersion(&e), nil
}

// --- Runs ---

// CreateRun implements repository.RunRepository.
func (r *SQLRepository) CreateRun(ctx context.Context, run *model.WorkflowRun) error {
	if err := r.conn(ctx).Create(fromDomainRun(run)).Error; err != nil {
		return wrap(err, "failed to create run '%s'", run.UUID)
	}
	return nil
}

// FindRunByUUID implements repository.RunRepository.
func (r *SQLRepository) FindRunByUUID(ctx context.Context, uuid string) (*model.WorkflowRun, error) {
	var e WorkflowRunEntity
	err := r.conn(ctx).Where("uuid = ?", uuid).Take(&e).Error
	if gormadapter.IsNotFound(err) {
		return nil, repository.ErrRunNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to find run '%s'", uuid)
	}
	return toDomainRun(&e), nil
}

// ListRunsByWorkflow implements repository.RunRepository. Newest first; limit <= 0 means all.
func (r *SQLRepository) ListRunsByWorkflow(ctx context.Context, workflowUUID string, limit int) ([]*model.WorkflowRun, error) {
	q := r.conn(ctx).Where("workflow_uuid = ?", workflowUUID).Order("queued_at DESC, uuid")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entities []WorkflowRunEntity
	if err := q.Find(&entities).Error; err != nil {
		return nil, wrap(err, "failed to list runs of workflow '%s'", workflowUUID)
	}
	out := make([]*model.WorkflowRun, len(entities))
	for i := range entities {
		out[i] = toDomainRun(&entities[i])
	}
	return out, nil
}

// MarkRunning implements repository.RunRepository.
func (r *SQLRepository) MarkRunning(ctx context.Context, runUUID string, staged int) (bool, error) {
	res := r.conn(ctx).Model(&WorkflowRunEntity{}).
		Where("uuid = ? AND status = ?", runUUID, string(model.RunStatusQueued)).
		Updates(map[string]interface{}{
			"status":       string(model.RunStatusRunning),
			"started_at":   time.Now().UTC(),
			"staged_items": staged,
		})
	if res.Error != nil {
		return false, wrap(res.Error, "failed to mark run '%s' running", runUUID)
	}
	return res.RowsAffected == 1, nil
}

// TransitionStatus implements repository.RunRepository.
func (r *SQLRepository) TransitionStatus(ctx context.Context, runUUID string, from []model.RunStatus, to model.RunStatus, errMsg string) (bool, error) {
	if len(from) == 0 {
		return false, exception.New(exception.InternalError, moduleName, "TransitionStatus needs at least one source status", nil)
	}
	fromNames := make([]string, 0, len(from))
	for _, f := range from {
		if !f.CanTransitionTo(to) {
			return false, exception.Newf(exception.InternalError, moduleName, "illegal run transition %s -> %s", f, to)
		}
		fromNames = append(fromNames, string(f))
	}
	updates := map[string]interface{}{"status": string(to)}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if to.IsTerminal() {
		updates["finished_at"] = time.Now().UTC()
	}
	res := r.conn(ctx).Model(&WorkflowRunEntity{}).
		Where("uuid = ? AND status IN ?", runUUID, fromNames).
		Updates(updates)
	if res.Error != nil {
		return false, wrap(res.Error, "failed to move run '%s' to %s", runUUID, to)
	}
	return res.RowsAffected == 1, nil
}

// IncrementCounters implements repository.RunRepository.
func (r *SQLRepository) IncrementCounters(ctx context.Context, runUUID string, processed, failed, skipped int) error {
	res := r.conn(ctx).Model(&WorkflowRunEntity{}).
		Where("uuid = ?", runUUID).
		Updates(map[string]interface{}{
			"processed_items": gorm.Expr("processed_items + ?", processed),
			"failed_items":    gorm.Expr("failed_items + ?", failed),
			"skipped_items":   gorm.Expr("skipped_items + ?", skipped),
		})
	if res.Error != nil {
		return wrap(res.Error, "failed to update counters of run '%s'", runUUID)
	}
	if res.RowsAffected == 0 {
		return repository.ErrRunNotFound
	}
	return nil
}

// ListStalledRuns implements repository.RunRepository. Oldest first; limit <= 0 means all.
func (r *SQLRepository) ListStalledRuns(ctx context.Context, queuedBefore time.Time, limit int) ([]*model.WorkflowRun, error) {
	q := r.conn(ctx).
		Where("(status = ? AND queued_at < ?) OR (status = ? AND processed_items + failed_items + skipped_items >= staged_items)",
			string(model.RunStatusQueued), queuedBefore, string(model.RunStatusRunning)).
		Order("queued_at, uuid")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entities []WorkflowRunEntity
	if err := q.Find(&entities).Error; err != nil {
		return nil, wrap(err, "failed to list stalled runs")
	}
	out := make([]*model.WorkflowRun, len(entities))
	for i := range entities {
		out[i] = toDomainRun(&entities[i])
	}
	return out, nil
}

// --- Raw items ---

// CreateRawItems implements repository.RawItemRepository.
func (r *SQLRepository) CreateRawItems(ctx context.Context, items []*model.RawItem) error {
	if len(items) == 0 {
		return nil
	}
	entities := make([]*RawItemEntity, len(items))
	for i, item := range items {
		entities[i] = fromDomainRawItem(item)
	}
	if err := r.conn(ctx).CreateInBatches(entities, 200).Error; err != nil {
		return wrap(err, "failed to stage %d raw items", len(items))
	}
	return nil
}

// FindRawItemByUUID implements repository.RawItemRepository.
func (r *SQLRepository) FindRawItemByUUID(ctx context.Context, uuid string) (*model.RawItem, error) {
	var e RawItemEntity
	err := r.conn(ctx).Where("uuid = ?", uuid).Take(&e).Error
	if gormadapter.IsNotFound(err) {
		return nil, repository.ErrRawItemNotFound
	}
	if err != nil {
		return nil, wrap(err, "failed to find raw item '%s'", uuid)
	}
	return toDomainRawItem(&e), nil
}

// TransitionRawItem implements repository.RawItemRepository.
func (r *SQLRepository) TransitionRawItem(ctx context.Context, uuid string, to model.RawItemStatus, errMsg string) (bool, error) {
	if !to.IsFinal() {
		return false, exception.Newf(exception.InternalError, moduleName, "raw item cannot move back to %s", to)
	}
	res := r.conn(ctx).Model(&RawItemEntity{}).
		Where("uuid = ? AND status = ?", uuid, string(model.RawItemPending)).
		Updates(map[string]interface{}{
			"status":       string(to),
			"error":        errMsg,
			"processed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, wrap(res.Error, "failed to move raw item '%s' to %s", uuid, to)
	}
	return res.RowsAffected == 1, nil
}

// ListRawItemsByRun implements repository.RawItemRepository. An empty status lists every item.
func (r *SQLRepository) ListRawItemsByRun(ctx context.Context, runUUID string, status model.RawItemStatus) ([]*model.RawItem, error) {
	q := r.conn(ctx).Where("run_uuid = ?", runUUID)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var entities []RawItemEntity
	if err := q.Order("seq").Find(&entities).Error; err != nil {
		return nil, wrap(err, "failed to list raw items of run '%s'", runUUID)
	}
	out := make([]*model.RawItem, len(entities))
	for i := range entities {
		out[i] = toDomainRawItem(&entities[i])
	}
	return out, nil
}

// ListStalledRawItems implements repository.RawItemRepository. Oldest first; limit <= 0 means all.
func (r *SQLRepository) ListStalledRawItems(ctx context.Context, createdBefore time.Time, limit int) ([]*model.RawItem, error) {
	q := r.conn(ctx).Model(&RawItemEntity{}).
		Joins("JOIN workflow_runs ON workflow_runs.uuid = raw_items.run_uuid").
		Where("raw_items.status = ? AND raw_items.created_at < ? AND workflow_runs.status = ?",
			string(model.RawItemPending), createdBefore, string(model.RunStatusRunning)).
		Order("raw_items.created_at, raw_items.seq")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entities []RawItemEntity
	if err := q.Select("raw_items.*").Find(&entities).Error; err != nil {
		return nil, wrap(err, "failed to list stalled raw items")
	}
	out := make([]*model.RawItem, len(entities))
	for i := range entities {
		out[i] = toDomainRawItem(&entities[i])
	}
	return out, nil
}

// --- Run logs ---

// AppendLog implements repository.RunLogRepository.
func (r *SQLRepository) AppendLog(ctx context.Context, entry *model.WorkflowRunLog) error {
	if err := r.conn(ctx).Create(fromDomainRunLog(entry)).Error; err != nil {
		return wrap(err, "failed to append log to run '%s'", entry.RunUUID)
	}
	return nil
}

// ListLogsByRun implements repository.RunLogRepository. Oldest first.
func (r *SQLRepository) ListLogsByRun(ctx context.Context, runUUID string) ([]*model.WorkflowRunLog, error) {
	var entities []RunLogEntity
	if err := r.conn(ctx).Where("run_uuid = ?", runUUID).Order("ts, uuid").Find(&entities).Error; err != nil {
		return nil, wrap(err, "failed to list logs of run '%s'", runUUID)
	}
	out := make([]*model.WorkflowRunLog, len(entities))
	for i := range entities {
		out[i] = toDomainRunLog(&entities[i])
	}
	return out, nil
}

// Params are the fx inputs of NewRepository.
type Params struct {
	fx.In
	Cfg      *config.Config
	Resolver database.DBConnectionResolver
}

// NewRepository resolves infrastructure.repository_db_ref and builds the repository on it.
func NewRepository(p Params) (*SQLRepository, error) {
	ref := p.Cfg.Entiflow.Infrastructure.RepositoryDBRef
	conn, err := p.Resolver.ResolveDBConnection(context.Background(), ref)
	if err != nil {
		return nil, exception.Newf(exception.ConfigError, moduleName, "cannot resolve repository connection '%s'", ref, err)
	}
	return NewSQLRepository(conn), nil
}

// Module provides the repository under every port it implements.
var Module = fx.Options(
	fx.Provide(
		NewRepository,
		func(r *SQLRepository) repository.Repository { return r },
		func(r *SQLRepository) repository.WorkflowRepository { return r },
		func(r *SQLRepository) repository.RunRepository { return r },
		func(r *SQLRepository) repository.RawItemRepository { return r },
		func(r *SQLRepository) repository.RunLogRepository { return r },
		func(r *SQLRepository) tx.TransactionManager { return r.TxManager },
	),
)

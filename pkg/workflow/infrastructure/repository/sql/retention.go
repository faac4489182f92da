package sql

import (
	"context"
	"time"

	"gorm.io/gorm"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

var terminalRunStatuses = []string{
	string(model.RunStatusSuccess),
	string(model.RunStatusFailed),
	string(model.RunStatusCancelled),
}

// deleteRunChildren removes raw items and logs of the runs selected by runs.
func deleteRunChildren(db *gorm.DB, runs interface{}) error {
	if err := db.Where("run_uuid IN (?)", runs).Delete(&RawItemEntity{}).Error; err != nil {
		return wrap(err, "failed to delete raw items")
	}
	if err := db.Where("run_uuid IN (?)", runs).Delete(&RunLogEntity{}).Error; err != nil {
		return wrap(err, "failed to delete run logs")
	}
	return nil
}

func (r *SQLRepository) deleteRuns(ctx context.Context, uuids []string) (int64, error) {
	if len(uuids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := r.TxManager.Do(ctx, func(ctx context.Context) error {
		db := r.conn(ctx)
		if err := deleteRunChildren(db, uuids); err != nil {
			return err
		}
		res := db.Where("uuid IN ?", uuids).Delete(&WorkflowRunEntity{})
		if res.Error != nil {
			return wrap(res.Error, "failed to delete runs")
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

// PruneOlderThanDays implements repository.RunRepository. Only settled runs are removed.
func (r *SQLRepository) PruneOlderThanDays(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var uuids []string
	err := r.conn(ctx).Model(&WorkflowRunEntity{}).
		Where("status IN ? AND queued_at < ?", terminalRunStatuses, cutoff).
		Pluck("uuid", &uuids).Error
	if err != nil {
		return 0, wrap(err, "failed to select runs older than %d days", days)
	}
	n, err := r.deleteRuns(ctx, uuids)
	if err == nil && n > 0 {
		logger.Infof("Pruned %d runs queued before %s.", n, cutoff.Format(time.RFC3339))
	}
	return n, err
}

// PruneKeepLatestPerWorkflow implements repository.RunRepository.
// Runs still queued or running are never removed and do not count towards keep.
func (r *SQLRepository) PruneKeepLatestPerWorkflow(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	var workflows []string
	if err := r.conn(ctx).Model(&WorkflowRunEntity{}).Distinct("workflow_uuid").Pluck("workflow_uuid", &workflows).Error; err != nil {
		return 0, wrap(err, "failed to list workflows with runs")
	}
	var total int64
	for _, wf := range workflows {
		var uuids []string
		err := r.conn(ctx).Model(&WorkflowRunEntity{}).
			Where("workflow_uuid = ? AND status IN ?", wf, terminalRunStatuses).
			Order("queued_at DESC, uuid").
			Pluck("uuid", &uuids).Error
		if err != nil {
			return total, wrap(err, "failed to select runs of workflow '%s'", wf)
		}
		if len(uuids) <= keep {
			continue
		}
		n, err := r.deleteRuns(ctx, uuids[keep:])
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		logger.Infof("Pruned %d runs beyond the latest %d per workflow.", total, keep)
	}
	return total, nil
}

package scheduler

import "sort"

// JobSpec is a workflow schedule to register with the cron scheduler.
type JobSpec struct {
	WorkflowID string
	Cron       string
}

// ComputeReconcileActions diffs the live scheduler jobs against the desired set.
// A job is removed when it is gone from current or its expression changed, and added when it is
// new or changed. Unchanged jobs appear in neither result. Both results are sorted by workflow id.
func ComputeReconcileActions(existing, current map[string]string) (toRemove []string, toAddOrUpdate []JobSpec) {
	for id, expr := range existing {
		if next, ok := current[id]; !ok || next != expr {
			toRemove = append(toRemove, id)
		}
	}
	for id, expr := range current {
		if prev, ok := existing[id]; !ok || prev != expr {
			toAddOrUpdate = append(toAddOrUpdate, JobSpec{WorkflowID: id, Cron: expr})
		}
	}
	sort.Strings(toRemove)
	sort.Slice(toAddOrUpdate, func(i, j int) bool {
		return toAddOrUpdate[i].WorkflowID < toAddOrUpdate[j].WorkflowID
	})
	return toRemove, toAddOrUpdate
}

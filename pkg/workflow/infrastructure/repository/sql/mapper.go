package sql

import (
	"encoding/json"
	"time"

	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

func fromDomainWorkflow(w *model.Workflow) *WorkflowEntity {
	return &WorkflowEntity{
		UUID:               w.UUID,
		Name:               w.Name,
		Description:        w.Description,
		Kind:               string(w.Kind),
		Enabled:            w.Enabled,
		ScheduleCron:       normalizeCron(w.ScheduleCron),
		Config:             w.Config,
		VersioningDisabled: w.VersioningDisabled,
		Version:            w.Version,
		CreatedAt:          w.CreatedAt,
		UpdatedAt:          w.UpdatedAt,
		CreatedBy:          w.CreatedBy,
		UpdatedBy:          w.UpdatedBy,
	}
}

func toDomainWorkflow(e *WorkflowEntity) *model.Workflow {
	return &model.Workflow{
		UUID:               e.UUID,
		Name:               e.Name,
		Description:        e.Description,
		Kind:               model.WorkflowKind(e.Kind),
		Enabled:            e.Enabled,
		ScheduleCron:       e.ScheduleCron,
		Config:             e.Config,
		VersioningDisabled: e.VersioningDisabled,
		Version:            e.Version,
		CreatedAt:          e.CreatedAt.UTC(),
		UpdatedAt:          e.UpdatedAt.UTC(),
		CreatedBy:          e.CreatedBy,
		UpdatedBy:          e.UpdatedBy,
	}
}

// normalizeCron stores blank schedules as NULL.
func normalizeCron(c *string) *string {
	if c == nil || *c == "" {
		return nil
	}
	v := *c
	return &v
}

// workflowSnapshot renders the definition stored in workflow_versions.
func workflowSnapshot(e *WorkflowEntity) (model.RawJSON, error) {
	doc := map[string]interface{}{
		"uuid":                e.UUID,
		"name":                e.Name,
		"description":         e.Description,
		"kind":                e.Kind,
		"enabled":             e.Enabled,
		"schedule_cron":       e.ScheduleCron,
		"config":              json.RawMessage(nonEmptyJSON(e.Config)),
		"versioning_disabled": e.VersioningDisabled,
		"version":             e.Version,
		"updated_at":          e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"updated_by":          e.UpdatedBy,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return model.RawJSON(data), nil
}

func nonEmptyJSON(r model.RawJSON) []byte {
	if len(r) == 0 {
		return []byte("null")
	}
	return r
}

func toDomainWorkflowVersion(e *WorkflowVersionEntity) *model.WorkflowVersion {
	return &model.WorkflowVersion{
		WorkflowUUID:  e.WorkflowUUID,
		VersionNumber: e.VersionNumber,
		Data:          e.Data,
		CreatedAt:     e.CreatedAt.UTC(),
		CreatedBy:     e.CreatedBy,
	}
}

func fromDomainRun(r *model.WorkflowRun) *WorkflowRunEntity {
	return &WorkflowRunEntity{
		UUID:           r.UUID,
		WorkflowUUID:   r.WorkflowUUID,
		Status:         string(r.Status),
		TriggerType:    string(r.Trigger),
		TriggeredBy:    r.TriggeredBy,
		QueuedAt:       r.QueuedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		StagedItems:    r.StagedItems,
		ProcessedItems: r.ProcessedItems,
		FailedItems:    r.FailedItems,
		SkippedItems:   r.SkippedItems,
		Error:          r.Error,
	}
}

func toDomainRun(e *WorkflowRunEntity) *model.WorkflowRun {
	return &model.WorkflowRun{
		UUID:           e.UUID,
		WorkflowUUID:   e.WorkflowUUID,
		Status:         model.RunStatus(e.Status),
		Trigger:        model.TriggerType(e.TriggerType),
		TriggeredBy:    e.TriggeredBy,
		QueuedAt:       e.QueuedAt.UTC(),
		StartedAt:      utcPtr(e.StartedAt),
		FinishedAt:     utcPtr(e.FinishedAt),
		StagedItems:    e.StagedItems,
		ProcessedItems: e.ProcessedItems,
		FailedItems:    e.FailedItems,
		SkippedItems:   e.SkippedItems,
		Error:          e.Error,
	}
}

func fromDomainRawItem(i *model.RawItem) *RawItemEntity {
	return &RawItemEntity{
		UUID:        i.UUID,
		RunUUID:     i.RunUUID,
		Seq:         i.Seq,
		Payload:     i.Payload,
		Status:      string(i.Status),
		Error:       i.Error,
		CreatedAt:   i.CreatedAt,
		ProcessedAt: i.ProcessedAt,
	}
}

func toDomainRawItem(e *RawItemEntity) *model.RawItem {
	return &model.RawItem{
		UUID:        e.UUID,
		RunUUID:     e.RunUUID,
		Seq:         e.Seq,
		Payload:     e.Payload,
		Status:      model.RawItemStatus(e.Status),
		Error:       e.Error,
		CreatedAt:   e.CreatedAt.UTC(),
		ProcessedAt: utcPtr(e.ProcessedAt),
	}
}

func fromDomainRunLog(l *model.WorkflowRunLog) *RunLogEntity {
	return &RunLogEntity{
		UUID:    l.UUID,
		RunUUID: l.RunUUID,
		TS:      l.Timestamp,
		Level:   string(l.Level),
		Message: l.Message,
		Meta:    l.Meta,
	}
}

func toDomainRunLog(e *RunLogEntity) *model.WorkflowRunLog {
	return &model.WorkflowRunLog{
		UUID:      e.UUID,
		RunUUID:   e.RunUUID,
		Timestamp: e.TS.UTC(),
		Level:     model.LogLevel(e.Level),
		Message:   e.Message,
		Meta:      e.Meta,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

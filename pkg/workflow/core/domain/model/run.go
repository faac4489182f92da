package model

import "time"

// RunStatus is the state of a workflow run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// String returns the status name.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal reports whether s is Success, Failed or Cancelled.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces Queued -> Running -> {Success, Failed, Cancelled}.
// A queued run may also fail (fetch error) or be cancelled before it starts.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusFailed || next == RunStatusCancelled
	case RunStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// TriggerType records what started a run.
type TriggerType string

const (
	TriggerCron   TriggerType = "cron"
	TriggerManual TriggerType = "manual"
	TriggerUpload TriggerType = "upload"
	TriggerAPI    TriggerType = "api"
)

// WorkflowRun is one execution of a workflow.
type WorkflowRun struct {
	UUID           string
	WorkflowUUID   string
	Status         RunStatus
	Trigger        TriggerType
	TriggeredBy    string // Acting identity; empty for cron runs.
	QueuedAt       time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	StagedItems    int
	ProcessedItems int
	FailedItems    int
	SkippedItems   int
	Error          string
}

// NewWorkflowRun creates a Queued run.
func NewWorkflowRun(workflowUUID string, trigger TriggerType, actor string) *WorkflowRun {
	return &WorkflowRun{
		UUID:         NewID(),
		WorkflowUUID: workflowUUID,
		Status:       RunStatusQueued,
		Trigger:      trigger,
		TriggeredBy:  actor,
		QueuedAt:     time.Now().UTC(),
	}
}

// Actor returns the identity stamped into audit fields: the triggering user, else the run itself.
func (r *WorkflowRun) Actor() string {
	if r.TriggeredBy != "" {
		return r.TriggeredBy
	}
	return r.UUID
}

// Settled returns how many staged items have reached a final item state.
func (r *WorkflowRun) Settled() int {
	return r.ProcessedItems + r.FailedItems + r.SkippedItems
}

// Duration returns the wall time between start and finish, or 0.
func (r *WorkflowRun) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

package model

import "time"

// WorkflowKind tells whether a workflow ingests into entities or exports from them.
type WorkflowKind string

const (
	// KindConsumer ingests external data into dynamic entities.
	KindConsumer WorkflowKind = "consumer"
	// KindProvider pushes dynamic-entity data to external destinations.
	KindProvider WorkflowKind = "provider"
)

// IsValid reports whether k is a known kind.
func (k WorkflowKind) IsValid() bool {
	return k == KindConsumer || k == KindProvider
}

// Workflow is a persisted pipeline definition. Config holds the DSL document {"steps": [...]}.
type Workflow struct {
	UUID               string
	Name               string
	Description        string
	Kind               WorkflowKind
	Enabled            bool
	ScheduleCron       *string
	Config             RawJSON
	VersioningDisabled bool // Disables pre-update snapshots of entities written by this workflow.
	Version            int  // Optimistic locking counter of the definition itself.
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CreatedBy          string
	UpdatedBy          string
}

// Cron returns the schedule expression or "".
func (w *Workflow) Cron() string {
	if w.ScheduleCron == nil {
		return ""
	}
	return *w.ScheduleCron
}

// WorkflowVersion is an immutable snapshot of a workflow definition taken before an update.
type WorkflowVersion struct {
	WorkflowUUID  string
	VersionNumber int
	Data          RawJSON
	CreatedAt     time.Time
	CreatedBy     string
}

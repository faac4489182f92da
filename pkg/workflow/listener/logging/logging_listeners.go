package logging

import (
	"context"
	"time"

	port "github.com/tigerroll/entiflow/pkg/workflow/core/application/port"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// --- Run Listener ---

type LoggingRunListener struct{}

func NewLoggingRunListener() port.RunListener {
	return &LoggingRunListener{}
}

func (l *LoggingRunListener) BeforeRun(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	logger.Infof("RunListener: BeforeRun - Workflow: %s, Run: %s, Trigger: %s, Staged: %d", wf.Name, run.UUID, run.Trigger, run.StagedItems)
}

func (l *LoggingRunListener) AfterRun(ctx context.Context, wf *model.Workflow, run *model.WorkflowRun) {
	if run.Status == model.RunStatusSuccess {
		logger.Infof("RunListener: AfterRun - Workflow: %s, Run: %s, Status: %s, Processed: %d, Failed: %d, Skipped: %d, Duration: %s",
			wf.Name, run.UUID, run.Status, run.ProcessedItems, run.FailedItems, run.SkippedItems, run.Duration())
		return
	}
	logger.Warnf("RunListener: AfterRun - Workflow: %s, Run: %s, Status: %s, Error: %s", wf.Name, run.UUID, run.Status, run.Error)
}

var _ port.RunListener = (*LoggingRunListener)(nil)

// --- Item Listener ---

type LoggingItemListener struct{}

func NewLoggingItemListener() port.ItemListener {
	return &LoggingItemListener{}
}

func (l *LoggingItemListener) AfterItem(ctx context.Context, wf *model.Workflow, item *model.RawItem, err error, duration time.Duration) {
	if err != nil {
		logger.Debugf("ItemListener: AfterItem - Run: %s, Item: #%d, Status: %s, Error: %v", item.RunUUID, item.Seq+1, item.Status, err)
		return
	}
	logger.Debugf("ItemListener: AfterItem - Run: %s, Item: #%d, Status: %s, Duration: %s", item.RunUUID, item.Seq+1, item.Status, duration)
}

var _ port.ItemListener = (*LoggingItemListener)(nil)

// Package queue carries run jobs between the orchestrator and its workers. Delivery is
// at-least-once: handlers must tolerate a job seen twice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// ErrQueueClosed is returned by Enqueue after Close, and ends Consume once drained.
var ErrQueueClosed = errors.New("queue closed")

// JobKind selects the handler of a job.
type JobKind string

const (
	KindFetchAndStage  JobKind = "fetch_and_stage"
	KindProcessRawItem JobKind = "process_raw_item"
)

// DefaultMaxAttempts bounds redelivery of jobs that failed with a retryable error.
const DefaultMaxAttempts = 3

// FetchAndStageJob asks a worker to fetch the source of a queued run.
type FetchAndStageJob struct {
	RunUUID      string `json:"run_uuid"`
	WorkflowUUID string `json:"workflow_uuid"`
	TriggerID    string `json:"trigger_id,omitempty"`
}

// ProcessRawItemJob asks a worker to transform and persist one staged record.
type ProcessRawItemJob struct {
	RunUUID     string `json:"run_uuid"`
	RawItemUUID string `json:"raw_item_uuid"`
}

// Job is the envelope stored by brokers.
type Job struct {
	Kind       JobKind            `json:"kind"`
	Fetch      *FetchAndStageJob  `json:"fetch,omitempty"`
	Process    *ProcessRawItemJob `json:"process,omitempty"`
	Attempt    int                `json:"attempt"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

func (j *Job) String() string {
	switch j.Kind {
	case KindFetchAndStage:
		return fmt.Sprintf("%s(run=%s)", j.Kind, j.Fetch.RunUUID)
	case KindProcessRawItem:
		return fmt.Sprintf("%s(item=%s)", j.Kind, j.Process.RawItemUUID)
	}
	return string(j.Kind)
}

// Handler executes jobs. The orchestrator implements it.
type Handler interface {
	HandleFetchAndStage(ctx context.Context, job FetchAndStageJob) error
	HandleProcessRawItem(ctx context.Context, job ProcessRawItemJob) error
}

// Queue is a job broker.
type Queue interface {
	EnqueueFetch(ctx context.Context, job FetchAndStageJob) error
	EnqueueProcess(ctx context.Context, jobs ...ProcessRawItemJob) error
	// Consume handles jobs until ctx is done or the queue is closed and drained.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

func fetchJob(j FetchAndStageJob) Job {
	return Job{Kind: KindFetchAndStage, Fetch: &j, EnqueuedAt: time.Now().UTC()}
}

func processJob(j ProcessRawItemJob) Job {
	return Job{Kind: KindProcessRawItem, Process: &j, EnqueuedAt: time.Now().UTC()}
}

// source is the broker specific part of a queue.
type source interface {
	next(ctx context.Context) (*Job, error)
	push(ctx context.Context, job Job) error
}

// consume is the Consume loop shared by the brokers.
func consume(ctx context.Context, src source, h Handler) error {
	for {
		job, err := src.next(ctx)
		switch {
		case errors.Is(err, ErrQueueClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			logger.Warnf("Queue: receive failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		dispatch(ctx, src, job, h)
	}
}

// dispatch runs one job. Retryable failures are pushed back until DefaultMaxAttempts.
func dispatch(ctx context.Context, src source, job *Job, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Queue: handler panicked on %s: %v", job, r)
		}
	}()

	var err error
	switch job.Kind {
	case KindFetchAndStage:
		err = h.HandleFetchAndStage(ctx, *job.Fetch)
	case KindProcessRawItem:
		err = h.HandleProcessRawItem(ctx, *job.Process)
	default:
		logger.Errorf("Queue: dropping job of unknown kind '%s'.", job.Kind)
		return
	}
	if err == nil {
		return
	}
	if exception.IsRetryable(err) && job.Attempt+1 < DefaultMaxAttempts {
		job.Attempt++
		logger.Warnf("Queue: %s failed (attempt %d), requeueing: %v", job, job.Attempt, err)
		if perr := src.push(ctx, *job); perr != nil {
			logger.Errorf("Queue: requeue of %s failed: %v", job, perr)
		}
		return
	}
	logger.Errorf("Queue: %s failed: %v", job, err)
}

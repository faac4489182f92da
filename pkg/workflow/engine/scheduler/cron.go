package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
)

const moduleName = "scheduler"

// Scheduler is the live job set reconciled against the workflow repository.
type Scheduler interface {
	AddJob(id, expr string, fn func()) error
	RemoveJob(id string)
	// Jobs returns the registered expressions keyed by job id.
	Jobs() map[string]string
	Start()
	Stop(ctx context.Context) error
}

// parser accepts standard 5-field expressions, an optional leading seconds field and
// descriptors such as @daily or @every 1h.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses expr with the scheduler's grammar.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, exception.New(exception.ConfigError, moduleName, "cron expression is empty", nil)
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, exception.Newf(exception.ConfigError, moduleName, "invalid cron expression '%s'", expr, err)
	}
	return s, nil
}

// ValidateCron rejects expressions the scheduler cannot run.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// PreviewNext returns the next n fire times of expr after from, formatted as RFC3339.
func PreviewNext(expr string, n int, from time.Time) ([]string, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return []string{}, nil
	}
	out := make([]string, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t.Format(time.RFC3339))
	}
	return out, nil
}

type cronEntry struct {
	id   cron.EntryID
	expr string
}

// CronScheduler implements Scheduler on robfig/cron.
type CronScheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cronEntry
}

var _ Scheduler = (*CronScheduler)(nil)

// NewCronScheduler creates a stopped scheduler firing in loc. A nil loc means UTC.
func NewCronScheduler(loc *time.Location) *CronScheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &CronScheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		entries: make(map[string]cronEntry),
	}
}

// AddJob registers fn under id, replacing any job already registered with that id.
func (s *CronScheduler) AddJob(id, expr string, fn func()) error {
	if err := ValidateCron(expr); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[id]; ok {
		s.cron.Remove(prev.id)
		delete(s.entries, id)
	}
	entryID, err := s.cron.AddFunc(strings.TrimSpace(expr), fn)
	if err != nil {
		return exception.Newf(exception.ConfigError, moduleName, "cannot schedule '%s'", id, err)
	}
	s.entries[id] = cronEntry{id: entryID, expr: expr}
	return nil
}

// RemoveJob unregisters id. Unknown ids are ignored.
func (s *CronScheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, id)
	}
}

// Jobs implements Scheduler.
func (s *CronScheduler) Jobs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.expr
	}
	return out
}

// Next returns the next fire time of id, or the zero time when it is not scheduled or the
// scheduler has not been started.
func (s *CronScheduler) Next(id string) time.Time {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

// Start begins firing jobs in the background.
func (s *CronScheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for running jobs until ctx is done.
func (s *CronScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

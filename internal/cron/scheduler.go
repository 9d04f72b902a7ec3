package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"glance/internal/cache"
	"glance/internal/widget"
)

// Raiser records agent refresh requests.
type Raiser interface {
	Request(source string) (widget.PendingRefresh, error)
}

// DefinitionLister lists widget definitions.
type DefinitionLister interface {
	ListDefinitions(includeDisabled bool) ([]*widget.Definition, error)
}

// Scheduler raises a pending refresh request for each agent_refresh widget
// whenever its schedule fires.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID // slug -> entry ID
	jobs    map[string]*Job
	defs    DefinitionLister
	raiser  Raiser
	retry   RetryPolicy
	logger  zerolog.Logger
	mu      sync.RWMutex
	running bool

	wg sync.WaitGroup
}

// SchedulerConfig configures the scheduler.
type SchedulerConfig struct {
	// Location for time zone handling
	Location *time.Location
	Retry    RetryPolicy
}

// NewScheduler creates a scheduler.
func NewScheduler(defs DefinitionLister, raiser Raiser, logger zerolog.Logger, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = &SchedulerConfig{Retry: DefaultRetryPolicy()}
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	c := cron.New(
		cron.WithLocation(config.Location),
		cron.WithLogger(cron.PrintfLogger(printfLogger{logger})),
	)

	return &Scheduler{
		cron:    c,
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]*Job),
		defs:    defs,
		raiser:  raiser,
		retry:   config.Retry,
		logger:  logger,
	}
}

// Start registers every enabled agent_refresh schedule and starts ticking.
// Definitions with invalid schedules are logged and skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	defs, err := s.defs.ListDefinitions(false)
	if err != nil {
		return fmt.Errorf("failed to load widget definitions: %w", err)
	}

	for _, def := range defs {
		if err := s.syncLocked(def); err != nil {
			s.logger.Error().Err(err).Str("widget", def.Slug).Msg("failed to register schedule")
		}
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Int("registered_jobs", len(s.entries)).Msg("scheduler started")
	return nil
}

// Stop stops the scheduler. The returned context is done once running
// requests have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	ctx := s.cron.Stop()
	s.running = false
	s.logger.Info().Msg("scheduler stopped")
	return ctx
}

// Sync registers, replaces or removes the schedule of def so it matches the
// stored definition.
func (s *Scheduler) Sync(def *widget.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(def)
}

func (s *Scheduler) syncLocked(def *widget.Definition) error {
	s.removeLocked(def.Slug)

	job, ok := JobFromDefinition(def)
	if !ok {
		return nil
	}

	sched, err := cron.ParseStandard(job.Schedule)
	if err != nil {
		return &InvalidScheduleError{Slug: job.Slug, Schedule: job.Schedule, Message: err.Error()}
	}

	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(job.Slug)
	}))
	s.entries[job.Slug] = entryID
	s.jobs[job.Slug] = job
	s.logger.Debug().Str("widget", job.Slug).Str("schedule", job.Schedule).Msg("schedule registered")
	return nil
}

// Remove drops the schedule of a widget, if any.
func (s *Scheduler) Remove(slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(slug)
}

func (s *Scheduler) removeLocked(slug string) {
	if entryID, ok := s.entries[slug]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, slug)
		delete(s.jobs, slug)
	}
}

// RunNow raises the refresh request of a scheduled widget immediately.
func (s *Scheduler) RunNow(ctx context.Context, slug string) (widget.PendingRefresh, error) {
	s.mu.RLock()
	_, ok := s.jobs[slug]
	s.mu.RUnlock()
	if !ok {
		return widget.PendingRefresh{}, ErrJobNotFound
	}
	return s.raise(ctx, slug)
}

// Jobs returns the registered jobs with their next run times.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for slug, job := range s.jobs {
		j := *job
		if entry := s.cron.Entry(s.entries[slug]); entry.ID != 0 && !entry.Next.IsZero() {
			next := entry.Next
			j.NextRun = &next
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Slug < out[k].Slug })
	return out
}

// GetNextRun returns the next scheduled run time for a widget.
func (s *Scheduler) GetNextRun(slug string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entryID, ok := s.entries[slug]
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Scheduler) fire(slug string) {
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.raise(ctx, slug); err != nil {
		s.logger.Error().Err(err).Str("widget", slug).Msg("scheduled refresh request failed")
	}
}

func (s *Scheduler) raise(ctx context.Context, slug string) (widget.PendingRefresh, error) {
	var req widget.PendingRefresh
	attempts, err := s.retry.do(ctx, func() error {
		var err error
		req, err = s.raiser.Request(cache.ScheduleSource(slug))
		return err
	})
	if err != nil {
		return req, &RaiseFailedError{Slug: slug, Attempts: attempts, Cause: err}
	}

	now := req.RequestedAt
	s.mu.Lock()
	if job, ok := s.jobs[slug]; ok {
		job.LastRun = &now
	}
	s.mu.Unlock()

	s.logger.Info().Str("widget", slug).Str("source", req.Source).Msg("agent refresh requested")
	return req, nil
}

type printfLogger struct {
	logger zerolog.Logger
}

func (l printfLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

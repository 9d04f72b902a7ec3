// Package cron raises agent refresh requests on each agent_refresh widget's
// schedule.
package cron

import (
	"errors"
	"fmt"
)

// Sentinel errors for cron operations.
var (
	// ErrJobNotFound indicates no schedule is registered for the widget.
	ErrJobNotFound = errors.New("cron: job not found")

	// ErrSchedulerNotRunning indicates the scheduler is not running.
	ErrSchedulerNotRunning = errors.New("cron: scheduler not running")
)

// InvalidScheduleError indicates an invalid cron schedule expression.
type InvalidScheduleError struct {
	Slug     string
	Schedule string
	Message  string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("cron: invalid schedule '%s' for %s: %s", e.Schedule, e.Slug, e.Message)
}

// Is implements errors.Is for InvalidScheduleError.
func (e *InvalidScheduleError) Is(target error) bool {
	_, ok := target.(*InvalidScheduleError)
	return ok
}

// ErrInvalidSchedule is a sentinel for errors.Is matching.
var ErrInvalidSchedule = &InvalidScheduleError{}

// RaiseFailedError indicates a refresh request could not be recorded.
type RaiseFailedError struct {
	Slug     string
	Attempts int
	Cause    error
}

func (e *RaiseFailedError) Error() string {
	return fmt.Sprintf("cron: refresh request for '%s' failed after %d attempts: %v", e.Slug, e.Attempts, e.Cause)
}

func (e *RaiseFailedError) Unwrap() error {
	return e.Cause
}

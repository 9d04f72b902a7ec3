package cron

import (
	"strings"
	"time"

	"glance/internal/widget"
)

// Job is the schedule of one agent_refresh widget.
type Job struct {
	Slug         string     `json:"slug"`
	DefinitionID string     `json:"definition_id"`
	Schedule     string     `json:"schedule"`
	Instructions string     `json:"instructions,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
}

// JobFromDefinition returns the job for def, or false when def has nothing to
// schedule.
func JobFromDefinition(def *widget.Definition) (*Job, bool) {
	if def == nil || !def.Enabled || def.Fetch.Type != widget.FetchAgentRefresh {
		return nil, false
	}
	schedule := strings.TrimSpace(def.Fetch.Schedule)
	if schedule == "" {
		return nil, false
	}
	return &Job{
		Slug:         def.Slug,
		DefinitionID: def.ID,
		Schedule:     schedule,
		Instructions: def.Fetch.Instructions,
	}, true
}

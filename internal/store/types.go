package store

import "time"

// Schedule is one persisted report definition: what to send, to whom, when.
//
// Timestamps are stored as unix milliseconds; next/last run columns are
// bookkeeping for display only. The cron expression stays authoritative for
// fire-time computation.
type Schedule struct {
	ID            int64  `db:"id"`
	Subject       string `db:"subject"`
	Body          string `db:"body"`
	Cron          string `db:"cron"`
	GroupID       string `db:"group_id"`
	IncludeGraphs bool   `db:"include_graphs"`
	Paused        bool   `db:"paused"`
	IsRunning     bool   `db:"is_running"`
	CreatedAt     int64  `db:"created_at"`
	LastRunAt     *int64 `db:"last_run_at"`
	NextRunAt     *int64 `db:"next_run_at"`
	LastDuration  *int64 `db:"last_duration_ms"`
}

func (s Schedule) Created() time.Time { return time.UnixMilli(s.CreatedAt) }

// Dashboard is a named artifact group: a source of content that gets fetched
// and rendered into attachments. Referenced by schedules, owned by the catalog.
type Dashboard struct {
	ID          string `db:"id"`
	DisplayName string `db:"display_name"`
}

// UserGroup is a named recipient group. Membership is resolved from the
// external directory at send time, never cached on the schedule.
type UserGroup struct {
	ID          string `db:"id"`
	DisplayName string `db:"display_name"`
}

// ScheduleParams carries the mutable fields for create/update.
// DashboardIDs is ordered; the order is preserved through fetch and render.
type ScheduleParams struct {
	Subject       string
	Body          string
	Cron          string
	GroupID       string
	IncludeGraphs bool
	DashboardIDs  []string
}

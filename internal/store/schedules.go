package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// ListActive returns every non-paused schedule ordered by creation time.
// Running schedules stay listed; overlap control happens at claim time, not
// here, so a refresh mid-run never unschedules future fires.
func (s *Store) ListActive(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM schedules WHERE paused = 0 ORDER BY created_at, id`)
	return out, err
}

func (s *Store) Get(ctx context.Context, id int64) (Schedule, error) {
	var sc Schedule
	err := s.db.GetContext(ctx, &sc, `SELECT * FROM schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return sc, err
}

// Create inserts a schedule and its dashboard links as one transaction.
func (s *Store) Create(ctx context.Context, p ScheduleParams) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO schedules (subject, body, cron, group_id, include_graphs, paused, is_running, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
			p.Subject, p.Body, p.Cron, p.GroupID, p.IncludeGraphs, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return insertDashboardLinks(ctx, tx, id, p.DashboardIDs)
	})
	return id, err
}

// Update rewrites a schedule's fields and replaces its dashboard links
// (clear-and-reinsert) in one transaction.
func (s *Store) Update(ctx context.Context, id int64, p ScheduleParams) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE schedules SET subject = ?, body = ?, cron = ?, group_id = ?, include_graphs = ?
			 WHERE id = ?`,
			p.Subject, p.Body, p.Cron, p.GroupID, p.IncludeGraphs, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM schedules_dashboards WHERE schedule_id = ?`, id); err != nil {
			return err
		}
		return insertDashboardLinks(ctx, tx, id, p.DashboardIDs)
	})
}

func insertDashboardLinks(ctx context.Context, tx *sqlx.Tx, id int64, dashboardIDs []string) error {
	for pos, did := range dashboardIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schedules_dashboards (schedule_id, dashboard_id, position) VALUES (?, ?, ?)`,
			id, did, pos); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetPaused(ctx context.Context, id int64, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET paused = ? WHERE id = ?`, paused, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimRunning atomically flips is_running from 0 to 1. It returns false when
// the schedule is already running, paused, or gone; the caller skips the run
// in all three cases. This single UPDATE is the whole single-flight guard.
func (s *Store) ClaimRunning(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET is_running = 1 WHERE id = ? AND is_running = 0 AND paused = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseRunning clears is_running. Reached on every pipeline exit path.
func (s *Store) ReleaseRunning(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET is_running = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetRunning clears every is_running flag. Called once at startup so a
// crash mid-pipeline can never leave a schedule stuck "running".
func (s *Store) ResetRunning(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET is_running = 0`)
	return err
}

// RecordRun persists display bookkeeping after a fire.
func (s *Store) RecordRun(ctx context.Context, id int64, lastRun, nextRun time.Time, took time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ?, last_duration_ms = ? WHERE id = ?`,
		lastRun.UnixMilli(), nextRun.UnixMilli(), took.Milliseconds(), id)
	return err
}

// DashboardsFor returns a schedule's dashboards in link order.
func (s *Store) DashboardsFor(ctx context.Context, id int64) ([]Dashboard, error) {
	var out []Dashboard
	err := s.db.SelectContext(ctx, &out,
		`SELECT d.id, d.display_name FROM dashboards d
		 JOIN schedules_dashboards sd ON sd.dashboard_id = d.id
		 WHERE sd.schedule_id = ?
		 ORDER BY sd.position`, id)
	return out, err
}

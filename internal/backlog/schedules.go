package backlog

import (
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a recurring dispatch window: the orchestrator may spawn
// workers for Duration after each cron activation.
type Schedule struct {
	ID       int64         `json:"id"`
	CronExpr string        `json:"cron_expr"`
	Duration time.Duration `json:"duration"`
	Timezone string        `json:"timezone"`
	Enabled  bool          `json:"enabled"`
}

// OverrideMode forces dispatch on or off for a one-shot window.
type OverrideMode string

const (
	OverrideForceOn  OverrideMode = "force_on"
	OverrideForceOff OverrideMode = "force_off"
)

// ScheduleOverride is a one-shot window that wins over schedules.
type ScheduleOverride struct {
	ID       int64        `json:"id"`
	Mode     OverrideMode `json:"mode"`
	StartsAt time.Time    `json:"starts_at"`
	EndsAt   time.Time    `json:"ends_at"`
}

// AddSchedule inserts a recurring window.
func (s *Store) AddSchedule(cronExpr string, duration time.Duration, timezone string) (int64, error) {
	if cronExpr == "" {
		return 0, fmt.Errorf("cron expression is required")
	}
	if duration <= 0 {
		return 0, fmt.Errorf("schedule duration must be positive")
	}
	if timezone == "" {
		timezone = "UTC"
	}
	res, err := s.db.Exec(`
		INSERT INTO schedules (cron_expr, duration_minutes, timezone, enabled)
		VALUES (?, ?, ?, 1)
	`, cronExpr, int64(duration/time.Minute), timezone)
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// ListSchedules returns all windows, enabled or not.
func (s *Store) ListSchedules() ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, cron_expr, duration_minutes, timezone, enabled FROM schedules ORDER BY id
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		var (
			sch     Schedule
			minutes int64
		)
		if err := rows.Scan(&sch.ID, &sch.CronExpr, &minutes, &sch.Timezone, &sch.Enabled); err != nil {
			return nil, err
		}
		sch.Duration = time.Duration(minutes) * time.Minute
		schedules = append(schedules, &sch)
	}
	return schedules, rows.Err()
}

// SetScheduleEnabled toggles a window.
func (s *Store) SetScheduleEnabled(id int64, enabled bool) error {
	res, err := s.db.Exec(`UPDATE schedules SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSchedule removes a window.
func (s *Store) DeleteSchedule(id int64) error {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddScheduleOverride inserts a one-shot force window.
func (s *Store) AddScheduleOverride(mode OverrideMode, startsAt, endsAt time.Time) (int64, error) {
	if mode != OverrideForceOn && mode != OverrideForceOff {
		return 0, fmt.Errorf("invalid override mode %q", mode)
	}
	if !endsAt.After(startsAt) {
		return 0, fmt.Errorf("override window must end after it starts")
	}
	res, err := s.db.Exec(`
		INSERT INTO schedule_overrides (mode, starts_at, ends_at) VALUES (?, ?, ?)
	`, string(mode), startsAt.UTC(), endsAt.UTC())
	if err != nil {
		return 0, classify(err)
	}
	return res.LastInsertId()
}

// ActiveOverride returns the newest override covering t, or nil.
func (s *Store) ActiveOverride(t time.Time) (*ScheduleOverride, error) {
	row := s.db.QueryRow(`
		SELECT id, mode, starts_at, ends_at FROM schedule_overrides
		WHERE starts_at <= ? AND ends_at > ?
		ORDER BY id DESC LIMIT 1
	`, t.UTC(), t.UTC())

	var (
		o    ScheduleOverride
		mode string
	)
	err := row.Scan(&o.ID, &mode, &o.StartsAt, &o.EndsAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	o.Mode = OverrideMode(mode)
	return &o, nil
}

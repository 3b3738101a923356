package schedule

import (
	"strings"
	"testing"
	"time"

	"github.com/codefleet/foreman/internal/backlog"
)

type fakeSource struct {
	schedules []*backlog.Schedule
	override  *backlog.ScheduleOverride
}

func (f *fakeSource) ListSchedules() ([]*backlog.Schedule, error) {
	return f.schedules, nil
}

func (f *fakeSource) ActiveOverride(t time.Time) (*backlog.ScheduleOverride, error) {
	if f.override == nil {
		return nil, nil
	}
	if t.Before(f.override.StartsAt) || !t.Before(f.override.EndsAt) {
		return nil, nil
	}
	return f.override, nil
}

func workday(tz string) *backlog.Schedule {
	return &backlog.Schedule{
		ID:       1,
		CronExpr: "0 9 * * *",
		Duration: 8 * time.Hour,
		Timezone: tz,
		Enabled:  true,
	}
}

func TestDispatchAllowedWindows(t *testing.T) {
	tests := []struct {
		name      string
		schedules []*backlog.Schedule
		now       time.Time
		want      bool
	}{
		{
			name:      "inside window",
			schedules: []*backlog.Schedule{workday("UTC")},
			now:       time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
			want:      true,
		},
		{
			name:      "at activation instant",
			schedules: []*backlog.Schedule{workday("UTC")},
			now:       time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
			want:      true,
		},
		{
			name:      "after window closes",
			schedules: []*backlog.Schedule{workday("UTC")},
			now:       time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC),
			want:      false,
		},
		{
			name:      "at exact close boundary",
			schedules: []*backlog.Schedule{workday("UTC")},
			now:       time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC),
			want:      false,
		},
		{
			name:      "before first activation of the day still covered by yesterday",
			schedules: []*backlog.Schedule{{ID: 2, CronExpr: "0 22 * * *", Duration: 4 * time.Hour, Timezone: "UTC", Enabled: true}},
			now:       time.Date(2025, 6, 2, 1, 30, 0, 0, time.UTC),
			want:      true,
		},
		{
			name:      "no schedules means always on",
			schedules: nil,
			now:       time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC),
			want:      true,
		},
		{
			name: "disabled rows ignored",
			schedules: []*backlog.Schedule{{
				ID: 3, CronExpr: "0 9 * * *", Duration: 8 * time.Hour, Timezone: "UTC", Enabled: false,
			}},
			now:  time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC),
			want: true, // only disabled rows configured, treated as always-on
		},
		{
			name: "one of several windows active",
			schedules: []*backlog.Schedule{
				{ID: 4, CronExpr: "0 2 * * *", Duration: time.Hour, Timezone: "UTC", Enabled: true},
				workday("UTC"),
			},
			now:  time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name:      "timezone respected",
			schedules: []*backlog.Schedule{workday("America/New_York")},
			// 14:00 UTC on 2025-06-02 is 10:00 EDT, inside 9-17 EDT.
			now:  time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name:      "timezone excludes early utc morning",
			schedules: []*backlog.Schedule{workday("America/New_York")},
			// 12:00 UTC is 08:00 EDT, before the window opens.
			now:  time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "dense cron with long duration",
			schedules: []*backlog.Schedule{{
				ID: 5, CronExpr: "* * * * *", Duration: 24 * time.Hour, Timezone: "UTC", Enabled: true,
			}},
			now:  time.Date(2025, 6, 2, 12, 34, 56, 0, time.UTC),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(&fakeSource{schedules: tt.schedules}, true)
			dec, err := gate.DispatchAllowed(tt.now)
			if err != nil {
				t.Fatalf("DispatchAllowed() error = %v", err)
			}
			if dec.Allowed != tt.want {
				t.Errorf("allowed = %v (%s), want %v", dec.Allowed, dec.Reason, tt.want)
			}
		})
	}
}

func TestDispatchOverrides(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	window := func(mode backlog.OverrideMode) *backlog.ScheduleOverride {
		return &backlog.ScheduleOverride{
			ID:       1,
			Mode:     mode,
			StartsAt: now.Add(-time.Hour),
			EndsAt:   now.Add(time.Hour),
		}
	}

	tests := []struct {
		name     string
		override *backlog.ScheduleOverride
		want     bool
	}{
		{
			name:     "force_off wins inside schedule window",
			override: window(backlog.OverrideForceOff),
			want:     false,
		},
		{
			name:     "force_on wins outside schedule window",
			override: window(backlog.OverrideForceOn),
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var schedules []*backlog.Schedule
			if tt.want {
				// force_on case: no window would otherwise be active
				schedules = []*backlog.Schedule{{
					ID: 1, CronExpr: "0 3 * * *", Duration: time.Hour, Timezone: "UTC", Enabled: true,
				}}
			} else {
				schedules = []*backlog.Schedule{workday("UTC")}
			}
			gate := NewGate(&fakeSource{schedules: schedules, override: tt.override}, true)
			dec, err := gate.DispatchAllowed(now)
			if err != nil {
				t.Fatalf("DispatchAllowed() error = %v", err)
			}
			if dec.Allowed != tt.want {
				t.Errorf("allowed = %v (%s), want %v", dec.Allowed, dec.Reason, tt.want)
			}
			if !strings.Contains(dec.Reason, "override") {
				t.Errorf("reason = %q, want override mentioned", dec.Reason)
			}
		})
	}
}

func TestDisabledGateAlwaysAllows(t *testing.T) {
	gate := NewGate(&fakeSource{
		schedules: []*backlog.Schedule{workday("UTC")},
		override: &backlog.ScheduleOverride{
			Mode:     backlog.OverrideForceOff,
			StartsAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			EndsAt:   time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}, false)

	dec, err := gate.DispatchAllowed(time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DispatchAllowed() error = %v", err)
	}
	if !dec.Allowed {
		t.Errorf("allowed = false (%s), want true when gate disabled", dec.Reason)
	}
}

func TestWindowActiveBadInputs(t *testing.T) {
	now := time.Now()

	if _, err := windowActive(&backlog.Schedule{CronExpr: "not cron", Duration: time.Hour, Timezone: "UTC"}, now); err == nil {
		t.Error("windowActive() error = nil for bad cron expression")
	}
	if _, err := windowActive(&backlog.Schedule{CronExpr: "0 9 * * *", Duration: time.Hour, Timezone: "Mars/OlympusMons"}, now); err == nil {
		t.Error("windowActive() error = nil for bad timezone")
	}
}

func TestValidateExpr(t *testing.T) {
	if err := ValidateExpr("*/5 * * * *"); err != nil {
		t.Errorf("ValidateExpr(valid) error = %v", err)
	}
	if err := ValidateExpr("@daily"); err != nil {
		t.Errorf("ValidateExpr(@daily) error = %v", err)
	}
	if err := ValidateExpr("61 * * * *"); err == nil {
		t.Error("ValidateExpr(61 minute) error = nil, want parse failure")
	}
}

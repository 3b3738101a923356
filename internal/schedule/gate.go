// Package schedule gates worker dispatch to recurring cron windows and
// one-shot force overrides.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/logging"
)

// Source provides the rows the gate evaluates. *backlog.Store
// satisfies it.
type Source interface {
	ListSchedules() ([]*backlog.Schedule, error)
	ActiveOverride(t time.Time) (*backlog.ScheduleOverride, error)
}

// Gate decides per tick whether the orchestrator may spawn workers.
type Gate struct {
	src     Source
	enabled bool
	log     *slog.Logger
}

// NewGate creates a Gate. A disabled gate always allows dispatch.
func NewGate(src Source, enabled bool) *Gate {
	return &Gate{
		src:     src,
		enabled: enabled,
		log:     logging.WithComponent("schedule"),
	}
}

// Decision is one gate evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// DispatchAllowed evaluates overrides first, then recurring windows.
// No configured windows means always-on.
func (g *Gate) DispatchAllowed(now time.Time) (Decision, error) {
	if !g.enabled {
		return Decision{Allowed: true, Reason: "scheduling disabled"}, nil
	}

	override, err := g.src.ActiveOverride(now)
	if err != nil {
		return Decision{}, fmt.Errorf("read schedule override: %w", err)
	}
	if override != nil {
		switch override.Mode {
		case backlog.OverrideForceOn:
			return Decision{Allowed: true, Reason: fmt.Sprintf("override force_on until %s", override.EndsAt.Format(time.RFC3339))}, nil
		case backlog.OverrideForceOff:
			return Decision{Allowed: false, Reason: fmt.Sprintf("override force_off until %s", override.EndsAt.Format(time.RFC3339))}, nil
		}
	}

	schedules, err := g.src.ListSchedules()
	if err != nil {
		return Decision{}, fmt.Errorf("read schedules: %w", err)
	}

	var configured int
	for _, sch := range schedules {
		if !sch.Enabled {
			continue
		}
		configured++
		active, err := windowActive(sch, now)
		if err != nil {
			g.log.Warn("Skipping unparseable schedule",
				slog.Int64("id", sch.ID),
				slog.String("cron", sch.CronExpr),
				slog.Any("error", err),
			)
			continue
		}
		if active {
			return Decision{Allowed: true, Reason: fmt.Sprintf("inside window of schedule %d", sch.ID)}, nil
		}
	}

	if configured == 0 {
		return Decision{Allowed: true, Reason: "no windows configured"}, nil
	}
	return Decision{Allowed: false, Reason: "outside every dispatch window"}, nil
}

// activationScanCap bounds the walk over past activations. The walk
// only continues over windows that already closed, so in practice it
// ends within a few iterations.
const activationScanCap = 1000

// windowActive reports whether now lies inside [activation,
// activation+duration) for any activation of the schedule's cron
// expression, evaluated in the schedule's timezone.
func windowActive(sch *backlog.Schedule, now time.Time) (bool, error) {
	loc, err := time.LoadLocation(sch.Timezone)
	if err != nil {
		return false, fmt.Errorf("schedule %d timezone: %w", sch.ID, err)
	}
	spec, err := cron.ParseStandard(sch.CronExpr)
	if err != nil {
		return false, fmt.Errorf("schedule %d cron: %w", sch.ID, err)
	}

	localNow := now.In(loc)
	from := localNow.Add(-sch.Duration)
	for i := 0; i < activationScanCap; i++ {
		next := spec.Next(from)
		if next.IsZero() || next.After(localNow) {
			return false, nil
		}
		if localNow.Before(next.Add(sch.Duration)) {
			return true, nil
		}
		from = next
	}
	return false, nil
}

// ValidateExpr checks a cron expression without building a gate.
func ValidateExpr(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

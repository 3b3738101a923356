// Package orchestrator runs the supervising loop: it claims ready
// features, launches worker subprocesses against them, and keeps going
// until every feature in the backlog passes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/backoff"
	"github.com/codefleet/foreman/internal/config"
	"github.com/codefleet/foreman/internal/events"
	"github.com/codefleet/foreman/internal/lockfile"
	"github.com/codefleet/foreman/internal/logging"
	"github.com/codefleet/foreman/internal/profiles"
	"github.com/codefleet/foreman/internal/roleapi"
	"github.com/codefleet/foreman/internal/schedule"
	"github.com/codefleet/foreman/internal/transcript"
	"github.com/codefleet/foreman/internal/worker"
)

// ErrInitializerFailed reports that the bootstrap role exhausted its
// retry budget without leaving any features in the store.
var ErrInitializerFailed = errors.New("initializer produced no features")

// slot is one live worker and the bookkeeping attached to it.
type slot struct {
	handle   *worker.Handle
	token    string
	features []int64
	session  string // transcript session id, empty when recording is off
}

// completion is the terminal report of one worker, delivered to the
// loop thread over a channel.
type completion struct {
	workerID string
	role     worker.Role
	token    string
	features []int64
	result   *worker.Result
	hint     *backoff.Hint
	pid      int
	started  time.Time
	session  string
}

// Orchestrator owns the supervision loop for one project. All loop
// state is confined to the goroutine running Run; the live map is the
// only field shared with worker output goroutines.
type Orchestrator struct {
	cfg         *config.Config
	store       *backlog.Store
	bus         *events.Bus
	bridge      *roleapi.Server
	gate        *schedule.Gate
	profile     profiles.Profile
	profileName string
	transcripts *transcript.Store
	projectDir  string
	log         *slog.Logger

	trackers map[worker.Role]*backoff.Tracker

	// parked maps a role to the time dispatch may resume. Loop-thread
	// only.
	parked map[worker.Role]time.Time

	mu   sync.RWMutex
	live map[string]*slot

	completions chan completion
}

// New wires an orchestrator over an open store. The store stays owned
// by the caller; Close releases only what New itself opened.
func New(cfg *config.Config, store *backlog.Store, bus *events.Bus, projectDir string) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}

	name, profile, err := resolveProfile(cfg, store)
	if err != nil {
		return nil, err
	}

	policy := &backoff.Policy{
		RateLimitBase: cfg.Backoff.RateLimitBaseDelay(),
		RateLimitCap:  cfg.Backoff.RateLimitCapDelay(),
		ErrorStep:     cfg.Backoff.ErrorStepDelay(),
		ErrorCap:      cfg.Backoff.ErrorCapDelay(),
		MaxRetries:    cfg.Backoff.MaxRetries,
	}
	trackers := make(map[worker.Role]*backoff.Tracker, len(worker.Roles()))
	for _, role := range worker.Roles() {
		trackers[role] = backoff.NewTracker(policy)
	}

	o := &Orchestrator{
		cfg:         cfg,
		store:       store,
		bus:         bus,
		bridge:      roleapi.NewServer(store),
		gate:        schedule.NewGate(store, cfg.Schedule != nil && cfg.Schedule.Enabled),
		profile:     profile,
		profileName: name,
		projectDir:  dir,
		log:         logging.WithComponent("orchestrator"),
		trackers:    trackers,
		parked:      make(map[worker.Role]time.Time),
		live:        make(map[string]*slot),
		completions: make(chan completion, 4*cfg.Orchestrator.MaxWorkers+16),
	}

	if cfg.Transcripts != nil && cfg.Transcripts.Enabled {
		ts, err := transcript.Open(TranscriptsPath(dir))
		if err != nil {
			return nil, err
		}
		o.transcripts = ts
	}
	return o, nil
}

// resolveProfile picks the active provider profile: config override
// first, then the store setting, then the builtin default.
func resolveProfile(cfg *config.Config, store *backlog.Store) (string, profiles.Profile, error) {
	path := ""
	name := ""
	if cfg.Profiles != nil {
		path = cfg.Profiles.Path
		name = cfg.Profiles.Active
	}
	doc, err := profiles.Load(path)
	if err != nil {
		return "", profiles.Profile{}, err
	}
	if name == "" {
		name, err = store.GetSetting(profiles.ActiveSetting)
		if err != nil {
			return "", profiles.Profile{}, err
		}
	}
	if name == "" {
		name = profiles.DefaultName
	}
	p, err := doc.Get(name)
	if errors.Is(err, profiles.ErrNotFound) {
		logging.Warn("Unknown profile, using default", slog.String("profile", name))
		name = profiles.DefaultName
		p, err = doc.Get(name)
	}
	if err != nil {
		return "", profiles.Profile{}, err
	}
	return name, p, nil
}

// Close releases resources New opened. Run must have returned.
func (o *Orchestrator) Close() error {
	if o.transcripts != nil {
		return o.transcripts.Close()
	}
	return nil
}

// Bridge exposes the worker-facing store bridge, primarily for tests.
func (o *Orchestrator) Bridge() *roleapi.Server {
	return o.bridge
}

// Run drives the loop until the backlog converges, ctx is cancelled,
// or an unrecoverable error occurs. It holds the project lock for its
// whole lifetime. A clean convergence and a cancelled ctx both return
// nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := exec.LookPath(o.cfg.Worker.Command); err != nil {
		return fmt.Errorf("worker command %q: %w", o.cfg.Worker.Command, err)
	}

	lock, err := lockfile.Acquire(LockPath(o.projectDir), o.projectDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := o.bridge.Start(); err != nil {
		return fmt.Errorf("start role api: %w", err)
	}
	defer func() { _ = o.bridge.Close() }()

	o.log.Info("Orchestrator started",
		slog.String("project", o.projectDir),
		slog.String("profile", o.profileName),
		slog.Int("max_workers", o.cfg.Orchestrator.MaxWorkers),
		slog.String("role_api", o.bridge.Addr()),
	)

	ticker := time.NewTicker(o.cfg.Orchestrator.Tick())
	defer ticker.Stop()

	for {
		done, err := o.tick(ctx)
		if err != nil {
			o.shutdown()
			return err
		}
		if done {
			o.shutdown()
			return nil
		}

		select {
		case <-ctx.Done():
			o.log.Info("Shutting down", slog.Int("live_workers", o.liveCount()))
			o.shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// tick performs one supervision pass. done is true once every feature
// passes; err is fatal and ends the run.
func (o *Orchestrator) tick(ctx context.Context) (done bool, err error) {
	summary, err := o.store.GetSummary()
	if err != nil {
		// Contention on the store is transient; try again next tick.
		o.log.Warn("Summary check failed", slog.Any("error", err))
		return false, nil
	}
	if summary.Complete() {
		o.log.Info("Backlog complete",
			slog.Int("passing", summary.Passing),
			slog.Int("total", summary.Total),
		)
		return true, nil
	}

	if summary.Total == 0 {
		o.ensureInitializer(ctx)
	} else {
		o.dispatch(ctx)
	}

	return false, o.drainCompletions()
}

// ensureInitializer keeps exactly one bootstrap worker going while the
// store is empty.
func (o *Orchestrator) ensureInitializer(ctx context.Context) {
	if o.roleLive(worker.RoleInitializer) > 0 {
		return
	}
	if until, ok := o.rolePark(worker.RoleInitializer); ok {
		o.log.Debug("Initializer parked", slog.Time("until", until))
		return
	}
	if dec := o.gateDecision(); !dec.Allowed {
		o.bus.PublishState("Dispatch parked by schedule")
		o.log.Debug("Dispatch parked", slog.String("reason", dec.Reason))
		return
	}

	o.bus.PublishState("Spawning initializer")
	if err := o.spawn(ctx, worker.RoleInitializer, nil); err != nil {
		o.launchFailure(worker.RoleInitializer, nil, err)
	}
}

// gateDecision asks the schedule gate whether dispatch may proceed.
// Gate evaluation errors fail open so a bad cron row cannot strand the
// backlog.
func (o *Orchestrator) gateDecision() schedule.Decision {
	dec, err := o.gate.DispatchAllowed(time.Now())
	if err != nil {
		o.log.Warn("Schedule gate failed, allowing dispatch", slog.Any("error", err))
		return schedule.Decision{Allowed: true, Reason: "gate error"}
	}
	return dec
}

// liveCount counts workers still occupying a slot. Healthcheck folds
// silently vanished processes into the terminal set, so a crashed
// worker frees its slot before its completion drains.
func (o *Orchestrator) liveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, s := range o.live {
		if !s.handle.Healthcheck().Terminal() {
			n++
		}
	}
	return n
}

// roleLive counts live workers of one role.
func (o *Orchestrator) roleLive(role worker.Role) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, s := range o.live {
		if s.handle.Role == role && !s.handle.Healthcheck().Terminal() {
			n++
		}
	}
	return n
}

// WorkerStatus is a point-in-time view of one live worker, exposed for
// monitoring surfaces.
type WorkerStatus struct {
	ID       string
	Role     worker.Role
	Features []int64
	Started  time.Time
}

// Workers returns a snapshot of the live worker set, oldest first.
func (o *Orchestrator) Workers() []WorkerStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(o.live))
	for id, s := range o.live {
		if s.handle.Healthcheck().Terminal() {
			continue
		}
		out = append(out, WorkerStatus{
			ID:       id,
			Role:     s.handle.Role,
			Features: append([]int64(nil), s.features...),
			Started:  s.handle.StartedAt(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// assignedFeatures returns the ids currently held by live workers.
func (o *Orchestrator) assignedFeatures() map[int64]bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	assigned := make(map[int64]bool)
	for _, s := range o.live {
		if s.handle.Healthcheck().Terminal() {
			continue
		}
		for _, id := range s.features {
			assigned[id] = true
		}
	}
	return assigned
}

// park suspends dispatch of one role until now+delay. Loop-thread only.
func (o *Orchestrator) park(role worker.Role, delay time.Duration) {
	o.parked[role] = time.Now().Add(delay)
}

// rolePark reports whether a role is parked, clearing expired entries.
func (o *Orchestrator) rolePark(role worker.Role) (time.Time, bool) {
	until, ok := o.parked[role]
	if !ok {
		return time.Time{}, false
	}
	if time.Now().Before(until) {
		return until, true
	}
	delete(o.parked, role)
	return time.Time{}, false
}

func (o *Orchestrator) tracker(role worker.Role) *backoff.Tracker {
	return o.trackers[role]
}

// shutdown stops every live worker within the termination budget, then
// settles their completions so audit rows and claim releases land
// before the run exits.
func (o *Orchestrator) shutdown() {
	o.mu.RLock()
	slots := make([]*slot, 0, len(o.live))
	for _, s := range o.live {
		slots = append(slots, s)
	}
	o.mu.RUnlock()

	if len(slots) > 0 {
		stopped := make(chan struct{})
		go func() {
			var wg sync.WaitGroup
			for _, s := range slots {
				wg.Add(1)
				go func(s *slot) {
					defer wg.Done()
					s.handle.Stop()
				}(s)
			}
			wg.Wait()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(o.cfg.Orchestrator.ShutdownBudget()):
			o.log.Warn("Termination budget exceeded, force killing workers")
			for _, s := range slots {
				s.handle.Kill()
			}
		}
	}

	// Every slot still registered reports exactly one completion once
	// its worker is terminal.
	deadline := time.After(10 * time.Second)
	for i := 0; i < len(slots); i++ {
		select {
		case c := <-o.completions:
			if err := o.handleCompletion(c); err != nil {
				o.log.Warn("Completion during shutdown", slog.Any("error", err))
			}
		case <-deadline:
			o.log.Warn("Shutdown drain timed out, releasing remaining claims")
			o.mu.Lock()
			leftovers := o.live
			o.live = make(map[string]*slot)
			o.mu.Unlock()
			for _, s := range leftovers {
				o.releaseFeatures(s.features)
				o.bridge.RevokeToken(s.token)
				o.endSession(s.session)
			}
			return
		}
	}
}

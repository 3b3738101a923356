package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/config"
	"github.com/codefleet/foreman/internal/events"
	"github.com/codefleet/foreman/internal/lockfile"
)

// okScript is a worker stand-in that reports success immediately.
const okScript = `echo '{"type":"result","is_error":false}'
exit 0
`

// writeScript drops a worker stand-in script into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// testConfig returns a config tuned for fast test loops driving /bin/sh
// stand-in workers.
func testConfig(t *testing.T, script string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Orchestrator.MaxWorkers = 2
	cfg.Orchestrator.TickInterval = "25ms"
	cfg.Orchestrator.TerminationBudget = "15s"
	cfg.Worker.Command = "/bin/sh"
	cfg.Worker.Entrypoint = script
	cfg.Backoff.ErrorStep = "50ms"
	cfg.Backoff.ErrorCap = "500ms"
	cfg.Profiles.Path = filepath.Join(t.TempDir(), "profiles.json")
	return cfg
}

// openStore opens a backlog store under the project's state dir, the
// way the CLI does before handing it to the orchestrator.
func openStore(t *testing.T, dir string) *backlog.Store {
	t.Helper()
	if err := EnsureStateDir(dir); err != nil {
		t.Fatalf("ensure state dir: %v", err)
	}
	store, err := backlog.Open(BacklogPath(dir), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newOrchestrator(t *testing.T, cfg *config.Config, store *backlog.Store, bus *events.Bus, dir string) *Orchestrator {
	t.Helper()
	o, err := New(cfg, store, bus, dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// runWithin runs the orchestrator under a watchdog deadline. A loop
// that fails to converge is cancelled and surfaces through the
// convergence assertions instead of hanging the test.
func runWithin(t *testing.T, o *Orchestrator, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return o.Run(ctx)
}

// recorder captures everything published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	states []events.StateEvent
}

func newRecorder(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeEvents("recorder", func(ev events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	bus.SubscribeState("recorder", func(ev events.StateEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, ev)
	})
	return r
}

// spawned returns the spawn confirmations for one role, in order.
func (r *recorder) spawned(role string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == events.TypeSpawned && (role == "" || ev.Role == role) {
			out = append(out, ev)
		}
	}
	return out
}

// terminals returns terminal markers with the given verdict.
func (r *recorder) terminals(verdict string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == events.TypeTerminal && ev.Verdict == verdict {
			out = append(out, ev)
		}
	}
	return out
}

// stateCount counts orchestrator-state events of one kind.
func (r *recorder) stateCount(kind events.StateKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.states {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// stateMessages counts state events with an exact message.
func (r *recorder) stateMessages(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.states {
		if ev.Message == msg {
			n++
		}
	}
	return n
}

func TestRunCompletesBacklogInDependencyOrder(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	f1, err := store.CreateFeature("core", "parser", "", nil)
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}
	f2, err := store.CreateFeature("core", "cli", "", nil)
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if err := store.AddDependency(f2.ID, f1.ID); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	bus := events.NewBus()
	rec := newRecorder(bus)
	// The stand-in script cannot reach the store, so the test plays the
	// worker's part: each spawned feature is marked passing right away.
	bus.SubscribeEvents("worker-standin", func(ev events.Event) {
		if ev.Type == events.TypeSpawned && ev.Role == "coding" {
			if err := store.MarkPassing(ev.FeatureID); err != nil {
				t.Errorf("mark passing %d: %v", ev.FeatureID, err)
			}
		}
	})

	o := newOrchestrator(t, testConfig(t, writeScript(t, okScript)), store, bus, dir)
	if err := runWithin(t, o, 30*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sum, err := store.GetSummary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.Complete() {
		t.Fatalf("summary = %+v, want complete", sum)
	}

	spawns := rec.spawned("coding")
	if len(spawns) != 2 {
		t.Fatalf("spawned %d coding workers, want 2", len(spawns))
	}
	if spawns[0].FeatureID != f1.ID || spawns[1].FeatureID != f2.ID {
		t.Errorf("spawn order = [%d %d], want [%d %d]",
			spawns[0].FeatureID, spawns[1].FeatureID, f1.ID, f2.ID)
	}

	if got := rec.terminals("completed"); len(got) != 2 {
		t.Errorf("terminal completed markers = %d, want 2", len(got))
	}
	if rec.stateCount(events.StateSpawning) == 0 {
		t.Error("no spawning-loop state events published")
	}

	for _, id := range []int64{f1.ID, f2.ID} {
		run, err := store.LastTestRun(id)
		if err != nil {
			t.Fatalf("last test run %d: %v", id, err)
		}
		if run == nil || !run.Passed || run.AgentType != backlog.AgentCoding {
			t.Errorf("last run for %d = %+v, want passed coding run", id, run)
		}
	}
}

func TestRunBootstrapsEmptyStore(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	bus := events.NewBus()
	rec := newRecorder(bus)

	var seedOnce sync.Once
	bus.SubscribeState("seeder", func(ev events.StateEvent) {
		if ev.Message != "Spawning initializer" {
			return
		}
		seedOnce.Do(func() {
			_, err := store.CreateFeaturesBulk([]backlog.BulkEntry{
				{Category: "core", Name: "schema"},
				{Category: "core", Name: "api", DependsOnIndices: []int{0}},
			})
			if err != nil {
				t.Errorf("bulk create: %v", err)
			}
		})
	})
	bus.SubscribeEvents("worker-standin", func(ev events.Event) {
		if ev.Type == events.TypeSpawned && ev.Role == "coding" {
			if err := store.MarkPassing(ev.FeatureID); err != nil {
				t.Errorf("mark passing %d: %v", ev.FeatureID, err)
			}
		}
	})

	o := newOrchestrator(t, testConfig(t, writeScript(t, okScript)), store, bus, dir)
	if err := runWithin(t, o, 30*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rec.stateMessages("Spawning initializer") == 0 {
		t.Error("initializer was never announced")
	}

	sum, err := store.GetSummary()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 2 || !sum.Complete() {
		t.Errorf("summary = %+v, want 2/2 passing", sum)
	}

	// The second bulk entry depends on the first, so spawns come in
	// creation order.
	spawns := rec.spawned("coding")
	if len(spawns) != 2 || spawns[0].FeatureID >= spawns[1].FeatureID {
		t.Errorf("coding spawns = %v, want dependency order", spawns)
	}
}

func TestRunInitializerExhaustionIsFatal(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	cfg := testConfig(t, writeScript(t, "exit 2\n"))
	cfg.Backoff.MaxRetries = 2

	o := newOrchestrator(t, cfg, store, events.NewBus(), dir)
	err := runWithin(t, o, 30*time.Second)
	if !errors.Is(err, ErrInitializerFailed) {
		t.Fatalf("Run() error = %v, want ErrInitializerFailed", err)
	}
}

func TestRunFeaturelessInitializerConsumesBudget(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	// Clean exit with a result record but no features created.
	cfg := testConfig(t, writeScript(t, okScript))
	cfg.Backoff.MaxRetries = 2

	o := newOrchestrator(t, cfg, store, events.NewBus(), dir)
	err := runWithin(t, o, 30*time.Second)
	if !errors.Is(err, ErrInitializerFailed) {
		t.Fatalf("Run() error = %v, want ErrInitializerFailed", err)
	}
}

func TestRunParksRoleAfterRateLimit(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	f, err := store.CreateFeature("core", "throttled", "", nil)
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}

	marker := filepath.Join(t.TempDir(), "first-run-done")
	script := writeScript(t, fmt.Sprintf(`if [ -f %q ]; then
  echo '{"type":"result","is_error":false}'
  exit 0
fi
touch %q
echo "rate limit exceeded, retry after 2 seconds"
exit 1
`, marker, marker))

	bus := events.NewBus()
	rec := newRecorder(bus)
	var spawnsSeen int
	var mu sync.Mutex
	bus.SubscribeEvents("worker-standin", func(ev events.Event) {
		if ev.Type != events.TypeSpawned || ev.Role != "coding" {
			return
		}
		mu.Lock()
		spawnsSeen++
		second := spawnsSeen == 2
		mu.Unlock()
		if second {
			if err := store.MarkPassing(ev.FeatureID); err != nil {
				t.Errorf("mark passing: %v", err)
			}
		}
	})

	o := newOrchestrator(t, testConfig(t, script), store, bus, dir)
	if err := runWithin(t, o, 30*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	spawns := rec.spawned("coding")
	if len(spawns) != 2 {
		t.Fatalf("spawned %d times, want 2 (one limited, one retry)", len(spawns))
	}
	if spawns[0].FeatureID != f.ID || spawns[1].FeatureID != f.ID {
		t.Errorf("spawns targeted %d and %d, want feature %d twice",
			spawns[0].FeatureID, spawns[1].FeatureID, f.ID)
	}
	// The provider asked for 2 seconds; the respawn must honor it.
	if gap := spawns[1].Time.Sub(spawns[0].Time); gap < 2*time.Second {
		t.Errorf("respawn after %v, want at least the 2s hint", gap)
	}
}

func TestRunReleasesFeatureAfterCrashAndRetries(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	f, err := store.CreateFeature("core", "crashy", "", nil)
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}

	// First run: silent clean exit, which counts as a crash. Second
	// run: proper result record.
	marker := filepath.Join(t.TempDir(), "crashed-once")
	script := writeScript(t, fmt.Sprintf(`if [ -f %q ]; then
  echo '{"type":"result","is_error":false}'
  exit 0
fi
touch %q
echo "doing work"
exit 0
`, marker, marker))

	bus := events.NewBus()
	rec := newRecorder(bus)
	var spawnsSeen int
	var mu sync.Mutex
	bus.SubscribeEvents("worker-standin", func(ev events.Event) {
		if ev.Type != events.TypeSpawned {
			return
		}
		mu.Lock()
		spawnsSeen++
		second := spawnsSeen == 2
		mu.Unlock()
		if second {
			if err := store.MarkPassing(ev.FeatureID); err != nil {
				t.Errorf("mark passing: %v", err)
			}
		}
	})

	o := newOrchestrator(t, testConfig(t, script), store, bus, dir)
	if err := runWithin(t, o, 30*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := rec.terminals("failed"); len(got) != 1 {
		t.Errorf("failed terminal markers = %d, want 1", len(got))
	}

	runs, err := store.ListTestRuns(f.ID, 0)
	if err != nil {
		t.Fatalf("list test runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("test runs = %d, want 2", len(runs))
	}
	// Newest first: the retry passed, the crash did not.
	if !runs[0].Passed || runs[1].Passed {
		t.Errorf("runs = [passed=%v passed=%v], want [true false]",
			runs[0].Passed, runs[1].Passed)
	}
	if runs[1].ReturnCode != 0 {
		t.Errorf("crash return code = %d, want 0 (silent clean exit)", runs[1].ReturnCode)
	}
}

func TestRunReportsMaxCapacity(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	for i := 0; i < 2; i++ {
		if _, err := store.CreateFeature("core", fmt.Sprintf("slot-%d", i), "", nil); err != nil {
			t.Fatalf("create feature: %v", err)
		}
	}

	script := writeScript(t, `sleep 1
`+okScript)

	bus := events.NewBus()
	rec := newRecorder(bus)
	bus.SubscribeEvents("worker-standin", func(ev events.Event) {
		if ev.Type == events.TypeSpawned && ev.Role == "coding" {
			if err := store.MarkPassing(ev.FeatureID); err != nil {
				t.Errorf("mark passing: %v", err)
			}
		}
	})

	cfg := testConfig(t, script)
	cfg.Orchestrator.MaxWorkers = 1

	o := newOrchestrator(t, cfg, store, bus, dir)
	if err := runWithin(t, o, 30*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rec.stateCount(events.StateMaxCapacity) == 0 {
		t.Error("no max-capacity state events while a slow worker held the only slot")
	}
}

func TestRunSpawnsTestingWorkersWithinRatio(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	verified, err := store.CreateFeature("core", "verified", "", nil)
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if err := store.MarkPassing(verified.ID); err != nil {
		t.Fatalf("mark passing: %v", err)
	}
	pending, err := store.CreateFeature("core", "pending", "", nil)
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}

	script := writeScript(t, `sleep 1
`+okScript)

	bus := events.NewBus()
	rec := newRecorder(bus)
	bus.SubscribeEvents("worker-standin", func(ev events.Event) {
		if ev.Type == events.TypeSpawned && ev.Role == "coding" {
			if err := store.MarkPassing(ev.FeatureID); err != nil {
				t.Errorf("mark passing: %v", err)
			}
		}
	})

	cfg := testConfig(t, script)
	cfg.Orchestrator.MaxWorkers = 4
	cfg.Orchestrator.TestingRatio = 1

	o := newOrchestrator(t, cfg, store, bus, dir)
	if err := runWithin(t, o, 30*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	coding := rec.spawned("coding")
	if len(coding) != 1 || coding[0].FeatureID != pending.ID {
		t.Fatalf("coding spawns = %v, want one for feature %d", coding, pending.ID)
	}
	verifiers := rec.spawned("testing")
	if len(verifiers) != 1 || verifiers[0].FeatureID != verified.ID {
		t.Fatalf("testing spawns = %v, want one re-verification of feature %d", verifiers, verified.ID)
	}
}

func TestRunReviewModeDispatchesReviewer(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	f, err := store.CreateFeature("core", "reviewed", "", nil)
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if err := store.MarkForReview(f.ID); err != nil {
		t.Fatalf("mark for review: %v", err)
	}

	bus := events.NewBus()
	rec := newRecorder(bus)
	bus.SubscribeEvents("worker-standin", func(ev events.Event) {
		if ev.Type == events.TypeSpawned && ev.Role == "reviewer" {
			if err := store.Approve(ev.FeatureID); err != nil {
				t.Errorf("approve: %v", err)
			}
			if err := store.MarkPassing(ev.FeatureID); err != nil {
				t.Errorf("mark passing: %v", err)
			}
		}
	})

	cfg := testConfig(t, writeScript(t, okScript))
	cfg.Orchestrator.ReviewMode = true

	o := newOrchestrator(t, cfg, store, bus, dir)
	if err := runWithin(t, o, 30*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := rec.spawned("reviewer"); len(got) != 1 {
		t.Fatalf("reviewer spawns = %d, want 1", len(got))
	}
	// A feature under review must never reach the coding pool.
	if got := rec.spawned("coding"); len(got) != 0 {
		t.Errorf("coding spawns = %v, want none for a pending-review feature", got)
	}

	reviewed, err := store.GetFeature(f.ID)
	if err != nil {
		t.Fatalf("get feature: %v", err)
	}
	if reviewed.ReviewStatus != backlog.ReviewApproved {
		t.Errorf("review status = %q, want approved", reviewed.ReviewStatus)
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	if _, err := store.CreateFeature("core", "held", "", nil); err != nil {
		t.Fatalf("create feature: %v", err)
	}

	bus := events.NewBus()
	spawned := make(chan struct{}, 1)
	bus.SubscribeEvents("gate", func(ev events.Event) {
		if ev.Type == events.TypeSpawned {
			select {
			case spawned <- struct{}{}:
			default:
			}
		}
	})

	first := newOrchestrator(t, testConfig(t, writeScript(t, "sleep 60\n")), store, bus, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- first.Run(ctx) }()

	select {
	case <-spawned:
	case <-time.After(10 * time.Second):
		t.Fatal("first orchestrator never spawned a worker")
	}

	second := newOrchestrator(t, testConfig(t, writeScript(t, okScript)), store, events.NewBus(), dir)
	if err := runWithin(t, second, 10*time.Second); !errors.Is(err, lockfile.ErrAlreadyRunning) {
		t.Fatalf("second Run() error = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("first Run() error = %v", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("first orchestrator did not shut down")
	}
}

func TestRunExitsWhenBacklogAlreadyComplete(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)
	f, err := store.CreateFeature("core", "done", "", nil)
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}
	if err := store.MarkPassing(f.ID); err != nil {
		t.Fatalf("mark passing: %v", err)
	}

	bus := events.NewBus()
	rec := newRecorder(bus)

	o := newOrchestrator(t, testConfig(t, writeScript(t, okScript)), store, bus, dir)
	if err := runWithin(t, o, 10*time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := rec.spawned(""); len(got) != 0 {
		t.Errorf("spawned %d workers on a complete backlog, want 0", len(got))
	}
}

func TestRunFailsFastWhenWorkerCommandMissing(t *testing.T) {
	dir := t.TempDir()
	store := openStore(t, dir)

	cfg := testConfig(t, "")
	cfg.Worker.Command = "definitely-not-a-worker-binary"

	o := newOrchestrator(t, cfg, store, events.NewBus(), dir)
	if err := runWithin(t, o, 10*time.Second); err == nil {
		t.Fatal("Run() error = nil, want startup failure for missing worker command")
	}
}

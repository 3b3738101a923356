package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefleet/foreman/internal/backoff"
	"github.com/codefleet/foreman/internal/logging"
)

// GracePeriod is how long Stop waits after SIGTERM before force
// killing the process group.
const GracePeriod = 5 * time.Second

// lastLinesKept bounds the output tail attached to a Result.
const lastLinesKept = 20

// Status is a worker lifecycle state.
type Status string

const (
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusFinishedOK    Status = "finished_ok"
	StatusFinishedError Status = "finished_error"
	StatusRateLimited   Status = "rate_limited"
	StatusCrashed       Status = "crashed"
	StatusKilled        Status = "killed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinishedOK, StatusFinishedError, StatusRateLimited, StatusCrashed, StatusKilled:
		return true
	}
	return false
}

// LaunchSpec describes one worker subprocess.
type LaunchSpec struct {
	Role       Role
	Command    string   // interpreter or binary, e.g. "claude-worker"
	Entrypoint string   // optional script passed as first argument
	ExtraArgs  []string // appended verbatim after the standard flags
	ProjectDir string
	Model      string  // resolved model id, empty = worker default
	FeatureID  int64   // single pre-assigned feature (coding)
	FeatureIDs []int64 // pre-assigned batch (coding batch, testing)
	Yolo       bool
	Env        []string // KEY=VALUE pairs appended to os.Environ()
}

func (s LaunchSpec) validate() error {
	if !Valid(s.Role) {
		return fmt.Errorf("unknown role %q", s.Role)
	}
	if s.Command == "" {
		return errors.New("worker command is empty")
	}
	if s.ProjectDir == "" {
		return errors.New("project dir is empty")
	}
	if s.FeatureID > 0 && len(s.FeatureIDs) > 0 {
		return errors.New("feature id and feature id batch are mutually exclusive")
	}
	return nil
}

// argv builds the launch command line per the worker contract.
func (s LaunchSpec) argv() []string {
	args := []string{s.Command}
	if s.Entrypoint != "" {
		args = append(args, s.Entrypoint)
	}
	args = append(args, "--role", string(s.Role))
	args = append(args, "--max-turns", strconv.Itoa(MaxTurns(s.Role)))
	args = append(args, "--project-dir", s.ProjectDir)
	if s.Model != "" {
		args = append(args, "--model", s.Model)
	}
	if s.FeatureID > 0 {
		args = append(args, "--feature-id", strconv.FormatInt(s.FeatureID, 10))
	} else if len(s.FeatureIDs) > 0 {
		ids := make([]string, len(s.FeatureIDs))
		for i, id := range s.FeatureIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		args = append(args, "--feature-ids", strings.Join(ids, ","))
	}
	if s.Yolo {
		args = append(args, "--yolo")
	}
	args = append(args, s.ExtraArgs...)
	return args
}

// Result is the terminal outcome of one worker.
type Result struct {
	Status    Status
	ExitCode  int
	RanFor    time.Duration
	LastLines []string
}

// LineFunc receives each sanitized output line as it arrives.
type LineFunc func(workerID, line string)

// Handle supervises one running worker subprocess.
type Handle struct {
	ID   string
	Role Role

	spec      LaunchSpec
	cmd       *exec.Cmd
	log       *slog.Logger
	startedAt time.Time
	done      chan struct{}

	mu          sync.Mutex
	status      Status
	lastLines   []string
	sawResult   bool
	rateLimited bool
	hint        *backoff.Hint
	killed      bool
	result      *Result
}

// Launch starts a worker subprocess and begins streaming its merged
// stdout+stderr through onLine. Cancelling ctx stops the worker the
// same way Stop does.
func Launch(ctx context.Context, spec LaunchSpec, onLine LineFunc) (*Handle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(spec.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	spec.ProjectDir = dir

	argv := spec.argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setupProcessGroup(cmd)

	// Merge stderr into the stdout pipe so ordering across the two
	// streams is what the worker actually wrote.
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	h := &Handle{
		ID:        uuid.New().String(),
		Role:      spec.Role,
		spec:      spec,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		status:    StatusStarting,
	}
	h.log = logging.WithWorker(h.ID)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	h.mu.Lock()
	h.status = StatusRunning
	h.mu.Unlock()

	h.log.Debug("Worker started",
		slog.String("role", string(spec.Role)),
		slog.Int("pid", cmd.Process.Pid),
	)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		h.readLoop(stdout, onLine)
	}()

	go func() {
		<-readerDone
		h.finish(cmd.Wait())
	}()

	go func() {
		select {
		case <-h.done:
		case <-ctx.Done():
			h.Stop()
		}
	}()

	return h, nil
}

// readLoop scans the merged output pipe line by line. Every line is
// sanitized before it is recorded or forwarded.
func (h *Handle) readLoop(r io.Reader, onLine LineFunc) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := Sanitize(scanner.Text())
		h.observe(line)
		if onLine != nil {
			onLine(h.ID, line)
		}
	}
	if err := scanner.Err(); err != nil {
		h.log.Debug("Worker output read ended", slog.Any("error", err))
	}
}

func (h *Handle) observe(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastLines = append(h.lastLines, line)
	if len(h.lastLines) > lastLinesKept {
		h.lastLines = append(h.lastLines[:0], h.lastLines[1:]...)
	}

	if isResultRecord(line) {
		h.sawResult = true
	}
	if backoff.IsRateLimit(line) {
		h.rateLimited = true
		if hint, ok := backoff.ParseHint(line, time.Now()); ok {
			h.hint = hint
		}
	}
}

// isResultRecord detects the terminal result record a worker must emit
// before exiting. Exit 0 without one is treated as a crash.
func isResultRecord(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return false
	}
	return probe.Type == "result"
}

// finish classifies the exit and publishes the Result. Precedence:
// killed > rate_limited > finished_error > crashed > finished_ok.
func (h *Handle) finish(waitErr error) {
	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	h.mu.Lock()
	var status Status
	switch {
	case h.killed:
		status = StatusKilled
	case h.rateLimited:
		status = StatusRateLimited
	case exitCode != 0:
		status = StatusFinishedError
	case !h.sawResult:
		// Silent exits are never success.
		status = StatusCrashed
	default:
		status = StatusFinishedOK
	}
	h.status = status
	h.result = &Result{
		Status:    status,
		ExitCode:  exitCode,
		RanFor:    time.Since(h.startedAt),
		LastLines: append([]string(nil), h.lastLines...),
	}
	h.mu.Unlock()

	h.log.Debug("Worker finished",
		slog.String("role", string(h.Role)),
		slog.String("status", string(status)),
		slog.Int("exit_code", exitCode),
	)
	close(h.done)
}

// StartedAt reports when the subprocess was launched.
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Stop terminates the worker: SIGTERM to the process group, up to
// GracePeriod to exit, then SIGKILL. Blocks until the worker is gone.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.status != StatusRunning && h.status != StatusStarting {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.mu.Unlock()

	if err := terminateProcessGroup(h.cmd); err != nil {
		h.log.Debug("SIGTERM failed", slog.Any("error", err))
	}

	select {
	case <-h.done:
		return
	case <-time.After(GracePeriod):
	}

	if err := killProcessGroup(h.cmd); err != nil {
		h.log.Warn("SIGKILL failed", slog.Any("error", err))
	}
	<-h.done
}

// Kill force-terminates the worker immediately, skipping the grace
// period. Used when a shutdown budget has already elapsed.
func (h *Handle) Kill() {
	h.mu.Lock()
	if h.status != StatusRunning && h.status != StatusStarting {
		h.mu.Unlock()
		return
	}
	h.killed = true
	h.mu.Unlock()

	if err := killProcessGroup(h.cmd); err != nil {
		h.log.Warn("SIGKILL failed", slog.Any("error", err))
	}
	<-h.done
}

// Healthcheck returns the current status, reporting crashed when the
// process disappeared while the handle still says running.
func (h *Handle) Healthcheck() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != StatusRunning {
		return h.status
	}
	if h.cmd.Process != nil && !pidAlive(h.cmd.Process.Pid) {
		return StatusCrashed
	}
	return h.status
}

// Await blocks until the worker reaches a terminal state or ctx ends.
func (h *Handle) Await(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, nil
}

// Done is closed when the worker reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// RateLimitHint returns the parsed retry-after hint, if any rate-limit
// line carried one.
func (h *Handle) RateLimitHint() *backoff.Hint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hint
}

// PID returns the lead process id, 0 before start.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Spec returns the launch descriptor the worker was started with.
func (h *Handle) Spec() LaunchSpec {
	return h.spec
}

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/roleapi"
	"github.com/codefleet/foreman/internal/worker"
)

// dispatch fills free worker slots for one tick: reviewers first when
// review mode is on, then coding workers over the ready set, then
// testing workers bounded by the coding ratio.
func (o *Orchestrator) dispatch(ctx context.Context) {
	slots := o.cfg.Orchestrator.MaxWorkers - o.liveCount()
	if slots <= 0 {
		o.bus.PublishState("At max capacity")
		return
	}
	if dec := o.gateDecision(); !dec.Allowed {
		o.bus.PublishState("Dispatch parked by schedule")
		o.log.Debug("Dispatch parked", slog.String("reason", dec.Reason))
		return
	}

	assigned := o.assignedFeatures()

	ready, err := o.store.ReadyFeatures(0)
	if err != nil {
		o.log.Warn("Ready scan failed", slog.Any("error", err))
		return
	}
	// Features awaiting review stay out of the coding pool; rejected
	// ones flow back in carrying their notes.
	var candidates []*backlog.Feature
	for _, f := range ready {
		if assigned[f.ID] || f.ReviewStatus == backlog.ReviewPending {
			continue
		}
		candidates = append(candidates, f)
	}

	o.bus.PublishState(fmt.Sprintf("Spawning loop: %d ready, %d slots", len(candidates), slots))

	slots = o.dispatchReviewers(ctx, slots, assigned)
	slots = o.dispatchCoding(ctx, slots, candidates, assigned)
	o.dispatchTesting(ctx, slots, assigned)
}

// dispatchReviewers spawns one reviewer per feature awaiting review.
func (o *Orchestrator) dispatchReviewers(ctx context.Context, slots int, assigned map[int64]bool) int {
	if !o.cfg.Orchestrator.ReviewMode || slots <= 0 {
		return slots
	}
	if _, parked := o.rolePark(worker.RoleReviewer); parked {
		return slots
	}

	pending, err := o.store.ListPendingReview(slots)
	if err != nil {
		o.log.Warn("Review scan failed", slog.Any("error", err))
		return slots
	}
	for _, f := range pending {
		if slots <= 0 {
			break
		}
		if assigned[f.ID] {
			continue
		}
		if err := o.spawn(ctx, worker.RoleReviewer, []int64{f.ID}); err != nil {
			o.launchFailure(worker.RoleReviewer, nil, err)
			break
		}
		assigned[f.ID] = true
		slots--
	}
	return slots
}

// dispatchCoding claims ready features and spawns coding workers, one
// batch per slot. A claim lost to another process skips that candidate
// without consuming the slot.
func (o *Orchestrator) dispatchCoding(ctx context.Context, slots int, candidates []*backlog.Feature, assigned map[int64]bool) int {
	if slots <= 0 || len(candidates) == 0 {
		return slots
	}
	if _, parked := o.rolePark(worker.RoleCoding); parked {
		return slots
	}

	batchSize := o.cfg.Orchestrator.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	idx := 0
	for slots > 0 && idx < len(candidates) {
		var batch []int64
		for idx < len(candidates) && len(batch) < batchSize {
			f := candidates[idx]
			idx++

			_, already, err := o.store.ClaimAndGet(f.ID)
			if err != nil {
				// Became passing, blocked, or contended since the scan.
				o.log.Debug("Claim skipped",
					slog.Int64("feature", f.ID),
					slog.Any("error", err),
				)
				continue
			}
			if already {
				o.log.Debug("Claim lost to another worker", slog.Int64("feature", f.ID))
				continue
			}
			batch = append(batch, f.ID)
		}
		if len(batch) == 0 {
			break
		}

		if err := o.spawn(ctx, worker.RoleCoding, batch); err != nil {
			o.launchFailure(worker.RoleCoding, batch, err)
			break
		}
		for _, id := range batch {
			assigned[id] = true
		}
		slots--
	}
	return slots
}

// dispatchTesting re-verifies passing features, holding the live
// testing:coding ratio at or below the configured bound.
func (o *Orchestrator) dispatchTesting(ctx context.Context, slots int, assigned map[int64]bool) {
	ratio := o.cfg.Orchestrator.TestingRatio
	if ratio <= 0 || slots <= 0 {
		return
	}
	if _, parked := o.rolePark(worker.RoleTesting); parked {
		return
	}

	allowed := int(ratio*float64(o.roleLive(worker.RoleCoding))) - o.roleLive(worker.RoleTesting)
	if allowed <= 0 {
		return
	}

	passing, err := o.store.ListPassing(0)
	if err != nil {
		o.log.Warn("Passing scan failed", slog.Any("error", err))
		return
	}

	batchSize := o.cfg.Orchestrator.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	var batch []int64
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if err := o.spawn(ctx, worker.RoleTesting, batch); err != nil {
			o.launchFailure(worker.RoleTesting, nil, err)
			return false
		}
		for _, id := range batch {
			assigned[id] = true
		}
		batch = nil
		slots--
		allowed--
		return true
	}

	for _, f := range passing {
		if slots <= 0 || allowed <= 0 {
			break
		}
		if assigned[f.ID] {
			continue
		}
		batch = append(batch, f.ID)
		if len(batch) == batchSize {
			if !flush() {
				return
			}
		}
	}
	if slots > 0 && allowed > 0 {
		flush()
	}
}

// spawn launches one worker, registers it in the live set, and wires
// its completion back to the loop thread.
func (o *Orchestrator) spawn(ctx context.Context, role worker.Role, featureIDs []int64) error {
	token, err := o.bridge.RegisterToken(role)
	if err != nil {
		return err
	}

	spec := worker.LaunchSpec{
		Role:       role,
		Command:    o.cfg.Worker.Command,
		Entrypoint: o.cfg.Worker.Entrypoint,
		ExtraArgs:  o.cfg.Worker.Args,
		ProjectDir: o.projectDir,
		Model:      o.profile.ModelFor(worker.TierFor(role)),
		Yolo:       o.cfg.Worker.Yolo,
		Env: append(o.profile.Environ(),
			roleapi.EnvAddr+"="+o.bridge.URL(),
			roleapi.EnvToken+"="+token,
		),
	}
	switch len(featureIDs) {
	case 0:
	case 1:
		spec.FeatureID = featureIDs[0]
	default:
		spec.FeatureIDs = append([]int64(nil), featureIDs...)
	}

	var lead int64
	if len(featureIDs) == 1 {
		lead = featureIDs[0]
	}

	// The live entry is registered under the write lock before output
	// lines look it up, so transcripts see the session from the first
	// line on.
	o.mu.Lock()
	handle, err := worker.Launch(ctx, spec, o.onLine(lead))
	if err != nil {
		o.mu.Unlock()
		o.bridge.RevokeToken(token)
		return err
	}
	session := o.beginSession(handle.ID, role)
	o.live[handle.ID] = &slot{
		handle:   handle,
		token:    token,
		features: append([]int64(nil), featureIDs...),
		session:  session,
	}
	o.mu.Unlock()

	o.log.Info("Worker started",
		slog.String("worker", handle.ID),
		slog.String("role", string(role)),
		slog.Int("pid", handle.PID()),
		slog.Any("features", featureIDs),
	)
	for _, id := range featureIDs {
		o.bus.PublishLine(handle.ID, fmt.Sprintf("Started %s agent for feature #%d", role, id))
	}

	go func() {
		res, _ := handle.Await(context.Background())
		o.completions <- completion{
			workerID: handle.ID,
			role:     role,
			token:    token,
			features: featureIDs,
			result:   res,
			hint:     handle.RateLimitHint(),
			pid:      handle.PID(),
			started:  handle.StartedAt(),
			session:  session,
		}
	}()
	return nil
}

// onLine returns the output callback for one worker. Lines from a
// single-feature worker are tagged with the feature id so downstream
// subscribers can attribute them.
func (o *Orchestrator) onLine(featureID int64) worker.LineFunc {
	return func(workerID, line string) {
		if featureID > 0 && !strings.HasPrefix(line, "[Feature #") {
			line = fmt.Sprintf("[Feature #%d] %s", featureID, line)
		}
		o.bus.PublishLine(workerID, line)
		o.appendTranscript(workerID, line)
	}
}

// launchFailure handles a worker that never started: claimed features
// are released and the role backs off linearly.
func (o *Orchestrator) launchFailure(role worker.Role, featureIDs []int64, err error) {
	o.releaseFeatures(featureIDs)
	delay := o.tracker(role).ErrorDelay()
	o.park(role, delay)
	o.log.Error("Worker launch failed",
		slog.String("role", string(role)),
		slog.Duration("retry_in", delay),
		slog.Any("error", err),
	)
}

// drainCompletions applies every completion already queued. It never
// blocks; completions arriving mid-drain wait for the next tick.
func (o *Orchestrator) drainCompletions() error {
	for {
		select {
		case c := <-o.completions:
			if err := o.handleCompletion(c); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// handleCompletion settles one finished worker: frees its slot, records
// the audit row, releases or keeps its features, and parks the role
// when the outcome calls for backoff. The returned error is fatal.
func (o *Orchestrator) handleCompletion(c completion) error {
	o.mu.Lock()
	delete(o.live, c.workerID)
	o.mu.Unlock()
	o.bridge.RevokeToken(c.token)
	o.endSession(c.session)

	res := c.result
	o.log.Info("Worker finished",
		slog.String("worker", c.workerID),
		slog.String("role", string(c.role)),
		slog.String("status", string(res.Status)),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("ran_for", res.RanFor),
	)

	switch res.Status {
	case worker.StatusFinishedOK:
		if c.role == worker.RoleInitializer {
			return o.initializerFinished()
		}
		o.tracker(c.role).Success()
		o.publishTerminal(c, "completed")
		o.recordRun(c, true)

	case worker.StatusRateLimited:
		delay := o.tracker(c.role).RateLimitDelay(c.hint)
		o.park(c.role, delay)
		o.releaseFeatures(c.features)
		o.log.Warn("Worker rate limited",
			slog.String("role", string(c.role)),
			slog.Duration("parked_for", delay),
		)

	case worker.StatusKilled:
		// Shutdown path. Features are released so the next run can
		// claim them.
		o.releaseFeatures(c.features)

	default: // finished_error, crashed
		o.publishTerminal(c, "failed")
		o.releaseFeatures(c.features)
		o.recordRun(c, false)

		tr := o.tracker(c.role)
		delay := tr.ErrorDelay()
		o.park(c.role, delay)
		o.log.Warn("Worker failed",
			slog.String("role", string(c.role)),
			slog.String("status", string(res.Status)),
			slog.Int("exit_code", res.ExitCode),
			slog.Duration("retry_in", delay),
			slog.String("tail", strings.Join(res.LastLines, " | ")),
		)

		if tr.Exhausted() {
			if c.role == worker.RoleInitializer {
				return fmt.Errorf("%w after %d attempts", ErrInitializerFailed, tr.ErrorAttempts())
			}
			o.log.Error("Retry budget exhausted, abandoning this attempt cycle",
				slog.String("role", string(c.role)),
				slog.Any("features", c.features),
			)
			tr.ResetErrors()
		}
	}
	return nil
}

// initializerFinished verifies a clean bootstrap actually filled the
// store. A featureless exit consumes retry budget like a failure.
func (o *Orchestrator) initializerFinished() error {
	summary, err := o.store.GetSummary()
	if err != nil {
		o.log.Warn("Summary check failed", slog.Any("error", err))
		return nil
	}
	tr := o.tracker(worker.RoleInitializer)
	if summary.Total > 0 {
		tr.Success()
		o.log.Info("Backlog initialized", slog.Int("features", summary.Total))
		return nil
	}

	delay := tr.ErrorDelay()
	o.park(worker.RoleInitializer, delay)
	o.log.Warn("Initializer exited without creating features",
		slog.Duration("retry_in", delay),
	)
	if tr.Exhausted() {
		return fmt.Errorf("%w after %d attempts", ErrInitializerFailed, tr.ErrorAttempts())
	}
	return nil
}

// publishTerminal emits the per-feature terminal marker lines.
func (o *Orchestrator) publishTerminal(c completion, verdict string) {
	for _, id := range c.features {
		o.bus.PublishLine(c.workerID, fmt.Sprintf("Feature #%d %s %s", id, c.role, verdict))
	}
}

// recordRun appends the audit row for a coding or testing run,
// attributed to the lead feature with the full batch attached.
func (o *Orchestrator) recordRun(c completion, passed bool) {
	var agent backlog.AgentType
	switch c.role {
	case worker.RoleCoding:
		agent = backlog.AgentCoding
	case worker.RoleTesting:
		agent = backlog.AgentTesting
	default:
		return
	}
	if len(c.features) == 0 {
		return
	}

	completed := time.Now()
	run := &backlog.TestRun{
		FeatureID:   c.features[0],
		Passed:      passed,
		AgentType:   agent,
		AgentPID:    c.pid,
		StartedAt:   &c.started,
		CompletedAt: &completed,
		ReturnCode:  c.result.ExitCode,
	}
	if len(c.features) > 1 {
		run.FeatureIDsInBatch = c.features
	}
	if _, err := o.store.AppendTestRun(run); err != nil {
		o.log.Warn("Test run not recorded",
			slog.Int64("feature", run.FeatureID),
			slog.Any("error", err),
		)
	}
}

// releaseFeatures clears the in-progress flag on each id so the
// features become claimable again.
func (o *Orchestrator) releaseFeatures(ids []int64) {
	for _, id := range ids {
		if err := o.store.ClearInProgress(id); err != nil {
			o.log.Warn("Feature not released",
				slog.Int64("feature", id),
				slog.Any("error", err),
			)
		}
	}
}

// beginSession opens a transcript session when recording is on.
func (o *Orchestrator) beginSession(workerID string, role worker.Role) string {
	if o.transcripts == nil {
		return ""
	}
	id, err := o.transcripts.StartSession(o.projectDir, workerID, string(role))
	if err != nil {
		o.log.Warn("Transcript session not started", slog.Any("error", err))
		return ""
	}
	return id
}

// appendTranscript records one output line in the worker's session.
func (o *Orchestrator) appendTranscript(workerID, line string) {
	if o.transcripts == nil {
		return
	}
	o.mu.RLock()
	s, ok := o.live[workerID]
	o.mu.RUnlock()
	if !ok || s.session == "" {
		return
	}
	if err := o.transcripts.Append(s.session, "worker", line); err != nil {
		o.log.Debug("Transcript append failed", slog.Any("error", err))
	}
}

// endSession stamps a transcript session closed.
func (o *Orchestrator) endSession(session string) {
	if o.transcripts == nil || session == "" {
		return
	}
	if err := o.transcripts.EndSession(session); err != nil {
		o.log.Debug("Transcript session not closed", slog.Any("error", err))
	}
}

package backlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/codefleet/foreman/internal/logging"
	"github.com/codefleet/foreman/internal/resolver"
)

// ReviewStatus is the human/reviewer verdict on a feature.
type ReviewStatus string

const (
	ReviewNone     ReviewStatus = "none"
	ReviewPending  ReviewStatus = "pending_review"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Feature is one unit of backlog work.
type Feature struct {
	ID           int64        `json:"id"`
	Priority     int64        `json:"priority"`
	Category     string       `json:"category"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Steps        []string     `json:"steps"`
	Dependencies []int64      `json:"dependencies"`
	Passes       bool         `json:"passes"`
	InProgress   bool         `json:"in_progress"`
	ReviewStatus ReviewStatus `json:"review_status"`
	ReviewNotes  string       `json:"review_notes,omitempty"`

	// Carry-through sync metadata, opaque to the engine.
	PlanningWorkItemID string     `json:"planning_work_item_id,omitempty"`
	SyncedAt           *time.Time `json:"synced_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastStatusHash     string     `json:"last_status_hash,omitempty"`
}

// Summary is the light progress view the orchestrator polls every tick.
type Summary struct {
	Passing    int `json:"passing"`
	InProgress int `json:"in_progress"`
	Total      int `json:"total"`
}

// Complete reports whether every feature passes.
func (s Summary) Complete() bool {
	return s.Total > 0 && s.Passing == s.Total
}

// BulkEntry is one feature in a bulk creation request. DependsOnIndices
// are positions within the same batch and may only point backward.
type BulkEntry struct {
	Category         string   `json:"category"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Steps            []string `json:"steps"`
	DependsOnIndices []int    `json:"depends_on_indices"`
}

// BulkResult reports what a bulk creation produced.
type BulkResult struct {
	Created          int `json:"created"`
	WithDependencies int `json:"with_dependencies"`
}

const featureColumns = `id, priority, category, name, description, steps,
	passes, in_progress, review_status, COALESCE(review_notes, ''),
	COALESCE(planning_work_item_id, ''), synced_at, updated_at,
	COALESCE(last_status_hash, '')`

// scanFeature reads one feature row (without dependencies).
func scanFeature(row interface{ Scan(...any) error }) (*Feature, error) {
	var (
		f        Feature
		steps    string
		syncedAt sql.NullTime
	)
	err := row.Scan(
		&f.ID, &f.Priority, &f.Category, &f.Name, &f.Description, &steps,
		&f.Passes, &f.InProgress, &f.ReviewStatus, &f.ReviewNotes,
		&f.PlanningWorkItemID, &syncedAt, &f.UpdatedAt, &f.LastStatusHash,
	)
	if err != nil {
		return nil, err
	}
	if steps != "" {
		if err := json.Unmarshal([]byte(steps), &f.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps for feature %d: %w", f.ID, err)
		}
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		f.SyncedAt = &t
	}
	return &f, nil
}

// getFeatureTx loads one feature with its dependency set.
func getFeatureTx(q dbtx, id int64) (*Feature, error) {
	row := q.QueryRow(`SELECT `+featureColumns+` FROM features WHERE id = ?`, id)
	f, err := scanFeature(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("feature %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	deps, err := loadDependencies(q, id)
	if err != nil {
		return nil, err
	}
	f.Dependencies = deps
	return f, nil
}

// loadDependencies returns the sorted dependency ids of one feature.
func loadDependencies(q dbtx, id int64) ([]int64, error) {
	rows, err := q.Query(
		`SELECT depends_on FROM feature_dependencies WHERE feature_id = ? ORDER BY depends_on`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var deps []int64
	for rows.Next() {
		var dep int64
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// maxPriority returns the current highest priority, 0 on an empty store.
func maxPriority(q dbtx) (int64, error) {
	var max int64
	err := q.QueryRow(`SELECT COALESCE(MAX(priority), 0) FROM features`).Scan(&max)
	if err != nil {
		return 0, classify(err)
	}
	return max, nil
}

func encodeSteps(steps []string) (string, error) {
	if steps == nil {
		steps = []string{}
	}
	data, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("failed to encode steps: %w", err)
	}
	return string(data), nil
}

// CreateFeature inserts one feature at the end of the queue.
func (s *Store) CreateFeature(category, name, description string, steps []string) (*Feature, error) {
	encoded, err := encodeSteps(steps)
	if err != nil {
		return nil, err
	}

	tx, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	max, err := maxPriority(tx)
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(`
		INSERT INTO features (priority, category, name, description, steps)
		VALUES (?, ?, ?, ?, ?)
	`, max+1, category, name, description, encoded)
	if err != nil {
		return nil, classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	f, err := getFeatureTx(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return f, nil
}

// CreateFeaturesBulk atomically inserts a batch of features with
// batch-relative dependencies. Priorities are contiguous from max+1 in
// entry order. Entries may only reference earlier entries; duplicates,
// self/forward references, and oversized edge sets reject the whole batch.
func (s *Store) CreateFeaturesBulk(entries []BulkEntry) (*BulkResult, error) {
	if len(entries) == 0 {
		return &BulkResult{}, nil
	}

	// Validate the whole batch before touching the database.
	for i, e := range entries {
		if len(e.DependsOnIndices) > s.maxDeps {
			return nil, fmt.Errorf("entry %d has %d dependencies: %w",
				i, len(e.DependsOnIndices), ErrTooManyDependencies)
		}
		seen := make(map[int]bool, len(e.DependsOnIndices))
		for _, idx := range e.DependsOnIndices {
			if idx < 0 || idx >= i {
				return nil, fmt.Errorf("entry %d references index %d: %w",
					i, idx, ErrForwardReference)
			}
			if seen[idx] {
				return nil, fmt.Errorf("entry %d references index %d twice: %w",
					i, idx, ErrDuplicateDependency)
			}
			seen[idx] = true
		}
	}

	tx, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	max, err := maxPriority(tx)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		encoded, err := encodeSteps(e.Steps)
		if err != nil {
			return nil, err
		}
		res, err := tx.Exec(`
			INSERT INTO features (priority, category, name, description, steps)
			VALUES (?, ?, ?, ?, ?)
		`, max+int64(i)+1, e.Category, e.Name, e.Description, encoded)
		if err != nil {
			return nil, classify(err)
		}
		ids[i], err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
	}

	withDeps := 0
	for i, e := range entries {
		if len(e.DependsOnIndices) == 0 {
			continue
		}
		withDeps++
		for _, idx := range e.DependsOnIndices {
			if _, err := tx.Exec(`
				INSERT INTO feature_dependencies (feature_id, depends_on) VALUES (?, ?)
			`, ids[i], ids[idx]); err != nil {
				return nil, classify(err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	logging.WithComponent("backlog").Info("bulk feature creation",
		"created", len(entries),
		"with_dependencies", withDeps,
	)
	return &BulkResult{Created: len(entries), WithDependencies: withDeps}, nil
}

// GetFeature returns one feature with its dependencies.
func (s *Store) GetFeature(id int64) (*Feature, error) {
	return getFeatureTx(s.db, id)
}

// ListFeatures returns all features ordered by priority then id.
func (s *Store) ListFeatures() ([]*Feature, error) {
	rows, err := s.db.Query(`SELECT ` + featureColumns + ` FROM features ORDER BY priority, id`)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var features []*Feature
	byID := make(map[int64]*Feature)
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
		byID[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachDependencies(byID); err != nil {
		return nil, err
	}
	return features, nil
}

// attachDependencies fills Dependencies for every feature in byID with a
// single edge query.
func (s *Store) attachDependencies(byID map[int64]*Feature) error {
	rows, err := s.db.Query(
		`SELECT feature_id, depends_on FROM feature_dependencies ORDER BY feature_id, depends_on`)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var fid, dep int64
		if err := rows.Scan(&fid, &dep); err != nil {
			return err
		}
		if f, ok := byID[fid]; ok {
			f.Dependencies = append(f.Dependencies, dep)
		}
	}
	return rows.Err()
}

// GetSummary returns the passing/in-progress/total counts. Booleans are
// cast to integers before summing; SUM over raw booleans is undefined on
// some backends.
func (s *Store) GetSummary() (*Summary, error) {
	var sum Summary
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CAST(passes AS INTEGER)), 0),
			COALESCE(SUM(CAST(in_progress AS INTEGER)), 0)
		FROM features
	`).Scan(&sum.Total, &sum.Passing, &sum.InProgress)
	if err != nil {
		return nil, classify(err)
	}
	return &sum, nil
}

// blockedTx reports whether the feature has a non-passing dependency,
// reading through q so callers inside a transaction see their snapshot.
func blockedTx(q dbtx, id int64) (bool, error) {
	var n int
	err := q.QueryRow(`
		SELECT COUNT(*)
		FROM feature_dependencies fd
		JOIN features dep ON dep.id = fd.depends_on
		WHERE fd.feature_id = ? AND dep.passes = 0
	`, id).Scan(&n)
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// ClaimAndGet atomically transitions a feature from pending to in-progress
// and returns it. When the feature is already in progress the returned
// alreadyClaimed flag is true and the caller's earlier claim still stands.
// Claiming a blocked or passing feature is rejected.
func (s *Store) ClaimAndGet(id int64) (*Feature, bool, error) {
	tx, err := s.begin()
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	f, err := getFeatureTx(tx, id)
	if err != nil {
		return nil, false, err
	}
	if f.Passes {
		return nil, false, fmt.Errorf("feature %d: %w", id, ErrAlreadyPassing)
	}
	if f.InProgress {
		// Another claim won; report it rather than failing.
		return f, true, nil
	}

	blocked, err := blockedTx(tx, id)
	if err != nil {
		return nil, false, err
	}
	if blocked {
		return nil, false, fmt.Errorf("feature %d: %w", id, ErrBlocked)
	}

	if _, err := tx.Exec(`
		UPDATE features SET in_progress = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id); err != nil {
		return nil, false, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, classify(err)
	}

	f.InProgress = true
	return f, false, nil
}

// MarkInProgress flags a feature as claimed. Unlike ClaimAndGet it does not
// return the row and treats an existing claim as success.
func (s *Store) MarkInProgress(id int64) error {
	tx, err := s.begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	f, err := getFeatureTx(tx, id)
	if err != nil {
		return err
	}
	if f.Passes {
		return fmt.Errorf("feature %d: %w", id, ErrAlreadyPassing)
	}
	blocked, err := blockedTx(tx, id)
	if err != nil {
		return err
	}
	if blocked {
		return fmt.Errorf("feature %d: %w", id, ErrBlocked)
	}

	if _, err := tx.Exec(`
		UPDATE features SET in_progress = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// MarkPassing accepts a feature as complete. Fails with ErrAlreadyPassing
// when the feature already passes so double completion is visible.
func (s *Store) MarkPassing(id int64) error {
	tx, err := s.begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	f, err := getFeatureTx(tx, id)
	if err != nil {
		return err
	}
	if f.Passes {
		return fmt.Errorf("feature %d: %w", id, ErrAlreadyPassing)
	}

	if _, err := tx.Exec(`
		UPDATE features SET passes = 1, in_progress = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// MarkFailing records a failed verification: the feature goes back to
// pending regardless of its current state.
func (s *Store) MarkFailing(id int64) error {
	res, err := s.db.Exec(`
		UPDATE features SET passes = 0, in_progress = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("feature %d: %w", id, ErrNotFound)
	}
	logging.WithComponent("backlog").Info("feature marked failing", "feature_id", id)
	return nil
}

// ClearInProgress releases a claim. Releasing an unclaimed feature is a
// no-op, so crash recovery can call it blindly.
func (s *Store) ClearInProgress(id int64) error {
	res, err := s.db.Exec(`
		UPDATE features SET in_progress = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("feature %d: %w", id, ErrNotFound)
	}
	return nil
}

// Skip moves a feature to the end of the queue and releases any claim.
func (s *Store) Skip(id int64) error {
	tx, err := s.begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	f, err := getFeatureTx(tx, id)
	if err != nil {
		return err
	}
	if f.Passes {
		return fmt.Errorf("feature %d: %w", id, ErrAlreadyPassing)
	}

	max, err := maxPriority(tx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE features SET priority = ?, in_progress = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, max+1, id); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// MarkForReview queues a feature for the reviewer role.
func (s *Store) MarkForReview(id int64) error {
	return s.setReviewStatus(id, ReviewPending, "")
}

// Approve records reviewer acceptance.
func (s *Store) Approve(id int64) error {
	return s.setReviewStatus(id, ReviewApproved, "")
}

// Reject records reviewer rejection with notes.
func (s *Store) Reject(id int64, notes string) error {
	return s.setReviewStatus(id, ReviewRejected, notes)
}

func (s *Store) setReviewStatus(id int64, status ReviewStatus, notes string) error {
	res, err := s.db.Exec(`
		UPDATE features SET review_status = ?, review_notes = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(status), notes, id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("feature %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListPendingReview returns non-passing features awaiting review, oldest
// priority first. limit <= 0 means no limit.
func (s *Store) ListPendingReview(limit int) ([]*Feature, error) {
	return s.listWhere(`review_status = ? AND passes = 0`, limit, string(ReviewPending))
}

// ListPassing returns passing features, lowest priority first, for
// re-verification dispatch. limit <= 0 means no limit.
func (s *Store) ListPassing(limit int) ([]*Feature, error) {
	return s.listWhere(`passes = 1`, limit)
}

func (s *Store) listWhere(where string, limit int, args ...any) ([]*Feature, error) {
	query := `SELECT ` + featureColumns + ` FROM features WHERE ` + where + ` ORDER BY priority, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var features []*Feature
	byID := make(map[int64]*Feature)
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
		byID[f.ID] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachDependencies(byID); err != nil {
		return nil, err
	}
	return features, nil
}

// snapshotTx reads the resolver's view of the whole backlog through q.
func snapshotTx(q dbtx) (resolver.Snapshot, error) {
	rows, err := q.Query(`SELECT id, priority, passes, in_progress FROM features`)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	snap := make(resolver.Snapshot)
	for rows.Next() {
		var n resolver.Node
		if err := rows.Scan(&n.ID, &n.Priority, &n.Passes, &n.InProgress); err != nil {
			return nil, err
		}
		snap[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edges, err := q.Query(`SELECT feature_id, depends_on FROM feature_dependencies ORDER BY feature_id, depends_on`)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = edges.Close() }()

	for edges.Next() {
		var fid, dep int64
		if err := edges.Scan(&fid, &dep); err != nil {
			return nil, err
		}
		n := snap[fid]
		n.Dependencies = append(n.Dependencies, dep)
		snap[fid] = n
	}
	return snap, edges.Err()
}

// Snapshot returns the resolver view of the backlog.
func (s *Store) Snapshot() (resolver.Snapshot, error) {
	return snapshotTx(s.db)
}

// ReadyFeatures returns up to limit dispatchable features in scheduling
// order: most unblocking first, then least unfinished transitive work,
// then priority, then id.
func (s *Store) ReadyFeatures(limit int) ([]*Feature, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	ids := resolver.ReadyFeatures(snap, limit)

	features := make([]*Feature, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetFeature(id)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

// BlockedInfo pairs a blocked feature with the ids currently blocking it.
type BlockedInfo struct {
	Feature   *Feature `json:"feature"`
	BlockedBy []int64  `json:"blocked_by"`
}

// BlockedFeatures returns up to limit blocked features with their current
// blocking sets.
func (s *Store) BlockedFeatures(limit int) ([]BlockedInfo, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	blocked := resolver.BlockedFeatures(snap, limit)

	infos := make([]BlockedInfo, 0, len(blocked))
	for _, b := range blocked {
		f, err := s.GetFeature(b.ID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, BlockedInfo{Feature: f, BlockedBy: b.BlockedBy})
	}
	return infos, nil
}

// Graph returns the dependency graph with computed status tags.
func (s *Store) Graph() (resolver.GraphView, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return resolver.GraphView{}, err
	}
	return resolver.Graph(snap), nil
}

// sortIDs returns a sorted copy of ids.
func sortIDs(ids []int64) []int64 {
	out := make([]int64, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

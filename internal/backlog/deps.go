package backlog

import (
	"fmt"

	"github.com/codefleet/foreman/internal/resolver"
)

// AddDependency inserts the edge featureID → depID after validating
// existence, self-reference, the edge limit, and acyclicity against the
// same snapshot the write will commit.
func (s *Store) AddDependency(featureID, depID int64) error {
	if featureID == depID {
		return fmt.Errorf("feature %d: %w", featureID, ErrSelfDependency)
	}

	tx, err := s.begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	snap, err := snapshotTx(tx)
	if err != nil {
		return err
	}
	if _, ok := snap[featureID]; !ok {
		return fmt.Errorf("feature %d: %w", featureID, ErrNotFound)
	}
	if _, ok := snap[depID]; !ok {
		return fmt.Errorf("dependency %d: %w", depID, ErrNotFound)
	}

	current := snap[featureID].Dependencies
	for _, dep := range current {
		if dep == depID {
			return nil // edge already present
		}
	}
	if len(current)+1 > s.maxDeps {
		return fmt.Errorf("feature %d at %d edges: %w", featureID, len(current), ErrTooManyDependencies)
	}
	if resolver.WouldCycle(snap, featureID, depID) {
		return fmt.Errorf("edge %d -> %d: %w", featureID, depID, ErrCycle)
	}

	if _, err := tx.Exec(`
		INSERT INTO feature_dependencies (feature_id, depends_on) VALUES (?, ?)
	`, featureID, depID); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// RemoveDependency deletes the edge featureID → depID. Removing a missing
// edge is a no-op; a missing feature is an error.
func (s *Store) RemoveDependency(featureID, depID int64) error {
	tx, err := s.begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getFeatureTx(tx, featureID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		DELETE FROM feature_dependencies WHERE feature_id = ? AND depends_on = ?
	`, featureID, depID); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// SetDependencies replaces the whole edge set of featureID with depIDs,
// normalized to sorted unique form. Validation runs against a snapshot
// with the old edges removed, since they no longer constrain the graph.
func (s *Store) SetDependencies(featureID int64, depIDs []int64) error {
	tx, err := s.begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	snap, err := snapshotTx(tx)
	if err != nil {
		return err
	}
	if _, ok := snap[featureID]; !ok {
		return fmt.Errorf("feature %d: %w", featureID, ErrNotFound)
	}

	// Normalize: sorted unique.
	normalized := make([]int64, 0, len(depIDs))
	seen := make(map[int64]bool, len(depIDs))
	for _, dep := range sortIDs(depIDs) {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		normalized = append(normalized, dep)
	}

	if len(normalized) > s.maxDeps {
		return fmt.Errorf("feature %d with %d edges: %w", featureID, len(normalized), ErrTooManyDependencies)
	}
	for _, dep := range normalized {
		if dep == featureID {
			return fmt.Errorf("feature %d: %w", featureID, ErrSelfDependency)
		}
		if _, ok := snap[dep]; !ok {
			return fmt.Errorf("dependency %d: %w", dep, ErrNotFound)
		}
	}

	// Cycle check with the feature's old edges cleared: a new cycle must
	// leave featureID through one of the new edges and return through
	// other nodes' edges.
	node := snap[featureID]
	node.Dependencies = nil
	snap[featureID] = node
	for _, dep := range normalized {
		if resolver.WouldCycle(snap, featureID, dep) {
			return fmt.Errorf("edge %d -> %d: %w", featureID, dep, ErrCycle)
		}
	}

	if _, err := tx.Exec(`DELETE FROM feature_dependencies WHERE feature_id = ?`, featureID); err != nil {
		return classify(err)
	}
	for _, dep := range normalized {
		if _, err := tx.Exec(`
			INSERT INTO feature_dependencies (feature_id, depends_on) VALUES (?, ?)
		`, featureID, dep); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

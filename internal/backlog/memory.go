package backlog

import (
	"database/sql"
	"fmt"
	"time"
)

// MemoryCategory partitions agent memories.
type MemoryCategory string

const (
	MemoryDecision       MemoryCategory = "decision"
	MemoryPattern        MemoryCategory = "pattern"
	MemoryLearning       MemoryCategory = "learning"
	MemoryArchitecture   MemoryCategory = "architecture"
	MemorySpecConstraint MemoryCategory = "spec_constraint"
)

// ValidMemoryCategory reports whether c is one of the known categories.
func ValidMemoryCategory(c MemoryCategory) bool {
	switch c {
	case MemoryDecision, MemoryPattern, MemoryLearning, MemoryArchitecture, MemorySpecConstraint:
		return true
	}
	return false
}

// Memory is one agent memory row. A (category, key) slot keeps its full
// history: storing a new value supersedes the old row instead of
// overwriting it.
type Memory struct {
	ID             int64          `json:"id"`
	Category       MemoryCategory `json:"category"`
	Key            string         `json:"key"`
	Content        string         `json:"content"`
	FeatureID      *int64         `json:"feature_id,omitempty"`
	RelevanceCount int            `json:"relevance_count"`
	SupersededBy   *int64         `json:"superseded_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

const memoryColumns = `id, category, memory_key, content, feature_id,
	relevance_count, superseded_by, created_at`

// StoreMemory appends a new value for the (category, key) slot and points
// the previous current row at it. featureID optionally links the memory to
// a feature for RecallMemoryForFeature.
func (s *Store) StoreMemory(category MemoryCategory, key, content string, featureID *int64) (*Memory, error) {
	if !ValidMemoryCategory(category) {
		return nil, fmt.Errorf("invalid memory category %q", category)
	}
	if key == "" {
		return nil, fmt.Errorf("memory key is required")
	}
	if featureID != nil {
		if _, err := s.GetFeature(*featureID); err != nil {
			return nil, err
		}
	}

	tx, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prevID sql.NullInt64
	err = tx.QueryRow(`
		SELECT id FROM agent_memories
		WHERE category = ? AND memory_key = ? AND superseded_by IS NULL
	`, string(category), key).Scan(&prevID)
	if err != nil && err != sql.ErrNoRows {
		return nil, classify(err)
	}

	var fid any
	if featureID != nil {
		fid = *featureID
	}
	res, err := tx.Exec(`
		INSERT INTO agent_memories (category, memory_key, content, feature_id)
		VALUES (?, ?, ?, ?)
	`, string(category), key, content, fid)
	if err != nil {
		return nil, classify(err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if prevID.Valid {
		if _, err := tx.Exec(`
			UPDATE agent_memories SET superseded_by = ? WHERE id = ?
		`, newID, prevID.Int64); err != nil {
			return nil, classify(err)
		}
	}

	m, err := getMemoryTx(tx, newID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// RecallMemory returns the current value of a (category, key) slot and
// bumps its relevance count. Missing slots return ErrNotFound.
func (s *Store) RecallMemory(category MemoryCategory, key string) (*Memory, error) {
	if !ValidMemoryCategory(category) {
		return nil, fmt.Errorf("invalid memory category %q", category)
	}

	tx, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRow(`
		SELECT id FROM agent_memories
		WHERE category = ? AND memory_key = ? AND superseded_by IS NULL
	`, string(category), key).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %s/%s: %w", category, key, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}

	if _, err := tx.Exec(`
		UPDATE agent_memories SET relevance_count = relevance_count + 1 WHERE id = ?
	`, id); err != nil {
		return nil, classify(err)
	}

	m, err := getMemoryTx(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// RecallMemoryForFeature returns all current memories linked to a feature
// and bumps each one's relevance count.
func (s *Store) RecallMemoryForFeature(featureID int64) ([]*Memory, error) {
	if _, err := s.GetFeature(featureID); err != nil {
		return nil, err
	}

	tx, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT `+memoryColumns+` FROM agent_memories
		WHERE feature_id = ? AND superseded_by IS NULL
		ORDER BY id
	`, featureID)
	if err != nil {
		return nil, classify(err)
	}

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, m := range memories {
		if _, err := tx.Exec(`
			UPDATE agent_memories SET relevance_count = relevance_count + 1 WHERE id = ?
		`, m.ID); err != nil {
			return nil, classify(err)
		}
		m.RelevanceCount++
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return memories, nil
}

// MemoryHistory returns every version of a slot, oldest first, including
// superseded rows.
func (s *Store) MemoryHistory(category MemoryCategory, key string) ([]*Memory, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryColumns+` FROM agent_memories
		WHERE category = ? AND memory_key = ?
		ORDER BY id
	`, string(category), key)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func getMemoryTx(q dbtx, id int64) (*Memory, error) {
	row := q.QueryRow(`SELECT `+memoryColumns+` FROM agent_memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

func scanMemory(row interface{ Scan(...any) error }) (*Memory, error) {
	var (
		m            Memory
		category     string
		featureID    sql.NullInt64
		supersededBy sql.NullInt64
	)
	err := row.Scan(&m.ID, &category, &m.Key, &m.Content, &featureID,
		&m.RelevanceCount, &supersededBy, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Category = MemoryCategory(category)
	if featureID.Valid {
		v := featureID.Int64
		m.FeatureID = &v
	}
	if supersededBy.Valid {
		v := supersededBy.Int64
		m.SupersededBy = &v
	}
	return &m, nil
}

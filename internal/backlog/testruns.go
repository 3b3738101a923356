package backlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentType identifies which worker role produced a test run.
type AgentType string

const (
	AgentCoding  AgentType = "coding"
	AgentTesting AgentType = "testing"
)

// TestRun is one append-only audit row recording a worker verdict.
type TestRun struct {
	ID                int64      `json:"id"`
	FeatureID         int64      `json:"feature_id"`
	Passed            bool       `json:"passed"`
	AgentType         AgentType  `json:"agent_type"`
	AgentPID          int        `json:"agent_pid"`
	FeatureIDsInBatch []int64    `json:"feature_ids_in_batch,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ReturnCode        int        `json:"return_code"`
}

// AppendTestRun inserts one audit row. Rows are never updated afterwards;
// they are removed only by cascade when the parent feature is deleted.
func (s *Store) AppendTestRun(run *TestRun) (int64, error) {
	if run.AgentType != AgentCoding && run.AgentType != AgentTesting {
		return 0, fmt.Errorf("invalid agent type %q", run.AgentType)
	}
	if _, err := s.GetFeature(run.FeatureID); err != nil {
		return 0, err
	}

	batch := ""
	if len(run.FeatureIDsInBatch) > 0 {
		data, err := json.Marshal(run.FeatureIDsInBatch)
		if err != nil {
			return 0, fmt.Errorf("failed to encode batch ids: %w", err)
		}
		batch = string(data)
	}

	res, err := s.db.Exec(`
		INSERT INTO test_runs (feature_id, passed, agent_type, agent_pid,
			feature_ids_in_batch, started_at, completed_at, return_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.FeatureID, run.Passed, string(run.AgentType), run.AgentPID,
		batch, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.ReturnCode)
	if err != nil {
		return 0, classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListTestRuns returns the newest runs for a feature, most recent first.
// limit <= 0 means no limit.
func (s *Store) ListTestRuns(featureID int64, limit int) ([]*TestRun, error) {
	query := `
		SELECT id, feature_id, passed, agent_type, agent_pid,
			COALESCE(feature_ids_in_batch, ''), started_at, completed_at, return_code
		FROM test_runs WHERE feature_id = ? ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(query, featureID)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*TestRun
	for rows.Next() {
		run, err := scanTestRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastTestRun returns the most recent run for a feature, or nil when the
// feature has no runs yet.
func (s *Store) LastTestRun(featureID int64) (*TestRun, error) {
	runs, err := s.ListTestRuns(featureID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

func scanTestRun(rows *sql.Rows) (*TestRun, error) {
	var (
		run         TestRun
		agentType   string
		batch       string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := rows.Scan(&run.ID, &run.FeatureID, &run.Passed, &agentType,
		&run.AgentPID, &batch, &startedAt, &completedAt, &run.ReturnCode); err != nil {
		return nil, err
	}
	run.AgentType = AgentType(agentType)
	if batch != "" {
		if err := json.Unmarshal([]byte(batch), &run.FeatureIDsInBatch); err != nil {
			return nil, fmt.Errorf("failed to decode batch ids for run %d: %w", run.ID, err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

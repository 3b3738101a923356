package roleapi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/worker"
)

// Per-op parameter shapes. Every id field is the feature id unless
// named otherwise.
type (
	bulkParams struct {
		Entries []backlog.BulkEntry `json:"entries"`
	}
	createParams struct {
		Category    string   `json:"category"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Steps       []string `json:"steps"`
	}
	idParams struct {
		FeatureID int64 `json:"feature_id"`
	}
	depParams struct {
		FeatureID int64 `json:"feature_id"`
		DependsOn int64 `json:"depends_on"`
	}
	depsParams struct {
		FeatureID int64   `json:"feature_id"`
		DependsOn []int64 `json:"depends_on"`
	}
	rejectParams struct {
		FeatureID int64  `json:"feature_id"`
		Notes     string `json:"notes"`
	}
	memoryStoreParams struct {
		Category  string `json:"category"`
		Key       string `json:"key"`
		Content   string `json:"content"`
		FeatureID *int64 `json:"feature_id,omitempty"`
	}
	memoryRecallParams struct {
		Category string `json:"category"`
		Key      string `json:"key"`
	}
	claimResult struct {
		Feature        *backlog.Feature `json:"feature,omitempty"`
		AlreadyClaimed bool             `json:"already_claimed"`
	}
)

// dispatch runs one operation under role's allow-list and wraps the
// outcome in a Response.
func (s *Server) dispatch(role worker.Role, req *Request) Response {
	if !worker.Allowed(role, req.Op) {
		return Response{Error: fmt.Sprintf("operation %q not permitted for role %q", req.Op, role)}
	}

	result, err := s.invoke(req.Op, req.Params)
	if err != nil {
		return Response{
			Error:     err.Error(),
			Retryable: errors.Is(err, backlog.ErrBusy),
		}
	}
	return okResponse(result)
}

func okResponse(result any) Response {
	if result == nil {
		return Response{OK: true}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Response{Error: fmt.Sprintf("encode result: %v", err)}
	}
	return Response{OK: true, Result: data}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var params T
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("malformed params: %w", err)
	}
	return params, nil
}

func (s *Server) invoke(op string, raw json.RawMessage) (any, error) {
	switch op {
	case worker.OpCreateFeaturesBulk:
		p, err := decode[bulkParams](raw)
		if err != nil {
			return nil, err
		}
		return s.store.CreateFeaturesBulk(p.Entries)

	case worker.OpCreateFeature:
		p, err := decode[createParams](raw)
		if err != nil {
			return nil, err
		}
		return s.store.CreateFeature(p.Category, p.Name, p.Description, p.Steps)

	case worker.OpAddDependency:
		p, err := decode[depParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.AddDependency(p.FeatureID, p.DependsOn)

	case worker.OpSetDependencies:
		p, err := decode[depsParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.SetDependencies(p.FeatureID, p.DependsOn)

	case worker.OpGetFeature:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		return s.store.GetFeature(p.FeatureID)

	case worker.OpGetSummary:
		return s.store.GetSummary()

	case worker.OpClaimAndGet:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		feature, alreadyClaimed, err := s.store.ClaimAndGet(p.FeatureID)
		if err != nil {
			return nil, err
		}
		return claimResult{Feature: feature, AlreadyClaimed: alreadyClaimed}, nil

	case worker.OpMarkInProgress:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.MarkInProgress(p.FeatureID)

	case worker.OpMarkPassing:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.MarkPassing(p.FeatureID)

	case worker.OpMarkFailing:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.MarkFailing(p.FeatureID)

	case worker.OpMarkForReview:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.MarkForReview(p.FeatureID)

	case worker.OpApprove:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.Approve(p.FeatureID)

	case worker.OpReject:
		p, err := decode[rejectParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.Reject(p.FeatureID, p.Notes)

	case worker.OpSkip:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.Skip(p.FeatureID)

	case worker.OpClearInProgress:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		return nil, s.store.ClearInProgress(p.FeatureID)

	case worker.OpMemoryStore:
		p, err := decode[memoryStoreParams](raw)
		if err != nil {
			return nil, err
		}
		return s.store.StoreMemory(backlog.MemoryCategory(p.Category), p.Key, p.Content, p.FeatureID)

	case worker.OpMemoryRecall:
		p, err := decode[memoryRecallParams](raw)
		if err != nil {
			return nil, err
		}
		return s.store.RecallMemory(backlog.MemoryCategory(p.Category), p.Key)

	case worker.OpMemoryRecallForFeature:
		p, err := decode[idParams](raw)
		if err != nil {
			return nil, err
		}
		return s.store.RecallMemoryForFeature(p.FeatureID)

	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

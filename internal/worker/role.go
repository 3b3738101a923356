// Package worker launches and supervises role-scoped subprocesses that
// do the actual feature work.
package worker

import "sort"

// Role identifies what a worker is allowed to do against the backlog.
type Role string

const (
	RoleInitializer Role = "initializer"
	RoleCoding      Role = "coding"
	RoleTesting     Role = "testing"
	RoleReviewer    Role = "reviewer"
	RoleArchitect   Role = "architect"
)

// Tier selects which profile model a role runs on.
type Tier string

const (
	TierInitializer Tier = "initializer"
	TierCoding      Tier = "coding"
	TierTesting     Tier = "testing"
)

// Store operation names accepted by the role API bridge.
const (
	OpCreateFeaturesBulk     = "create_features_bulk"
	OpCreateFeature          = "create_feature"
	OpAddDependency          = "add_dependency"
	OpSetDependencies        = "set_dependencies"
	OpGetFeature             = "get_feature"
	OpGetSummary             = "get_summary"
	OpClaimAndGet            = "claim_and_get"
	OpMarkInProgress         = "mark_in_progress"
	OpMarkPassing            = "mark_passing"
	OpMarkFailing            = "mark_failing"
	OpMarkForReview          = "mark_for_review"
	OpApprove                = "approve"
	OpReject                 = "reject"
	OpSkip                   = "skip"
	OpClearInProgress        = "clear_in_progress"
	OpMemoryStore            = "memory_store"
	OpMemoryRecall           = "memory_recall"
	OpMemoryRecallForFeature = "memory_recall_for_feature"
)

type roleSpec struct {
	ops      map[string]bool
	maxTurns int
	tier     Tier
}

func opSet(ops ...string) map[string]bool {
	set := make(map[string]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	return set
}

// The tables are static: roles never gain operations at runtime.
var roleSpecs = map[Role]roleSpec{
	RoleInitializer: {
		ops: opSet(
			OpCreateFeaturesBulk, OpCreateFeature, OpAddDependency,
			OpSetDependencies, OpMemoryStore, OpMemoryRecall,
		),
		maxTurns: 300,
		tier:     TierInitializer,
	},
	RoleCoding: {
		ops: opSet(
			OpGetFeature, OpGetSummary, OpClaimAndGet, OpMarkInProgress,
			OpMarkPassing, OpMarkFailing, OpMarkForReview, OpSkip,
			OpClearInProgress, OpMemoryStore, OpMemoryRecall,
			OpMemoryRecallForFeature,
		),
		maxTurns: 300,
		tier:     TierCoding,
	},
	RoleTesting: {
		ops: opSet(
			OpGetFeature, OpGetSummary, OpMarkPassing, OpMarkFailing,
		),
		maxTurns: 100,
		tier:     TierTesting,
	},
	RoleReviewer: {
		ops: opSet(
			OpGetFeature, OpGetSummary, OpApprove, OpReject,
			OpMemoryRecall, OpMemoryRecallForFeature,
		),
		maxTurns: 50,
		tier:     TierCoding,
	},
	RoleArchitect: {
		ops: opSet(
			OpMemoryStore, OpMemoryRecall,
		),
		maxTurns: 300,
		tier:     TierInitializer,
	},
}

// Valid reports whether role is a known role.
func Valid(role Role) bool {
	_, ok := roleSpecs[role]
	return ok
}

// Allowed reports whether role may invoke op through the role API.
func Allowed(role Role, op string) bool {
	spec, ok := roleSpecs[role]
	return ok && spec.ops[op]
}

// AllowedOps returns the sorted operation names for role.
func AllowedOps(role Role) []string {
	spec, ok := roleSpecs[role]
	if !ok {
		return nil
	}
	ops := make([]string, 0, len(spec.ops))
	for op := range spec.ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// MaxTurns returns the turn budget for role, 0 for unknown roles.
func MaxTurns(role Role) int {
	return roleSpecs[role].maxTurns
}

// TierFor returns the model tier for role.
func TierFor(role Role) Tier {
	return roleSpecs[role].tier
}

// Roles returns all known roles in a stable order.
func Roles() []Role {
	return []Role{RoleInitializer, RoleCoding, RoleTesting, RoleReviewer, RoleArchitect}
}

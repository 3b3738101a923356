package resolver

import (
	"reflect"
	"testing"
)

// snap builds a Snapshot from a compact node list.
func snap(nodes ...Node) Snapshot {
	s := make(Snapshot, len(nodes))
	for _, n := range nodes {
		s[n.ID] = n
	}
	return s
}

func TestBlocked(t *testing.T) {
	s := snap(
		Node{ID: 1, Passes: true},
		Node{ID: 2, Passes: false},
		Node{ID: 3, Dependencies: []int64{1}},
		Node{ID: 4, Dependencies: []int64{1, 2}},
		Node{ID: 5, Dependencies: []int64{99}}, // dangling edge
	)

	tests := []struct {
		id   int64
		want bool
	}{
		{1, false},
		{2, false},
		{3, false}, // only dep passes
		{4, true},  // dep 2 does not pass
		{5, true},  // unknown dep counts as blocking
	}

	for _, tt := range tests {
		if got := Blocked(s, tt.id); got != tt.want {
			t.Errorf("Blocked(%d) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestReady(t *testing.T) {
	s := snap(
		Node{ID: 1, Passes: true},
		Node{ID: 2},                             // pending, no deps
		Node{ID: 3, InProgress: true},           // claimed
		Node{ID: 4, Dependencies: []int64{2}},   // blocked by 2
		Node{ID: 5, Dependencies: []int64{1}},   // dep passes
		Node{ID: 6, Passes: true, Dependencies: []int64{2}}, // done stays done
	)

	tests := []struct {
		id   int64
		want bool
	}{
		{1, false}, // already passes
		{2, true},
		{3, false}, // in progress
		{4, false}, // blocked
		{5, true},
		{6, false},
	}

	for _, tt := range tests {
		if got := Ready(s, tt.id); got != tt.want {
			t.Errorf("Ready(%d) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestReadyIffDependenciesPass(t *testing.T) {
	// B depends on A; B becomes ready exactly when A passes.
	a := Node{ID: 1}
	b := Node{ID: 2, Dependencies: []int64{1}}

	if Ready(snap(a, b), 2) {
		t.Error("B ready while A pending")
	}

	a.Passes = true
	got := ReadyFeatures(snap(a, b), 10)
	if !reflect.DeepEqual(got, []int64{2}) {
		t.Errorf("ReadyFeatures = %v, want [2]", got)
	}
}

func TestWouldCycle(t *testing.T) {
	// 2 → 1, 3 → 2 already exist.
	s := snap(
		Node{ID: 1},
		Node{ID: 2, Dependencies: []int64{1}},
		Node{ID: 3, Dependencies: []int64{2}},
	)

	tests := []struct {
		name     string
		from, to int64
		want     bool
	}{
		{"closes a triangle", 1, 3, true},
		{"self edge", 1, 1, true},
		{"duplicate direction is fine", 3, 1, false},
		{"fresh edge", 1, 99, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WouldCycle(s, tt.from, tt.to); got != tt.want {
				t.Errorf("WouldCycle(%d, %d) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestReadyFeaturesOrder(t *testing.T) {
	// Feature 10 unblocks two others, feature 20 unblocks one,
	// 30 and 40 unblock none and tie-break on priority then id.
	s := snap(
		Node{ID: 10, Priority: 5},
		Node{ID: 20, Priority: 1},
		Node{ID: 30, Priority: 2},
		Node{ID: 40, Priority: 2},
		Node{ID: 51, Priority: 6, Dependencies: []int64{10}},
		Node{ID: 52, Priority: 7, Dependencies: []int64{10}},
		Node{ID: 53, Priority: 8, Dependencies: []int64{20}},
	)

	got := ReadyFeatures(s, 4)
	want := []int64{10, 20, 30, 40}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadyFeatures = %v, want %v", got, want)
	}
}

func TestReadyFeaturesLimit(t *testing.T) {
	s := snap(
		Node{ID: 1, Priority: 1},
		Node{ID: 2, Priority: 2},
		Node{ID: 3, Priority: 3},
	)

	got := ReadyFeatures(s, 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("ReadyFeatures = %v, want [1 2]", got)
	}

	all := ReadyFeatures(s, 0)
	if len(all) != 3 {
		t.Errorf("unlimited len = %d, want 3", len(all))
	}
}

func TestReadyFeaturesDeterministic(t *testing.T) {
	s := snap(
		Node{ID: 3, Priority: 1},
		Node{ID: 1, Priority: 1},
		Node{ID: 2, Priority: 1},
		Node{ID: 7, Priority: 1, Dependencies: []int64{3}},
	)

	first := ReadyFeatures(s, 10)
	for i := 0; i < 50; i++ {
		if got := ReadyFeatures(s, 10); !reflect.DeepEqual(got, first) {
			t.Fatalf("iteration %d: ReadyFeatures = %v, want %v", i, got, first)
		}
	}
	// 3 unblocks 7 so it leads; 1 and 2 follow by id.
	want := []int64{3, 1, 2}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("ReadyFeatures = %v, want %v", first, want)
	}
}

func TestTransitiveDepthTieBreak(t *testing.T) {
	// 5 and 6 both unblock one feature each, but 6's subtree has
	// unfinished work below it (6 → 4 pending transitively).
	s := snap(
		Node{ID: 1, Passes: true, Dependencies: []int64{4}},
		Node{ID: 4}, // pending, deep below 6
		Node{ID: 5, Priority: 9},
		Node{ID: 6, Priority: 1, Dependencies: []int64{1}},
		Node{ID: 7, Dependencies: []int64{5}},
		Node{ID: 8, Dependencies: []int64{6}},
	)

	got := ReadyFeatures(s, 2)
	// Both unblock 1 feature; 5 has depth 0, 6 has depth 1 (node 4),
	// so 5 wins despite its higher priority number.
	if len(got) < 2 || got[0] != 5 || got[1] != 6 {
		t.Errorf("ReadyFeatures = %v, want [5 6 ...]", got)
	}
}

func TestBlockedFeatures(t *testing.T) {
	s := snap(
		Node{ID: 1},
		Node{ID: 2, Passes: true},
		Node{ID: 3, Priority: 2, Dependencies: []int64{1, 2}},
		Node{ID: 4, Priority: 1, Dependencies: []int64{1}},
	)

	got := BlockedFeatures(s, 10)
	want := []BlockedFeature{
		{ID: 4, BlockedBy: []int64{1}},
		{ID: 3, BlockedBy: []int64{1}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BlockedFeatures = %v, want %v", got, want)
	}
}

func TestGraphStatuses(t *testing.T) {
	s := snap(
		Node{ID: 1, Passes: true},
		Node{ID: 2, InProgress: true},
		Node{ID: 3, Dependencies: []int64{4}},
		Node{ID: 4},
	)

	view := Graph(s)

	wantStatus := map[int64]string{
		1: StatusDone,
		2: StatusInProgress,
		3: StatusBlocked,
		4: StatusPending,
	}
	if len(view.Nodes) != len(wantStatus) {
		t.Fatalf("nodes = %d, want %d", len(view.Nodes), len(wantStatus))
	}
	for _, n := range view.Nodes {
		if n.Status != wantStatus[n.ID] {
			t.Errorf("node %d status = %q, want %q", n.ID, n.Status, wantStatus[n.ID])
		}
	}

	wantEdges := []GraphEdge{{From: 3, To: 4}}
	if !reflect.DeepEqual(view.Edges, wantEdges) {
		t.Errorf("edges = %v, want %v", view.Edges, wantEdges)
	}
}

func TestResolverNeverMutates(t *testing.T) {
	s := snap(
		Node{ID: 1},
		Node{ID: 2, Dependencies: []int64{1}},
	)

	ReadyFeatures(s, 10)
	BlockedFeatures(s, 10)
	Graph(s)
	WouldCycle(s, 1, 2)

	if len(s) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(s))
	}
	if !reflect.DeepEqual(s[2].Dependencies, []int64{1}) {
		t.Errorf("dependencies mutated: %v", s[2].Dependencies)
	}
}

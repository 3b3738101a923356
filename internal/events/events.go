// Package events multiplexes sanitized worker output into raw and
// structured subscriber channels.
package events

import (
	"regexp"
	"strconv"
	"time"
)

// Type classifies a structured event parsed from worker output.
type Type string

const (
	// TypeActivity is a worker progress line tagged with a feature id.
	TypeActivity Type = "activity"

	// TypeSpawned confirms a worker launch for a feature.
	TypeSpawned Type = "spawned"

	// TypeTerminal marks a worker finishing a feature.
	TypeTerminal Type = "terminal"
)

// Event is a structured record parsed from one output line.
type Event struct {
	Type      Type
	WorkerID  string
	Role      string
	FeatureID int64
	Verdict   string // "completed" or "failed" on terminal events
	Message   string
	Time      time.Time
}

// The line grammar is closed. Lines that match none of these patterns
// reach raw subscribers only.
var (
	activityRe = regexp.MustCompile(`^\[Feature #(\d+)\]\s*(.*)$`)
	spawnedRe  = regexp.MustCompile(`^Started ([a-z]+) agent for feature #(\d+)$`)
	terminalRe = regexp.MustCompile(`^Feature #(\d+) ([a-z]+) (completed|failed)$`)
)

// Parse matches a sanitized line against the structured grammar.
func Parse(workerID, line string) (Event, bool) {
	if m := activityRe.FindStringSubmatch(line); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		return Event{
			Type:      TypeActivity,
			WorkerID:  workerID,
			FeatureID: id,
			Message:   m[2],
			Time:      time.Now(),
		}, true
	}

	if m := spawnedRe.FindStringSubmatch(line); m != nil {
		id, _ := strconv.ParseInt(m[2], 10, 64)
		return Event{
			Type:      TypeSpawned,
			WorkerID:  workerID,
			Role:      m[1],
			FeatureID: id,
			Message:   line,
			Time:      time.Now(),
		}, true
	}

	if m := terminalRe.FindStringSubmatch(line); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		return Event{
			Type:      TypeTerminal,
			WorkerID:  workerID,
			Role:      m[2],
			FeatureID: id,
			Verdict:   m[3],
			Message:   line,
			Time:      time.Now(),
		}, true
	}

	return Event{}, false
}

// StateKind classifies orchestrator decision lines.
type StateKind string

const (
	StateMaxCapacity StateKind = "max_capacity"
	StateSpawning    StateKind = "spawning"
	StateParked      StateKind = "parked"
	StateOther       StateKind = "other"
)

// StateEvent is an orchestrator decision published on the
// orchestrator-state channel.
type StateEvent struct {
	Kind    StateKind
	Ready   int
	Slots   int
	Message string
	Time    time.Time
}

var spawningRe = regexp.MustCompile(`^Spawning loop: (\d+) ready, (\d+) slots$`)

// ParseState classifies an orchestrator decision line.
func ParseState(line string) StateEvent {
	ev := StateEvent{Kind: StateOther, Message: line, Time: time.Now()}

	if line == "At max capacity" {
		ev.Kind = StateMaxCapacity
		return ev
	}
	if line == "Dispatch parked by schedule" {
		ev.Kind = StateParked
		return ev
	}
	if m := spawningRe.FindStringSubmatch(line); m != nil {
		ev.Kind = StateSpawning
		ev.Ready, _ = strconv.Atoi(m[1])
		ev.Slots, _ = strconv.Atoi(m[2])
		return ev
	}
	return ev
}

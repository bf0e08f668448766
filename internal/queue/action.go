// Package queue provides durable persistence for the offline action queue:
// mutating requests buffered while disconnected, replayed in priority order
// once connectivity returns.
package queue

import (
	"fmt"
	"time"
)

// Priority orders queued actions during a drain. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// String returns the wire name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a wire name into a Priority. Unknown names map to
// PriorityMedium so a misspelled priority degrades instead of failing the
// enqueue.
func ParsePriority(name string) Priority {
	switch name {
	case "low":
		return PriorityLow
	case "medium", "":
		return PriorityMedium
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	*p = ParsePriority(string(text))
	return nil
}

// Action is one buffered mutating request. It is durable: an enqueued
// action survives process restarts until it replays successfully, is
// parked after too many failures, or the queue is cleared.
type Action struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	Priority   Priority          `json:"priority"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	RetryCount int               `json:"retry_count"`
}

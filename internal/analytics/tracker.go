// Package analytics holds the in-memory view of recent scaling activity
// that internal/api serves from /api/v1/status: a bounded decision
// history plus running totals bucketed by the Component and Scope that
// actually shape U/D/P's decisions, so an operator can see "pool has
// made 12 create decisions for acme/web" without replaying the full
// history or reading the durable log in internal/store.
package analytics

import (
	"sync"
	"time"

	"github.com/coho-labs/runnerfleet/internal/models"
)

const maxHistory = 100

// Tracker keeps the last maxHistory scaling decisions and running counts
// of how many decisions each component and scope has produced, alongside
// the most recently reported fleet snapshot.
type Tracker struct {
	mu                   sync.RWMutex
	metrics              models.Metrics
	history              []models.ScalingDecision
	decisionsByComponent map[string]int
	decisionsByScope     map[string]int
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		history:              make([]models.ScalingDecision, 0, maxHistory),
		decisionsByComponent: make(map[string]int),
		decisionsByScope:     make(map[string]int),
	}
}

// UpdateMetrics replaces the current fleet snapshot, as reported by the
// API server on each /api/v1/status request.
func (t *Tracker) UpdateMetrics(m models.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// RecordDecision appends a scaling decision to the bounded history and
// increments its component/scope counters. Called by U/D/P after each
// run that changes (or considers changing) the fleet.
func (t *Tracker) RecordDecision(decision models.ScalingDecision) {
	t.mu.Lock()
	defer t.mu.Unlock()

	decision.Timestamp = time.Now()
	t.history = append(t.history, decision)
	if len(t.history) > maxHistory {
		t.history = t.history[1:]
	}

	if decision.Component != "" {
		t.decisionsByComponent[decision.Component]++
	}
	if decision.Scope != "" {
		t.decisionsByScope[decision.Scope]++
	}
}

// GetMetrics returns the most recently reported fleet snapshot.
func (t *Tracker) GetMetrics() models.Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metrics
}

// GetHistory returns the most recent limit decisions, oldest first. A
// limit of 0 or larger than the stored history returns everything kept.
func (t *Tracker) GetHistory(limit int) []models.ScalingDecision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}

	start := len(t.history) - limit
	result := make([]models.ScalingDecision, limit)
	copy(result, t.history[start:])
	return result
}

// DecisionCounts returns running totals of recorded decisions, bucketed
// by Component ("scale-up", "scale-down", "pool", "retry") and by Scope
// (owner or owner/repo). Both maps are copies safe for the caller to
// mutate or serialize directly.
func (t *Tracker) DecisionCounts() (byComponent map[string]int, byScope map[string]int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byComponent = make(map[string]int, len(t.decisionsByComponent))
	for k, v := range t.decisionsByComponent {
		byComponent[k] = v
	}
	byScope = make(map[string]int, len(t.decisionsByScope))
	for k, v := range t.decisionsByScope {
		byScope[k] = v
	}
	return byComponent, byScope
}

// Package store is the durable half of the two scaling-decision logs
// this repo keeps: internal/analytics.Tracker holds the last 100
// decisions in memory for the fast /api/v1/status view, and Store
// persists every decision to disk so /api/v1/events survives a daemon
// restart. Grounded on the teacher's file-backed event log, adapted from
// a hand-rolled ScaleEvent record to models.ScalingDecision so both logs
// share one domain type end to end.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/coho-labs/runnerfleet/internal/models"
)

// Store append-only-logs scaling decisions to a JSON file, trimming to
// the configured maximum so the file does not grow without bound across
// a long-running deployment.
type Store struct {
	config StoreConfig
	events []models.ScalingDecision
	mu     sync.RWMutex
}

// StoreConfig controls whether and where decisions are persisted.
type StoreConfig struct {
	Enabled   bool
	Path      string
	MaxEvents int
}

// New creates a Store, loading any decisions already persisted at
// cfg.Path so a restart does not lose history.
func New(cfg StoreConfig) (*Store, error) {
	s := &Store{
		config: cfg,
		events: make([]models.ScalingDecision, 0),
	}

	if cfg.Enabled && cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return s, nil
}

// RecordDecision appends a scaling decision and persists it. A no-op
// when the store is disabled, so callers can always invoke it
// unconditionally from U/D/P without a config check at every call site.
func (s *Store) RecordDecision(decision models.ScalingDecision) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, decision)

	if s.config.MaxEvents > 0 && len(s.events) > s.config.MaxEvents {
		s.events = s.events[len(s.events)-s.config.MaxEvents:]
	}

	return s.persist()
}

// GetRecentEvents returns the most recent count decisions, oldest first.
func (s *Store) GetRecentEvents(count int) []models.ScalingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count > len(s.events) {
		count = len(s.events)
	}

	return append([]models.ScalingDecision(nil), s.events[len(s.events)-count:]...)
}

// GetAllEvents returns every decision held in memory.
func (s *Store) GetAllEvents() []models.ScalingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]models.ScalingDecision(nil), s.events...)
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &s.events)
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	return os.WriteFile(s.config.Path, data, 0644)
}

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coho-labs/runnerfleet/internal/models"
)

func TestRecordDecisionPersistsToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")

	s, err := New(StoreConfig{Enabled: true, Path: path, MaxEvents: 100})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	decision := models.ScalingDecision{Component: "scale-up", Action: "create", Scope: "acme", Count: 3, Reason: "batch"}
	if err := s.RecordDecision(decision); err != nil {
		t.Fatalf("RecordDecision() error: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected event file to exist: %v", err)
	}

	reopened, err := New(StoreConfig{Enabled: true, Path: path, MaxEvents: 100})
	if err != nil {
		t.Fatalf("New() on reopen error: %v", err)
	}
	all := reopened.GetAllEvents()
	if len(all) != 1 {
		t.Fatalf("expected 1 decision reloaded from disk, got %d", len(all))
	}
	if all[0].Component != "scale-up" || all[0].Scope != "acme" {
		t.Errorf("unexpected reloaded decision: %+v", all[0])
	}
}

func TestRecordDecisionDisabledIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")

	s, err := New(StoreConfig{Enabled: false, Path: path})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := s.RecordDecision(models.ScalingDecision{Action: "create"}); err != nil {
		t.Fatalf("RecordDecision() on disabled store returned error: %v", err)
	}

	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected no event file to be written when store is disabled")
	}
	if len(s.GetAllEvents()) != 0 {
		t.Fatal("expected no events recorded when store is disabled")
	}
}

func TestRecordDecisionTrimsToMaxEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")

	s, err := New(StoreConfig{Enabled: true, Path: path, MaxEvents: 3})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.RecordDecision(models.ScalingDecision{Action: "create", Count: i}); err != nil {
			t.Fatalf("RecordDecision() error: %v", err)
		}
	}

	all := s.GetAllEvents()
	if len(all) != 3 {
		t.Fatalf("expected events trimmed to MaxEvents=3, got %d", len(all))
	}
	if all[0].Count != 2 {
		t.Errorf("expected oldest retained decision Count=2, got %d", all[0].Count)
	}
}

func TestGetRecentEventsReturnsTail(t *testing.T) {
	s, err := New(StoreConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "events.json"), MaxEvents: 100})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	for i := 0; i < 5; i++ {
		s.RecordDecision(models.ScalingDecision{Action: "create", Count: i})
	}

	recent := s.GetRecentEvents(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent events, got %d", len(recent))
	}
	if recent[0].Count != 3 || recent[1].Count != 4 {
		t.Errorf("expected tail [3,4], got [%d,%d]", recent[0].Count, recent[1].Count)
	}
}

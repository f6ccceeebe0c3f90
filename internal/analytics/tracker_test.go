package analytics

import (
	"testing"
	"time"

	"github.com/coho-labs/runnerfleet/internal/models"
)

func TestNewTracker(t *testing.T) {
	tracker := NewTracker()
	if tracker == nil {
		t.Fatal("NewTracker() returned nil")
	}

	if tracker.history == nil {
		t.Error("history should be initialized")
	}
}

func TestUpdateMetrics(t *testing.T) {
	tracker := NewTracker()

	metrics := models.Metrics{
		ActiveInstances: 5,
		IdleInstances:   2,
		OrphanInstances: 1,
	}

	tracker.UpdateMetrics(metrics)

	got := tracker.GetMetrics()
	if got.ActiveInstances != 5 {
		t.Errorf("expected ActiveInstances=5, got %d", got.ActiveInstances)
	}
	if got.IdleInstances != 2 {
		t.Errorf("expected IdleInstances=2, got %d", got.IdleInstances)
	}
	if got.OrphanInstances != 1 {
		t.Errorf("expected OrphanInstances=1, got %d", got.OrphanInstances)
	}
}

func TestRecordDecision(t *testing.T) {
	tracker := NewTracker()

	decision := models.ScalingDecision{
		Component: "scale-up",
		Action:    "create",
		Scope:     "acme",
		Count:     3,
		Reason:    "queue above threshold",
	}

	tracker.RecordDecision(decision)

	history := tracker.GetHistory(10)
	if len(history) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(history))
	}

	if history[0].Action != "create" {
		t.Errorf("expected action=create, got %s", history[0].Action)
	}
	if history[0].Component != "scale-up" {
		t.Errorf("expected component=scale-up, got %s", history[0].Component)
	}

	if history[0].Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestDecisionCountsBucketsByComponentAndScope(t *testing.T) {
	tracker := NewTracker()

	tracker.RecordDecision(models.ScalingDecision{Component: "scale-up", Scope: "acme", Count: 1})
	tracker.RecordDecision(models.ScalingDecision{Component: "scale-up", Scope: "acme", Count: 1})
	tracker.RecordDecision(models.ScalingDecision{Component: "pool", Scope: "acme/web", Count: 1})
	tracker.RecordDecision(models.ScalingDecision{Component: "scale-down", Scope: "other", Count: 1})

	byComponent, byScope := tracker.DecisionCounts()

	if byComponent["scale-up"] != 2 {
		t.Errorf("expected 2 scale-up decisions, got %d", byComponent["scale-up"])
	}
	if byComponent["pool"] != 1 {
		t.Errorf("expected 1 pool decision, got %d", byComponent["pool"])
	}
	if byComponent["scale-down"] != 1 {
		t.Errorf("expected 1 scale-down decision, got %d", byComponent["scale-down"])
	}
	if byScope["acme"] != 2 {
		t.Errorf("expected 2 decisions for scope acme, got %d", byScope["acme"])
	}
	if byScope["acme/web"] != 1 {
		t.Errorf("expected 1 decision for scope acme/web, got %d", byScope["acme/web"])
	}
}

func TestDecisionCountsIgnoresEmptyComponentOrScope(t *testing.T) {
	tracker := NewTracker()

	tracker.RecordDecision(models.ScalingDecision{Count: 1})

	byComponent, byScope := tracker.DecisionCounts()
	if len(byComponent) != 0 {
		t.Errorf("expected no component buckets for an unset Component, got %v", byComponent)
	}
	if len(byScope) != 0 {
		t.Errorf("expected no scope buckets for an unset Scope, got %v", byScope)
	}
}

func TestDecisionCountsReturnsIndependentCopies(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordDecision(models.ScalingDecision{Component: "scale-up", Scope: "acme"})

	byComponent, _ := tracker.DecisionCounts()
	byComponent["scale-up"] = 999

	byComponent2, _ := tracker.DecisionCounts()
	if byComponent2["scale-up"] != 1 {
		t.Errorf("mutating a returned map should not affect the tracker's internal state, got %d", byComponent2["scale-up"])
	}
}

func TestGetHistoryLimit(t *testing.T) {
	tracker := NewTracker()

	// Add 10 decisions
	for i := 0; i < 10; i++ {
		tracker.RecordDecision(models.ScalingDecision{
			Component: "scale-up",
			Action:    "create",
			Count:     i,
		})
	}

	// Test limit
	history := tracker.GetHistory(5)
	if len(history) != 5 {
		t.Errorf("expected 5 decisions, got %d", len(history))
	}

	// Test getting all
	history = tracker.GetHistory(0)
	if len(history) != 10 {
		t.Errorf("expected 10 decisions, got %d", len(history))
	}

	// Test getting more than available
	history = tracker.GetHistory(20)
	if len(history) != 10 {
		t.Errorf("expected 10 decisions, got %d", len(history))
	}
}

func TestHistoryCapacity(t *testing.T) {
	tracker := NewTracker()

	// Add 150 decisions (more than the 100 limit)
	for i := 0; i < 150; i++ {
		tracker.RecordDecision(models.ScalingDecision{
			Component: "scale-up",
			Action:    "create",
			Count:     i,
		})
		time.Sleep(1 * time.Millisecond) // Ensure different timestamps
	}

	history := tracker.GetHistory(0)
	if len(history) != 100 {
		t.Errorf("expected history limited to 100, got %d", len(history))
	}

	// Verify oldest entries were removed (should start at 50, not 0)
	if history[0].Count != 50 {
		t.Errorf("expected oldest entry Count=50, got %d", history[0].Count)
	}

	byComponent, _ := tracker.DecisionCounts()
	if byComponent["scale-up"] != 150 {
		t.Errorf("decision counts should track every recorded decision, not just the bounded history, got %d", byComponent["scale-up"])
	}
}

func TestConcurrentAccess(t *testing.T) {
	tracker := NewTracker()

	done := make(chan bool)

	// Concurrent writes
	go func() {
		for i := 0; i < 50; i++ {
			tracker.RecordDecision(models.ScalingDecision{
				Component: "scale-up",
				Action:    "create",
				Scope:     "acme",
			})
		}
		done <- true
	}()

	// Concurrent reads
	go func() {
		for i := 0; i < 50; i++ {
			tracker.GetHistory(10)
			tracker.DecisionCounts()
		}
		done <- true
	}()

	// Concurrent metric updates
	go func() {
		for i := 0; i < 50; i++ {
			tracker.UpdateMetrics(models.Metrics{
				ActiveInstances: i,
			})
		}
		done <- true
	}()

	// Wait for all goroutines
	<-done
	<-done
	<-done

	// Should complete without race conditions
}

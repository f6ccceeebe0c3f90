package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/metrics"
	"github.com/coho-labs/runnerfleet/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeUpstream struct {
	status string
	err    error
}

func (f *fakeUpstream) GetJobStatus(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	return f.status, f.err
}

type fakeRepublisher struct {
	published []models.Message
	delays    []time.Duration
}

func (f *fakeRepublisher) Republish(ctx context.Context, msg models.Message, delay time.Duration) error {
	f.published = append(f.published, msg)
	f.delays = append(f.delays, delay)
	return nil
}

func testLayer(cfg config.JobRetryConfig) *Layer {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewLayer(cfg, metrics.NewMetrics(prometheus.NewRegistry()), logger)
}

func TestProcessRepublishesWithExponentialBackoff(t *testing.T) {
	cfg := config.JobRetryConfig{Enable: true, MaxAttempts: 5, InitialDelaySeconds: 1, Backoff: 2.0, MaxQueueDelay: 900 * time.Second}
	l := testLayer(cfg)
	upstream := &fakeUpstream{status: "queued"}
	republisher := &fakeRepublisher{}

	k := 2
	msg := models.Message{ID: 1, RetryCounter: &k}
	l.Process(context.Background(), upstream, republisher, msg)

	if len(republisher.published) != 1 {
		t.Fatalf("expected exactly one republish, got %d", len(republisher.published))
	}
	wantDelay := 4 * time.Second // initialDelay(1) * backoff(2)^k(2) = 4
	if republisher.delays[0] != wantDelay {
		t.Fatalf("expected delay %v, got %v", wantDelay, republisher.delays[0])
	}
	if *republisher.published[0].RetryCounter != 3 {
		t.Fatalf("expected retry counter incremented to 3, got %d", *republisher.published[0].RetryCounter)
	}
	if got := testutil.ToFloat64(l.met.RetryRepublished); got != 1 {
		t.Fatalf("expected RetryRepublished=1, got %v", got)
	}
}

func TestProcessStopsAtMaxAttempts(t *testing.T) {
	cfg := config.JobRetryConfig{Enable: true, MaxAttempts: 3, InitialDelaySeconds: 1, Backoff: 2.0, MaxQueueDelay: 900 * time.Second}
	l := testLayer(cfg)
	upstream := &fakeUpstream{status: "queued"}
	republisher := &fakeRepublisher{}

	k := 2 // next would be 3, not < maxAttempts(3)
	msg := models.Message{ID: 1, RetryCounter: &k}
	l.Process(context.Background(), upstream, republisher, msg)

	if len(republisher.published) != 0 {
		t.Fatalf("expected no republish once max attempts reached, got %d", len(republisher.published))
	}
	if got := testutil.ToFloat64(l.met.RetryAttemptsExhausted); got != 1 {
		t.Fatalf("expected RetryAttemptsExhausted=1, got %v", got)
	}
}

func TestProcessNoOpWhenNotQueued(t *testing.T) {
	cfg := config.JobRetryConfig{Enable: true, MaxAttempts: 5, InitialDelaySeconds: 1, Backoff: 2.0, MaxQueueDelay: 900 * time.Second}
	l := testLayer(cfg)
	upstream := &fakeUpstream{status: "completed"}
	republisher := &fakeRepublisher{}

	l.Process(context.Background(), upstream, republisher, models.Message{ID: 1})

	if len(republisher.published) != 0 {
		t.Fatalf("expected no republish for a completed job, got %d", len(republisher.published))
	}
}

func TestProcessSwallowsUpstreamError(t *testing.T) {
	cfg := config.JobRetryConfig{Enable: true, MaxAttempts: 5, InitialDelaySeconds: 1, Backoff: 2.0}
	l := testLayer(cfg)
	upstream := &fakeUpstream{err: errors.New("boom")}
	republisher := &fakeRepublisher{}

	l.Process(context.Background(), upstream, republisher, models.Message{ID: 1})

	if len(republisher.published) != 0 {
		t.Fatalf("expected no republish when upstream query fails, got %d", len(republisher.published))
	}
}

func TestProcessDisabledIsNoOp(t *testing.T) {
	cfg := config.JobRetryConfig{Enable: false}
	l := testLayer(cfg)
	upstream := &fakeUpstream{status: "queued"}
	republisher := &fakeRepublisher{}

	l.Process(context.Background(), upstream, republisher, models.Message{ID: 1})

	if len(republisher.published) != 0 {
		t.Fatalf("expected no republish when retry layer disabled, got %d", len(republisher.published))
	}
}

func TestDelayCappedAtMaxQueueDelay(t *testing.T) {
	cfg := config.JobRetryConfig{Enable: true, MaxAttempts: 50, InitialDelaySeconds: 100, Backoff: 3.0, MaxQueueDelay: 900 * time.Second}
	l := testLayer(cfg)
	upstream := &fakeUpstream{status: "queued"}
	republisher := &fakeRepublisher{}

	k := 10
	msg := models.Message{ID: 1, RetryCounter: &k}
	l.Process(context.Background(), upstream, republisher, msg)

	if republisher.delays[0] != 900*time.Second {
		t.Fatalf("expected delay capped at maxQueueDelay, got %v", republisher.delays[0])
	}
}

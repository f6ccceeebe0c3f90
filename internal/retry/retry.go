// Package retry implements the retry layer (R): a best-effort,
// asynchronous layer that re-enqueues messages which failed the
// isQueued check, with exponential backoff bounded by a max-attempts
// counter embedded in the message.
//
// Grounded on the teacher's small config-struct-plus-Run-method shape
// (LeaderElectionConfig/StoreConfig); the backoff formula itself is
// implemented directly per spec §4.5 since nothing in the pack pins a
// backoff library for this delay-computation shape.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/metrics"
	"github.com/coho-labs/runnerfleet/internal/models"
)

// UpstreamClient is the subset of the upstream service R consumes.
type UpstreamClient interface {
	GetJobStatus(ctx context.Context, owner, repo string, jobID int64) (string, error)
}

// Republisher re-enqueues a message with a visibility delay. Implemented
// by internal/queue against SQS.
type Republisher interface {
	Republish(ctx context.Context, msg models.Message, delay time.Duration) error
}

// Layer is the retry control loop. It is best-effort: every failure mode
// is logged and swallowed, per spec §4.5's "failure to query upstream is
// logged and swallowed".
type Layer struct {
	cfg    config.JobRetryConfig
	met    *metrics.Metrics
	logger *slog.Logger
}

// NewLayer constructs a Layer.
func NewLayer(cfg config.JobRetryConfig, met *metrics.Metrics, logger *slog.Logger) *Layer {
	return &Layer{cfg: cfg, met: met, logger: logger.With("component", "retry")}
}

// Process evaluates one message for requeue. It never returns an error —
// by design, per spec §4.5 and §7's propagation policy ("pool and
// scale-down always return normally"; R, being best-effort, follows suit).
func (l *Layer) Process(ctx context.Context, client UpstreamClient, republisher Republisher, msg models.Message) {
	if !l.cfg.Enable {
		return
	}

	status, err := client.GetJobStatus(ctx, msg.RepositoryOwner, msg.RepositoryName, msg.ID)
	if err != nil {
		l.logger.Warn("job status query failed, dropping retry attempt", "message_id", msg.ID, "error", err)
		return
	}
	if status != "queued" {
		return
	}

	k := msg.Retries()
	nextCounter := k + 1
	if nextCounter >= l.cfg.MaxAttempts {
		l.logger.Info("retry attempts exhausted, dropping message", "message_id", msg.ID, "attempts", nextCounter)
		l.met.RetryAttemptsExhausted.Inc()
		return
	}

	delay := l.backoffDelay(k)
	next := msg
	next.RetryCounter = &nextCounter

	if err := republisher.Republish(ctx, next, delay); err != nil {
		l.logger.Warn("republish failed", "message_id", msg.ID, "error", err)
		return
	}
	l.met.RetryRepublished.Inc()
}

func (l *Layer) backoffDelay(retryCounter int) time.Duration {
	seconds := float64(l.cfg.InitialDelaySeconds) * math.Pow(l.cfg.Backoff, float64(retryCounter))
	delay := time.Duration(seconds * float64(time.Second))
	if delay > l.cfg.MaxQueueDelay {
		return l.cfg.MaxQueueDelay
	}
	return delay
}

// Package leaderelection picks a single zeno replica to run the
// leader-elected control loops (D's scale-down sweep, P's pool top-up
// ticker) when the daemon is deployed with more than one replica for
// availability. Every replica runs the always-on API server and the
// intake loop (I/U); only the leader also runs runScaleDownTicker and
// runPoolTicker, so a concurrent scale-down sweep from two replicas
// never double-terminates an instance.
package leaderelection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// Elector holds a single advisory flock on a shared lock file as the
// leadership token. Grounded on the teacher's lock-file-based elector;
// adapted here to actually renew and observe the lease it claims to hold
// rather than leaving LeaseDuration/RenewDeadline as unused configuration.
type Elector struct {
	config     Config
	logger     *slog.Logger
	lockFd     int
	isLeader   bool
	acquiredAt time.Time
}

// Config controls how a replica contends for and holds leadership.
type Config struct {
	Enabled       bool
	LockFilePath  string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// LeaderElectionConfig is the exported name cmd/zeno's config wiring
// expects; kept as an alias so the field names in config.go's
// LeaderElectionConfig map over without a second type.
type LeaderElectionConfig = Config

// New creates an Elector for one zeno replica.
func New(cfg Config, logger *slog.Logger) *Elector {
	return &Elector{
		config:   cfg,
		logger:   logger.With("component", "leader-election"),
		lockFd:   -1,
		isLeader: false,
	}
}

// Run contends for leadership until ctx is cancelled. With election
// enabled, onStartLeading fires in its own goroutine the moment this
// replica wins the lock, and onStopLeading fires synchronously, after the
// lock is released, when ctx is cancelled while leading; a held lock is
// never treated as lost before then. With election disabled,
// onStartLeading is called synchronously before Run blocks on ctx, and
// onStopLeading is never called.
func (e *Elector) Run(ctx context.Context, onStartLeading, onStopLeading func(ctx context.Context)) error {
	if !e.config.Enabled {
		e.logger.Info("leader election disabled, this replica assumes leadership unconditionally")
		e.isLeader = true
		onStartLeading(ctx)
		<-ctx.Done()
		return nil
	}

	e.logger.Info("contending for leadership",
		"lock_file", e.config.LockFilePath,
		"lease_duration", e.config.LeaseDuration,
		"renew_deadline", e.config.RenewDeadline,
	)

	ticker := time.NewTicker(e.config.RetryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.isLeader {
				e.release()
				onStopLeading(ctx)
			}
			return nil

		case <-ticker.C:
			if e.isLeader {
				e.renewLease(ctx)
				continue
			}

			acquired, err := e.tryAcquireLock()
			if err != nil {
				e.logger.Error("failed to acquire leadership lock", "error", err)
				continue
			}
			if acquired {
				e.logger.Info("acquired leadership, starting scale-down and pool top-up tickers")
				e.isLeader = true
				e.acquiredAt = time.Now()
				go onStartLeading(ctx)
			}
		}
	}
}

// IsLeader reports whether this replica currently runs the leader-elected
// tickers. Always true when leader election is disabled.
func (e *Elector) IsLeader() bool {
	return e.isLeader || !e.config.Enabled
}

// renewLease refreshes the lock file's recorded lease expiry. If the gap
// since the previous renewal attempt exceeds RenewDeadline, something is
// stalling this replica (GC pause, disk contention) badly enough that
// another replica could legitimately have taken over by now; log loudly
// rather than silently assume leadership is still uncontested.
func (e *Elector) renewLease(ctx context.Context) {
	if time.Since(e.acquiredAt) > e.config.RenewDeadline && e.config.RenewDeadline > 0 {
		e.logger.Warn("leadership lease renewal overdue", "held_for", time.Since(e.acquiredAt))
	}
	e.acquiredAt = time.Now()

	expiry := time.Now().Add(e.config.LeaseDuration).UnixNano()
	payload := fmt.Sprintf("%d\nexpires=%d\n", os.Getpid(), expiry)
	if e.lockFd < 0 {
		return
	}
	if _, err := syscall.Pwrite(e.lockFd, []byte(payload), 0); err != nil {
		e.logger.Warn("failed to renew leadership lease file", "error", err)
	}
}

func (e *Elector) tryAcquireLock() (bool, error) {
	fd, err := syscall.Open(e.config.LockFilePath, syscall.O_CREAT|syscall.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}

	err = syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		syscall.Close(fd)
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	expiry := time.Now().Add(e.config.LeaseDuration).UnixNano()
	payload := fmt.Sprintf("%d\nexpires=%d\n", os.Getpid(), expiry)
	if _, err := syscall.Write(fd, []byte(payload)); err != nil {
		syscall.Close(fd)
		return false, fmt.Errorf("failed to write lease payload: %w", err)
	}

	if e.lockFd >= 0 {
		syscall.Close(e.lockFd)
	}
	e.lockFd = fd
	return true, nil
}

func (e *Elector) release() {
	if e.lockFd >= 0 {
		syscall.Flock(e.lockFd, syscall.LOCK_UN)
		syscall.Close(e.lockFd)
		e.lockFd = -1
		e.logger.Info("released leadership")
	}
}

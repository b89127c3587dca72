// Package scheduler runs session deduction batches on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"go.uber.org/zap"
)

const defaultInterval = 15 * time.Minute

// ErrInvalidSchedulerConfig is returned when the scheduler has no ledger.
var ErrInvalidSchedulerConfig = errors.New("invalid deduction scheduler config")

// Deductor runs one deduction batch.
type Deductor interface {
	ProcessSessionDeductions(ctx context.Context) (ledger.DeductionReport, error)
}

// DeductionScheduler periodically completes past sessions and consumes their credits.
type DeductionScheduler struct {
	deductor     Deductor
	logger       *zap.Logger
	interval     time.Duration
	batchTimeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewDeductionScheduler constructs a scheduler. A non-positive interval falls back to 15 minutes.
func NewDeductionScheduler(deductor Deductor, logger *zap.Logger, interval time.Duration) (*DeductionScheduler, error) {
	if deductor == nil {
		return nil, ErrInvalidSchedulerConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &DeductionScheduler{
		deductor:     deductor,
		logger:       logger.Named("deduction-scheduler"),
		interval:     interval,
		batchTimeout: interval,
	}, nil
}

// Start runs a batch immediately and then once per interval until Stop or ctx cancellation.
func (scheduler *DeductionScheduler) Start(ctx context.Context) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	scheduler.cancel = cancel
	scheduler.running = true
	scheduler.wg.Add(1)
	go scheduler.run(runCtx)
	scheduler.logger.Info("deduction scheduler started", zap.Duration("interval", scheduler.interval))
}

// Stop halts the loop and waits for an in-flight batch to finish.
func (scheduler *DeductionScheduler) Stop() {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if !scheduler.running {
		return
	}
	scheduler.cancel()
	scheduler.wg.Wait()
	scheduler.running = false
	scheduler.logger.Info("deduction scheduler stopped")
}

func (scheduler *DeductionScheduler) run(ctx context.Context) {
	defer scheduler.wg.Done()
	ticker := time.NewTicker(scheduler.interval)
	defer ticker.Stop()

	scheduler.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single batch and logs its report.
func (scheduler *DeductionScheduler) RunOnce(ctx context.Context) ledger.DeductionReport {
	batchCtx, cancel := context.WithTimeout(ctx, scheduler.batchTimeout)
	defer cancel()

	report, err := scheduler.deductor.ProcessSessionDeductions(batchCtx)
	if err != nil {
		scheduler.logger.Error("deduction batch failed", zap.Error(err))
		return report
	}
	fields := []zap.Field{
		zap.Int("processed", report.Processed),
		zap.Int("deducted", report.Deducted),
		zap.Int("no_credits", len(report.NoCredits)),
		zap.Int("errors", len(report.Errors)),
	}
	if len(report.Errors) > 0 {
		scheduler.logger.Warn("deduction batch finished with errors", fields...)
	} else {
		scheduler.logger.Info("deduction batch finished", fields...)
	}
	for _, session := range report.NoCredits {
		scheduler.logger.Warn("session completed without credit",
			zap.Int64("client_id", session.ClientID.Int64()),
			zap.Int64("session_id", session.SessionID.Int64()),
			zap.String("client_name", session.ClientName),
		)
	}
	return report
}

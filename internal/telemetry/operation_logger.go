package telemetry

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const operationCounterName = "sessionledger.operations"

// ZapOperationLogger writes ledger operations to zap and counts them by operation and status.
type ZapOperationLogger struct {
	logger  *zap.Logger
	counter metric.Int64Counter
}

// NewZapOperationLogger constructs an operation logger. A nil meter disables counting.
func NewZapOperationLogger(logger *zap.Logger, meter metric.Meter) (*ZapOperationLogger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	operationLogger := &ZapOperationLogger{logger: logger.Named("ledger")}
	if meter != nil {
		counter, err := meter.Int64Counter(operationCounterName, metric.WithDescription("Ledger operations by outcome"))
		if err != nil {
			return nil, fmt.Errorf("operation counter: %w", err)
		}
		operationLogger.counter = counter
	}
	return operationLogger, nil
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != 0 {
		fields = append(fields, zap.Int64("user_id", entry.UserID.Int64()))
	}
	if entry.CartID != 0 {
		fields = append(fields, zap.Int64("cart_id", entry.CartID.Int64()))
	}
	if entry.PackageID != 0 {
		fields = append(fields, zap.Int64("package_id", entry.PackageID.Int64()))
	}
	if entry.Sessions != 0 {
		fields = append(fields, zap.Int64("sessions", entry.Sessions))
	}
	if entry.Trigger != "" {
		fields = append(fields, zap.String("trigger", string(entry.Trigger)))
	}
	if !entry.IdempotencyToken.IsZero() {
		fields = append(fields, zap.String("idempotency_token", entry.IdempotencyToken.String()))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}

	if entry.Error != nil {
		code, _ := ledger.CodeOf(entry.Error)
		fields = append(fields, zap.String("code", code.String()), zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
	} else {
		operationLogger.logger.Info("ledger operation", fields...)
	}

	if operationLogger.counter != nil {
		operationLogger.counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", entry.Operation),
			attribute.String("status", entry.Status),
		))
	}
}

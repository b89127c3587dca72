package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation        string
	UserID           UserID
	CartID           CartID
	PackageID        PackageID
	Sessions         int64
	Trigger          TriggerSource
	IdempotencyToken IdempotencyToken
	Reference        string
	Status           string
	Error            error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithOrderNumbers overrides the order number generator.
func WithOrderNumbers(generator func() string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.orderNumberFn = generator
		}
	}
}

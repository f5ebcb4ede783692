package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	HoldID         HoldID
	Amount         Gems
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	Replayed       bool
	Status         string
	Duration       time.Duration
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator replaces the random suffix used for hold and event ids.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

func (service *Service) logOperation(ctx context.Context, startedAt time.Time, entry OperationLog) {
	if service.logger == nil {
		return
	}
	entry.Status = operationStatusOK
	if entry.Error != nil {
		entry.Status = operationStatusError
	}
	entry.Duration = service.nowFn().Sub(startedAt)
	service.logger.LogOperation(ctx, entry)
}

package ledger

import (
	"context"
	"fmt"
	"time"
)

// Service contains the session-credit domain logic over a Store.
type Service struct {
	store         Store
	nowFn         func() time.Time
	logger        OperationLogger
	orderNumberFn func() string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.orderNumberFn == nil {
		generator, err := NewOrderNumberGenerator(1)
		if err != nil {
			return nil, err
		}
		service.orderNumberFn = generator
	}
	return service, nil
}

// Balance returns the available session count of a user.
func (service *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	client, err := service.store.GetClient(ctx, userID)
	if err != nil {
		return 0, err
	}
	return client.AvailableSessions, nil
}

// Client returns a user row without locking it.
func (service *Service) Client(ctx context.Context, userID UserID) (Client, error) {
	return service.store.GetClient(ctx, userID)
}

// Package returns a storefront package.
func (service *Service) Package(ctx context.Context, packageID PackageID) (Package, error) {
	return service.store.GetPackage(ctx, packageID)
}

// CartForCheckoutSession resolves the cart paid by a hosted checkout session.
func (service *Service) CartForCheckoutSession(ctx context.Context, checkoutSessionID string) (CartRef, error) {
	return service.store.CartForCheckoutSession(ctx, checkoutSessionID)
}

// IdempotencyTokenUsed reports whether an order already carries token.
func (service *Service) IdempotencyTokenUsed(ctx context.Context, token IdempotencyToken) (bool, error) {
	if token.IsZero() {
		return false, nil
	}
	_, found, err := service.store.FindOrderByIdempotencyToken(ctx, token)
	return found, err
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

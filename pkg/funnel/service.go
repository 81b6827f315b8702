package funnel

import (
	"context"
	"fmt"
	"time"
)

// Service contains the funnel domain logic over a Store. It keeps no mutable
// state of its own: the store's conditional writes are the only
// synchronization primitive, so any number of Service instances may run
// against the same store.
type Service struct {
	store         Store
	nowFn         func() time.Time
	logger        OperationLogger
	gateway       PaymentGateway
	gatewaySecret string
	sender        CodeSender
	pricing       PricingFunc
	holdDuration  time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		nowFn:        now,
		pricing:      DefaultPricing,
		holdDuration: defaultHoldDuration,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.holdDuration <= 0 {
		return nil, fmt.Errorf("%w: hold duration must be positive", ErrInvalidHoldDuration)
	}
	return service, nil
}

// RegisterAccount returns the account bound to the session, creating it on
// first contact.
func (service *Service) RegisterAccount(ctx context.Context, sessionID SessionID) (AccountRecord, error) {
	return service.store.GetOrCreateAccountBySession(ctx, sessionID.String())
}

// Account fetches one account by id.
func (service *Service) Account(ctx context.Context, accountID AccountID) (AccountRecord, error) {
	return service.store.GetAccount(ctx, accountID.String())
}

// AccountByPhone fetches the account a verified phone number is bound to.
func (service *Service) AccountByPhone(ctx context.Context, phone PhoneNumber) (AccountRecord, error) {
	accountID, found, err := service.store.FindAccountIDByPhone(ctx, phone.String())
	if err != nil {
		return AccountRecord{}, err
	}
	if !found {
		return AccountRecord{}, WrapError(operationChallenge, "phone", "unbound", ErrNotFound)
	}
	return service.store.GetAccount(ctx, accountID)
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

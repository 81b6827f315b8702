package funnel

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

// OperationLog describes a state-changing funnel operation.
type OperationLog struct {
	Operation string
	Action    string
	AccountID string
	Subject   string
	Number    int64
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPaymentGateway wires the external payment gateway and the shared secret
// used to verify payment proofs.
func WithPaymentGateway(gateway PaymentGateway, secret string) ServiceOption {
	return func(service *Service) {
		service.gateway = gateway
		service.gatewaySecret = secret
	}
}

// WithCodeSender wires the external channel that delivers challenge codes.
func WithCodeSender(sender CodeSender) ServiceOption {
	return func(service *Service) {
		service.sender = sender
	}
}

// WithPricing overrides the slot-number pricing policy.
func WithPricing(pricing PricingFunc) ServiceOption {
	return func(service *Service) {
		service.pricing = pricing
	}
}

// WithHoldDuration overrides how long a slot reservation is held pending
// payment.
func WithHoldDuration(hold time.Duration) ServiceOption {
	return func(service *Service) {
		service.holdDuration = hold
	}
}

package funnel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// PaymentGateway creates orders on the external payment provider. Proof of
// payment arrives out of band and is checked against the shared secret, not
// through this interface.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, request GatewayOrderRequest) (GatewayOrder, error)
}

// GatewayOrderRequest is the order the funnel asks the gateway to open.
type GatewayOrderRequest struct {
	AmountPaise int64
	Currency    string
	Receipt     string
}

// GatewayOrder is the gateway's confirmation.
type GatewayOrder struct {
	OrderRef    string
	AmountPaise int64
	Currency    string
	RawPayload  string
}

// PaymentProof is the caller-supplied evidence of a completed payment.
type PaymentProof struct {
	OrderRef  OrderRef
	PaymentID string
	Signature string
}

// PricingFunc maps a slot number to its price. Earlier numbers are cheaper.
type PricingFunc func(slotNumber int64) AmountPaise

// DefaultPricing reproduces the launch tiers: 49 rupees for the first hundred
// numbers, 99 up to three thousand, 199 beyond.
func DefaultPricing(slotNumber int64) AmountPaise {
	switch {
	case slotNumber <= 100:
		return 4900
	case slotNumber <= 3000:
		return 9900
	default:
		return 19900
	}
}

// OrderDetails is returned from CreateOrder for the client checkout.
type OrderDetails struct {
	OrderRef    string
	AmountPaise int64
	Currency    string
	SlotNumber  int64
	Phone       string
	Name        string
}

// PaymentResult is the terminal outcome of a verified payment.
type PaymentResult struct {
	Status      OrderStatus
	SlotNumber  int64
	SlotCode    string
	AmountPaise int64
	ValidTill   time.Time
}

// PricePreview reports the next likely number and its tier without reserving.
type PricePreview struct {
	NextNumber  int64
	AmountPaise int64
}

// PreviewPrice sweeps lapsed holds and reports the price of the next number a
// buyer would receive. Purely advisory: the number is not held.
func (service *Service) PreviewPrice(ctx context.Context) (PricePreview, error) {
	if _, err := service.ReleaseExpiredHolds(ctx); err != nil {
		return PricePreview{}, err
	}
	number, found, err := service.store.SmallestFreeSlot(ctx)
	if err != nil {
		return PricePreview{}, err
	}
	if !found {
		maxNumber, err := service.store.MaxSlotNumber(ctx)
		if err != nil {
			return PricePreview{}, err
		}
		number = maxNumber + 1
	}
	return PricePreview{NextNumber: number, AmountPaise: service.pricing(number).Int64()}, nil
}

// CreateOrder reserves a slot under a provisional hold, prices it, opens the
// gateway order, and persists the local order record only after the gateway
// call succeeds. On gateway failure no order record exists; the hold simply
// lapses through the sweep.
func (service *Service) CreateOrder(ctx context.Context, accountID AccountID) (OrderDetails, error) {
	details, err := service.createOrder(ctx, accountID)
	service.logOperation(ctx, OperationLog{
		Operation: operationPayment,
		Action:    operationCreateOrder,
		AccountID: accountID.String(),
		Subject:   details.OrderRef,
		Number:    details.SlotNumber,
		Error:     err,
	})
	return details, err
}

func (service *Service) createOrder(ctx context.Context, accountID AccountID) (OrderDetails, error) {
	if service.gateway == nil {
		return OrderDetails{}, fmt.Errorf("%w: payment gateway is not configured", ErrInvalidServiceConfig)
	}
	account, err := service.store.GetAccount(ctx, accountID.String())
	if err != nil {
		return OrderDetails{}, err
	}
	if account.StagedInvite == "" {
		return OrderDetails{}, WrapError(operationPayment, "invite", "required", ErrInviteRequired)
	}

	if _, err := service.ReleaseExpiredHolds(ctx); err != nil {
		return OrderDetails{}, err
	}

	provisionalRef, err := NewOrderRef("hold-" + uuid.NewString())
	if err != nil {
		return OrderDetails{}, err
	}
	slotNumber, err := service.reserveSlot(ctx, accountID, provisionalRef)
	if err != nil {
		return OrderDetails{}, err
	}
	amount := service.pricing(slotNumber)

	receipt := shortReceipt(account.AccountID, service.nowFn())
	gatewayOrder, err := service.gateway.CreateOrder(ctx, GatewayOrderRequest{
		AmountPaise: amount.Int64(),
		Currency:    defaultCurrency,
		Receipt:     receipt,
	})
	if err != nil {
		// The hold stays valid and will lapse through the sweep.
		return OrderDetails{}, WrapError(operationPayment, "gateway", "create_order", fmt.Errorf("%w: %v", ErrUpstream, err))
	}

	if err := service.store.RebindSlotHold(ctx, provisionalRef.String(), gatewayOrder.OrderRef); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationPayment,
			Action:    operationCreateOrder,
			Subject:   gatewayOrder.OrderRef,
			Status:    operationStatusError,
			Error:     err,
		})
	}

	currency := gatewayOrder.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	if err := service.store.InsertOrder(ctx, OrderRecord{
		OrderRef:       gatewayOrder.OrderRef,
		Status:         OrderStatusCreated,
		AmountPaise:    amount.Int64(),
		Currency:       currency,
		AccountID:      account.AccountID,
		Phone:          account.Phone,
		SlotNumber:     slotNumber,
		GatewayPayload: gatewayOrder.RawPayload,
		CreatedAt:      service.nowFn(),
	}); err != nil {
		return OrderDetails{}, err
	}

	return OrderDetails{
		OrderRef:    gatewayOrder.OrderRef,
		AmountPaise: amount.Int64(),
		Currency:    currency,
		SlotNumber:  slotNumber,
		Phone:       account.Phone,
		Name:        account.Name,
	}, nil
}

// VerifyPayment checks the proof signature and drives the order to its
// terminal state. A replay against an already-paid order returns the stored
// result unchanged; the created->paid flip is the serialization point, so
// concurrent verifies produce exactly one finalization.
func (service *Service) VerifyPayment(ctx context.Context, proof PaymentProof) (PaymentResult, error) {
	result, err := service.verifyPayment(ctx, proof)
	service.logOperation(ctx, OperationLog{
		Operation: operationPayment,
		Action:    operationVerify,
		Subject:   proof.OrderRef.String(),
		Number:    result.SlotNumber,
		Error:     err,
	})
	return result, err
}

func (service *Service) verifyPayment(ctx context.Context, proof PaymentProof) (PaymentResult, error) {
	if service.gatewaySecret == "" {
		return PaymentResult{}, fmt.Errorf("%w: gateway secret is not configured", ErrInvalidServiceConfig)
	}
	if proof.PaymentID == "" || proof.Signature == "" {
		return PaymentResult{}, fmt.Errorf("%w: missing payment id or signature", ErrInvalidOrderRef)
	}

	order, err := service.store.GetOrder(ctx, proof.OrderRef.String())
	if err != nil {
		return PaymentResult{}, err
	}
	switch order.Status {
	case OrderStatusPaid:
		return paidResult(order), nil
	case OrderStatusFailed:
		return PaymentResult{}, WrapError(operationPayment, "order", "already_failed", ErrIllegalState)
	}

	expected := SignPayment(service.gatewaySecret, order.OrderRef, proof.PaymentID)
	if !hmac.Equal([]byte(expected), []byte(proof.Signature)) {
		if err := service.store.MarkOrderFailed(ctx, order.OrderRef, "signature mismatch", service.nowFn()); err != nil && !errors.Is(err, ErrNotFound) {
			return PaymentResult{}, err
		}
		return PaymentResult{}, WrapError(operationPayment, "proof", "signature", ErrSignatureMismatch)
	}

	now := service.nowFn()
	if err := service.store.MarkOrderPaid(ctx, order.OrderRef, proof.PaymentID, proof.Signature, now); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return PaymentResult{}, err
		}
		// Lost the flip to a concurrent verify; return its result.
		settled, readErr := service.store.GetOrder(ctx, proof.OrderRef.String())
		if readErr != nil {
			return PaymentResult{}, readErr
		}
		if settled.Status == OrderStatusPaid {
			return paidResult(settled), nil
		}
		return PaymentResult{}, WrapError(operationPayment, "order", "settled_failed", ErrIllegalState)
	}

	orderRef, err := NewOrderRef(order.OrderRef)
	if err != nil {
		return PaymentResult{}, err
	}
	accountID, err := NewAccountID(order.AccountID)
	if err != nil {
		return PaymentResult{}, err
	}
	slotNumber, err := service.finalizeSlot(ctx, orderRef, accountID)
	if err != nil {
		return PaymentResult{}, err
	}
	if err := service.store.SetOrderSlotNumber(ctx, order.OrderRef, slotNumber); err != nil {
		return PaymentResult{}, err
	}

	validTill := now.Add(membershipValidity)
	if err := service.store.ActivateMembership(ctx, MembershipActivation{
		AccountID:   order.AccountID,
		SlotNumber:  slotNumber,
		SlotCode:    SlotCode(slotNumber),
		OrderRef:    order.OrderRef,
		PaymentID:   proof.PaymentID,
		AmountPaise: order.AmountPaise,
		ValidTill:   validTill,
		ActivatedAt: now,
	}); err != nil {
		return PaymentResult{}, err
	}

	// Consume the staged invite only now, so abandoned payments never burn a
	// use. Best effort: the membership is already active.
	account, err := service.store.GetAccount(ctx, order.AccountID)
	if err == nil && account.StagedInvite != "" && !account.InviteVerified {
		if token, tokenErr := NewInviteToken(account.StagedInvite); tokenErr == nil {
			if _, consumeErr := service.consumeInvite(ctx, token, accountID); consumeErr != nil {
				service.logOperation(ctx, OperationLog{
					Operation: operationPayment,
					Action:    operationConsume,
					AccountID: order.AccountID,
					Subject:   account.StagedInvite,
					Status:    operationStatusError,
					Error:     consumeErr,
				})
			}
		}
	}

	return PaymentResult{
		Status:      OrderStatusPaid,
		SlotNumber:  slotNumber,
		SlotCode:    SlotCode(slotNumber),
		AmountPaise: order.AmountPaise,
		ValidTill:   validTill,
	}, nil
}

func paidResult(order OrderRecord) PaymentResult {
	result := PaymentResult{
		Status:      OrderStatusPaid,
		SlotNumber:  order.SlotNumber,
		SlotCode:    SlotCode(order.SlotNumber),
		AmountPaise: order.AmountPaise,
	}
	if order.VerifiedAt != nil {
		result.ValidTill = order.VerifiedAt.Add(membershipValidity)
	}
	return result
}

// SignPayment computes the keyed signature the gateway attaches to a payment:
// HMAC-SHA256 over "orderRef|paymentID" with the shared secret, hex encoded.
func SignPayment(secret string, orderRef string, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderRef + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// SlotCode renders a slot number as the public creator code.
func SlotCode(slotNumber int64) string {
	return fmt.Sprintf("#%04d", slotNumber)
}

func shortReceipt(accountID string, now time.Time) string {
	shortID := accountID
	if len(shortID) > 6 {
		shortID = shortID[len(shortID)-6:]
	}
	// Gateway receipts are capped at 40 characters.
	receipt := "ds_" + shortID + "_" + strconv.FormatInt(now.UnixMilli(), 36)
	if len(receipt) > 40 {
		receipt = receipt[:40]
	}
	return receipt
}

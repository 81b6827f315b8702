package funnel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// InviteStatus is the read-only pre-flight view of a redemption code.
type InviteStatus struct {
	Code      string
	Remaining int64
	ExpiresAt time.Time
}

// InviteConsumption reports the outcome of one consumed use.
type InviteConsumption struct {
	Code      string
	Remaining int64
}

// IssueInvite mints one redemption code from the look-alike-safe alphabet,
// retrying on collisions against the unique code index.
func (service *Service) IssueInvite(ctx context.Context, maxUses int64, expiresAt time.Time, issuedBy string) (InviteToken, error) {
	token, err := service.issueInvite(ctx, maxUses, expiresAt, issuedBy)
	service.logOperation(ctx, OperationLog{
		Operation: operationInvite,
		Action:    operationIssue,
		AccountID: issuedBy,
		Subject:   token.String(),
		Error:     err,
	})
	return token, err
}

func (service *Service) issueInvite(ctx context.Context, maxUses int64, expiresAt time.Time, issuedBy string) (InviteToken, error) {
	if maxUses < 1 {
		return InviteToken{}, fmt.Errorf("%w: must be at least 1", ErrInvalidInviteUses)
	}
	for attempt := 0; attempt < inviteIssueAttempts; attempt++ {
		raw, err := randomInviteToken()
		if err != nil {
			return InviteToken{}, WrapError(operationInvite, "token", "generate", err)
		}
		token, err := NewInviteToken(raw)
		if err != nil {
			return InviteToken{}, err
		}
		insertErr := service.store.InsertInvite(ctx, InviteRecord{
			Code:      token.String(),
			MaxUses:   maxUses,
			Uses:      0,
			Active:    true,
			ExpiresAt: expiresAt,
			IssuedBy:  issuedBy,
			CreatedAt: service.nowFn(),
		})
		if errors.Is(insertErr, ErrInviteExists) {
			continue
		}
		if insertErr != nil {
			return InviteToken{}, insertErr
		}
		return token, nil
	}
	return InviteToken{}, WrapError(operationInvite, "token", "collisions", ErrUpstream)
}

// CheckInvite answers "does this code still work" without mutating anything.
func (service *Service) CheckInvite(ctx context.Context, token InviteToken) (InviteStatus, error) {
	status, err := service.checkInvite(ctx, token)
	service.logOperation(ctx, OperationLog{
		Operation: operationInvite,
		Action:    operationCheck,
		Subject:   token.String(),
		Number:    status.Remaining,
		Error:     err,
	})
	return status, err
}

func (service *Service) checkInvite(ctx context.Context, token InviteToken) (InviteStatus, error) {
	invite, err := service.store.GetInvite(ctx, token.String())
	if err != nil {
		return InviteStatus{}, err
	}
	if err := classifyInvite(invite, service.nowFn()); err != nil {
		return InviteStatus{}, err
	}
	return InviteStatus{
		Code:      invite.Code,
		Remaining: invite.Remaining(),
		ExpiresAt: invite.ExpiresAt,
	}, nil
}

// StageInvite validates the code and binds it to the account. The use is
// consumed later, on verified payment, so abandoned checkouts never burn one.
func (service *Service) StageInvite(ctx context.Context, accountID AccountID, token InviteToken) (InviteStatus, error) {
	status, err := service.stageInvite(ctx, accountID, token)
	service.logOperation(ctx, OperationLog{
		Operation: operationInvite,
		Action:    operationStage,
		AccountID: accountID.String(),
		Subject:   token.String(),
		Error:     err,
	})
	return status, err
}

func (service *Service) stageInvite(ctx context.Context, accountID AccountID, token InviteToken) (InviteStatus, error) {
	status, err := service.checkInvite(ctx, token)
	if err != nil {
		return InviteStatus{}, err
	}
	if _, err := service.store.GetAccount(ctx, accountID.String()); err != nil {
		return InviteStatus{}, err
	}
	if err := service.store.StageInvite(ctx, accountID.String(), token.String()); err != nil {
		return InviteStatus{}, err
	}
	return status, nil
}

// ConsumeInvite burns exactly one use. The uses<maxUses guard and the
// increment are a single conditional write in the store, so K consumers racing
// for the last use produce exactly one success and K-1 ErrExhausted.
func (service *Service) ConsumeInvite(ctx context.Context, token InviteToken, accountID AccountID) (InviteConsumption, error) {
	consumption, err := service.consumeInvite(ctx, token, accountID)
	service.logOperation(ctx, OperationLog{
		Operation: operationInvite,
		Action:    operationConsume,
		AccountID: accountID.String(),
		Subject:   token.String(),
		Number:    consumption.Remaining,
		Error:     err,
	})
	return consumption, err
}

func (service *Service) consumeInvite(ctx context.Context, token InviteToken, accountID AccountID) (InviteConsumption, error) {
	now := service.nowFn()
	invite, err := service.store.ConsumeInvite(ctx, token.String(), accountID.String(), now)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return InviteConsumption{}, err
		}
		// The guard failed; re-read to say why.
		current, readErr := service.store.GetInvite(ctx, token.String())
		if readErr != nil {
			return InviteConsumption{}, readErr
		}
		if classifyErr := classifyInvite(current, now); classifyErr != nil {
			return InviteConsumption{}, classifyErr
		}
		return InviteConsumption{}, err
	}
	if invite.Uses >= invite.MaxUses {
		// Fast-path flag only; the uses guard above stays authoritative.
		if err := service.store.DeactivateExhaustedInvite(ctx, token.String()); err != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationInvite,
				Action:    operationConsume,
				Subject:   token.String(),
				Status:    operationStatusError,
				Error:     err,
			})
		}
	}
	return InviteConsumption{Code: invite.Code, Remaining: invite.Remaining()}, nil
}

func classifyInvite(invite InviteRecord, now time.Time) error {
	if now.After(invite.ExpiresAt) {
		return WrapError(operationInvite, "code", "expired", ErrExpired)
	}
	if invite.Uses >= invite.MaxUses || !invite.Active {
		return WrapError(operationInvite, "code", "exhausted", ErrExhausted)
	}
	return nil
}

func randomInviteToken() (string, error) {
	letters := make([]byte, inviteTokenLength)
	alphabetSize := big.NewInt(int64(len(inviteTokenAlphabet)))
	for i := range letters {
		index, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		letters[i] = inviteTokenAlphabet[index.Int64()]
	}
	return string(letters), nil
}

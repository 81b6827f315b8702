package funnel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// CodeSender delivers a plaintext challenge code to a phone number. It is a
// send-only collaborator: the funnel never reads anything back from it.
type CodeSender interface {
	Send(ctx context.Context, phone PhoneNumber, text string) error
}

// ChallengeIssue reports when an issued challenge stops being valid.
type ChallengeIssue struct {
	ExpiresAt time.Time
}

// VerificationResult carries the join rank minted on first successful
// verification.
type VerificationResult struct {
	AccountID string
	Rank      int64
}

// IssueChallenge generates a one-shot numeric code, dispatches it to the
// phone, and stores only its hash with a fixed expiry window. Any previous
// live challenge for the account is overwritten. The hash is staged after the
// dispatch succeeds, so a failed send leaves nothing guessable behind.
func (service *Service) IssueChallenge(ctx context.Context, accountID AccountID, phone PhoneNumber) (ChallengeIssue, error) {
	issue, err := service.issueChallenge(ctx, accountID, phone)
	service.logOperation(ctx, OperationLog{
		Operation: operationChallenge,
		Action:    operationIssue,
		AccountID: accountID.String(),
		Subject:   phone.String(),
		Error:     err,
	})
	return issue, err
}

func (service *Service) issueChallenge(ctx context.Context, accountID AccountID, phone PhoneNumber) (ChallengeIssue, error) {
	if service.sender == nil {
		return ChallengeIssue{}, fmt.Errorf("%w: code sender is not configured", ErrInvalidServiceConfig)
	}
	if _, err := service.store.GetAccount(ctx, accountID.String()); err != nil {
		return ChallengeIssue{}, err
	}
	boundID, found, err := service.store.FindAccountIDByPhone(ctx, phone.String())
	if err != nil {
		return ChallengeIssue{}, err
	}
	if found && boundID != accountID.String() {
		return ChallengeIssue{}, WrapError(operationChallenge, "phone", "bound_elsewhere", ErrConflict)
	}

	code, err := randomDigits(challengeCodeDigits)
	if err != nil {
		return ChallengeIssue{}, WrapError(operationChallenge, "code", "generate", err)
	}
	expiresAt := service.nowFn().Add(challengeTTL)

	text := fmt.Sprintf("Your Dream Stage verification code is: %s. It will expire in 5 minutes.", code)
	if err := service.sender.Send(ctx, phone, text); err != nil {
		return ChallengeIssue{}, WrapError(operationChallenge, "sms", "send", fmt.Errorf("%w: %v", ErrUpstream, err))
	}

	if err := service.store.StageChallenge(ctx, accountID.String(), phone.String(), hashChallengeCode(code), expiresAt); err != nil {
		return ChallengeIssue{}, err
	}
	return ChallengeIssue{ExpiresAt: expiresAt}, nil
}

// VerifyChallenge checks the candidate against the stored hash. On success the
// hash is cleared in one conditional write (one-shot: a replay of the same
// code fails with ErrNotFound), the phone is marked verified, and — only while
// the account has no rank — a join rank is minted from the rank counter.
func (service *Service) VerifyChallenge(ctx context.Context, accountID AccountID, candidate string) (VerificationResult, error) {
	result, err := service.verifyChallenge(ctx, accountID, candidate)
	service.logOperation(ctx, OperationLog{
		Operation: operationChallenge,
		Action:    operationVerify,
		AccountID: accountID.String(),
		Number:    result.Rank,
		Error:     err,
	})
	return result, err
}

func (service *Service) verifyChallenge(ctx context.Context, accountID AccountID, candidate string) (VerificationResult, error) {
	if !isChallengeCandidate(candidate) {
		return VerificationResult{}, fmt.Errorf("%w: expected 4-8 digits", ErrInvalidChallengeCode)
	}
	account, err := service.store.GetAccount(ctx, accountID.String())
	if err != nil {
		return VerificationResult{}, err
	}
	if account.ChallengeHash == "" || account.ChallengeExpiresAt == nil {
		return VerificationResult{}, WrapError(operationChallenge, "challenge", "missing", ErrNotFound)
	}
	now := service.nowFn()
	if now.After(*account.ChallengeExpiresAt) {
		return VerificationResult{}, WrapError(operationChallenge, "challenge", "expired", ErrExpired)
	}
	if hashChallengeCode(candidate) != account.ChallengeHash {
		return VerificationResult{}, WrapError(operationChallenge, "challenge", "mismatch", ErrInvalidChallengeCode)
	}

	// One-shot consumption: the clear only succeeds while the hash we just
	// compared is still the stored one.
	if err := service.store.ClearChallenge(ctx, accountID.String(), account.ChallengeHash, now); err != nil {
		return VerificationResult{}, err
	}

	rank := account.Rank
	if rank == 0 {
		minted, err := service.store.NextSequence(ctx, RankSequenceKey)
		if err != nil {
			return VerificationResult{}, err
		}
		assigned, err := service.store.AssignRankIfUnset(ctx, accountID.String(), minted)
		if err != nil {
			return VerificationResult{}, err
		}
		if assigned {
			rank = minted
		} else {
			refreshed, err := service.store.GetAccount(ctx, accountID.String())
			if err != nil {
				return VerificationResult{}, err
			}
			rank = refreshed.Rank
		}
	}
	return VerificationResult{AccountID: accountID.String(), Rank: rank}, nil
}

func hashChallengeCode(code string) string {
	digest := sha256.Sum256([]byte(code))
	return hex.EncodeToString(digest[:])
}

func isChallengeCandidate(candidate string) bool {
	if len(candidate) < 4 || len(candidate) > 8 {
		return false
	}
	for _, r := range candidate {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// randomDigits draws a uniform n-digit code from crypto/rand.
func randomDigits(n int) (string, error) {
	limit := int64(1)
	for i := 0; i < n; i++ {
		limit *= 10
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var value int64
	for _, b := range buf {
		value = (value<<8 + int64(b)) % limit
	}
	return fmt.Sprintf("%0*d", n, value), nil
}

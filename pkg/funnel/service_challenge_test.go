package funnel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

func TestVerifyChallengeMintsJoinRank(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)

	first := harness.registerVerifiedAccount(test, "session-1", "+91 90000 00001")
	if first.Rank != 1 {
		test.Fatalf("expected first verified account to get rank 1, got %d", first.Rank)
	}
	if !first.PhoneVerified {
		test.Fatal("expected phone marked verified")
	}
	if first.Phone != "+919000000001" {
		test.Fatalf("unexpected normalized phone %q", first.Phone)
	}

	second := harness.registerVerifiedAccount(test, "session-2", "+91 90000 00002")
	if second.Rank != 2 {
		test.Fatalf("expected second verified account to get rank 2, got %d", second.Rank)
	}
}

func TestVerifyChallengeIsOneShot(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	account := harness.registerVerifiedAccount(test, "session-replay", "+919000000010")
	accountID := mustAccountID(test, account.AccountID)

	_, err := harness.service.VerifyChallenge(ctx, accountID, harness.sender.lastCode(test))
	if !errors.Is(err, funnel.ErrNotFound) {
		test.Fatalf("expected ErrNotFound on replay, got %v", err)
	}
}

func TestVerifyChallengeRankSurvivesReverification(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	account := harness.registerVerifiedAccount(test, "session-again", "+919000000020")
	accountID := mustAccountID(test, account.AccountID)

	if _, err := harness.service.IssueChallenge(ctx, accountID, mustPhone(test, "+919000000020")); err != nil {
		test.Fatalf("reissue challenge: %v", err)
	}
	result, err := harness.service.VerifyChallenge(ctx, accountID, harness.sender.lastCode(test))
	if err != nil {
		test.Fatalf("reverify: %v", err)
	}
	if result.Rank != account.Rank {
		test.Fatalf("expected rank %d preserved, got %d", account.Rank, result.Rank)
	}
}

func TestVerifyChallengeExpired(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	account, err := harness.service.RegisterAccount(ctx, mustSessionID(test, "session-expired"))
	if err != nil {
		test.Fatalf("register account: %v", err)
	}
	accountID := mustAccountID(test, account.AccountID)
	if _, err := harness.service.IssueChallenge(ctx, accountID, mustPhone(test, "+919000000030")); err != nil {
		test.Fatalf("issue challenge: %v", err)
	}

	harness.clock.Advance(6 * time.Minute)

	_, err = harness.service.VerifyChallenge(ctx, accountID, harness.sender.lastCode(test))
	if !errors.Is(err, funnel.ErrExpired) {
		test.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyChallengeWrongCode(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	account, err := harness.service.RegisterAccount(ctx, mustSessionID(test, "session-wrong"))
	if err != nil {
		test.Fatalf("register account: %v", err)
	}
	accountID := mustAccountID(test, account.AccountID)
	if _, err := harness.service.IssueChallenge(ctx, accountID, mustPhone(test, "+919000000040")); err != nil {
		test.Fatalf("issue challenge: %v", err)
	}

	_, err = harness.service.VerifyChallenge(ctx, accountID, "000000000")
	if !errors.Is(err, funnel.ErrInvalidChallengeCode) {
		test.Fatalf("expected ErrInvalidChallengeCode for malformed candidate, got %v", err)
	}

	wrong := "123456"
	if wrong == harness.sender.lastCode(test) {
		wrong = "654321"
	}
	_, err = harness.service.VerifyChallenge(ctx, accountID, wrong)
	if !errors.Is(err, funnel.ErrInvalidChallengeCode) {
		test.Fatalf("expected ErrInvalidChallengeCode for wrong code, got %v", err)
	}
}

func TestIssueChallengePhoneBoundElsewhere(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	harness.registerVerifiedAccount(test, "session-owner", "+919000000050")

	other, err := harness.service.RegisterAccount(ctx, mustSessionID(test, "session-intruder"))
	if err != nil {
		test.Fatalf("register account: %v", err)
	}
	_, err = harness.service.IssueChallenge(ctx, mustAccountID(test, other.AccountID), mustPhone(test, "+919000000050"))
	if !errors.Is(err, funnel.ErrConflict) {
		test.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestIssueChallengeSendFailureStagesNothing(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	account, err := harness.service.RegisterAccount(ctx, mustSessionID(test, "session-sendfail"))
	if err != nil {
		test.Fatalf("register account: %v", err)
	}
	accountID := mustAccountID(test, account.AccountID)

	harness.sender.failWith = errors.New("provider down")
	_, err = harness.service.IssueChallenge(ctx, accountID, mustPhone(test, "+919000000060"))
	if !errors.Is(err, funnel.ErrUpstream) {
		test.Fatalf("expected ErrUpstream, got %v", err)
	}

	_, err = harness.service.VerifyChallenge(ctx, accountID, "123456")
	if !errors.Is(err, funnel.ErrNotFound) {
		test.Fatalf("expected ErrNotFound when no challenge is staged, got %v", err)
	}
}

func TestRegisterAccountIsIdempotentPerSession(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	first, err := harness.service.RegisterAccount(ctx, mustSessionID(test, "session-same"))
	if err != nil {
		test.Fatalf("register account: %v", err)
	}
	second, err := harness.service.RegisterAccount(ctx, mustSessionID(test, "session-same"))
	if err != nil {
		test.Fatalf("register account again: %v", err)
	}
	if first.AccountID != second.AccountID {
		test.Fatalf("expected same account for session, got %s and %s", first.AccountID, second.AccountID)
	}
}

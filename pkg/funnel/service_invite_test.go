package funnel_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

func TestIssueInviteMintsWellFormedToken(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)

	token, err := harness.service.IssueInvite(context.Background(), 3, harness.clock.Now().Add(time.Hour), "admin")
	if err != nil {
		test.Fatalf("issue invite: %v", err)
	}
	code := token.String()
	if len(code) != 4 {
		test.Fatalf("expected 4-character code, got %q", code)
	}
	const alphabet = "ABCDEFGHIJKLMNPQRSTUVWXYZ0123456789"
	for _, r := range code {
		if !strings.ContainsRune(alphabet, r) {
			test.Fatalf("code %q contains %q outside the alphabet", code, r)
		}
	}
}

func TestInviteTokenFoldsLookalikes(test *testing.T) {
	test.Parallel()
	token := mustInviteToken(test, " cool ")
	if token.String() != "C00L" {
		test.Fatalf("expected O folded to 0, got %q", token.String())
	}
}

func TestCheckInviteReportsRemainingUses(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	token, err := harness.service.IssueInvite(ctx, 5, harness.clock.Now().Add(time.Hour), "admin")
	if err != nil {
		test.Fatalf("issue invite: %v", err)
	}
	status, err := harness.service.CheckInvite(ctx, token)
	if err != nil {
		test.Fatalf("check invite: %v", err)
	}
	if status.Remaining != 5 {
		test.Fatalf("expected 5 remaining, got %d", status.Remaining)
	}
}

func TestCheckInviteUnknownCode(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)

	_, err := harness.service.CheckInvite(context.Background(), mustInviteToken(test, "ZZZ9"))
	if !errors.Is(err, funnel.ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheckInviteExpired(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	token, err := harness.service.IssueInvite(ctx, 1, harness.clock.Now().Add(time.Minute), "admin")
	if err != nil {
		test.Fatalf("issue invite: %v", err)
	}
	harness.clock.Advance(2 * time.Minute)

	_, err = harness.service.CheckInvite(ctx, token)
	if !errors.Is(err, funnel.ErrExpired) {
		test.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestStageInviteBindsCodeToAccount(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	account := harness.registerVerifiedAccount(test, "session-stage", "+919000001001")
	accountID := mustAccountID(test, account.AccountID)
	token := harness.stageFreshInvite(test, accountID)

	refreshed, err := harness.service.Account(ctx, accountID)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	if refreshed.StagedInvite != token.String() {
		test.Fatalf("expected staged invite %q, got %q", token.String(), refreshed.StagedInvite)
	}
	if refreshed.InviteVerified {
		test.Fatal("staging must not mark the invite verified")
	}

	// Staging is a pre-check, not a consumption.
	status, err := harness.service.CheckInvite(ctx, token)
	if err != nil {
		test.Fatalf("check invite: %v", err)
	}
	if status.Remaining != 1 {
		test.Fatalf("expected full remaining after staging, got %d", status.Remaining)
	}
}

func TestConsumeInviteLastUseRace(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	token, err := harness.service.IssueInvite(ctx, 2, harness.clock.Now().Add(time.Hour), "admin")
	if err != nil {
		test.Fatalf("issue invite: %v", err)
	}

	const contenders = 3
	results := make(chan error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accountID := mustAccountID(test, "contender")
			_, consumeErr := harness.service.ConsumeInvite(ctx, token, accountID)
			results <- consumeErr
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, exhausted int
	for consumeErr := range results {
		switch {
		case consumeErr == nil:
			succeeded++
		case errors.Is(consumeErr, funnel.ErrExhausted):
			exhausted++
		default:
			test.Fatalf("unexpected consume error: %v", consumeErr)
		}
	}
	if succeeded != 2 || exhausted != 1 {
		test.Fatalf("expected 2 successes and 1 exhausted, got %d and %d", succeeded, exhausted)
	}

	_, err = harness.service.CheckInvite(ctx, token)
	if !errors.Is(err, funnel.ErrExhausted) {
		test.Fatalf("expected drained code to report ErrExhausted, got %v", err)
	}
}

func TestConsumeInviteExpired(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	token, err := harness.service.IssueInvite(ctx, 1, harness.clock.Now().Add(time.Minute), "admin")
	if err != nil {
		test.Fatalf("issue invite: %v", err)
	}
	harness.clock.Advance(2 * time.Minute)

	_, err = harness.service.ConsumeInvite(ctx, token, mustAccountID(test, "late"))
	if !errors.Is(err, funnel.ErrExpired) {
		test.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestIssueInviteRejectsNonPositiveUses(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)

	_, err := harness.service.IssueInvite(context.Background(), 0, harness.clock.Now().Add(time.Hour), "admin")
	if !errors.Is(err, funnel.ErrInvalidInviteUses) {
		test.Fatalf("expected ErrInvalidInviteUses, got %v", err)
	}
}

package funnel_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

func TestReserveSlotGrowsPoolFromOne(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	number, err := harness.service.ReserveSlot(ctx, mustAccountID(test, "acct-1"), mustOrderRef(test, "hold-1"))
	if err != nil {
		test.Fatalf("reserve slot: %v", err)
	}
	if number != 1 {
		test.Fatalf("expected first number 1, got %d", number)
	}

	slot, err := harness.store.GetSlot(ctx, number)
	if err != nil {
		test.Fatalf("get slot: %v", err)
	}
	if slot.Status != funnel.SlotStatusReserved {
		test.Fatalf("expected reserved slot, got %s", slot.Status)
	}
	if slot.HoldOrderRef != "hold-1" {
		test.Fatalf("expected hold bound to order, got %q", slot.HoldOrderRef)
	}
}

func TestReserveSlotConcurrentCallersGetDistinctNumbers(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	const callers = 8

	numbers := make(chan int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			number, err := harness.service.ReserveSlot(
				context.Background(),
				mustAccountID(test, fmt.Sprintf("acct-%d", n)),
				mustOrderRef(test, fmt.Sprintf("hold-%d", n)),
			)
			if err != nil {
				test.Errorf("reserve slot: %v", err)
				return
			}
			numbers <- number
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool, callers)
	for number := range numbers {
		if seen[number] {
			test.Fatalf("number %d reserved twice", number)
		}
		seen[number] = true
	}
	for expected := int64(1); expected <= callers; expected++ {
		if !seen[expected] {
			test.Fatalf("expected gapless numbers, missing %d", expected)
		}
	}
}

func TestReleaseExpiredHoldsFreesLapsedReservations(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if _, err := harness.service.ReserveSlot(ctx, mustAccountID(test, fmt.Sprintf("acct-%d", i)), mustOrderRef(test, fmt.Sprintf("hold-%d", i))); err != nil {
			test.Fatalf("reserve slot: %v", err)
		}
	}

	released, err := harness.service.ReleaseExpiredHolds(ctx)
	if err != nil {
		test.Fatalf("release holds: %v", err)
	}
	if released != 0 {
		test.Fatalf("expected live holds untouched, released %d", released)
	}

	harness.clock.Advance(2 * time.Hour)
	released, err = harness.service.ReleaseExpiredHolds(ctx)
	if err != nil {
		test.Fatalf("release holds: %v", err)
	}
	if released != 2 {
		test.Fatalf("expected 2 released holds, got %d", released)
	}

	// The freed pool is reused smallest-first.
	number, err := harness.service.ReserveSlot(ctx, mustAccountID(test, "acct-next"), mustOrderRef(test, "hold-next"))
	if err != nil {
		test.Fatalf("reserve slot: %v", err)
	}
	if number != 1 {
		test.Fatalf("expected smallest freed number 1, got %d", number)
	}
}

func TestFinalizeSlotAssignsHeldNumber(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()
	accountID := mustAccountID(test, "acct-final")
	orderRef := mustOrderRef(test, "hold-final")

	reserved, err := harness.service.ReserveSlot(ctx, accountID, orderRef)
	if err != nil {
		test.Fatalf("reserve slot: %v", err)
	}
	assigned, err := harness.service.FinalizeSlot(ctx, orderRef, accountID)
	if err != nil {
		test.Fatalf("finalize slot: %v", err)
	}
	if assigned != reserved {
		test.Fatalf("expected number %d assigned, got %d", reserved, assigned)
	}

	slot, err := harness.store.GetSlot(ctx, assigned)
	if err != nil {
		test.Fatalf("get slot: %v", err)
	}
	if slot.Status != funnel.SlotStatusAssigned {
		test.Fatalf("expected assigned slot, got %s", slot.Status)
	}
	if slot.AssignedTo != accountID.String() {
		test.Fatalf("expected slot owned by %s, got %s", accountID.String(), slot.AssignedTo)
	}
}

func TestFinalizeSlotAfterSweepTakesFreshNumber(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()
	buyer := mustAccountID(test, "acct-slow")
	orderRef := mustOrderRef(test, "hold-slow")

	reserved, err := harness.service.ReserveSlot(ctx, buyer, orderRef)
	if err != nil {
		test.Fatalf("reserve slot: %v", err)
	}
	if reserved != 1 {
		test.Fatalf("expected number 1 reserved, got %d", reserved)
	}

	harness.clock.Advance(2 * time.Hour)
	if _, err := harness.service.ReleaseExpiredHolds(ctx); err != nil {
		test.Fatalf("release holds: %v", err)
	}

	// Another buyer snaps up the freed number before the slow one finalizes.
	taken, err := harness.service.ReserveSlot(ctx, mustAccountID(test, "acct-fast"), mustOrderRef(test, "hold-fast"))
	if err != nil {
		test.Fatalf("reserve slot: %v", err)
	}
	if taken != 1 {
		test.Fatalf("expected freed number 1 retaken, got %d", taken)
	}

	assigned, err := harness.service.FinalizeSlot(ctx, orderRef, buyer)
	if err != nil {
		test.Fatalf("finalize slot: %v", err)
	}
	if assigned != 2 {
		test.Fatalf("expected fallback number 2, got %d", assigned)
	}

	fastSlot, err := harness.store.GetSlot(ctx, 1)
	if err != nil {
		test.Fatalf("get slot: %v", err)
	}
	if fastSlot.Status != funnel.SlotStatusReserved {
		test.Fatalf("fallback must not touch the retaken hold, got %s", fastSlot.Status)
	}
}

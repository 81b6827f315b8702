package funnel

import (
	"context"
	"errors"
	"fmt"
)

// ReserveSlot places a time-bounded hold on a creator number for the account.
// It first tries to claim the smallest free slot with a single conditional
// flip; when the free pool is empty it grows the pool by inserting max+1
// directly in the reserved state, retrying on insert collisions so numbers
// stay gapless and duplicate-free under concurrent expansion.
func (service *Service) ReserveSlot(ctx context.Context, accountID AccountID, orderRef OrderRef) (int64, error) {
	number, err := service.reserveSlot(ctx, accountID, orderRef)
	service.logOperation(ctx, OperationLog{
		Operation: operationSlot,
		Action:    operationReserve,
		AccountID: accountID.String(),
		Subject:   orderRef.String(),
		Number:    number,
		Error:     err,
	})
	return number, err
}

func (service *Service) reserveSlot(ctx context.Context, accountID AccountID, orderRef OrderRef) (int64, error) {
	holdExpiresAt := service.nowFn().Add(service.holdDuration)

	for attempt := 0; attempt < slotClaimAttempts; attempt++ {
		number, found, err := service.store.SmallestFreeSlot(ctx)
		if err != nil {
			return 0, err
		}
		if !found {
			break
		}
		claimErr := service.store.ClaimFreeSlot(ctx, number, accountID.String(), orderRef.String(), holdExpiresAt)
		if errors.Is(claimErr, ErrConflict) {
			// Lost the race for this slot; look again.
			continue
		}
		if claimErr != nil {
			return 0, claimErr
		}
		return number, nil
	}

	for attempt := 0; attempt < slotInsertAttempts; attempt++ {
		maxNumber, err := service.store.MaxSlotNumber(ctx)
		if err != nil {
			return 0, err
		}
		next := maxNumber + 1
		insertErr := service.store.InsertReservedSlot(ctx, SlotRecord{
			Number:        next,
			Status:        SlotStatusReserved,
			ReservedBy:    accountID.String(),
			HoldOrderRef:  orderRef.String(),
			HoldExpiresAt: &holdExpiresAt,
		})
		if errors.Is(insertErr, ErrSlotExists) {
			// Another caller inserted the same number; re-read the maximum.
			continue
		}
		if insertErr != nil {
			return 0, insertErr
		}
		return next, nil
	}
	return 0, WrapError(operationSlot, "pool", "expansion_contention", ErrUpstream)
}

// FinalizeSlot flips the slot held under orderRef from reserved to assigned.
// When the hold has already been swept back to free, it reserves a fresh slot
// and assigns that instead — so the caller may receive a different number than
// previewed, but never an outright failure and never an already-assigned slot.
func (service *Service) FinalizeSlot(ctx context.Context, orderRef OrderRef, accountID AccountID) (int64, error) {
	number, err := service.finalizeSlot(ctx, orderRef, accountID)
	service.logOperation(ctx, OperationLog{
		Operation: operationSlot,
		Action:    operationFinalize,
		AccountID: accountID.String(),
		Subject:   orderRef.String(),
		Number:    number,
		Error:     err,
	})
	return number, err
}

func (service *Service) finalizeSlot(ctx context.Context, orderRef OrderRef, accountID AccountID) (int64, error) {
	number, err := service.store.AssignReservedSlot(ctx, orderRef.String(), accountID.String(), service.nowFn())
	if err == nil {
		return number, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	// Hold expired and was swept. Reserve fresh and assign immediately.
	fresh, err := service.reserveSlot(ctx, accountID, orderRef)
	if err != nil {
		return 0, err
	}
	number, err = service.store.AssignReservedSlot(ctx, orderRef.String(), accountID.String(), service.nowFn())
	if err != nil {
		return 0, err
	}
	if number != fresh {
		return 0, fmt.Errorf("%w: fallback reservation %d assigned as %d", ErrIllegalState, fresh, number)
	}
	return number, nil
}

// ReleaseExpiredHolds frees every reserved slot whose hold has lapsed. It is
// called only by the periodic sweep, never by request handlers: the store
// releases each slot with a conditional write that re-checks both the reserved
// status and the lapsed expiry, so a concurrent finalize cannot be undone.
func (service *Service) ReleaseExpiredHolds(ctx context.Context) (int64, error) {
	released, err := service.store.ReleaseExpiredHolds(ctx, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationSlot,
		Action:    operationSweep,
		Number:    released,
		Error:     err,
	})
	return released, err
}

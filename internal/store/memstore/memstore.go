// Package memstore is a mutex-guarded in-memory implementation of
// funnel.Store. Every mutating method checks its precondition and applies the
// update under one lock acquisition, mirroring the single-document conditional
// writes of the persistent store. It backs unit tests and the memory:// DSN.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

// Store holds everything in process memory.
type Store struct {
	mu       sync.Mutex
	counters map[string]int64
	accounts map[string]*funnel.AccountRecord
	sessions map[string]string
	phones   map[string]string
	invites  map[string]*funnel.InviteRecord
	slots    map[int64]*funnel.SlotRecord
	orders   map[string]*funnel.OrderRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		counters: make(map[string]int64),
		accounts: make(map[string]*funnel.AccountRecord),
		sessions: make(map[string]string),
		phones:   make(map[string]string),
		invites:  make(map[string]*funnel.InviteRecord),
		slots:    make(map[int64]*funnel.SlotRecord),
		orders:   make(map[string]*funnel.OrderRecord),
	}
}

func (store *Store) NextSequence(_ context.Context, key string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.counters[key]++
	return store.counters[key], nil
}

func (store *Store) GetOrCreateAccountBySession(_ context.Context, sessionID string) (funnel.AccountRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if accountID, ok := store.sessions[sessionID]; ok {
		return *store.accounts[accountID], nil
	}
	account := &funnel.AccountRecord{
		AccountID:        uuid.NewString(),
		SessionID:        sessionID,
		MembershipStatus: funnel.MembershipStatusNone,
		CreatedAt:        time.Now().UTC(),
	}
	store.accounts[account.AccountID] = account
	store.sessions[sessionID] = account.AccountID
	return *account, nil
}

func (store *Store) GetAccount(_ context.Context, accountID string) (funnel.AccountRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return funnel.AccountRecord{}, funnel.WrapError("store", "account", "get", funnel.ErrNotFound)
	}
	return *account, nil
}

func (store *Store) FindAccountIDByPhone(_ context.Context, phone string) (string, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	accountID, ok := store.phones[phone]
	return accountID, ok, nil
}

func (store *Store) StageChallenge(_ context.Context, accountID string, phone string, codeHash string, expiresAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return funnel.WrapError("store", "account", "get", funnel.ErrNotFound)
	}
	if boundID, bound := store.phones[phone]; bound && boundID != accountID {
		return funnel.WrapError("store", "phone", "duplicate", funnel.ErrConflict)
	}
	if account.Phone != "" && account.Phone != phone {
		delete(store.phones, account.Phone)
	}
	store.phones[phone] = accountID
	account.Phone = phone
	account.PhoneVerified = false
	account.PhoneVerifiedAt = nil
	account.ChallengeHash = codeHash
	expiry := expiresAt
	account.ChallengeExpiresAt = &expiry
	return nil
}

func (store *Store) ClearChallenge(_ context.Context, accountID string, codeHash string, verifiedAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return funnel.WrapError("store", "account", "get", funnel.ErrNotFound)
	}
	if account.ChallengeHash == "" || account.ChallengeHash != codeHash {
		return funnel.WrapError("store", "challenge", "consumed", funnel.ErrNotFound)
	}
	account.ChallengeHash = ""
	account.ChallengeExpiresAt = nil
	account.PhoneVerified = true
	at := verifiedAt
	account.PhoneVerifiedAt = &at
	return nil
}

func (store *Store) AssignRankIfUnset(_ context.Context, accountID string, rank int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return false, funnel.WrapError("store", "account", "get", funnel.ErrNotFound)
	}
	if account.Rank != 0 {
		return false, nil
	}
	account.Rank = rank
	return true, nil
}

func (store *Store) StageInvite(_ context.Context, accountID string, code string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return funnel.WrapError("store", "account", "get", funnel.ErrNotFound)
	}
	account.StagedInvite = code
	return nil
}

func (store *Store) ActivateMembership(_ context.Context, activation funnel.MembershipActivation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[activation.AccountID]
	if !ok {
		return funnel.WrapError("store", "account", "get", funnel.ErrNotFound)
	}
	account.SlotNumber = activation.SlotNumber
	account.SlotCode = activation.SlotCode
	account.MembershipStatus = funnel.MembershipStatusActive
	till := activation.ValidTill
	account.MembershipTill = &till
	if account.StagedInvite != "" {
		account.InviteVerified = true
	}
	return nil
}

func (store *Store) InsertInvite(_ context.Context, invite funnel.InviteRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.invites[invite.Code]; exists {
		return funnel.WrapError("store", "invite", "duplicate", funnel.ErrInviteExists)
	}
	record := invite
	store.invites[invite.Code] = &record
	return nil
}

func (store *Store) GetInvite(_ context.Context, code string) (funnel.InviteRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	invite, ok := store.invites[code]
	if !ok {
		return funnel.InviteRecord{}, funnel.WrapError("store", "invite", "get", funnel.ErrNotFound)
	}
	return *invite, nil
}

func (store *Store) ConsumeInvite(_ context.Context, code string, _ string, now time.Time) (funnel.InviteRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	invite, ok := store.invites[code]
	if !ok || !invite.Active || invite.Uses >= invite.MaxUses || !now.Before(invite.ExpiresAt) {
		return funnel.InviteRecord{}, funnel.WrapError("store", "invite", "consume", funnel.ErrNotFound)
	}
	invite.Uses++
	return *invite, nil
}

func (store *Store) DeactivateExhaustedInvite(_ context.Context, code string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	invite, ok := store.invites[code]
	if ok && invite.Uses >= invite.MaxUses {
		invite.Active = false
	}
	return nil
}

func (store *Store) SmallestFreeSlot(_ context.Context) (int64, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var smallest int64
	found := false
	for number, slot := range store.slots {
		if slot.Status != funnel.SlotStatusFree {
			continue
		}
		if !found || number < smallest {
			smallest = number
			found = true
		}
	}
	return smallest, found, nil
}

func (store *Store) ClaimFreeSlot(_ context.Context, number int64, accountID string, orderRef string, holdExpiresAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	slot, ok := store.slots[number]
	if !ok || slot.Status != funnel.SlotStatusFree {
		return funnel.WrapError("store", "slot", "claim", funnel.ErrConflict)
	}
	slot.Status = funnel.SlotStatusReserved
	slot.ReservedBy = accountID
	slot.HoldOrderRef = orderRef
	expiry := holdExpiresAt
	slot.HoldExpiresAt = &expiry
	return nil
}

func (store *Store) MaxSlotNumber(_ context.Context) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var max int64
	for number := range store.slots {
		if number > max {
			max = number
		}
	}
	return max, nil
}

func (store *Store) InsertReservedSlot(_ context.Context, slot funnel.SlotRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.slots[slot.Number]; exists {
		return funnel.WrapError("store", "slot", "duplicate", funnel.ErrSlotExists)
	}
	record := slot
	store.slots[slot.Number] = &record
	return nil
}

func (store *Store) GetSlot(_ context.Context, number int64) (funnel.SlotRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	slot, ok := store.slots[number]
	if !ok {
		return funnel.SlotRecord{}, funnel.WrapError("store", "slot", "get", funnel.ErrNotFound)
	}
	return *slot, nil
}

func (store *Store) RebindSlotHold(_ context.Context, fromOrderRef string, toOrderRef string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, slot := range store.slots {
		if slot.Status == funnel.SlotStatusReserved && slot.HoldOrderRef == fromOrderRef {
			slot.HoldOrderRef = toOrderRef
			return nil
		}
	}
	return funnel.WrapError("store", "slot", "rebind", funnel.ErrNotFound)
}

func (store *Store) AssignReservedSlot(_ context.Context, orderRef string, accountID string, assignedAt time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for number, slot := range store.slots {
		if slot.Status != funnel.SlotStatusReserved || slot.HoldOrderRef != orderRef {
			continue
		}
		slot.Status = funnel.SlotStatusAssigned
		slot.AssignedTo = accountID
		at := assignedAt
		slot.AssignedAt = &at
		slot.HoldOrderRef = ""
		slot.HoldExpiresAt = nil
		slot.ReservedBy = ""
		return number, nil
	}
	return 0, funnel.WrapError("store", "slot", "assign", funnel.ErrNotFound)
}

func (store *Store) ReleaseExpiredHolds(_ context.Context, now time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var released int64
	for _, slot := range store.slots {
		if slot.Status != funnel.SlotStatusReserved {
			continue
		}
		if slot.HoldExpiresAt == nil || !slot.HoldExpiresAt.Before(now) {
			continue
		}
		slot.Status = funnel.SlotStatusFree
		slot.ReservedBy = ""
		slot.HoldOrderRef = ""
		slot.HoldExpiresAt = nil
		released++
	}
	return released, nil
}

func (store *Store) InsertOrder(_ context.Context, order funnel.OrderRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.orders[order.OrderRef]; exists {
		return funnel.WrapError("store", "order", "duplicate", funnel.ErrConflict)
	}
	record := order
	store.orders[order.OrderRef] = &record
	return nil
}

func (store *Store) GetOrder(_ context.Context, orderRef string) (funnel.OrderRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	order, ok := store.orders[orderRef]
	if !ok {
		return funnel.OrderRecord{}, funnel.WrapError("store", "order", "get", funnel.ErrNotFound)
	}
	return *order, nil
}

func (store *Store) MarkOrderPaid(_ context.Context, orderRef string, paymentID string, signature string, paidAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	order, ok := store.orders[orderRef]
	if !ok || order.Status != funnel.OrderStatusCreated {
		return funnel.WrapError("store", "order", "mark_paid", funnel.ErrNotFound)
	}
	order.Status = funnel.OrderStatusPaid
	order.PaymentID = paymentID
	order.Signature = signature
	at := paidAt
	order.VerifiedAt = &at
	return nil
}

func (store *Store) MarkOrderFailed(_ context.Context, orderRef string, reason string, failedAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	order, ok := store.orders[orderRef]
	if !ok || order.Status != funnel.OrderStatusCreated {
		return funnel.WrapError("store", "order", "mark_failed", funnel.ErrNotFound)
	}
	order.Status = funnel.OrderStatusFailed
	order.FailureReason = reason
	at := failedAt
	order.VerifiedAt = &at
	return nil
}

func (store *Store) SetOrderSlotNumber(_ context.Context, orderRef string, slotNumber int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	order, ok := store.orders[orderRef]
	if !ok {
		return funnel.WrapError("store", "order", "set_slot", funnel.ErrNotFound)
	}
	order.SlotNumber = slotNumber
	return nil
}

package funnel

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AmountPaise is an integer currency amount in paise (1/100 rupee).
type AmountPaise int64

// Int64 returns the raw paise value.
func (amount AmountPaise) Int64() int64 {
	return int64(amount)
}

// NewAmountPaise validates an amount and ensures it is strictly positive.
func NewAmountPaise(raw int64) (AmountPaise, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountPaise)
	}
	return AmountPaise(raw), nil
}

// PhoneNumber is a normalized E.164-style phone number.
type PhoneNumber struct {
	value string
}

// NewPhoneNumber validates and normalizes a phone number: a leading plus is
// preserved and every other non-digit is stripped.
func NewPhoneNumber(raw string) (PhoneNumber, error) {
	trimmed := strings.TrimSpace(raw)
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, trimmed)
	if len(digits) < 8 {
		return PhoneNumber{}, fmt.Errorf("%w: too short", ErrInvalidPhone)
	}
	return PhoneNumber{value: "+" + digits}, nil
}

// String returns the normalized number.
func (phone PhoneNumber) String() string {
	return phone.value
}

// Digits returns the number without the leading plus.
func (phone PhoneNumber) Digits() string {
	return strings.TrimPrefix(phone.value, "+")
}

// SessionID identifies an anonymous visitor before phone verification.
type SessionID struct {
	value string
}

// NewSessionID validates and normalizes a session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// AccountID identifies a funnel account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// SequenceKey names a monotonic counter.
type SequenceKey struct {
	value string
}

// NewSequenceKey validates and normalizes a counter name.
func NewSequenceKey(raw string) (SequenceKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SequenceKey{}, fmt.Errorf("%w: empty value", ErrInvalidSequenceKey)
	}
	return SequenceKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key SequenceKey) String() string {
	return key.value
}

// InviteToken is a 4-character redemption code from the look-alike-safe
// alphabet. O is folded to 0 on input so hand-typed codes survive.
type InviteToken struct {
	value string
}

// NewInviteToken validates and normalizes a redemption code.
func NewInviteToken(raw string) (InviteToken, error) {
	normalized := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), "O", "0")
	if len(normalized) != inviteTokenLength {
		return InviteToken{}, fmt.Errorf("%w: must be %d characters", ErrInvalidInviteToken, inviteTokenLength)
	}
	for _, r := range normalized {
		if !strings.ContainsRune(inviteTokenAlphabet, r) {
			return InviteToken{}, fmt.Errorf("%w: character %q outside alphabet", ErrInvalidInviteToken, r)
		}
	}
	return InviteToken{value: normalized}, nil
}

// String returns the normalized code.
func (token InviteToken) String() string {
	return token.value
}

// OrderRef is the payment gateway's order identifier, or a provisional hold
// reference before the gateway order exists.
type OrderRef struct {
	value string
}

// NewOrderRef validates and normalizes an order reference.
func NewOrderRef(raw string) (OrderRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderRef{}, fmt.Errorf("%w: empty value", ErrInvalidOrderRef)
	}
	return OrderRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref OrderRef) String() string {
	return ref.value
}

// SlotStatus defines the creator-number slot lifecycle.
type SlotStatus string

const (
	SlotStatusFree     SlotStatus = "free"
	SlotStatusReserved SlotStatus = "reserved"
	SlotStatusAssigned SlotStatus = "assigned"
)

// String returns the stored representation.
func (status SlotStatus) String() string {
	return string(status)
}

// ParseSlotStatus validates a stored slot status.
func ParseSlotStatus(raw string) (SlotStatus, error) {
	switch SlotStatus(raw) {
	case SlotStatusFree, SlotStatusReserved, SlotStatusAssigned:
		return SlotStatus(raw), nil
	}
	return "", fmt.Errorf("%w: unknown slot status %q", ErrIllegalState, raw)
}

// OrderStatus defines the payment order lifecycle. Paid and failed are
// terminal and never reversed.
type OrderStatus string

const (
	OrderStatusCreated OrderStatus = "created"
	OrderStatusPaid    OrderStatus = "paid"
	OrderStatusFailed  OrderStatus = "failed"
)

// String returns the stored representation.
func (status OrderStatus) String() string {
	return string(status)
}

// ParseOrderStatus validates a stored order status.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	switch OrderStatus(raw) {
	case OrderStatusCreated, OrderStatusPaid, OrderStatusFailed:
		return OrderStatus(raw), nil
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrIllegalState, raw)
}

// MembershipStatus tracks whether the account holds an active membership.
type MembershipStatus string

const (
	MembershipStatusNone   MembershipStatus = "none"
	MembershipStatusActive MembershipStatus = "active"
)

// AccountRecord is the stored account document.
type AccountRecord struct {
	AccountID          string
	SessionID          string
	Name               string
	Phone              string
	PhoneVerified      bool
	PhoneVerifiedAt    *time.Time
	ChallengeHash      string
	ChallengeExpiresAt *time.Time
	Rank               int64
	SlotNumber         int64
	SlotCode           string
	StagedInvite       string
	InviteVerified     bool
	MembershipStatus   MembershipStatus
	MembershipTill     *time.Time
	CreatedAt          time.Time
}

// SlotRecord is one numbered creator slot.
type SlotRecord struct {
	Number        int64
	Status        SlotStatus
	ReservedBy    string
	HoldOrderRef  string
	HoldExpiresAt *time.Time
	AssignedTo    string
	AssignedAt    *time.Time
}

// InviteRecord is a stored redemption code.
type InviteRecord struct {
	Code      string
	MaxUses   int64
	Uses      int64
	Active    bool
	ExpiresAt time.Time
	IssuedBy  string
	CreatedAt time.Time
}

// Remaining reports how many uses are left.
func (invite InviteRecord) Remaining() int64 {
	remaining := invite.MaxUses - invite.Uses
	if remaining < 0 {
		return 0
	}
	return remaining
}

// OrderRecord is a stored payment order.
type OrderRecord struct {
	OrderRef       string
	PaymentID      string
	Signature      string
	Status         OrderStatus
	AmountPaise    int64
	Currency       string
	AccountID      string
	Phone          string
	SlotNumber     int64
	GatewayPayload string
	FailureReason  string
	VerifiedAt     *time.Time
	CreatedAt      time.Time
}

// MembershipActivation carries the account updates applied on a verified
// payment.
type MembershipActivation struct {
	AccountID   string
	SlotNumber  int64
	SlotCode    string
	OrderRef    string
	PaymentID   string
	AmountPaise int64
	ValidTill   time.Time
	ActivatedAt time.Time
}

// Store is the persistence contract used by Service. Every mutating operation
// is a single conditional write: the store checks the stated precondition and
// applies the update in one indivisible step, reporting a typed error when the
// precondition no longer holds.
type Store interface {
	// NextSequence increments the named counter and returns the new value,
	// creating the counter at zero on first use.
	NextSequence(ctx context.Context, key string) (int64, error)

	GetOrCreateAccountBySession(ctx context.Context, sessionID string) (AccountRecord, error)
	GetAccount(ctx context.Context, accountID string) (AccountRecord, error)
	FindAccountIDByPhone(ctx context.Context, phone string) (string, bool, error)
	// StageChallenge writes the phone and challenge hash onto the account,
	// replacing any live challenge. ErrConflict when the phone is bound to a
	// different account.
	StageChallenge(ctx context.Context, accountID string, phone string, codeHash string, expiresAt time.Time) error
	// ClearChallenge consumes the challenge only if the stored hash still
	// matches, marking the phone verified. ErrNotFound when another verify
	// already consumed it.
	ClearChallenge(ctx context.Context, accountID string, codeHash string, verifiedAt time.Time) error
	// AssignRankIfUnset sets the join rank only while it is still zero and
	// reports whether this call performed the write.
	AssignRankIfUnset(ctx context.Context, accountID string, rank int64) (bool, error)
	// StageInvite binds an entered invite code to the account for later
	// consumption.
	StageInvite(ctx context.Context, accountID string, code string) error
	// ActivateMembership applies the paid-order account updates.
	ActivateMembership(ctx context.Context, activation MembershipActivation) error

	// InsertInvite stores a fresh code. ErrInviteExists on a token collision.
	InsertInvite(ctx context.Context, invite InviteRecord) error
	GetInvite(ctx context.Context, code string) (InviteRecord, error)
	// ConsumeInvite increments uses only while uses < max_uses, the code is
	// active, and now is before expiry — one conditional write. ErrNotFound
	// when the guard fails; callers discriminate by re-reading.
	ConsumeInvite(ctx context.Context, code string, accountID string, now time.Time) (InviteRecord, error)
	// DeactivateExhaustedInvite is the best-effort fast-path flag; the uses
	// guard above stays authoritative.
	DeactivateExhaustedInvite(ctx context.Context, code string) error

	SmallestFreeSlot(ctx context.Context) (int64, bool, error)
	// ClaimFreeSlot flips one slot free->reserved only if still free.
	// ErrConflict when a concurrent claimant won the slot.
	ClaimFreeSlot(ctx context.Context, number int64, accountID string, orderRef string, holdExpiresAt time.Time) error
	MaxSlotNumber(ctx context.Context) (int64, error)
	// InsertReservedSlot creates a brand-new numbered slot directly in the
	// reserved state. ErrSlotExists when the number was taken concurrently.
	InsertReservedSlot(ctx context.Context, slot SlotRecord) error
	GetSlot(ctx context.Context, number int64) (SlotRecord, error)
	// RebindSlotHold repoints a reserved hold from one order ref to another.
	RebindSlotHold(ctx context.Context, fromOrderRef string, toOrderRef string) error
	// AssignReservedSlot flips reserved->assigned for the slot holding
	// orderRef and returns its number. ErrNotFound when no such hold remains.
	AssignReservedSlot(ctx context.Context, orderRef string, accountID string, assignedAt time.Time) (int64, error)
	// ReleaseExpiredHolds frees every reserved slot whose hold expiry has
	// passed and reports how many were released.
	ReleaseExpiredHolds(ctx context.Context, now time.Time) (int64, error)

	// InsertOrder stores the gateway-confirmed order. ErrConflict on a
	// duplicate order ref.
	InsertOrder(ctx context.Context, order OrderRecord) error
	GetOrder(ctx context.Context, orderRef string) (OrderRecord, error)
	// MarkOrderPaid flips created->paid only once. ErrNotFound when the order
	// is no longer in the created state.
	MarkOrderPaid(ctx context.Context, orderRef string, paymentID string, signature string, paidAt time.Time) error
	// MarkOrderFailed flips created->failed only once.
	MarkOrderFailed(ctx context.Context, orderRef string, reason string, failedAt time.Time) error
	// SetOrderSlotNumber records the slot number actually assigned, which may
	// differ from the reservation when the hold expired before verification.
	SetOrderSlotNumber(ctx context.Context, orderRef string, slotNumber int64) error
}

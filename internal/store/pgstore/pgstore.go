// Package pgstore implements funnel.Store directly on a pgx connection pool.
// It is the production PostgreSQL path; gormstore serves SQLite and runs the
// migrations. Each mutating statement carries its precondition in the WHERE
// clause and reports RowsAffected zero as the typed precondition failure, the
// same compare-and-swap contract the other stores honor.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

const (
	pgUniqueViolationCode = "23505"

	errorOperationStore = "store"
	errorSubjectAccount = "account"
	errorSubjectCounter = "counter"
	errorSubjectInvite  = "invite"
	errorSubjectOrder   = "order"
	errorSubjectSlot    = "slot"

	errorCodeAssign    = "assign"
	errorCodeClaim     = "claim"
	errorCodeConsume   = "consume"
	errorCodeCreate    = "create"
	errorCodeDuplicate = "duplicate"
	errorCodeGet       = "get"
	errorCodeInsert    = "insert"
	errorCodeInvalid   = "invalid"
	errorCodeLookup    = "lookup"
	errorCodeNext      = "next"
	errorCodeRebind    = "rebind"
	errorCodeRelease   = "release"
	errorCodeUpdate    = "update"

	sqlNextSequence = `
		insert into counters(key, value) values($1, 1)
		on conflict (key) do update set value = counters.value + 1
		returning value
	`

	sqlSelectAccountBySession = `
		select account_id, session_id, name, coalesce(phone,''), phone_verified, phone_verified_at,
			challenge_hash, challenge_expires_at, rank, slot_number, slot_code,
			staged_invite, invite_verified, membership_status, membership_till, created_at
		from accounts where session_id = $1
	`

	sqlInsertAccount = `
		insert into accounts(
			account_id, session_id, name, phone, phone_verified, challenge_hash,
			rank, slot_number, slot_code, staged_invite, invite_verified,
			membership_status, created_at, updated_at
		)
		values(gen_random_uuid(), $1, '', null, false, '', 0, 0, '', '', false, $2, now(), now())
	`

	sqlSelectAccountByID = `
		select account_id, session_id, name, coalesce(phone,''), phone_verified, phone_verified_at,
			challenge_hash, challenge_expires_at, rank, slot_number, slot_code,
			staged_invite, invite_verified, membership_status, membership_till, created_at
		from accounts where account_id = $1
	`

	sqlSelectAccountIDByPhone = `select account_id from accounts where phone = $1`

	sqlStageChallenge = `
		update accounts
		set phone = $2, phone_verified = false, phone_verified_at = null,
			challenge_hash = $3, challenge_expires_at = $4, updated_at = now()
		where account_id = $1
	`

	sqlClearChallenge = `
		update accounts
		set challenge_hash = '', challenge_expires_at = null,
			phone_verified = true, phone_verified_at = $3, updated_at = now()
		where account_id = $1 and challenge_hash = $2 and challenge_hash <> ''
	`

	sqlAssignRank = `
		update accounts set rank = $2, updated_at = now()
		where account_id = $1 and rank = 0
	`

	sqlStageInvite = `
		update accounts set staged_invite = $2, updated_at = now()
		where account_id = $1
	`

	sqlActivateMembership = `
		update accounts
		set slot_number = $2, slot_code = $3, membership_status = $4,
			membership_till = $5, invite_verified = (staged_invite <> ''), updated_at = now()
		where account_id = $1
	`

	sqlInsertInvite = `
		insert into invite_codes(code, max_uses, uses, active, expires_at, issued_by, created_at)
		values($1, $2, $3, $4, $5, $6, $7)
	`

	sqlSelectInvite = `
		select code, max_uses, uses, active, expires_at, issued_by, created_at
		from invite_codes where code = $1
	`

	sqlConsumeInvite = `
		update invite_codes set uses = uses + 1
		where code = $1 and active and uses < max_uses and expires_at > $2
		returning code, max_uses, uses, active, expires_at, issued_by, created_at
	`

	sqlDeactivateInvite = `
		update invite_codes set active = false
		where code = $1 and uses >= max_uses
	`

	sqlSmallestFreeSlot = `
		select number from creator_slots where status = 'free'
		order by number asc limit 1
	`

	sqlClaimFreeSlot = `
		update creator_slots
		set status = 'reserved', reserved_by = $2, hold_order_ref = $3,
			hold_expires_at = $4, updated_at = now()
		where number = $1 and status = 'free'
	`

	sqlMaxSlotNumber = `select coalesce(max(number),0) from creator_slots`

	sqlInsertReservedSlot = `
		insert into creator_slots(
			number, status, reserved_by, hold_order_ref, hold_expires_at,
			assigned_to, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, '', now(), now())
	`

	sqlSelectSlot = `
		select number, status, reserved_by, hold_order_ref, hold_expires_at, assigned_to, assigned_at
		from creator_slots where number = $1
	`

	sqlRebindSlotHold = `
		update creator_slots set hold_order_ref = $2, updated_at = now()
		where hold_order_ref = $1 and status = 'reserved'
	`

	sqlAssignReservedSlot = `
		update creator_slots
		set status = 'assigned', assigned_to = $2, assigned_at = $3,
			hold_order_ref = '', hold_expires_at = null, reserved_by = '', updated_at = now()
		where hold_order_ref = $1 and status = 'reserved'
		returning number
	`

	sqlReleaseExpiredHolds = `
		update creator_slots
		set status = 'free', reserved_by = '', hold_order_ref = '',
			hold_expires_at = null, updated_at = now()
		where status = 'reserved' and hold_expires_at < $1
	`

	sqlInsertOrder = `
		insert into payment_orders(
			order_ref, payment_id, signature, status, amount_paise, currency,
			account_id, phone, slot_number, gateway_payload, failure_reason,
			created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, coalesce(nullif($10,''),'{}')::jsonb, '', $11, now())
	`

	sqlSelectOrder = `
		select order_ref, payment_id, signature, status, amount_paise, currency,
			account_id, phone, slot_number, gateway_payload::text, failure_reason,
			verified_at, created_at
		from payment_orders where order_ref = $1
	`

	sqlMarkOrderPaid = `
		update payment_orders
		set status = 'paid', payment_id = $2, signature = $3, verified_at = $4, updated_at = now()
		where order_ref = $1 and status = 'created'
	`

	sqlMarkOrderFailed = `
		update payment_orders
		set status = 'failed', failure_reason = $2, verified_at = $3, updated_at = now()
		where order_ref = $1 and status = 'created'
	`

	sqlSetOrderSlotNumber = `
		update payment_orders set slot_number = $2, updated_at = now()
		where order_ref = $1
	`
)

// Store implements funnel.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) NextSequence(ctx context.Context, key string) (int64, error) {
	var value int64
	if err := store.pool.QueryRow(ctx, sqlNextSequence, key).Scan(&value); err != nil {
		return 0, wrapStoreError(errorSubjectCounter, errorCodeNext, err)
	}
	return value, nil
}

func (store *Store) GetOrCreateAccountBySession(ctx context.Context, sessionID string) (funnel.AccountRecord, error) {
	account, err := store.scanAccount(store.pool.QueryRow(ctx, sqlSelectAccountBySession, sessionID))
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return funnel.AccountRecord{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	_, insertErr := store.pool.Exec(ctx, sqlInsertAccount, sessionID, string(funnel.MembershipStatusNone))
	if insertErr != nil && !isUniqueViolation(insertErr) {
		return funnel.AccountRecord{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, insertErr)
	}
	// Either we created it or a concurrent first contact did.
	account, err = store.scanAccount(store.pool.QueryRow(ctx, sqlSelectAccountBySession, sessionID))
	if err != nil {
		return funnel.AccountRecord{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (funnel.AccountRecord, error) {
	account, err := store.scanAccount(store.pool.QueryRow(ctx, sqlSelectAccountByID, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return funnel.AccountRecord{}, wrapStoreError(errorSubjectAccount, errorCodeGet, funnel.ErrNotFound)
	}
	if err != nil {
		return funnel.AccountRecord{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) FindAccountIDByPhone(ctx context.Context, phone string) (string, bool, error) {
	var accountID string
	err := store.pool.QueryRow(ctx, sqlSelectAccountIDByPhone, phone).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return accountID, true, nil
}

func (store *Store) StageChallenge(ctx context.Context, accountID string, phone string, codeHash string, expiresAt time.Time) error {
	tag, err := store.pool.Exec(ctx, sqlStageChallenge, accountID, phone, codeHash, expiresAt.UTC())
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, funnel.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeGet, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) ClearChallenge(ctx context.Context, accountID string, codeHash string, verifiedAt time.Time) error {
	tag, err := store.pool.Exec(ctx, sqlClearChallenge, accountID, codeHash, verifiedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeConsume, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) AssignRankIfUnset(ctx context.Context, accountID string, rank int64) (bool, error) {
	tag, err := store.pool.Exec(ctx, sqlAssignRank, accountID, rank)
	if err != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (store *Store) StageInvite(ctx context.Context, accountID string, code string) error {
	tag, err := store.pool.Exec(ctx, sqlStageInvite, accountID, code)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeGet, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) ActivateMembership(ctx context.Context, activation funnel.MembershipActivation) error {
	tag, err := store.pool.Exec(ctx, sqlActivateMembership,
		activation.AccountID,
		activation.SlotNumber,
		activation.SlotCode,
		string(funnel.MembershipStatusActive),
		activation.ValidTill.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeGet, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) InsertInvite(ctx context.Context, invite funnel.InviteRecord) error {
	_, err := store.pool.Exec(ctx, sqlInsertInvite,
		invite.Code, invite.MaxUses, invite.Uses, invite.Active,
		invite.ExpiresAt.UTC(), invite.IssuedBy, invite.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectInvite, errorCodeDuplicate, funnel.ErrInviteExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectInvite, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetInvite(ctx context.Context, code string) (funnel.InviteRecord, error) {
	invite, err := scanInvite(store.pool.QueryRow(ctx, sqlSelectInvite, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return funnel.InviteRecord{}, wrapStoreError(errorSubjectInvite, errorCodeGet, funnel.ErrNotFound)
	}
	if err != nil {
		return funnel.InviteRecord{}, wrapStoreError(errorSubjectInvite, errorCodeGet, err)
	}
	return invite, nil
}

func (store *Store) ConsumeInvite(ctx context.Context, code string, _ string, now time.Time) (funnel.InviteRecord, error) {
	invite, err := scanInvite(store.pool.QueryRow(ctx, sqlConsumeInvite, code, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return funnel.InviteRecord{}, wrapStoreError(errorSubjectInvite, errorCodeConsume, funnel.ErrNotFound)
	}
	if err != nil {
		return funnel.InviteRecord{}, wrapStoreError(errorSubjectInvite, errorCodeConsume, err)
	}
	return invite, nil
}

func (store *Store) DeactivateExhaustedInvite(ctx context.Context, code string) error {
	if _, err := store.pool.Exec(ctx, sqlDeactivateInvite, code); err != nil {
		return wrapStoreError(errorSubjectInvite, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) SmallestFreeSlot(ctx context.Context) (int64, bool, error) {
	var number int64
	err := store.pool.QueryRow(ctx, sqlSmallestFreeSlot).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectSlot, errorCodeLookup, err)
	}
	return number, true, nil
}

func (store *Store) ClaimFreeSlot(ctx context.Context, number int64, accountID string, orderRef string, holdExpiresAt time.Time) error {
	tag, err := store.pool.Exec(ctx, sqlClaimFreeSlot, number, accountID, orderRef, holdExpiresAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeClaim, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeClaim, funnel.ErrConflict)
	}
	return nil
}

func (store *Store) MaxSlotNumber(ctx context.Context) (int64, error) {
	var max int64
	if err := store.pool.QueryRow(ctx, sqlMaxSlotNumber).Scan(&max); err != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeLookup, err)
	}
	return max, nil
}

func (store *Store) InsertReservedSlot(ctx context.Context, slot funnel.SlotRecord) error {
	var holdExpiresAt *time.Time
	if slot.HoldExpiresAt != nil {
		utc := slot.HoldExpiresAt.UTC()
		holdExpiresAt = &utc
	}
	_, err := store.pool.Exec(ctx, sqlInsertReservedSlot,
		slot.Number, slot.Status.String(), slot.ReservedBy, slot.HoldOrderRef, holdExpiresAt,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectSlot, errorCodeDuplicate, funnel.ErrSlotExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetSlot(ctx context.Context, number int64) (funnel.SlotRecord, error) {
	row := store.pool.QueryRow(ctx, sqlSelectSlot, number)
	var (
		slot      funnel.SlotRecord
		rawStatus string
	)
	err := row.Scan(&slot.Number, &rawStatus, &slot.ReservedBy, &slot.HoldOrderRef, &slot.HoldExpiresAt, &slot.AssignedTo, &slot.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return funnel.SlotRecord{}, wrapStoreError(errorSubjectSlot, errorCodeGet, funnel.ErrNotFound)
	}
	if err != nil {
		return funnel.SlotRecord{}, wrapStoreError(errorSubjectSlot, errorCodeGet, err)
	}
	status, err := funnel.ParseSlotStatus(rawStatus)
	if err != nil {
		return funnel.SlotRecord{}, wrapStoreError(errorSubjectSlot, errorCodeInvalid, err)
	}
	slot.Status = status
	return slot, nil
}

func (store *Store) RebindSlotHold(ctx context.Context, fromOrderRef string, toOrderRef string) error {
	tag, err := store.pool.Exec(ctx, sqlRebindSlotHold, fromOrderRef, toOrderRef)
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeRebind, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeRebind, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) AssignReservedSlot(ctx context.Context, orderRef string, accountID string, assignedAt time.Time) (int64, error) {
	var number int64
	err := store.pool.QueryRow(ctx, sqlAssignReservedSlot, orderRef, accountID, assignedAt.UTC()).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeAssign, funnel.ErrNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeAssign, err)
	}
	return number, nil
}

func (store *Store) ReleaseExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, sqlReleaseExpiredHolds, now.UTC())
	if err != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeRelease, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) InsertOrder(ctx context.Context, order funnel.OrderRecord) error {
	createdAt := order.CreatedAt.UTC()
	if order.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.pool.Exec(ctx, sqlInsertOrder,
		order.OrderRef, order.PaymentID, order.Signature, order.Status.String(),
		order.AmountPaise, order.Currency, order.AccountID, order.Phone,
		order.SlotNumber, order.GatewayPayload, createdAt,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, funnel.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetOrder(ctx context.Context, orderRef string) (funnel.OrderRecord, error) {
	row := store.pool.QueryRow(ctx, sqlSelectOrder, orderRef)
	var (
		order     funnel.OrderRecord
		rawStatus string
	)
	err := row.Scan(
		&order.OrderRef, &order.PaymentID, &order.Signature, &rawStatus,
		&order.AmountPaise, &order.Currency, &order.AccountID, &order.Phone,
		&order.SlotNumber, &order.GatewayPayload, &order.FailureReason,
		&order.VerifiedAt, &order.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return funnel.OrderRecord{}, wrapStoreError(errorSubjectOrder, errorCodeGet, funnel.ErrNotFound)
	}
	if err != nil {
		return funnel.OrderRecord{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	status, err := funnel.ParseOrderStatus(rawStatus)
	if err != nil {
		return funnel.OrderRecord{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	order.Status = status
	return order, nil
}

func (store *Store) MarkOrderPaid(ctx context.Context, orderRef string, paymentID string, signature string, paidAt time.Time) error {
	tag, err := store.pool.Exec(ctx, sqlMarkOrderPaid, orderRef, paymentID, signature, paidAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) MarkOrderFailed(ctx context.Context, orderRef string, reason string, failedAt time.Time) error {
	tag, err := store.pool.Exec(ctx, sqlMarkOrderFailed, orderRef, reason, failedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) SetOrderSlotNumber(ctx context.Context, orderRef string, slotNumber int64) error {
	tag, err := store.pool.Exec(ctx, sqlSetOrderSlotNumber, orderRef, slotNumber)
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectOrder, errorCodeGet, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) scanAccount(row pgx.Row) (funnel.AccountRecord, error) {
	var account funnel.AccountRecord
	var membershipStatus string
	err := row.Scan(
		&account.AccountID, &account.SessionID, &account.Name, &account.Phone,
		&account.PhoneVerified, &account.PhoneVerifiedAt,
		&account.ChallengeHash, &account.ChallengeExpiresAt,
		&account.Rank, &account.SlotNumber, &account.SlotCode,
		&account.StagedInvite, &account.InviteVerified,
		&membershipStatus, &account.MembershipTill, &account.CreatedAt,
	)
	if err != nil {
		return funnel.AccountRecord{}, err
	}
	account.MembershipStatus = funnel.MembershipStatus(membershipStatus)
	return account, nil
}

func scanInvite(row pgx.Row) (funnel.InviteRecord, error) {
	var invite funnel.InviteRecord
	err := row.Scan(
		&invite.Code, &invite.MaxUses, &invite.Uses, &invite.Active,
		&invite.ExpiresAt, &invite.IssuedBy, &invite.CreatedAt,
	)
	if err != nil {
		return funnel.InviteRecord{}, err
	}
	return invite, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return funnel.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

// Package gormstore implements funnel.Store on GORM over PostgreSQL or
// SQLite. Every mutating operation is a single conditional statement: the
// precondition lives in the WHERE clause (or the unique index) and a zero
// RowsAffected result means the precondition no longer held. No multi-row
// transactions are used; this is the store's compare-and-swap, nothing more.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dreamstageindia/welcome-dreamstage-tech/pkg/funnel"
)

const (
	defaultGatewayPayload = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

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

	counterInsertAttempts = 4
)

// Store implements funnel.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Postgres deployments normally run migrations
// out of band; sqlite and tests use this.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Counter{}, &Account{}, &CreatorSlot{}, &InviteCode{}, &PaymentOrder{})
}

func (store *Store) NextSequence(ctx context.Context, key string) (int64, error) {
	for attempt := 0; attempt < counterInsertAttempts; attempt++ {
		var row Counter
		result := store.db.WithContext(ctx).
			Raw("UPDATE counters SET value = value + 1 WHERE key = ? RETURNING key, value", key).
			Scan(&row)
		if result.Error != nil {
			return 0, wrapStoreError(errorSubjectCounter, errorCodeNext, result.Error)
		}
		if result.RowsAffected > 0 {
			return row.Value, nil
		}
		createErr := store.db.WithContext(ctx).Create(&Counter{Key: key, Value: 1}).Error
		if createErr == nil {
			return 1, nil
		}
		if isUniqueViolation(createErr) {
			// Lost the lazy-create race; the update will succeed now.
			continue
		}
		return 0, wrapStoreError(errorSubjectCounter, errorCodeCreate, createErr)
	}
	return 0, wrapStoreError(errorSubjectCounter, errorCodeCreate, funnel.ErrUpstream)
}

func (store *Store) GetOrCreateAccountBySession(ctx context.Context, sessionID string) (funnel.AccountRecord, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		model = Account{SessionID: sessionID, MembershipStatus: string(funnel.MembershipStatusNone)}
		createErr := store.db.WithContext(ctx).Create(&model).Error
		if isUniqueViolation(createErr) {
			// Concurrent first contact for the same session.
			err = store.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&model).Error
		} else {
			err = createErr
		}
	}
	if err != nil {
		return funnel.AccountRecord{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model), nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (funnel.AccountRecord, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return funnel.AccountRecord{}, wrapStoreError(errorSubjectAccount, errorCodeGet, funnel.ErrNotFound)
	}
	if err != nil {
		return funnel.AccountRecord{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) FindAccountIDByPhone(ctx context.Context, phone string) (string, bool, error) {
	var model Account
	err := store.db.WithContext(ctx).Select("account_id").Where("phone = ?", phone).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return model.AccountID, true, nil
}

func (store *Store) StageChallenge(ctx context.Context, accountID string, phone string, codeHash string, expiresAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"phone":                &phone,
			"phone_verified":       false,
			"phone_verified_at":    nil,
			"challenge_hash":       codeHash,
			"challenge_expires_at": expiresAt,
		})
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, funnel.ErrConflict)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeGet, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) ClearChallenge(ctx context.Context, accountID string, codeHash string, verifiedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND challenge_hash = ? AND challenge_hash <> ''", accountID, codeHash).
		Updates(map[string]interface{}{
			"challenge_hash":       "",
			"challenge_expires_at": nil,
			"phone_verified":       true,
			"phone_verified_at":    verifiedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeConsume, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) AssignRankIfUnset(ctx context.Context, accountID string, rank int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND rank = 0", accountID).
		Update("rank", rank)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) StageInvite(ctx context.Context, accountID string, code string) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("staged_invite", code)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeGet, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) ActivateMembership(ctx context.Context, activation funnel.MembershipActivation) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", activation.AccountID).
		Updates(map[string]interface{}{
			"slot_number":       activation.SlotNumber,
			"slot_code":         activation.SlotCode,
			"membership_status": string(funnel.MembershipStatusActive),
			"membership_till":   activation.ValidTill,
			"invite_verified":   gorm.Expr("staged_invite <> ''"),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeGet, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) InsertInvite(ctx context.Context, invite funnel.InviteRecord) error {
	model := InviteCode{
		Code:      invite.Code,
		MaxUses:   invite.MaxUses,
		Uses:      invite.Uses,
		Active:    invite.Active,
		ExpiresAt: invite.ExpiresAt.UTC(),
		IssuedBy:  invite.IssuedBy,
		CreatedAt: invite.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectInvite, errorCodeDuplicate, funnel.ErrInviteExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectInvite, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetInvite(ctx context.Context, code string) (funnel.InviteRecord, error) {
	var model InviteCode
	err := store.db.WithContext(ctx).Where("code = ?", code).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return funnel.InviteRecord{}, wrapStoreError(errorSubjectInvite, errorCodeGet, funnel.ErrNotFound)
	}
	if err != nil {
		return funnel.InviteRecord{}, wrapStoreError(errorSubjectInvite, errorCodeGet, err)
	}
	return mapInvite(model), nil
}

func (store *Store) ConsumeInvite(ctx context.Context, code string, _ string, now time.Time) (funnel.InviteRecord, error) {
	var row InviteCode
	result := store.db.WithContext(ctx).
		Raw(`UPDATE invite_codes
			SET uses = uses + 1
			WHERE code = ? AND active AND uses < max_uses AND expires_at > ?
			RETURNING code, max_uses, uses, active, expires_at, issued_by, created_at`, code, now.UTC()).
		Scan(&row)
	if result.Error != nil {
		return funnel.InviteRecord{}, wrapStoreError(errorSubjectInvite, errorCodeConsume, result.Error)
	}
	if result.RowsAffected == 0 {
		return funnel.InviteRecord{}, wrapStoreError(errorSubjectInvite, errorCodeConsume, funnel.ErrNotFound)
	}
	return mapInvite(row), nil
}

func (store *Store) DeactivateExhaustedInvite(ctx context.Context, code string) error {
	err := store.db.WithContext(ctx).
		Model(&InviteCode{}).
		Where("code = ? AND uses >= max_uses", code).
		Update("active", false).Error
	if err != nil {
		return wrapStoreError(errorSubjectInvite, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) SmallestFreeSlot(ctx context.Context) (int64, bool, error) {
	var model CreatorSlot
	err := store.db.WithContext(ctx).
		Where("status = ?", funnel.SlotStatusFree.String()).
		Order("number ASC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectSlot, errorCodeLookup, err)
	}
	return model.Number, true, nil
}

func (store *Store) ClaimFreeSlot(ctx context.Context, number int64, accountID string, orderRef string, holdExpiresAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&CreatorSlot{}).
		Where("number = ? AND status = ?", number, funnel.SlotStatusFree.String()).
		Updates(map[string]interface{}{
			"status":          funnel.SlotStatusReserved.String(),
			"reserved_by":     accountID,
			"hold_order_ref":  orderRef,
			"hold_expires_at": holdExpiresAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeClaim, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeClaim, funnel.ErrConflict)
	}
	return nil
}

func (store *Store) MaxSlotNumber(ctx context.Context) (int64, error) {
	var sum sqlMax
	err := store.db.WithContext(ctx).
		Model(&CreatorSlot{}).
		Select("coalesce(max(number),0) as max").
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeLookup, err)
	}
	return sum.Max, nil
}

func (store *Store) InsertReservedSlot(ctx context.Context, slot funnel.SlotRecord) error {
	model := CreatorSlot{
		Number:        slot.Number,
		Status:        slot.Status.String(),
		ReservedBy:    slot.ReservedBy,
		HoldOrderRef:  slot.HoldOrderRef,
		HoldExpiresAt: slot.HoldExpiresAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectSlot, errorCodeDuplicate, funnel.ErrSlotExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetSlot(ctx context.Context, number int64) (funnel.SlotRecord, error) {
	var model CreatorSlot
	err := store.db.WithContext(ctx).Where("number = ?", number).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return funnel.SlotRecord{}, wrapStoreError(errorSubjectSlot, errorCodeGet, funnel.ErrNotFound)
	}
	if err != nil {
		return funnel.SlotRecord{}, wrapStoreError(errorSubjectSlot, errorCodeGet, err)
	}
	return mapSlot(model)
}

func (store *Store) RebindSlotHold(ctx context.Context, fromOrderRef string, toOrderRef string) error {
	result := store.db.WithContext(ctx).
		Model(&CreatorSlot{}).
		Where("hold_order_ref = ? AND status = ?", fromOrderRef, funnel.SlotStatusReserved.String()).
		Update("hold_order_ref", toOrderRef)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSlot, errorCodeRebind, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSlot, errorCodeRebind, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) AssignReservedSlot(ctx context.Context, orderRef string, accountID string, assignedAt time.Time) (int64, error) {
	var model CreatorSlot
	err := store.db.WithContext(ctx).
		Select("number").
		Where("hold_order_ref = ? AND status = ?", orderRef, funnel.SlotStatusReserved.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeAssign, funnel.ErrNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeAssign, err)
	}
	result := store.db.WithContext(ctx).
		Model(&CreatorSlot{}).
		Where("number = ? AND hold_order_ref = ? AND status = ?", model.Number, orderRef, funnel.SlotStatusReserved.String()).
		Updates(map[string]interface{}{
			"status":          funnel.SlotStatusAssigned.String(),
			"assigned_to":     accountID,
			"assigned_at":     assignedAt,
			"hold_order_ref":  "",
			"hold_expires_at": nil,
			"reserved_by":     "",
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeAssign, result.Error)
	}
	if result.RowsAffected == 0 {
		// The sweep freed the hold between the read and the flip.
		return 0, wrapStoreError(errorSubjectSlot, errorCodeAssign, funnel.ErrNotFound)
	}
	return model.Number, nil
}

func (store *Store) ReleaseExpiredHolds(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&CreatorSlot{}).
		Where("status = ? AND hold_expires_at < ?", funnel.SlotStatusReserved.String(), now.UTC()).
		Updates(map[string]interface{}{
			"status":          funnel.SlotStatusFree.String(),
			"reserved_by":     "",
			"hold_order_ref":  "",
			"hold_expires_at": nil,
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectSlot, errorCodeRelease, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) InsertOrder(ctx context.Context, order funnel.OrderRecord) error {
	model := PaymentOrder{
		OrderRef:       order.OrderRef,
		PaymentID:      order.PaymentID,
		Signature:      order.Signature,
		Status:         order.Status.String(),
		AmountPaise:    order.AmountPaise,
		Currency:       order.Currency,
		AccountID:      order.AccountID,
		Phone:          order.Phone,
		SlotNumber:     order.SlotNumber,
		GatewayPayload: datatypesJSON(order.GatewayPayload),
		CreatedAt:      order.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, funnel.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetOrder(ctx context.Context, orderRef string) (funnel.OrderRecord, error) {
	var model PaymentOrder
	err := store.db.WithContext(ctx).Where("order_ref = ?", orderRef).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return funnel.OrderRecord{}, wrapStoreError(errorSubjectOrder, errorCodeGet, funnel.ErrNotFound)
	}
	if err != nil {
		return funnel.OrderRecord{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	return mapOrder(model)
}

func (store *Store) MarkOrderPaid(ctx context.Context, orderRef string, paymentID string, signature string, paidAt time.Time) error {
	return store.settleOrder(ctx, orderRef, map[string]interface{}{
		"status":      funnel.OrderStatusPaid.String(),
		"payment_id":  paymentID,
		"signature":   signature,
		"verified_at": paidAt,
	})
}

func (store *Store) MarkOrderFailed(ctx context.Context, orderRef string, reason string, failedAt time.Time) error {
	return store.settleOrder(ctx, orderRef, map[string]interface{}{
		"status":         funnel.OrderStatusFailed.String(),
		"failure_reason": reason,
		"verified_at":    failedAt,
	})
}

func (store *Store) settleOrder(ctx context.Context, orderRef string, updates map[string]interface{}) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentOrder{}).
		Where("order_ref = ? AND status = ?", orderRef, funnel.OrderStatusCreated.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, funnel.ErrNotFound)
	}
	return nil
}

func (store *Store) SetOrderSlotNumber(ctx context.Context, orderRef string, slotNumber int64) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentOrder{}).
		Where("order_ref = ?", orderRef).
		Update("slot_number", slotNumber)
	if result.Error != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectOrder, errorCodeGet, funnel.ErrNotFound)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return funnel.WrapError(errorOperationStore, subject, code, err)
}

type sqlMax struct {
	Max int64
}

func mapAccount(model Account) funnel.AccountRecord {
	phone := ""
	if model.Phone != nil {
		phone = *model.Phone
	}
	return funnel.AccountRecord{
		AccountID:          model.AccountID,
		SessionID:          model.SessionID,
		Name:               model.Name,
		Phone:              phone,
		PhoneVerified:      model.PhoneVerified,
		PhoneVerifiedAt:    model.PhoneVerifiedAt,
		ChallengeHash:      model.ChallengeHash,
		ChallengeExpiresAt: model.ChallengeExpiresAt,
		Rank:               model.Rank,
		SlotNumber:         model.SlotNumber,
		SlotCode:           model.SlotCode,
		StagedInvite:       model.StagedInvite,
		InviteVerified:     model.InviteVerified,
		MembershipStatus:   funnel.MembershipStatus(model.MembershipStatus),
		MembershipTill:     model.MembershipTill,
		CreatedAt:          model.CreatedAt,
	}
}

func mapInvite(model InviteCode) funnel.InviteRecord {
	return funnel.InviteRecord{
		Code:      model.Code,
		MaxUses:   model.MaxUses,
		Uses:      model.Uses,
		Active:    model.Active,
		ExpiresAt: model.ExpiresAt,
		IssuedBy:  model.IssuedBy,
		CreatedAt: model.CreatedAt,
	}
}

func mapSlot(model CreatorSlot) (funnel.SlotRecord, error) {
	status, err := funnel.ParseSlotStatus(model.Status)
	if err != nil {
		return funnel.SlotRecord{}, wrapStoreError(errorSubjectSlot, errorCodeInvalid, err)
	}
	return funnel.SlotRecord{
		Number:        model.Number,
		Status:        status,
		ReservedBy:    model.ReservedBy,
		HoldOrderRef:  model.HoldOrderRef,
		HoldExpiresAt: model.HoldExpiresAt,
		AssignedTo:    model.AssignedTo,
		AssignedAt:    model.AssignedAt,
	}, nil
}

func mapOrder(model PaymentOrder) (funnel.OrderRecord, error) {
	status, err := funnel.ParseOrderStatus(model.Status)
	if err != nil {
		return funnel.OrderRecord{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	return funnel.OrderRecord{
		OrderRef:       model.OrderRef,
		PaymentID:      model.PaymentID,
		Signature:      model.Signature,
		Status:         status,
		AmountPaise:    model.AmountPaise,
		Currency:       model.Currency,
		AccountID:      model.AccountID,
		Phone:          model.Phone,
		SlotNumber:     model.SlotNumber,
		GatewayPayload: string(model.GatewayPayload),
		FailureReason:  model.FailureReason,
		VerifiedAt:     model.VerifiedAt,
		CreatedAt:      model.CreatedAt,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultGatewayPayload))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Counter represents the counters table. Value only increases.
type Counter struct {
	Key   string `gorm:"primaryKey"`
	Value int64  `gorm:"not null"`
}

func (Counter) TableName() string { return "counters" }

// Account mirrors the accounts table.
type Account struct {
	AccountID          string     `gorm:"type:uuid;primaryKey"`
	SessionID          string     `gorm:"not null;index:uniq_accounts_session,unique"`
	Name               string     `gorm:"not null;default:''"`
	Phone              *string    `gorm:"index:uniq_accounts_phone,unique"`
	PhoneVerified      bool       `gorm:"not null;default:false"`
	PhoneVerifiedAt    *time.Time `gorm:""`
	ChallengeHash      string     `gorm:"not null;default:''"`
	ChallengeExpiresAt *time.Time `gorm:""`
	Rank               int64      `gorm:"not null;default:0"`
	SlotNumber         int64      `gorm:"not null;default:0"`
	SlotCode           string     `gorm:"not null;default:''"`
	StagedInvite       string     `gorm:"not null;default:''"`
	InviteVerified     bool       `gorm:"not null;default:false"`
	MembershipStatus   string     `gorm:"not null;default:'none'"`
	MembershipTill     *time.Time `gorm:""`
	CreatedAt          time.Time  `gorm:"not null"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// CreatorSlot mirrors the creator_slots table. Numbers are never reused once
// assigned; released holds return to the free pool instead of being deleted so
// the sequence stays gapless.
type CreatorSlot struct {
	Number        int64      `gorm:"primaryKey;autoIncrement:false"`
	Status        string     `gorm:"not null;index:idx_slots_status"`
	ReservedBy    string     `gorm:"not null;default:''"`
	HoldOrderRef  string     `gorm:"not null;default:'';index:idx_slots_hold_order"`
	HoldExpiresAt *time.Time `gorm:""`
	AssignedTo    string     `gorm:"not null;default:''"`
	AssignedAt    *time.Time `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (CreatorSlot) TableName() string { return "creator_slots" }

// InviteCode mirrors the invite_codes table.
type InviteCode struct {
	Code      string    `gorm:"primaryKey"`
	MaxUses   int64     `gorm:"not null"`
	Uses      int64     `gorm:"not null;default:0"`
	Active    bool      `gorm:"not null;default:true;index:idx_invites_active"`
	ExpiresAt time.Time `gorm:"not null"`
	IssuedBy  string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
}

func (InviteCode) TableName() string { return "invite_codes" }

// PaymentOrder mirrors the payment_orders table.
type PaymentOrder struct {
	OrderRef       string         `gorm:"primaryKey"`
	PaymentID      string         `gorm:"not null;default:'';index:idx_orders_payment"`
	Signature      string         `gorm:"not null;default:''"`
	Status         string         `gorm:"not null;index:idx_orders_status"`
	AmountPaise    int64          `gorm:"not null"`
	Currency       string         `gorm:"not null"`
	AccountID      string         `gorm:"not null;index:idx_orders_account"`
	Phone          string         `gorm:"not null;default:''"`
	SlotNumber     int64          `gorm:"not null;default:0"`
	GatewayPayload datatypes.JSON `gorm:"not null"`
	FailureReason  string         `gorm:"not null;default:''"`
	VerifiedAt     *time.Time     `gorm:""`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (PaymentOrder) TableName() string { return "payment_orders" }

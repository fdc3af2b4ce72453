package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table; balances are materialized per bucket.
type Wallet struct {
	WalletID       string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;uniqueIndex:uniq_wallet_user"`
	Currency       string         `gorm:"size:3;not null"`
	AvailableCents int64          `gorm:"not null;check:chk_wallet_available,available_cents >= 0"`
	LockedCents    int64          `gorm:"not null;check:chk_wallet_locked,locked_cents >= 0"`
	Credits        datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt      time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table. Only Status is ever updated.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	WalletID       string         `gorm:"type:uuid;not null;index:idx_entries_wallet_created,priority:1"`
	Type           string         `gorm:"not null"`
	AmountCents    int64          `gorm:"not null;check:chk_entry_amount,amount_cents > 0"`
	Direction      string         `gorm:"not null;default:''"`
	CreditBucket   string         `gorm:"not null;default:''"`
	ReferenceType  string         `gorm:"not null;default:'';index:idx_entries_reference,priority:1"`
	ReferenceID    string         `gorm:"not null;default:'';index:idx_entries_reference,priority:2"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_entry_idem"`
	Status         string         `gorm:"not null"`
	SettlesEntryID *string        `gorm:"type:uuid"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;autoCreateTime:false;index:idx_entries_wallet_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// BookingIntent mirrors the booking_intents table.
type BookingIntent struct {
	IntentID           string    `gorm:"primaryKey"`
	BookingID          string    `gorm:"not null;index"`
	RenterID           string    `gorm:"not null;index"`
	AmountCents        int64     `gorm:"not null"`
	Currency           string    `gorm:"size:3;not null"`
	ProviderPaymentID  string    `gorm:"not null;default:''"`
	Status             string    `gorm:"not null;index:idx_booking_intents_status_updated,priority:1"`
	PaymentMethodToken string    `gorm:"not null;default:''"`
	Preauthorization   bool      `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false;index:idx_booking_intents_status_updated,priority:2"`
}

func (BookingIntent) TableName() string { return "booking_intents" }

// DepositIntent mirrors the deposit_intents table.
type DepositIntent struct {
	IntentID           string    `gorm:"primaryKey"`
	UserID             string    `gorm:"not null;index:idx_deposit_intents_user_created,priority:1"`
	Purpose            string    `gorm:"not null"`
	AmountCents        int64     `gorm:"not null"`
	Currency           string    `gorm:"size:3;not null"`
	ProviderPaymentID  string    `gorm:"not null;default:''"`
	Status             string    `gorm:"not null;index:idx_deposit_intents_status_updated,priority:1"`
	PaymentMethodToken string    `gorm:"not null;default:''"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime:false;index:idx_deposit_intents_user_created,priority:2"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false;index:idx_deposit_intents_status_updated,priority:2"`
}

func (DepositIntent) TableName() string { return "deposit_intents" }

// WebhookNotification mirrors the webhook_notifications table, one row per provider delivery id.
type WebhookNotification struct {
	NotificationID string    `gorm:"primaryKey"`
	PaymentID      string    `gorm:"not null;index"`
	RequestID      string    `gorm:"not null;default:''"`
	State          string    `gorm:"not null"`
	Outcome        string    `gorm:"not null;default:''"`
	ReceivedAt     time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (WebhookNotification) TableName() string { return "webhook_notifications" }

// RetryRecord mirrors the payment_retries table.
type RetryRecord struct {
	RetryID            string    `gorm:"primaryKey"`
	Kind               string    `gorm:"not null;uniqueIndex:uniq_retry_dedupe,priority:1"`
	DedupeKey          string    `gorm:"not null;uniqueIndex:uniq_retry_dedupe,priority:2"`
	TargetReference    string    `gorm:"not null;default:''"`
	BookingID          string    `gorm:"not null;default:''"`
	ProviderPaymentID  string    `gorm:"not null;default:''"`
	UserID             string    `gorm:"not null;default:''"`
	AmountCents        int64     `gorm:"not null"`
	Currency           string    `gorm:"not null;default:''"`
	PaymentMethodToken string    `gorm:"not null;default:''"`
	Attempt            int       `gorm:"not null"`
	MaxAttempts        int       `gorm:"not null"`
	TransientFailures  int       `gorm:"not null;default:0"`
	Status             string    `gorm:"not null;index:idx_retries_due,priority:1"`
	NextRetryAt        time.Time `gorm:"not null;index:idx_retries_due,priority:2"`
	LastError          string    `gorm:"not null;default:''"`
	PendingAttemptKey  string    `gorm:"not null;default:''"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (RetryRecord) TableName() string { return "payment_retries" }

// RewardPool mirrors the reward_pools table, one row per period.
type RewardPool struct {
	PoolID              string    `gorm:"primaryKey"`
	PeriodStart         time.Time `gorm:"not null;uniqueIndex:uniq_pool_period"`
	PeriodEnd           time.Time `gorm:"not null"`
	Status              string    `gorm:"not null;index"`
	TotalCollectedCents int64     `gorm:"not null"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (RewardPool) TableName() string { return "reward_pools" }

// PoolContribution mirrors the reward_contributions table.
type PoolContribution struct {
	ContributionID string    `gorm:"primaryKey"`
	PoolID         string    `gorm:"not null;index"`
	Reference      string    `gorm:"not null;uniqueIndex:uniq_contribution_reference"`
	AmountCents    int64     `gorm:"not null"`
	ContributedAt  time.Time `gorm:"not null"`
}

func (PoolContribution) TableName() string { return "reward_contributions" }

// RewardPayout mirrors the reward_payouts table.
type RewardPayout struct {
	PayoutID        string    `gorm:"primaryKey"`
	PoolID          string    `gorm:"not null;uniqueIndex:uniq_payout_pool_owner,priority:1"`
	OwnerID         string    `gorm:"not null;uniqueIndex:uniq_payout_pool_owner,priority:2"`
	AmountCents     int64     `gorm:"not null"`
	SharePercentage string    `gorm:"not null"`
	Eligibility     string    `gorm:"not null"`
	Status          string    `gorm:"not null;index:idx_payouts_status_updated,priority:1"`
	FreezeReason    string    `gorm:"not null;default:''"`
	TransferID      string    `gorm:"not null;default:''"`
	FailureReason   string    `gorm:"not null;default:''"`
	Attempts        int       `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime:false;index:idx_payouts_status_updated,priority:2"`
}

func (RewardPayout) TableName() string { return "reward_payouts" }

// ReviewItem mirrors the review_items table.
type ReviewItem struct {
	ReviewID   string         `gorm:"primaryKey"`
	Kind       string         `gorm:"not null;uniqueIndex:uniq_review_subject,priority:1"`
	Subject    string         `gorm:"not null;uniqueIndex:uniq_review_subject,priority:2"`
	Details    datatypes.JSON `gorm:"type:jsonb;not null"`
	Status     string         `gorm:"not null;index"`
	Resolution string         `gorm:"not null;default:''"`
	CreatedAt  time.Time      `gorm:"not null;autoCreateTime:false"`
	ResolvedAt *time.Time
}

func (ReviewItem) TableName() string { return "review_items" }

// CarDailyPoints mirrors the car_daily_points table: one score per car per UTC day.
type CarDailyPoints struct {
	CarID     string    `gorm:"primaryKey"`
	Day       time.Time `gorm:"primaryKey;index:idx_points_day"`
	OwnerID   string    `gorm:"not null;index"`
	Points    int64     `gorm:"not null;check:chk_points_non_negative,points >= 0"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (CarDailyPoints) TableName() string { return "car_daily_points" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&Wallet{},
		&LedgerEntry{},
		&BookingIntent{},
		&DepositIntent{},
		&WebhookNotification{},
		&RetryRecord{},
		&RewardPool{},
		&PoolContribution{},
		&RewardPayout{},
		&ReviewItem{},
		&CarDailyPoints{},
	}
}

package repo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransactionRecord is one confirmed M-Pesa receipt.
type TransactionRecord struct {
	ReceiptNumber   string          `gorm:"primaryKey;size:32"`
	RequestID       string          `gorm:"index;not null"`
	Purpose         string          `gorm:"not null"`
	PhoneNumber     string          `gorm:"size:20;not null"`
	Amount          decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	TransactionDate time.Time       `gorm:"not null"`
	RecordedAt      time.Time       `gorm:"autoCreateTime"`
}

func (TransactionRecord) TableName() string {
	return "mpesa_transactions"
}

type ContributionRecord struct {
	ID            uint            `gorm:"primaryKey"`
	ChamaID       int64           `gorm:"index;not null"`
	PhoneNumber   string          `gorm:"size:20;not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	ReceiptNumber string          `gorm:"size:32;uniqueIndex;not null"`
	RequestID     string          `gorm:"not null"`
	PaidAt        time.Time       `gorm:"not null"`
	CreatedAt     time.Time
}

func (ContributionRecord) TableName() string {
	return "mpesa_contributions"
}

type Journal interface {
	RecordTransaction(ctx context.Context, rec TransactionRecord) error
	RecordContribution(ctx context.Context, rec ContributionRecord) error
}

type GormJournal struct {
	db *gorm.DB
}

func NewGormJournal(db *gorm.DB) *GormJournal {
	return &GormJournal{db: db}
}

// RecordTransaction is idempotent on the receipt number.
func (j *GormJournal) RecordTransaction(ctx context.Context, rec TransactionRecord) error {
	return j.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
}

// RecordContribution is idempotent on the receipt number.
func (j *GormJournal) RecordContribution(ctx context.Context, rec ContributionRecord) error {
	return j.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
}

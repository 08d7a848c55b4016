package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	Pending Status = "pending"
	Success Status = "success"
	Failed  Status = "failed"
	Expired Status = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == Success || s == Failed || s == Expired
}

type Purpose string

const (
	PurposeLogin        Purpose = "login"
	PurposeContribution Purpose = "contribution"
)

// PaymentData is what the provider reports about a completed payment.
type PaymentData struct {
	Amount             decimal.Decimal `json:"amount"`
	MpesaReceiptNumber string          `json:"mpesa_receipt_number"`
	PhoneNumber        string          `json:"phone_number"`
	TransactionDate    time.Time       `json:"transaction_date"`
}

type PaymentRequest struct {
	RequestID         string
	Purpose           Purpose
	SubjectPhone      string
	Amount            decimal.Decimal
	ChamaID           int64
	Reference         string
	MerchantRequestID string
	Status            Status
	FailureReason     string
	PaymentData       *PaymentData
	CreatedAt         time.Time
	ExpiresAt         time.Time
	ResolvedAt        *time.Time

	// SessionToken is minted by the poller after success. Never persisted.
	SessionToken string
}

// ExpiredAt reports whether a pending request must be treated as expired at now.
func (p *PaymentRequest) ExpiredAt(now time.Time) bool {
	return p.Status == Pending && now.After(p.ExpiresAt)
}

package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/chama-payments/internal/model"
)

// PaymentRequestStore persists ledger entries so in-flight requests survive a restart.
type PaymentRequestStore interface {
	Insert(ctx context.Context, req *model.PaymentRequest) error
	SetMerchantID(ctx context.Context, requestID, merchantRequestID string) error
	SetResolved(ctx context.Context, requestID string, status model.Status, data *model.PaymentData, reason string, resolvedAt time.Time) error
	ListPending(ctx context.Context) ([]model.PaymentRequest, error)
}

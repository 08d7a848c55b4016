package service

import (
	"context"
	"errors"

	"github.com/LeventeLantos/chama-payments/internal/events"
	"github.com/LeventeLantos/chama-payments/internal/model"
	"github.com/LeventeLantos/chama-payments/internal/repo"
)

// Recorder turns resolved payment requests into journal rows and events. Its
// methods are meant to be passed to Reconciler.WithHooks.
type Recorder struct {
	journal   repo.Journal
	publisher events.Publisher
}

func NewRecorder(journal repo.Journal, publisher events.Publisher) *Recorder {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Recorder{journal: journal, publisher: publisher}
}

func (r *Recorder) OnSuccess(ctx context.Context, req model.PaymentRequest) error {
	if req.PaymentData == nil {
		return errors.New("successful request without payment data")
	}
	pd := req.PaymentData

	var errs []error
	if r.journal != nil {
		if err := r.journal.RecordTransaction(ctx, repo.TransactionRecord{
			ReceiptNumber:   pd.MpesaReceiptNumber,
			RequestID:       req.RequestID,
			Purpose:         string(req.Purpose),
			PhoneNumber:     pd.PhoneNumber,
			Amount:          pd.Amount,
			TransactionDate: pd.TransactionDate,
		}); err != nil {
			errs = append(errs, err)
		}

		if req.Purpose == model.PurposeContribution {
			if err := r.journal.RecordContribution(ctx, repo.ContributionRecord{
				ChamaID:       req.ChamaID,
				PhoneNumber:   req.SubjectPhone,
				Amount:        pd.Amount,
				ReceiptNumber: pd.MpesaReceiptNumber,
				RequestID:     req.RequestID,
				PaidAt:        pd.TransactionDate,
			}); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := r.publisher.PublishResolved(ctx, resolvedEvent(req)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Recorder) OnFailed(ctx context.Context, req model.PaymentRequest) error {
	return r.publisher.PublishResolved(ctx, resolvedEvent(req))
}

func resolvedEvent(req model.PaymentRequest) events.PaymentResolvedEvent {
	ev := events.PaymentResolvedEvent{
		RequestID:         req.RequestID,
		Purpose:           string(req.Purpose),
		Status:            string(req.Status),
		Phone:             req.SubjectPhone,
		ChamaID:           req.ChamaID,
		Amount:            req.Amount,
		MerchantRequestID: req.MerchantRequestID,
		Reason:            req.FailureReason,
	}
	if req.PaymentData != nil {
		ev.Amount = req.PaymentData.Amount
		ev.ReceiptNumber = req.PaymentData.MpesaReceiptNumber
	}
	if req.ResolvedAt != nil {
		ev.ResolvedAt = *req.ResolvedAt
	}
	return ev
}

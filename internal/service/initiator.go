package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/chama-payments/internal/client"
	"github.com/LeventeLantos/chama-payments/internal/ledger"
	"github.com/LeventeLantos/chama-payments/internal/metrics"
	"github.com/LeventeLantos/chama-payments/internal/model"
)

var ErrInvalidPayment = errors.New("invalid payment request")

const (
	loginDescription        = "MyChama login verification"
	contributionDescription = "MyChama contribution"
	pushAcceptedMessage     = "M-Pesa payment request sent to your phone"
)

type PushClient interface {
	SubmitPushPayment(ctx context.Context, in client.PushRequest) (client.PushResponse, error)
}

// Initiated is returned to the caller once the push is accepted by the provider.
type Initiated struct {
	RequestID string
	Message   string
	ExpiresIn time.Duration
}

type Initiator struct {
	ledger      *ledger.Ledger
	client      PushClient
	metrics     *metrics.PaymentMetrics
	loginAmount decimal.Decimal
	timeout     time.Duration
	refID       func() string
}

func NewInitiator(l *ledger.Ledger, c PushClient, m *metrics.PaymentMetrics, loginAmount decimal.Decimal, timeout time.Duration) (*Initiator, error) {
	if !loginAmount.IsPositive() {
		return nil, errors.New("login amount must be > 0")
	}
	if timeout <= 0 {
		return nil, errors.New("gateway timeout must be > 0")
	}
	gen, err := nanoid.Standard(8)
	if err != nil {
		return nil, err
	}
	return &Initiator{
		ledger:      l,
		client:      c,
		metrics:     m,
		loginAmount: loginAmount,
		timeout:     timeout,
		refID:       gen,
	}, nil
}

func (s *Initiator) StartLogin(ctx context.Context, phone string) (Initiated, error) {
	return s.start(ctx, ledger.NewRequest{
		Phone:   phone,
		Purpose: model.PurposeLogin,
		Amount:  s.loginAmount,
	}, loginDescription)
}

func (s *Initiator) StartContribution(ctx context.Context, phone string, amount decimal.Decimal, chamaID int64) (Initiated, error) {
	if !amount.IsPositive() {
		return Initiated{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidPayment)
	}
	if chamaID <= 0 {
		return Initiated{}, fmt.Errorf("%w: chama_id must be > 0", ErrInvalidPayment)
	}
	return s.start(ctx, ledger.NewRequest{
		Phone:     phone,
		Purpose:   model.PurposeContribution,
		Amount:    amount,
		ChamaID:   chamaID,
		Reference: "CHAMA" + strconv.FormatInt(chamaID, 10) + "-" + s.refID(),
	}, contributionDescription)
}

func (s *Initiator) start(ctx context.Context, in ledger.NewRequest, description string) (Initiated, error) {
	req, err := s.ledger.Create(ctx, in)
	if err != nil {
		return Initiated{}, err
	}
	s.metrics.RequestsCreatedTotal.WithLabelValues(string(req.Purpose)).Inc()

	pushCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.client.SubmitPushPayment(pushCtx, client.PushRequest{
		Phone:       req.SubjectPhone,
		Amount:      req.Amount,
		Reference:   req.Reference,
		Description: description,
	})
	s.metrics.ObserveGatewayCall(gatewayOutcome(err), started)
	if err != nil {
		slog.Warn("stk push failed", "request_id", req.RequestID, "purpose", req.Purpose, "error", err)
		s.fail(ctx, req, err.Error())
		return Initiated{}, err
	}

	if err := s.ledger.AttachMerchantID(ctx, req.RequestID, resp.MerchantRequestID); err != nil {
		slog.Error("correlate merchant request id failed",
			"request_id", req.RequestID, "merchant_request_id", resp.MerchantRequestID, "error", err)
		s.fail(ctx, req, err.Error())
		return Initiated{}, fmt.Errorf("correlate payment request: %w", err)
	}

	slog.Info("stk push accepted",
		"request_id", req.RequestID,
		"purpose", req.Purpose,
		"merchant_request_id", resp.MerchantRequestID,
	)
	return Initiated{
		RequestID: req.RequestID,
		Message:   pushAcceptedMessage,
		ExpiresIn: s.ledger.TTL(),
	}, nil
}

func (s *Initiator) fail(ctx context.Context, req model.PaymentRequest, reason string) {
	_, err := s.ledger.Resolve(ctx, req.RequestID, ledger.Resolution{Status: model.Failed, Reason: reason})
	switch {
	case err == nil:
		s.metrics.RequestsResolvedTotal.WithLabelValues(string(req.Purpose), string(model.Failed)).Inc()
	case errors.Is(err, ledger.ErrAlreadyResolved):
	default:
		slog.Error("mark payment request failed", "request_id", req.RequestID, "error", err)
	}
}

func gatewayOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, client.ErrGatewayAuthFailure):
		return "auth_failure"
	case errors.Is(err, client.ErrGatewayRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/chama-payments/internal/auth"
	"github.com/LeventeLantos/chama-payments/internal/ledger"
	"github.com/LeventeLantos/chama-payments/internal/metrics"
	"github.com/LeventeLantos/chama-payments/internal/model"
	"github.com/LeventeLantos/chama-payments/internal/repo"
)

// ErrPurposeMismatch is returned when a request is polled through the wrong flow.
var ErrPurposeMismatch = errors.New("payment request purpose mismatch")

type PollResult struct {
	State      model.Status
	Reason     string
	Credential *auth.Credential
	Request    model.PaymentRequest
}

type Poller struct {
	ledger  *ledger.Ledger
	users   repo.UserDirectory
	issuer  *auth.TokenIssuer
	metrics *metrics.PaymentMetrics
	now     func() time.Time
}

func NewPoller(l *ledger.Ledger, users repo.UserDirectory, issuer *auth.TokenIssuer, m *metrics.PaymentMetrics) *Poller {
	return &Poller{
		ledger:  l,
		users:   users,
		issuer:  issuer,
		metrics: m,
		now:     time.Now,
	}
}

// Poll reports the state of a request of the given purpose. Successful login
// requests carry a session credential, minted on the first successful poll and
// reused afterwards. A request of another purpose is left untouched.
func (p *Poller) Poll(ctx context.Context, requestID string, purpose model.Purpose) (PollResult, error) {
	req, err := p.ledger.Get(ctx, requestID)
	if err != nil {
		return PollResult{}, err
	}
	if req.Purpose != purpose {
		return PollResult{}, fmt.Errorf("%w: %s is a %s request", ErrPurposeMismatch, requestID, req.Purpose)
	}

	res := PollResult{State: req.Status, Request: req}
	switch req.Status {
	case model.Pending:
		if p.now().After(req.ExpiresAt) {
			res.State = model.Expired
			res.Reason = reasonExpired
		}
	case model.Expired:
		res.Reason = reasonExpired
	case model.Failed:
		res.Reason = req.FailureReason
		if res.Reason == "" {
			res.Reason = reasonDefaultFailure
		}
	case model.Success:
		if req.Purpose == model.PurposeLogin {
			cred, err := p.credential(ctx, req)
			if err != nil {
				return PollResult{}, err
			}
			res.Credential = &cred
		}
	}

	p.metrics.PollsTotal.WithLabelValues(string(res.State)).Inc()
	return res, nil
}

func (p *Poller) credential(ctx context.Context, req model.PaymentRequest) (auth.Credential, error) {
	if req.SessionToken != "" {
		return auth.Credential{AccessToken: req.SessionToken, TokenType: auth.TokenType}, nil
	}

	user, err := p.users.FindByPhone(ctx, req.SubjectPhone)
	if err != nil {
		return auth.Credential{}, err
	}
	cred, err := p.issuer.Issue(user.PhoneNumber, user.UserID, req.RequestID)
	if err != nil {
		return auth.Credential{}, err
	}

	bound, err := p.ledger.BindCredential(req.RequestID, cred.AccessToken)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("bind credential: %w", err)
	}
	if bound != cred.AccessToken {
		// A concurrent poll won the race.
		return auth.Credential{AccessToken: bound, TokenType: auth.TokenType}, nil
	}
	return cred, nil
}

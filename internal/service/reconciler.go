package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/chama-payments/internal/ledger"
	"github.com/LeventeLantos/chama-payments/internal/metrics"
	"github.com/LeventeLantos/chama-payments/internal/model"
)

var ErrMalformedCallback = errors.New("malformed callback")

const (
	resultCodeSuccess     = "0"
	reasonNoMatch         = "No matching payment request found"
	reasonDefaultFailure  = "Payment failed"
	reasonExpired         = "Payment request expired"
	transactionDateLayout = "20060102150405"
)

// providerZone is the zone the provider reports TransactionDate in (EAT).
var providerZone = time.FixedZone("EAT", 3*60*60)

type callbackEnvelope struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string     `json:"MerchantRequestID"`
	CheckoutRequestID string     `json:"CheckoutRequestID"`
	ResultCode        ResultCode `json:"ResultCode"`
	ResultDesc        string     `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []CallbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ResultCode accepts both 0 and "0".
type ResultCode struct {
	Value string
	Set   bool
}

func (c *ResultCode) UnmarshalJSON(b []byte) error {
	v, ok := scalar(b)
	if !ok {
		return fmt.Errorf("%w: ResultCode must be a number or string", ErrMalformedCallback)
	}
	c.Value = v
	c.Set = true
	return nil
}

// Outcome is the body the provider gets back. Status is "success" or "failed".
type Outcome struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"-"`
}

func ParseCallback(body []byte) (*StkCallback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		if errors.Is(err, ErrMalformedCallback) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	if cb.MerchantRequestID == "" {
		return nil, fmt.Errorf("%w: missing MerchantRequestID", ErrMalformedCallback)
	}
	if !cb.ResultCode.Set {
		return nil, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}
	return cb, nil
}

// PaymentData extracts the metadata items a successful callback must carry.
func (cb *StkCallback) PaymentData() (model.PaymentData, error) {
	if cb.CallbackMetadata == nil {
		return model.PaymentData{}, fmt.Errorf("%w: missing CallbackMetadata", ErrMalformedCallback)
	}
	items := make(map[string]string, len(cb.CallbackMetadata.Item))
	for _, it := range cb.CallbackMetadata.Item {
		if v, ok := scalar(it.Value); ok {
			items[it.Name] = v
		}
	}
	get := func(name string) (string, error) {
		v := strings.TrimSpace(items[name])
		if v == "" {
			return "", fmt.Errorf("%w: missing %s", ErrMalformedCallback, name)
		}
		return v, nil
	}

	var pd model.PaymentData

	amount, err := get("Amount")
	if err != nil {
		return pd, err
	}
	if pd.Amount, err = decimal.NewFromString(amount); err != nil || !pd.Amount.IsPositive() {
		return pd, fmt.Errorf("%w: bad Amount %q", ErrMalformedCallback, amount)
	}

	if pd.MpesaReceiptNumber, err = get("MpesaReceiptNumber"); err != nil {
		return pd, err
	}

	if pd.PhoneNumber, err = get("PhoneNumber"); err != nil {
		return pd, err
	}
	for _, r := range pd.PhoneNumber {
		if r < '0' || r > '9' {
			return pd, fmt.Errorf("%w: bad PhoneNumber %q", ErrMalformedCallback, pd.PhoneNumber)
		}
	}

	date, err := get("TransactionDate")
	if err != nil {
		return pd, err
	}
	t, err := time.ParseInLocation(transactionDateLayout, date, providerZone)
	if err != nil {
		return pd, fmt.Errorf("%w: bad TransactionDate %q", ErrMalformedCallback, date)
	}
	pd.TransactionDate = t.UTC()

	return pd, nil
}

type Reconciler struct {
	ledger  *ledger.Ledger
	metrics *metrics.PaymentMetrics

	onSuccess func(ctx context.Context, req model.PaymentRequest) error
	onFailed  func(ctx context.Context, req model.PaymentRequest) error
}

func NewReconciler(l *ledger.Ledger, m *metrics.PaymentMetrics) *Reconciler {
	return &Reconciler{
		ledger:  l,
		metrics: m,
	}
}

// WithHooks registers callbacks fired once per request, after its first terminal
// transition from a callback. Hook errors are logged only.
func (r *Reconciler) WithHooks(
	onSuccess func(ctx context.Context, req model.PaymentRequest) error,
	onFailed func(ctx context.Context, req model.PaymentRequest) error,
) *Reconciler {
	r.onSuccess = onSuccess
	r.onFailed = onFailed
	return r
}

// Reconcile applies one webhook delivery. The returned Outcome is always suitable
// as a reply; a non-nil error only reports a malformed or unprocessable payload.
func (r *Reconciler) Reconcile(ctx context.Context, body []byte) (Outcome, error) {
	cb, err := ParseCallback(body)
	if err != nil {
		r.metrics.CallbacksTotal.WithLabelValues("malformed").Inc()
		return Outcome{Status: string(model.Failed), Reason: err.Error()}, err
	}

	if cb.ResultCode.Value == resultCodeSuccess {
		return r.applySuccess(ctx, cb)
	}
	return r.applyFailure(ctx, cb)
}

func (r *Reconciler) applySuccess(ctx context.Context, cb *StkCallback) (Outcome, error) {
	pd, err := cb.PaymentData()
	if err != nil {
		r.metrics.CallbacksTotal.WithLabelValues("malformed").Inc()
		return Outcome{Status: string(model.Failed), Reason: err.Error()}, err
	}

	req, err := r.ledger.ResolveByMerchantID(ctx, cb.MerchantRequestID, ledger.Resolution{
		Status:      model.Success,
		PaymentData: &pd,
	})
	switch {
	case err == nil:
		r.metrics.CallbacksTotal.WithLabelValues("applied").Inc()
		r.metrics.RequestsResolvedTotal.WithLabelValues(string(req.Purpose), string(req.Status)).Inc()
		slog.Info("payment confirmed",
			"request_id", req.RequestID,
			"merchant_request_id", cb.MerchantRequestID,
			"receipt", pd.MpesaReceiptNumber,
		)
		r.fire(ctx, r.onSuccess, req)
		return Outcome{Status: string(model.Success), RequestID: req.RequestID}, nil

	case errors.Is(err, ledger.ErrNotFound):
		r.metrics.CallbacksTotal.WithLabelValues("unmatched").Inc()
		slog.Warn("callback matched no payment request", "merchant_request_id", cb.MerchantRequestID)
		return Outcome{Status: string(model.Failed), Reason: reasonNoMatch}, nil

	case errors.Is(err, ledger.ErrAlreadyResolved):
		r.metrics.CallbacksTotal.WithLabelValues("duplicate").Inc()
		return priorOutcome(req), nil

	default:
		r.metrics.CallbacksTotal.WithLabelValues("error").Inc()
		return Outcome{Status: string(model.Failed), Reason: err.Error()}, err
	}
}

func (r *Reconciler) applyFailure(ctx context.Context, cb *StkCallback) (Outcome, error) {
	reason := cb.ResultDesc
	if reason == "" {
		reason = reasonDefaultFailure
	}
	out := Outcome{Status: string(model.Failed), Reason: reason}

	req, err := r.ledger.ResolveByMerchantID(ctx, cb.MerchantRequestID, ledger.Resolution{
		Status: model.Failed,
		Reason: reason,
	})
	switch {
	case err == nil:
		r.metrics.CallbacksTotal.WithLabelValues("applied").Inc()
		r.metrics.RequestsResolvedTotal.WithLabelValues(string(req.Purpose), string(req.Status)).Inc()
		slog.Info("payment declined",
			"request_id", req.RequestID,
			"merchant_request_id", cb.MerchantRequestID,
			"result_code", cb.ResultCode.Value,
			"reason", reason,
		)
		r.fire(ctx, r.onFailed, req)
		out.RequestID = req.RequestID
		return out, nil

	case errors.Is(err, ledger.ErrNotFound):
		r.metrics.CallbacksTotal.WithLabelValues("unmatched").Inc()
		return out, nil

	case errors.Is(err, ledger.ErrAlreadyResolved):
		r.metrics.CallbacksTotal.WithLabelValues("duplicate").Inc()
		out.RequestID = req.RequestID
		return out, nil

	default:
		r.metrics.CallbacksTotal.WithLabelValues("error").Inc()
		return out, err
	}
}

func (r *Reconciler) fire(ctx context.Context, hook func(context.Context, model.PaymentRequest) error, req model.PaymentRequest) {
	if hook == nil {
		return
	}
	if err := hook(ctx, req); err != nil {
		slog.Error("resolution hook failed", "request_id", req.RequestID, "status", req.Status, "error", err)
	}
}

// priorOutcome answers a redelivered success callback the way the first delivery was answered.
func priorOutcome(req model.PaymentRequest) Outcome {
	switch req.Status {
	case model.Success:
		return Outcome{Status: string(model.Success), RequestID: req.RequestID}
	case model.Expired:
		return Outcome{Status: string(model.Failed), Reason: reasonExpired, RequestID: req.RequestID}
	default:
		reason := req.FailureReason
		if reason == "" {
			reason = reasonDefaultFailure
		}
		return Outcome{Status: string(model.Failed), Reason: reason, RequestID: req.RequestID}
	}
}

// scalar renders a JSON string or number as text. Numbers keep their literal form.
func scalar(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	default:
		return "", false
	}
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/chama-payments/internal/model"
	"github.com/LeventeLantos/chama-payments/internal/repo"
)

var (
	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrNotFound            = errors.New("payment request not found")
	ErrAlreadyResolved     = errors.New("payment request already resolved")
	ErrDuplicateMerchantID = errors.New("merchant request id already in use")
)

type Options struct {
	TTL         time.Duration
	PhonePrefix string
	PhoneLength int

	// Now defaults to time.Now.
	Now func() time.Time
}

type NewRequest struct {
	Phone   string
	Purpose model.Purpose
	Amount  decimal.Decimal
	ChamaID int64

	// Reference defaults to "<PURPOSE>_<first 8 chars of the request id>".
	Reference string
}

// Resolution is a terminal outcome reported for a pending request.
type Resolution struct {
	Status      model.Status
	PaymentData *model.PaymentData
	Reason      string
}

// Ledger tracks outstanding payment requests. The in-memory table is authoritative;
// the optional store is written through after every transition.
type Ledger struct {
	store       repo.PaymentRequestStore
	ttl         time.Duration
	phonePrefix string
	phoneLength int
	now         func() time.Time

	mu         sync.RWMutex
	entries    map[string]*model.PaymentRequest
	byMerchant map[string]string
}

func New(store repo.PaymentRequestStore, opts Options) (*Ledger, error) {
	if opts.TTL <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	if opts.PhonePrefix == "" || !digitsOnly(opts.PhonePrefix) {
		return nil, errors.New("phone prefix must be digits")
	}
	if opts.PhoneLength <= len(opts.PhonePrefix) {
		return nil, errors.New("phone length must exceed prefix length")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:       store,
		ttl:         opts.TTL,
		phonePrefix: opts.PhonePrefix,
		phoneLength: opts.PhoneLength,
		now:         now,
		entries:     make(map[string]*model.PaymentRequest),
		byMerchant:  make(map[string]string),
	}, nil
}

func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

func (l *Ledger) ValidatePhone(phone string) error {
	if len(phone) != l.phoneLength || !strings.HasPrefix(phone, l.phonePrefix) || !digitsOnly(phone) {
		return fmt.Errorf("%w: must be in %s%s format", ErrInvalidPhone, l.phonePrefix,
			strings.Repeat("X", l.phoneLength-len(l.phonePrefix)))
	}
	return nil
}

func (l *Ledger) Create(ctx context.Context, in NewRequest) (model.PaymentRequest, error) {
	if err := l.ValidatePhone(in.Phone); err != nil {
		return model.PaymentRequest{}, err
	}

	purpose := in.Purpose
	if purpose == "" {
		purpose = model.PurposeLogin
	}
	now := l.now().UTC()

	l.mu.Lock()
	id := uuid.NewString()
	for l.entries[id] != nil {
		id = uuid.NewString()
	}
	ref := in.Reference
	if ref == "" {
		ref = strings.ToUpper(string(purpose)) + "_" + id[:8]
	}
	e := &model.PaymentRequest{
		RequestID:    id,
		Purpose:      purpose,
		SubjectPhone: in.Phone,
		Amount:       in.Amount,
		ChamaID:      in.ChamaID,
		Reference:    ref,
		Status:       model.Pending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(l.ttl),
	}
	l.entries[id] = e
	snap := snapshot(e)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Insert(ctx, &snap); err != nil {
			l.mu.Lock()
			delete(l.entries, id)
			l.mu.Unlock()
			return model.PaymentRequest{}, fmt.Errorf("persist payment request: %w", err)
		}
	}
	return snap, nil
}

func (l *Ledger) AttachMerchantID(ctx context.Context, requestID, merchantID string) error {
	if merchantID == "" {
		return errors.New("merchant request id must not be empty")
	}
	now := l.now().UTC()

	l.mu.Lock()
	e, ok := l.entries[requestID]
	if !ok {
		l.mu.Unlock()
		return ErrNotFound
	}
	expired := l.expireLocked(e, now)
	if e.Status.Terminal() {
		l.mu.Unlock()
		if expired {
			l.persistResolved(ctx, e.RequestID, model.Expired, nil, "", now)
		}
		return ErrAlreadyResolved
	}
	if e.MerchantRequestID != "" {
		same := e.MerchantRequestID == merchantID
		l.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: request already correlated", ErrDuplicateMerchantID)
	}
	if owner, taken := l.byMerchant[merchantID]; taken && owner != requestID {
		if other, ok := l.entries[owner]; ok && !other.Status.Terminal() && !other.ExpiredAt(now) {
			l.mu.Unlock()
			return ErrDuplicateMerchantID
		}
	}
	e.MerchantRequestID = merchantID
	l.byMerchant[merchantID] = requestID
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SetMerchantID(ctx, requestID, merchantID); err != nil {
			slog.Error("persist merchant request id failed", "request_id", requestID, "error", err)
		}
	}
	return nil
}

// FindByMerchantID returns the active request correlated to merchantID.
func (l *Ledger) FindByMerchantID(merchantID string) (string, bool) {
	now := l.now().UTC()

	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byMerchant[merchantID]
	if !ok {
		return "", false
	}
	e, ok := l.entries[id]
	if !ok || e.Status.Terminal() || e.ExpiredAt(now) {
		return "", false
	}
	return id, true
}

func (l *Ledger) Resolve(ctx context.Context, requestID string, res Resolution) (model.PaymentRequest, error) {
	l.mu.Lock()
	e, ok := l.entries[requestID]
	if !ok {
		l.mu.Unlock()
		return model.PaymentRequest{}, ErrNotFound
	}
	return l.resolveAndUnlock(ctx, e, res)
}

// ResolveByMerchantID looks up and resolves under a single lock so concurrent
// deliveries for the same merchant id apply at most one transition.
func (l *Ledger) ResolveByMerchantID(ctx context.Context, merchantID string, res Resolution) (model.PaymentRequest, error) {
	l.mu.Lock()
	id, ok := l.byMerchant[merchantID]
	if !ok {
		l.mu.Unlock()
		return model.PaymentRequest{}, ErrNotFound
	}
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return model.PaymentRequest{}, ErrNotFound
	}
	return l.resolveAndUnlock(ctx, e, res)
}

// resolveAndUnlock must be called with l.mu held.
func (l *Ledger) resolveAndUnlock(ctx context.Context, e *model.PaymentRequest, res Resolution) (model.PaymentRequest, error) {
	if res.Status != model.Success && res.Status != model.Failed {
		l.mu.Unlock()
		return model.PaymentRequest{}, fmt.Errorf("unsupported resolution status %q", res.Status)
	}

	now := l.now().UTC()
	if l.expireLocked(e, now) {
		snap := snapshot(e)
		l.mu.Unlock()
		l.persistResolved(ctx, e.RequestID, model.Expired, nil, "", now)
		return snap, ErrAlreadyResolved
	}
	if e.Status.Terminal() {
		snap := snapshot(e)
		l.mu.Unlock()
		return snap, ErrAlreadyResolved
	}

	e.Status = res.Status
	e.ResolvedAt = &now
	if res.Status == model.Success && res.PaymentData != nil {
		pd := *res.PaymentData
		e.PaymentData = &pd
	}
	if res.Status == model.Failed {
		e.FailureReason = res.Reason
	}
	snap := snapshot(e)
	l.mu.Unlock()

	l.persistResolved(ctx, snap.RequestID, snap.Status, snap.PaymentData, snap.FailureReason, now)
	return snap, nil
}

// Get returns the current entry with lazy expiry applied.
func (l *Ledger) Get(ctx context.Context, requestID string) (model.PaymentRequest, error) {
	now := l.now().UTC()

	l.mu.Lock()
	e, ok := l.entries[requestID]
	if !ok {
		l.mu.Unlock()
		return model.PaymentRequest{}, ErrNotFound
	}
	expired := l.expireLocked(e, now)
	snap := snapshot(e)
	l.mu.Unlock()

	if expired {
		l.persistResolved(ctx, requestID, model.Expired, nil, "", now)
	}
	return snap, nil
}

// BindCredential stores token on a successful request unless one is already bound,
// and returns whichever token is bound afterwards.
func (l *Ledger) BindCredential(requestID, token string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[requestID]
	if !ok {
		return "", ErrNotFound
	}
	if e.Status != model.Success {
		return "", fmt.Errorf("request %s is %s, not success", requestID, e.Status)
	}
	if e.SessionToken == "" {
		e.SessionToken = token
	}
	return e.SessionToken, nil
}

// Restore loads pending requests from the store. Existing entries are kept.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	pending, err := l.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending requests: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	restored := 0
	for i := range pending {
		p := pending[i]
		if _, exists := l.entries[p.RequestID]; exists {
			continue
		}
		l.entries[p.RequestID] = &p
		if p.MerchantRequestID != "" {
			l.byMerchant[p.MerchantRequestID] = p.RequestID
		}
		restored++
	}
	return restored, nil
}

// Sweep expires stale pending entries and drops terminal entries whose expiry is
// before cutoff.
func (l *Ledger) Sweep(ctx context.Context, cutoff time.Time) (expired, dropped int) {
	now := l.now().UTC()
	var expiredIDs []string

	l.mu.Lock()
	for id, e := range l.entries {
		if l.expireLocked(e, now) {
			expiredIDs = append(expiredIDs, id)
		}
		if e.Status.Terminal() && e.ExpiresAt.Before(cutoff) {
			delete(l.entries, id)
			if e.MerchantRequestID != "" && l.byMerchant[e.MerchantRequestID] == id {
				delete(l.byMerchant, e.MerchantRequestID)
			}
			dropped++
		}
	}
	l.mu.Unlock()

	for _, id := range expiredIDs {
		l.persistResolved(ctx, id, model.Expired, nil, "", now)
	}
	return len(expiredIDs), dropped
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) expireLocked(e *model.PaymentRequest, now time.Time) bool {
	if !e.ExpiredAt(now) {
		return false
	}
	e.Status = model.Expired
	e.ResolvedAt = &now
	return true
}

func (l *Ledger) persistResolved(ctx context.Context, id string, status model.Status, data *model.PaymentData, reason string, at time.Time) {
	if l.store == nil {
		return
	}
	if err := l.store.SetResolved(ctx, id, status, data, reason, at); err != nil {
		slog.Error("persist resolution failed", "request_id", id, "status", status, "error", err)
	}
}

func snapshot(e *model.PaymentRequest) model.PaymentRequest {
	out := *e
	if e.PaymentData != nil {
		pd := *e.PaymentData
		out.PaymentData = &pd
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/chama-payments/internal/auth"
	"github.com/LeventeLantos/chama-payments/internal/client"
	"github.com/LeventeLantos/chama-payments/internal/ledger"
	"github.com/LeventeLantos/chama-payments/internal/metrics"
	"github.com/LeventeLantos/chama-payments/internal/model"
	"github.com/LeventeLantos/chama-payments/internal/repo"
)

const testPhone = "254712345678"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePushClient struct {
	mu       sync.Mutex
	requests []client.PushRequest
	resp     client.PushResponse
	err      error
	block    bool
}

func (f *fakePushClient) SubmitPushPayment(ctx context.Context, in client.PushRequest) (client.PushResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, in)
	resp, err, block := f.resp, f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return client.PushResponse{}, client.ErrGatewayUnavailable
	}
	return resp, err
}

func (f *fakePushClient) Requests() []client.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.PushRequest(nil), f.requests...)
}

type memStore struct {
	mu       sync.Mutex
	inserted []string
	status   map[string]model.Status
}

func newMemStore() *memStore {
	return &memStore{status: map[string]model.Status{}}
}

func (s *memStore) Insert(ctx context.Context, req *model.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, req.RequestID)
	s.status[req.RequestID] = req.Status
	return nil
}

func (s *memStore) SetMerchantID(ctx context.Context, requestID, merchantRequestID string) error {
	return nil
}

func (s *memStore) SetResolved(ctx context.Context, requestID string, status model.Status, data *model.PaymentData, reason string, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[requestID] = status
	return nil
}

func (s *memStore) ListPending(ctx context.Context) ([]model.PaymentRequest, error) {
	return nil, nil
}

func (s *memStore) Inserted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inserted...)
}

func (s *memStore) Status(requestID string) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[requestID]
}

type fakeUsers struct {
	users map[string]repo.User
}

func (f *fakeUsers) FindByPhone(ctx context.Context, phone string) (*repo.User, error) {
	u, ok := f.users[phone]
	if !ok {
		return nil, repo.ErrUserNotFound
	}
	return &u, nil
}

type fixture struct {
	clock     *fakeClock
	store     *memStore
	ledger    *ledger.Ledger
	push      *fakePushClient
	metrics   *metrics.PaymentMetrics
	initiator *Initiator
	recon     *Reconciler
	poller    *Poller
	issuer    *auth.TokenIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	store := newMemStore()
	l, err := ledger.New(store, ledger.Options{
		TTL:         5 * time.Minute,
		PhonePrefix: "254",
		PhoneLength: 12,
		Now:         clock.Now,
	})
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	push := &fakePushClient{resp: client.PushResponse{
		MerchantRequestID: "M123",
		CheckoutRequestID: "ws_CO_1",
		ResponseCode:      "0",
	}}

	initiator, err := NewInitiator(l, push, m, decimal.NewFromInt(1), time.Second)
	require.NoError(t, err)

	issuer, err := auth.NewTokenIssuer("test-secret", 30*time.Minute)
	require.NoError(t, err)

	users := &fakeUsers{users: map[string]repo.User{
		testPhone: {UserID: 42, FullName: "Amani", PhoneNumber: testPhone},
	}}
	poller := NewPoller(l, users, issuer, m)
	poller.now = clock.Now

	return &fixture{
		clock:     clock,
		store:     store,
		ledger:    l,
		push:      push,
		metrics:   m,
		initiator: initiator,
		recon:     NewReconciler(l, m),
		poller:    poller,
		issuer:    issuer,
	}
}

type item struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

func successItems() []item {
	return []item{
		{Name: "Amount", Value: 1.00},
		{Name: "MpesaReceiptNumber", Value: "R1"},
		{Name: "Balance"},
		{Name: "TransactionDate", Value: 20240101120000},
		{Name: "PhoneNumber", Value: 254712345678},
	}
}

func callbackBody(t *testing.T, merchantID string, resultCode any, desc string, items []item) []byte {
	t.Helper()

	cb := map[string]any{
		"MerchantRequestID": merchantID,
		"CheckoutRequestID": "ws_CO_1",
		"ResultCode":        resultCode,
		"ResultDesc":        desc,
	}
	if items != nil {
		cb["CallbackMetadata"] = map[string]any{"Item": items}
	}
	b, err := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": cb}})
	require.NoError(t, err)
	return b
}

func without(items []item, name string) []item {
	out := make([]item, 0, len(items))
	for _, it := range items {
		if it.Name != name {
			out = append(out, it)
		}
	}
	return out
}

package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/chama-payments/internal/cache"
)

type fakeProvider struct {
	tokenCalls atomic.Int64
	pushCalls  atomic.Int64

	tokenStatus int
	tokenBody   string
	tokenDelay  time.Duration

	pushHandler func(w http.ResponseWriter, r *http.Request)

	mu          sync.Mutex
	basicUser   string
	basicPass   string
	bearer      string
	pushPayload []byte
}

func (p *fakeProvider) server(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		if got := r.URL.Query().Get("grant_type"); got != "client_credentials" {
			t.Errorf("expected grant_type=client_credentials, got %q", got)
		}
		user, pass, _ := r.BasicAuth()
		p.mu.Lock()
		p.basicUser, p.basicPass = user, pass
		p.mu.Unlock()

		if p.tokenDelay > 0 {
			time.Sleep(p.tokenDelay)
		}
		status := p.tokenStatus
		if status == 0 {
			status = http.StatusOK
		}
		body := p.tokenBody
		if body == "" {
			body = `{"access_token":"tok-1","expires_in":"3599"}`
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("POST /mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		p.pushCalls.Add(1)
		b, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.bearer = r.Header.Get("Authorization")
		p.pushPayload = b
		p.mu.Unlock()

		if p.pushHandler != nil {
			p.pushHandler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"MerchantRequestID":"M123","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srvURL string) *MpesaClient {
	c := NewMpesaClient(MpesaConfig{
		BaseURL:        srvURL + "/",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/mpesa/callback",
		Timeout:        time.Second,
	}, cache.NewMemoryTokenCache())
	c.now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	return c
}

func pushLogin() PushRequest {
	return PushRequest{
		Phone:       "254712345678",
		Amount:      decimal.NewFromInt(1),
		Reference:   "LOGIN_abcdef12",
		Description: "MyChama login verification",
	}
}

func TestSubmitPushPayment_Success(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	c := newTestClient(p.server(t).URL)

	resp, err := c.SubmitPushPayment(context.Background(), pushLogin())
	if err != nil {
		t.Fatalf("SubmitPushPayment() error: %v", err)
	}
	if resp.MerchantRequestID != "M123" {
		t.Fatalf("expected MerchantRequestID %q, got %q", "M123", resp.MerchantRequestID)
	}
	if resp.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("expected CheckoutRequestID %q, got %q", "ws_CO_1", resp.CheckoutRequestID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.basicUser != "key" || p.basicPass != "secret" {
		t.Fatalf("expected basic auth key/secret, got %q/%q", p.basicUser, p.basicPass)
	}
	if p.bearer != "Bearer tok-1" {
		t.Fatalf("expected bearer token, got %q", p.bearer)
	}

	var got stkPushRequest
	if err := json.Unmarshal(p.pushPayload, &got); err != nil {
		t.Fatalf("failed to decode request json: %v body=%q", err, string(p.pushPayload))
	}
	// 09:00 UTC is 12:00 in the provider's timezone.
	if got.Timestamp != "20240101120000" {
		t.Fatalf("expected provider-local timestamp, got %q", got.Timestamp)
	}
	wantPassword := base64.StdEncoding.EncodeToString([]byte("174379passkey20240101120000"))
	if got.Password != wantPassword {
		t.Fatalf("expected password %q, got %q", wantPassword, got.Password)
	}
	if got.TransactionType != "CustomerPayBillOnline" {
		t.Fatalf("unexpected TransactionType %q", got.TransactionType)
	}
	if got.Amount != 1 || got.PartyA != "254712345678" || got.PhoneNumber != "254712345678" || got.PartyB != "174379" {
		t.Fatalf("unexpected payment fields: %+v", got)
	}
	if got.AccountReference != "LOGIN_abcdef12" || got.TransactionDesc != "MyChama login verification" {
		t.Fatalf("unexpected reference fields: %+v", got)
	}
	if got.CallBackURL != "https://example.com/mpesa/callback" {
		t.Fatalf("unexpected CallBackURL %q", got.CallBackURL)
	}
}

func TestSubmitPushPayment_ReusesCachedToken(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	c := newTestClient(p.server(t).URL)

	for i := 0; i < 3; i++ {
		if _, err := c.SubmitPushPayment(context.Background(), pushLogin()); err != nil {
			t.Fatalf("push %d error: %v", i, err)
		}
	}
	if got := p.tokenCalls.Load(); got != 1 {
		t.Fatalf("expected a single token exchange, got %d", got)
	}
	if got := p.pushCalls.Load(); got != 3 {
		t.Fatalf("expected 3 pushes, got %d", got)
	}
}

func TestSubmitPushPayment_TokenFailure(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{tokenStatus: http.StatusBadRequest, tokenBody: `{"errorMessage":"Invalid credentials"}`}
	c := newTestClient(p.server(t).URL)

	_, err := c.SubmitPushPayment(context.Background(), pushLogin())
	if !errors.Is(err, ErrGatewayAuthFailure) {
		t.Fatalf("expected ErrGatewayAuthFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid credentials") {
		t.Fatalf("expected error to include body, got: %v", err)
	}
	if p.pushCalls.Load() != 0 {
		t.Fatalf("expected no push after failed token exchange")
	}
}

func TestSubmitPushPayment_TokenMissing(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{tokenBody: `{"expires_in":"3599"}`}
	c := newTestClient(p.server(t).URL)

	_, err := c.SubmitPushPayment(context.Background(), pushLogin())
	if !errors.Is(err, ErrGatewayAuthFailure) {
		t.Fatalf("expected ErrGatewayAuthFailure, got %v", err)
	}
}

func TestSubmitPushPayment_Unauthorized_DropsToken(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		pushHandler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errorMessage":"Invalid Access Token"}`))
		},
	}
	c := newTestClient(p.server(t).URL)

	_, err := c.SubmitPushPayment(context.Background(), pushLogin())
	if !errors.Is(err, ErrGatewayAuthFailure) {
		t.Fatalf("expected ErrGatewayAuthFailure, got %v", err)
	}

	_, _ = c.SubmitPushPayment(context.Background(), pushLogin())
	if got := p.tokenCalls.Load(); got != 2 {
		t.Fatalf("expected token to be re-fetched after 401, got %d exchanges", got)
	}
}

func TestSubmitPushPayment_Non2xx_Unavailable(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		pushHandler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("maintenance"))
		},
	}
	c := newTestClient(p.server(t).URL)

	_, err := c.SubmitPushPayment(context.Background(), pushLogin())
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "unexpected status code: 503") {
		t.Fatalf("expected error to mention status code, got: %v", err)
	}
	if !strings.Contains(msg, `body="maintenance"`) {
		t.Fatalf("expected error to include body, got: %v", err)
	}
}

func TestSubmitPushPayment_InvalidJSON(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		pushHandler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("THIS IS NOT JSON"))
		},
	}
	c := newTestClient(p.server(t).URL)

	_, err := c.SubmitPushPayment(context.Background(), pushLogin())
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed to decode json") {
		t.Fatalf("expected decode error, got: %v", err)
	}
}

func TestSubmitPushPayment_Rejected(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"non-zero response code", `{"MerchantRequestID":"M1","ResponseCode":"1","ResponseDescription":"Insufficient balance"}`},
		{"missing merchant id", `{"ResponseCode":"0"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := &fakeProvider{
				pushHandler: func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte(tc.body))
				},
			}
			c := newTestClient(p.server(t).URL)

			_, err := c.SubmitPushPayment(context.Background(), pushLogin())
			if !errors.Is(err, ErrGatewayRejected) {
				t.Fatalf("expected ErrGatewayRejected, got %v", err)
			}
		})
	}
}

func TestSubmitPushPayment_ContextDeadline(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{
		pushHandler: func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{"MerchantRequestID":"M1","ResponseCode":"0"}`))
		},
	}
	c := newTestClient(p.server(t).URL)

	// Warm the token so only the push hits the deadline.
	if _, err := c.accessToken(context.Background()); err != nil {
		t.Fatalf("accessToken() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.SubmitPushPayment(ctx, pushLogin())
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded to be wrapped, got %v", err)
	}
}

func TestSubmitPushPayment_TokenTimeoutIsUnavailable(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{tokenDelay: 300 * time.Millisecond}
	c := newTestClient(p.server(t).URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.SubmitPushPayment(ctx, pushLogin())
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if errors.Is(err, ErrGatewayAuthFailure) {
		t.Fatalf("token timeout must not be reported as auth failure: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded to be wrapped, got %v", err)
	}
	if p.pushCalls.Load() != 0 {
		t.Fatalf("expected no push without a token, got %d", p.pushCalls.Load())
	}
}

func TestSubmitPushPayment_TokenEndpointDownIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(url)

	_, err := c.SubmitPushPayment(context.Background(), pushLogin())
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if errors.Is(err, ErrGatewayAuthFailure) {
		t.Fatalf("connection failure must not be reported as auth failure: %v", err)
	}
}

func TestAccessToken_ImpatientCallerDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{tokenDelay: 150 * time.Millisecond}
	c := newTestClient(p.server(t).URL)

	impatient := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := c.accessToken(ctx)
		impatient <- err
	}()

	deadline := time.Now().Add(time.Second)
	for p.tokenCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("token endpoint was never called")
		}
		time.Sleep(time.Millisecond)
	}

	tok, err := c.accessToken(context.Background())
	if err != nil {
		t.Fatalf("patient caller failed: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("expected tok-1, got %q", tok)
	}

	if err := <-impatient; !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected impatient caller to get ErrGatewayUnavailable, got %v", err)
	}
	if got := p.tokenCalls.Load(); got != 1 {
		t.Fatalf("expected a single token exchange, got %d", got)
	}
}

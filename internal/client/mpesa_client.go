package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/LeventeLantos/chama-payments/internal/cache"
)

var (
	ErrGatewayAuthFailure = errors.New("mpesa gateway auth failure")
	ErrGatewayUnavailable = errors.New("mpesa gateway unavailable")
	ErrGatewayRejected    = errors.New("mpesa gateway rejected request")
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	defaultTokenLifetime = 3599 * time.Second
	tokenRefreshMargin   = 60 * time.Second
	timestampLayout      = "20060102150405"
)

// providerZone is the timezone the provider expects STK timestamps in (EAT).
var providerZone = time.FixedZone("EAT", 3*60*60)

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

type MpesaClient struct {
	cfg    MpesaConfig
	client *http.Client
	tokens cache.TokenCache
	group  singleflight.Group
	now    func() time.Time
}

func NewMpesaClient(cfg MpesaConfig, tokens cache.TokenCache) *MpesaClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if tokens == nil {
		tokens = cache.NewMemoryTokenCache()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MpesaClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		tokens: tokens,
		now:    time.Now,
	}
}

type PushRequest struct {
	Phone       string
	Amount      decimal.Decimal
	Reference   string
	Description string
}

type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// SubmitPushPayment sends an STK push. It never touches the ledger.
func (c *MpesaClient) SubmitPushPayment(ctx context.Context, in PushRequest) (PushResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return PushResponse{}, err
	}

	timestamp := c.now().In(providerZone).Format(timestampLayout)
	reqBody, err := json.Marshal(stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            in.Amount.Ceil().IntPart(),
		PartyA:            in.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       in.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  in.Reference,
		TransactionDesc:   in.Description,
	})
	if err != nil {
		return PushResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(reqBody))
	if err != nil {
		return PushResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return PushResponse{}, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		if err := c.tokens.DropToken(ctx); err != nil {
			slog.Warn("drop cached mpesa token failed", "error", err)
		}
		return PushResponse{}, fmt.Errorf("%w: token rejected body=%q", ErrGatewayAuthFailure, string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return PushResponse{}, fmt.Errorf("%w: unexpected status code: %d body=%q", ErrGatewayUnavailable, resp.StatusCode, string(body))
	}

	var pr PushResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return PushResponse{}, fmt.Errorf("%w: failed to decode json: %v body=%q", ErrGatewayUnavailable, err, string(body))
	}
	if pr.ResponseCode != "" && pr.ResponseCode != "0" {
		return pr, fmt.Errorf("%w: code=%s desc=%q", ErrGatewayRejected, pr.ResponseCode, pr.ResponseDescription)
	}
	if pr.MerchantRequestID == "" {
		return pr, fmt.Errorf("%w: missing MerchantRequestID body=%q", ErrGatewayRejected, string(body))
	}
	return pr, nil
}

func (c *MpesaClient) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
}

// accessToken returns a cached credential or performs the client-credentials grant.
// Concurrent misses share a single exchange.
func (c *MpesaClient) accessToken(ctx context.Context) (string, error) {
	if tok, ok, err := c.tokens.GetToken(ctx); err != nil {
		slog.Warn("read cached mpesa token failed", "error", err)
	} else if ok {
		return tok, nil
	}

	// The shared fetch is detached from any one caller's cancellation.
	ch := c.group.DoChan("token", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.client.Timeout)
		defer cancel()
		return c.fetchToken(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrGatewayUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *MpesaClient) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGatewayAuthFailure, err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status code: %d body=%q", ErrGatewayAuthFailure, resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("%w: failed to decode json: %v body=%q", ErrGatewayAuthFailure, err, string(body))
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: missing access_token body=%q", ErrGatewayAuthFailure, string(body))
	}

	lifetime := defaultTokenLifetime
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	if lifetime > tokenRefreshMargin {
		lifetime -= tokenRefreshMargin
	}
	if err := c.tokens.StoreToken(ctx, tr.AccessToken, lifetime); err != nil {
		slog.Warn("cache mpesa token failed", "error", err)
	}
	return tr.AccessToken, nil
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/chama-payments/internal/client"
	"github.com/LeventeLantos/chama-payments/internal/ledger"
	"github.com/LeventeLantos/chama-payments/internal/model"
	"github.com/LeventeLantos/chama-payments/internal/reaper"
	"github.com/LeventeLantos/chama-payments/internal/repo"
	"github.com/LeventeLantos/chama-payments/internal/service"
)

const maxCallbackBytes = 1 << 20

type Handler struct {
	reaper     *reaper.Reaper
	initiator  *service.Initiator
	reconciler *service.Reconciler
	poller     *service.Poller
}

func NewHandler(rp *reaper.Reaper, in *service.Initiator, rc *service.Reconciler, p *service.Poller) *Handler {
	return &Handler{reaper: rp, initiator: in, reconciler: rc, poller: p}
}

type loginInitiateRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type payRequest struct {
	PhoneNumber string          `json:"phone_number"`
	Amount      decimal.Decimal `json:"amount"`
	ChamaID     int64           `json:"chama_id"`
}

type initiatedResponse struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
	ExpiresIn int64  `json:"expires_in"`
}

type payStatusResponse struct {
	RequestID   string             `json:"request_id"`
	Status      model.Status       `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	PaymentData *model.PaymentData `json:"payment_data,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ReaperStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.reaper.IsRunning(), "sweeps": h.reaper.Sweeps()})
}

func (h *Handler) ReaperStart(w http.ResponseWriter, r *http.Request) {
	h.reaper.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.reaper.IsRunning()})
}

func (h *Handler) ReaperStop(w http.ResponseWriter, r *http.Request) {
	h.reaper.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.reaper.IsRunning()})
}

func (h *Handler) LoginInitiate(w http.ResponseWriter, r *http.Request) {
	var in loginInitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	started, err := h.initiator.StartLogin(r.Context(), strings.TrimSpace(in.PhoneNumber))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, initiated(started))
}

func (h *Handler) LoginStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.poller.Poll(r.Context(), r.PathValue("request_id"), model.PurposeLogin)
	if errors.Is(err, service.ErrPurposeMismatch) {
		writeDetail(w, http.StatusNotFound, "Login request not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	switch res.State {
	case model.Success:
		writeJSON(w, http.StatusOK, res.Credential)
	case model.Pending:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  model.Pending,
			"message": "Waiting for payment confirmation",
		})
	case model.Expired:
		writeDetail(w, http.StatusBadRequest, "Login request expired")
	default:
		writeDetail(w, http.StatusBadRequest, res.Reason)
	}
}

// Callback always answers 200 so the provider does not retry; the outcome is in the body.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		slog.Warn("read callback body failed", "error", err)
		writeJSON(w, http.StatusOK, service.Outcome{Status: string(model.Failed), Reason: "unreadable callback body"})
		return
	}

	out, err := h.reconciler.Reconcile(r.Context(), body)
	if err != nil {
		slog.Warn("callback not applied", "error", err, "body_bytes", len(body))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	var in payRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	started, err := h.initiator.StartContribution(r.Context(), strings.TrimSpace(in.PhoneNumber), in.Amount, in.ChamaID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, initiated(started))
}

func (h *Handler) PayStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.poller.Poll(r.Context(), r.PathValue("request_id"), model.PurposeContribution)
	if errors.Is(err, service.ErrPurposeMismatch) {
		writeDetail(w, http.StatusNotFound, "Payment request not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, payStatusResponse{
		RequestID:   res.Request.RequestID,
		Status:      res.State,
		Reason:      res.Reason,
		PaymentData: res.Request.PaymentData,
	})
}

func initiated(s service.Initiated) initiatedResponse {
	return initiatedResponse{
		RequestID: s.RequestID,
		Message:   s.Message,
		ExpiresIn: int64(s.ExpiresIn.Seconds()),
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidPhone), errors.Is(err, service.ErrInvalidPayment):
		writeDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Payment request not found")
	case errors.Is(err, repo.ErrUserNotFound):
		writeDetail(w, http.StatusNotFound, "User not found")
	case errors.Is(err, client.ErrGatewayUnavailable):
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, client.ErrGatewayAuthFailure), errors.Is(err, client.ErrGatewayRejected):
		writeDetail(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

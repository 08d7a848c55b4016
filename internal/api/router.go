package api

import "net/http"

// Router wires the HTTP surface. metrics may be nil.
func Router(h *Handler, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("GET /v1/reaper/status", h.ReaperStatus)
	mux.HandleFunc("POST /v1/reaper/start", h.ReaperStart)
	mux.HandleFunc("POST /v1/reaper/stop", h.ReaperStop)

	mux.HandleFunc("POST /login/initiate", h.LoginInitiate)
	mux.HandleFunc("GET /login/status/{request_id}", h.LoginStatus)

	mux.HandleFunc("POST /mpesa/callback", h.Callback)
	mux.HandleFunc("POST /mpesa/pay", h.Pay)
	mux.HandleFunc("GET /mpesa/pay/status/{request_id}", h.PayStatus)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("chama-payments"))
	})

	return mux
}

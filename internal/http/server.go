package http

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
)

const headerAdminToken = "X-Admin-Token"

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/wallet", func(r chi.Router) {
		r.Get("/", handler.GetWallet)
		r.Get("/ledger", handler.LedgerHistory)
		r.With(handler.requireAdmin).Post("/topup", handler.Topup)
		r.With(handler.requireAdmin).Post("/adjust", handler.Adjust)
	})

	r.Route("/products/{productId}/licenses", func(r chi.Router) {
		r.Use(handler.requireAdmin)
		r.Post("/take-stock", handler.TakeStock)
		r.Get("/summary", handler.StockSummary)
		r.Post("/{licenseId}/revoke", handler.RevokeLicense)
	})

	r.Route("/cart", func(r chi.Router) {
		r.Post("/preview", handler.PreviewCart)
		r.Post("/checkout", handler.Checkout)
	})

	r.Route("/orders/{orderId}", func(r chi.Router) {
		r.Get("/", handler.GetOrder)
		r.Post("/payments", handler.CreatePayment)
		r.With(handler.requireAdmin).Post("/refund", handler.Refund)
		r.Get("/delivery", handler.DeliveryStatus)
		r.Post("/delivery/reveal", handler.Reveal)
		r.Post("/delivery/resend", handler.Resend)
		r.Post("/delivery/close", handler.CloseDelivery)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(handler.requireAdmin)
		r.Get("/wallets/{walletId}/verify", handler.VerifyWallet)
		r.Post("/orders/{orderId}/delivery/allocate", handler.Allocate)
	})

	r.Post("/gateway/webhook", handler.GatewayWebhook)

	return &Server{Router: r}
}

func (h *Handler) isAdmin(r *http.Request) bool {
	got := r.Header.Get(headerAdminToken)
	if h.AdminToken == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) == 1
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.isAdmin(r) {
			writeError(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs one line per request through log instead of the combined
// log format gorilla writes by default.
func LoggingMiddleware(log *slog.Logger, h http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, h, func(_ io.Writer, p handlers.LogFormatterParams) {
		log.Info("request served",
			"method", p.Request.Method,
			"url", p.URL.String(),
			"status_code", p.StatusCode,
			"response_size", p.Size,
			"duration_ms", float64(time.Since(p.TimeStamp).Nanoseconds())/1e6,
			"user_agent", p.Request.UserAgent(),
		)
	})
}

func NewHTTPServer(addr string, h http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
	}
}

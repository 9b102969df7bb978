package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/delivery"
	"KeyLedger/internal/models"
	"KeyLedger/internal/payments"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeAppError maps a classified failure to its HTTP status. Unclassified errors are
// logged and hidden behind a generic 500.
func writeAppError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	e, ok := apperr.As(err)
	if !ok {
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	status := statusFor(e)
	if e.Kind == apperr.KindIntegrity {
		log.ErrorContext(r.Context(), "integrity failure", "path", r.URL.Path, "code", e.Code, "error", err)
	}
	writeError(w, status, e.Code, err.Error())
}

func statusFor(e *apperr.Error) int {
	switch e.Kind {
	case apperr.KindBusiness:
		switch {
		case errors.Is(e, apperr.ErrInsufficientFunds):
			return http.StatusPaymentRequired
		case errors.Is(e, apperr.ErrExpired):
			return http.StatusGone
		case errors.Is(e, apperr.ErrVoucherInvalid), errors.Is(e, apperr.ErrQuotaExhausted):
			return http.StatusUnprocessableEntity
		}
		return http.StatusConflict
	case apperr.KindInput:
		if errors.Is(e, apperr.ErrMissingUser) {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type orderResponse struct {
	OrderID     string            `json:"order_id"`
	InvoiceNo   string            `json:"invoice_no"`
	Status      string            `json:"status"`
	Tier        string            `json:"tier"`
	VoucherCode string            `json:"voucher_code,omitempty"`
	Items       []models.LineItem `json:"items"`
	Summary     models.Summary    `json:"summary"`
	PaidAt      string            `json:"paid_at,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

func toOrder(o *models.Order) *orderResponse {
	if o == nil {
		return nil
	}
	return &orderResponse{
		OrderID:     o.ID,
		InvoiceNo:   o.InvoiceNo,
		Status:      string(o.Status),
		Tier:        string(o.Tier),
		VoucherCode: o.VoucherCode,
		Items:       o.Items,
		Summary:     o.Summary,
		PaidAt:      formatTime(o.PaidAt),
		CreatedAt:   formatTime(&o.CreatedAt),
	}
}

type paymentResponse struct {
	PaymentID     string `json:"payment_id"`
	Method        string `json:"method"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type entryResponse struct {
	EntryID       string `json:"entry_id"`
	Seq           int64  `json:"seq"`
	WalletID      string `json:"wallet_id"`
	Direction     string `json:"direction"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	Kind          string `json:"kind"`
	Reference     string `json:"reference,omitempty"`
	Note          string `json:"note,omitempty"`
	Actor         string `json:"actor"`
	CreatedAt     string `json:"created_at"`
}

func toEntry(e *models.LedgerEntry) *entryResponse {
	if e == nil {
		return nil
	}
	return &entryResponse{
		EntryID:       e.ID,
		Seq:           e.Seq,
		WalletID:      e.WalletID,
		Direction:     string(e.Direction),
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		Kind:          string(e.Kind),
		Reference:     e.Reference,
		Note:          e.Note,
		Actor:         e.Actor,
		CreatedAt:     formatTime(&e.CreatedAt),
	}
}

type walletResponse struct {
	WalletID string `json:"wallet_id"`
	Code     string `json:"code"`
	UserID   string `json:"user_id"`
	Balance  int64  `json:"balance"`
}

type deliveryResponse struct {
	UnitIndex int    `json:"unit_index"`
	ProductID string `json:"product_id"`
	State     string `json:"state"`
}

func toDeliveries(ds []*models.Delivery) []deliveryResponse {
	out := make([]deliveryResponse, 0, len(ds))
	for _, d := range ds {
		out = append(out, deliveryResponse{UnitIndex: d.UnitIndex, ProductID: d.ProductID, State: string(d.State)})
	}
	return out
}

type paymentResultResponse struct {
	Payment    paymentResponse    `json:"payment"`
	Order      *orderResponse     `json:"order"`
	Entry      *entryResponse     `json:"ledger_entry,omitempty"`
	Deliveries []deliveryResponse `json:"deliveries,omitempty"`
}

func toPaymentResult(res *payments.Result) paymentResultResponse {
	p := res.Payment
	out := paymentResultResponse{
		Payment: paymentResponse{
			PaymentID:     p.ID,
			Method:        string(p.Method),
			Status:        string(p.Status),
			Amount:        p.Amount,
			RedirectURL:   p.RedirectURL,
			FailureReason: p.FailureReason,
		},
		Order: toOrder(res.Order),
		Entry: toEntry(res.Entry),
	}
	if len(res.Deliveries) > 0 {
		out.Deliveries = toDeliveries(res.Deliveries)
	}
	return out
}

type revealResponse struct {
	OrderID string                 `json:"order_id"`
	Keys    []delivery.RevealedKey `json:"keys"`
}

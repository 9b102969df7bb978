package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/delivery"
	"KeyLedger/internal/gateway"
	"KeyLedger/internal/inventory"
	"KeyLedger/internal/ledger"
	"KeyLedger/internal/models"
	"KeyLedger/internal/payments"
	"KeyLedger/internal/services"

	"github.com/go-chi/chi/v5"
)

const (
	headerUserID = "X-User-Id"
	headerTier   = "X-User-Tier"
	headerActor  = "X-Admin-Actor"

	maxBodyBytes = 1 << 20
)

type Wallets interface {
	EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error)
	Topup(ctx context.Context, userID string, amount int64, note, actor string) (*models.LedgerEntry, error)
	Adjust(ctx context.Context, a ledger.Adjustment) (*models.LedgerEntry, error)
	History(ctx context.Context, walletID string, page, perPage int) (*ledger.Page, error)
	Verify(ctx context.Context, walletID string) (*ledger.Report, error)
}

type Stock interface {
	Intake(ctx context.Context, productID string, qty int, actor string) (*inventory.IntakeResult, error)
	Summary(ctx context.Context, productID string) (*inventory.Summary, error)
	Revoke(ctx context.Context, productID, credentialID, actor string) error
}

type Orders interface {
	Preview(ctx context.Context, cart services.Cart) (*services.Preview, error)
	Checkout(ctx context.Context, cart services.Cart) (*models.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error)
}

type Payments interface {
	CreatePayment(ctx context.Context, userID, orderID string, method models.PaymentMethod) (*payments.Result, error)
	Refund(ctx context.Context, orderID, actor string) (*payments.RefundResult, error)
	HandleGatewayEvent(ctx context.Context, ev models.GatewayEvent) (models.GatewayOutcome, error)
}

type Deliveries interface {
	Status(ctx context.Context, userID, orderID string) (*delivery.Status, error)
	Reveal(ctx context.Context, userID, orderID string) ([]delivery.RevealedKey, error)
	Resend(ctx context.Context, userID, orderID, email string) (int, error)
	Close(ctx context.Context, userID, orderID string) (int64, error)
	AllocateByID(ctx context.Context, orderID string) ([]*models.Delivery, error)
}

type Handler struct {
	Wallets    Wallets
	Stock      Stock
	Orders     Orders
	Payments   Payments
	Deliveries Deliveries

	AdminToken         string
	WebhookSecret      string
	SignatureTolerance time.Duration
	Now                func() time.Time
	Logger             *slog.Logger
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeAppError(w, r, h.logger(), err)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Invalid("invalid json body")
	}
	return nil
}

func userID(r *http.Request) (string, error) {
	id := r.Header.Get(headerUserID)
	if id == "" {
		return "", apperr.ErrMissingUser
	}
	return id, nil
}

func actor(r *http.Request) string {
	if a := r.Header.Get(headerActor); a != "" {
		return a
	}
	return "admin"
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Invalid("%s must be a number", key)
	}
	return n, nil
}

type topupRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

func (h *Handler) Topup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.Wallets.Topup(r.Context(), req.UserID, req.Amount, req.Note, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntry(e))
}

type adjustRequest struct {
	UserID    string `json:"user_id"`
	Direction string `json:"direction"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
	Note      string `json:"note"`
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.Wallets.Adjust(r.Context(), ledger.Adjustment{
		UserID:    req.UserID,
		Direction: models.Direction(req.Direction),
		Amount:    req.Amount,
		Reason:    ledger.Reason(req.Reason),
		Reference: req.Reference,
		Detail:    req.Note,
		Actor:     actor(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntry(e))
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	wallet, err := h.Wallets.EnsureWallet(r.Context(), uid)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{
		WalletID: wallet.ID,
		Code:     wallet.Code,
		UserID:   wallet.UserID,
		Balance:  wallet.Balance,
	})
}

type historyResponse struct {
	WalletID string           `json:"wallet_id"`
	Entries  []*entryResponse `json:"entries"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PerPage  int              `json:"per_page"`
}

// LedgerHistory serves the caller's own wallet. Any other wallet needs the admin token.
func (h *Handler) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	walletID := r.URL.Query().Get("wallet_id")
	if walletID == "" || !h.isAdmin(r) {
		uid, err := userID(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		own, err := h.Wallets.EnsureWallet(r.Context(), uid)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if walletID != "" && walletID != own.ID {
			h.fail(w, r, apperr.ErrForbidden)
			return
		}
		walletID = own.ID
	}

	page, err := queryInt(r, "page")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	perPage, err := queryInt(r, "per_page")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.Wallets.History(r.Context(), walletID, page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := historyResponse{
		WalletID: walletID,
		Entries:  make([]*entryResponse, 0, len(p.Entries)),
		Total:    p.Total,
		Page:     p.Page,
		PerPage:  p.PerPage,
	}
	for _, e := range p.Entries {
		resp.Entries = append(resp.Entries, toEntry(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) VerifyWallet(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Wallets.Verify(r.Context(), chi.URLParam(r, "walletId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type takeStockRequest struct {
	Qty int `json:"qty"`
}

func (h *Handler) TakeStock(w http.ResponseWriter, r *http.Request) {
	var req takeStockRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Stock.Intake(r.Context(), chi.URLParam(r, "productId"), req.Qty, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) StockSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Stock.Summary(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	productID, licenseID := chi.URLParam(r, "productId"), chi.URLParam(r, "licenseId")
	if err := h.Stock.Revoke(r.Context(), productID, licenseID, actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"license_id": licenseID, "status": string(models.CredentialRevoked)})
}

type cartRequest struct {
	Items       []services.CartItem `json:"items"`
	VoucherCode string              `json:"voucher_code"`
	OrderID     string              `json:"order_id"`
}

func (h *Handler) cart(r *http.Request) (services.Cart, error) {
	uid, err := userID(r)
	if err != nil {
		return services.Cart{}, err
	}
	var req cartRequest
	if err := decodeJSON(r, &req); err != nil {
		return services.Cart{}, err
	}
	return services.Cart{
		UserID:      uid,
		Tier:        models.Tier(r.Header.Get(headerTier)),
		Items:       req.Items,
		VoucherCode: req.VoucherCode,
		OrderID:     req.OrderID,
	}, nil
}

func (h *Handler) PreviewCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.cart(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.Orders.Preview(r.Context(), cart)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	cart, err := h.cart(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.Orders.Checkout(r.Context(), cart)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(o))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.Orders.GetOrder(r.Context(), uid, chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrder(o))
}

type paymentRequest struct {
	Method string `json:"method"`
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Payments.CreatePayment(r.Context(), uid, chi.URLParam(r, "orderId"), models.PaymentMethod(req.Method))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Payment.Status == models.PaymentPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toPaymentResult(res))
}

type refundResponse struct {
	Order    *orderResponse `json:"order"`
	Entry    *entryResponse `json:"ledger_entry,omitempty"`
	Released []string       `json:"released_credentials"`
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	res, err := h.Payments.Refund(r.Context(), chi.URLParam(r, "orderId"), actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refundResponse{Order: toOrder(res.Order), Entry: toEntry(res.Entry), Released: res.Released})
}

func (h *Handler) DeliveryStatus(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.Deliveries.Status(r.Context(), uid, chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) Reveal(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	orderID := chi.URLParam(r, "orderId")
	keys, err := h.Deliveries.Reveal(r.Context(), uid, orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, revealResponse{OrderID: orderID, Keys: keys})
}

type resendRequest struct {
	Email string `json:"email"`
}

func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req resendRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.Deliveries.Resend(r.Context(), uid, chi.URLParam(r, "orderId"), req.Email)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": n})
}

func (h *Handler) CloseDelivery(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n, err := h.Deliveries.Close(r.Context(), uid, chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"closed": n})
}

func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	ds, err := h.Deliveries.AllocateByID(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": toDeliveries(ds)})
}

// GatewayWebhook authenticates the gateway's signature before anything is parsed.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if h.WebhookSecret == "" {
		h.fail(w, r, apperr.ErrForbidden)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, apperr.Invalid("read body"))
		return
	}
	now := h.now()
	if err := gateway.VerifySignature(h.WebhookSecret, r.Header.Get(gateway.SignatureHeader), body, now, h.SignatureTolerance); err != nil {
		h.logger().WarnContext(r.Context(), "gateway webhook rejected", "error", err)
		h.fail(w, r, err)
		return
	}
	ev, err := gateway.ParseEvent(body, now)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	outcome, err := h.Payments.HandleGatewayEvent(r.Context(), ev)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": ev.EventID, "outcome": string(outcome)})
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/catalog"
	"KeyLedger/internal/delivery"
	"KeyLedger/internal/gateway"
	"KeyLedger/internal/inventory"
	"KeyLedger/internal/ledger"
	"KeyLedger/internal/licensekey"
	"KeyLedger/internal/models"
	"KeyLedger/internal/notify"
	"KeyLedger/internal/payments"
	"KeyLedger/internal/pricing"
	"KeyLedger/internal/services"
	"KeyLedger/internal/store/memstore"
	"KeyLedger/internal/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	adminToken    = "test-admin-token"
	webhookSecret = "whsec_test"
)

type stubGateway struct {
	mu sync.Mutex
	n  int
}

func (g *stubGateway) CreateSession(_ context.Context, _ gateway.SessionRequest) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	id := fmt.Sprintf("cs_%d", g.n)
	return &gateway.Session{ID: id, RedirectURL: "https://pay.example/" + id}, nil
}

type testAPI struct {
	router http.Handler
	clock  *testutil.Clock
	st     *memstore.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st := memstore.New()
	require.NoError(t, st.UpsertProduct(t.Context(), &models.Product{ID: "p1", Name: "Editor Pro", MemberPrice: 60_000, Active: true}))
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	keys, err := licensekey.NewKeyring("0123456789abcdef0123456789abcdef", "kl")
	require.NoError(t, err)

	clock := testutil.NewClock()
	logger := testutil.Logger(t)
	orders := services.OrderService{
		Store:    st,
		Catalog:  catalog.New(st, catalog.DefaultConfig()),
		Pricing:  pricing.Service{Campaigns: st, TaxPercent: decimal.NewFromInt(11)},
		Invoices: node,
		TTL:      time.Hour,
		Now:      clock.Now,
		Logger:   logger,
	}
	led := ledger.Service{Store: st, Codes: node, Now: clock.Now, Logger: logger}
	dl := delivery.Service{Store: st, Keys: keys, Mailer: notify.LogMailer{Logger: logger}, Now: clock.Now, Logger: logger}
	h := &Handler{
		Wallets: led,
		Stock:   inventory.Service{Store: st, Keys: keys, Now: clock.Now, Logger: logger},
		Orders:  orders,
		Payments: payments.Service{
			Store:    st,
			Orders:   orders,
			Wallets:  led,
			Gateway:  &stubGateway{},
			Delivery: dl,
			Currency: "IDR",
			Now:      clock.Now,
			Logger:   logger,
		},
		Deliveries:         dl,
		AdminToken:         adminToken,
		WebhookSecret:      webhookSecret,
		SignatureTolerance: 5 * time.Minute,
		Now:                clock.Now,
		Logger:             logger,
	}
	return &testAPI{router: NewServer(h).Router, clock: clock, st: st}
}

type call struct {
	method  string
	path    string
	body    any
	user    string
	admin   bool
	headers map[string]string
}

func (a *testAPI) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var body []byte
	switch b := c.body.(type) {
	case nil:
	case []byte:
		body = b
	default:
		var err error
		body, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(c.method, c.path, bytes.NewReader(body))
	if c.user != "" {
		req.Header.Set(headerUserID, c.user)
	}
	if c.admin {
		req.Header.Set(headerAdminToken, adminToken)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (a *testAPI) stock(t *testing.T, qty int) {
	t.Helper()
	rec, _ := a.do(t, call{method: "POST", path: "/products/p1/licenses/take-stock", body: map[string]int{"qty": qty}, admin: true})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func (a *testAPI) checkout(t *testing.T, user string) string {
	t.Helper()
	rec, out := a.do(t, call{method: "POST", path: "/cart/checkout", user: user, body: map[string]any{
		"items": []map[string]any{{"product_id": "p1", "qty": 1}},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return out["order_id"].(string)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec, out := a.do(t, call{method: "GET", path: "/health"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", out["status"])
}

func TestAdminRoutesNeedToken(t *testing.T) {
	a := newTestAPI(t)

	rec, out := a.do(t, call{method: "POST", path: "/products/p1/licenses/take-stock", body: map[string]int{"qty": 3}})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "forbidden", out["code"])

	rec, _ = a.do(t, call{method: "POST", path: "/wallet/topup", body: map[string]any{"user_id": "u1", "amount": 10}, headers: map[string]string{headerAdminToken: "wrong"}})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, out = a.do(t, call{method: "POST", path: "/products/p1/licenses/take-stock", body: map[string]int{"qty": 3}, admin: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, out["keys"], 3)
	for _, k := range out["keys"].([]any) {
		require.True(t, strings.HasPrefix(k.(string), "kl1"))
	}

	rec, out = a.do(t, call{method: "GET", path: "/products/p1/licenses/summary", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, out["total"])
}

func TestMissingUserIsUnauthorized(t *testing.T) {
	a := newTestAPI(t)
	rec, out := a.do(t, call{method: "GET", path: "/wallet"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "missing_user", out["code"])
}

func TestWalletPurchaseAndReveal(t *testing.T) {
	a := newTestAPI(t)
	a.stock(t, 1)

	rec, out := a.do(t, call{method: "POST", path: "/wallet/topup", admin: true, body: map[string]any{"user_id": "u1", "amount": 100_000, "note": "welcome"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 100_000, out["balance_after"])
	require.Equal(t, "TOPUP", out["kind"])

	orderID := a.checkout(t, "u1")

	rec, out = a.do(t, call{method: "POST", path: "/orders/" + orderID + "/payments", user: "u1", body: map[string]string{"method": "wallet"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "PAID", out["order"].(map[string]any)["status"])
	require.EqualValues(t, 33_400, out["ledger_entry"].(map[string]any)["balance_after"])

	rec, out = a.do(t, call{method: "GET", path: "/wallet", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 33_400, out["balance"])

	rec, out = a.do(t, call{method: "GET", path: "/orders/" + orderID + "/delivery", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["can_reveal"])

	rec, out = a.do(t, call{method: "POST", path: "/orders/" + orderID + "/delivery/reveal", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Len(t, out["keys"], 1)

	rec, out = a.do(t, call{method: "POST", path: "/orders/" + orderID + "/delivery/reveal", user: "u1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_revealed", out["code"])

	a.clock.Advance(6 * time.Minute)
	rec, out = a.do(t, call{method: "POST", path: "/orders/" + orderID + "/delivery/reveal", user: "u1"})
	require.Equal(t, http.StatusGone, rec.Code)
	require.Equal(t, "expired", out["code"])

	rec, out = a.do(t, call{method: "POST", path: "/orders/" + orderID + "/delivery/resend", user: "u1", body: map[string]string{"email": "buyer@example.com"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 1, out["sent"])

	rec, _ = a.do(t, call{method: "POST", path: "/orders/" + orderID + "/delivery/close", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, out = a.do(t, call{method: "POST", path: "/orders/" + orderID + "/delivery/reveal", user: "u1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "delivery_closed", out["code"])
}

func TestInsufficientFundsIsPaymentRequired(t *testing.T) {
	a := newTestAPI(t)
	a.stock(t, 1)
	orderID := a.checkout(t, "u2")

	rec, out := a.do(t, call{method: "POST", path: "/orders/" + orderID + "/payments", user: "u2", body: map[string]string{"method": "wallet"}})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, "insufficient_funds", out["code"])

	rec, out = a.do(t, call{method: "GET", path: "/orders/" + orderID, user: "u2"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "PENDING", out["status"])

	rec, _ = a.do(t, call{method: "GET", path: "/orders/" + orderID, user: "someone-else"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerHistoryAccess(t *testing.T) {
	a := newTestAPI(t)
	for _, amount := range []int64{1_000, 2_000, 3_000} {
		rec, _ := a.do(t, call{method: "POST", path: "/wallet/topup", admin: true, body: map[string]any{"user_id": "u1", "amount": amount}})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, out := a.do(t, call{method: "GET", path: "/wallet", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	walletID := out["wallet_id"].(string)

	rec, out = a.do(t, call{method: "GET", path: "/wallet/ledger?per_page=2", user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, out["total"])
	entries := out["entries"].([]any)
	require.Len(t, entries, 2)
	require.EqualValues(t, 3_000, entries[0].(map[string]any)["amount"])

	rec, _ = a.do(t, call{method: "GET", path: "/wallet/ledger?wallet_id=" + walletID, user: "u9"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, out = a.do(t, call{method: "GET", path: "/wallet/ledger?wallet_id=" + walletID, admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, out["total"])

	rec, _ = a.do(t, call{method: "GET", path: "/wallet/ledger?page=x", user: "u1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = a.do(t, call{method: "GET", path: "/admin/wallets/" + walletID + "/verify", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["consistent"])
}

func TestAdjustRejectsUnknownReason(t *testing.T) {
	a := newTestAPI(t)
	rec, out := a.do(t, call{method: "POST", path: "/wallet/adjust", admin: true, body: map[string]any{
		"user_id": "u1", "direction": "CREDIT", "amount": 500, "reason": "BECAUSE",
	}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_input", out["code"])

	rec, out = a.do(t, call{method: "POST", path: "/wallet/adjust", admin: true, headers: map[string]string{headerActor: "ops-1"}, body: map[string]any{
		"user_id": "u1", "direction": "CREDIT", "amount": 500, "reason": "BONUS", "reference": "T-1", "note": "launch",
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "BONUS ref:T-1 - launch", out["note"])
	require.Equal(t, "ops-1", out["actor"])
}

func TestGatewayPaymentWebhook(t *testing.T) {
	a := newTestAPI(t)
	a.stock(t, 1)
	orderID := a.checkout(t, "u1")

	rec, out := a.do(t, call{method: "POST", path: "/orders/" + orderID + "/payments", user: "u1", body: map[string]string{"method": "gateway"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, "https://pay.example/cs_1", out["payment"].(map[string]any)["redirect_url"])

	body := []byte(`{"id":"evt_1","type":"payment.succeeded","data":{"session_id":"cs_1","amount":66600}}`)
	signed := map[string]string{gateway.SignatureHeader: gateway.Sign(webhookSecret, a.clock.Now(), body)}

	rec, out = a.do(t, call{method: "POST", path: "/gateway/webhook", body: body, headers: signed})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "paid", out["outcome"])

	rec, out = a.do(t, call{method: "POST", path: "/gateway/webhook", body: body, headers: signed})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "duplicate", out["outcome"])

	rec, out = a.do(t, call{method: "GET", path: "/orders/" + orderID, user: "u1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "PAID", out["status"])
}

func TestGatewayWebhookRejectsBadSignature(t *testing.T) {
	a := newTestAPI(t)
	body := []byte(`{"id":"evt_9","type":"payment.succeeded","data":{"session_id":"cs_9","amount":1}}`)

	tests := map[string]string{
		"missing":   "",
		"wrong key": gateway.Sign("other", a.clock.Now(), body),
		"stale":     gateway.Sign(webhookSecret, a.clock.Now().Add(-time.Hour), body),
	}
	for name, sig := range tests {
		t.Run(name, func(t *testing.T) {
			rec, out := a.do(t, call{method: "POST", path: "/gateway/webhook", body: body, headers: map[string]string{gateway.SignatureHeader: sig}})
			require.Equal(t, http.StatusForbidden, rec.Code)
			require.Equal(t, "forbidden", out["code"])
		})
	}
}

func TestRefundReleasesAndCredits(t *testing.T) {
	a := newTestAPI(t)
	a.stock(t, 1)
	rec, _ := a.do(t, call{method: "POST", path: "/wallet/topup", admin: true, body: map[string]any{"user_id": "u1", "amount": 70_000}})
	require.Equal(t, http.StatusOK, rec.Code)
	orderID := a.checkout(t, "u1")
	rec, _ = a.do(t, call{method: "POST", path: "/orders/" + orderID + "/payments", user: "u1", body: map[string]string{"method": "wallet"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = a.do(t, call{method: "POST", path: "/orders/" + orderID + "/refund", user: "u1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, out := a.do(t, call{method: "POST", path: "/orders/" + orderID + "/refund", admin: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "REFUNDED", out["order"].(map[string]any)["status"])
	require.EqualValues(t, 70_000, out["ledger_entry"].(map[string]any)["balance_after"])
	require.Len(t, out["released_credentials"], 1)

	rec, out = a.do(t, call{method: "GET", path: "/products/p1/licenses/summary", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, out["counts"].(map[string]any)["available"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  *apperr.Error
		want int
	}{
		{apperr.ErrOutOfStock, http.StatusConflict},
		{apperr.ErrInsufficientFunds, http.StatusPaymentRequired},
		{apperr.ErrExpired, http.StatusGone},
		{apperr.ErrVoucherInvalid, http.StatusUnprocessableEntity},
		{apperr.ErrQuotaExhausted, http.StatusUnprocessableEntity},
		{apperr.ErrPaymentInProgress, http.StatusConflict},
		{apperr.ErrInvalidInput, http.StatusBadRequest},
		{apperr.ErrMissingUser, http.StatusUnauthorized},
		{apperr.ErrNotFound, http.StatusNotFound},
		{apperr.ErrForbidden, http.StatusForbidden},
		{apperr.ErrGatewayFailure, http.StatusServiceUnavailable},
		{apperr.ErrLedgerIntegrity, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.err.Code, func(t *testing.T) {
			require.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}

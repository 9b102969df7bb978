package services

import (
	"testing"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/catalog"
	"KeyLedger/internal/models"
	"KeyLedger/internal/pricing"
	"KeyLedger/internal/store/memstore"
	"KeyLedger/internal/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newOrderService(t *testing.T) (OrderService, *memstore.Store, *testutil.Clock) {
	t.Helper()
	st := memstore.New()
	for _, p := range []*models.Product{
		{ID: "p1", Name: "Editor Pro", MemberPrice: 60_000, ResellerPrice: 50_000, Active: true},
		{ID: "p2", Name: "Backup", MemberPrice: 10_000, TrackStock: true, Active: true},
		{ID: "old", Name: "Retired", MemberPrice: 1_000},
	} {
		require.NoError(t, st.UpsertProduct(t.Context(), p))
	}
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clock := testutil.NewClock()
	return OrderService{
		Store:    st,
		Catalog:  catalog.New(st, catalog.DefaultConfig()),
		Pricing:  pricing.Service{Campaigns: st, TaxPercent: decimal.NewFromInt(11)},
		Invoices: node,
		TTL:      30 * time.Minute,
		Now:      clock.Now,
		Logger:   testutil.Logger(t),
	}, st, clock
}

func TestCheckoutCreatesPendingOrder(t *testing.T) {
	s, st, _ := newOrderService(t)

	o, err := s.Checkout(t.Context(), Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Qty: 1}}})
	require.NoError(t, err)
	require.Equal(t, models.OrderPending, o.Status)
	require.Regexp(t, `^INV-\d+$`, o.InvoiceNo)
	require.Equal(t, models.TierMember, o.Tier)
	require.Equal(t, int64(66_600), o.Summary.Total)

	stored, err := st.GetOrder(t.Context(), o.ID)
	require.NoError(t, err)
	require.Equal(t, o.InvoiceNo, stored.InvoiceNo)
	require.Equal(t, o.Summary.Total, stored.Summary.Total)
}

func TestCheckoutMergesLinesAndPricesByTier(t *testing.T) {
	s, _, _ := newOrderService(t)

	o, err := s.Checkout(t.Context(), Cart{
		UserID: "u1",
		Tier:   models.TierReseller,
		Items:  []CartItem{{ProductID: "p1", Qty: 2}, {ProductID: "p1", Qty: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, []models.LineItem{{ProductID: "p1", Qty: 3, UnitPrice: 50_000, LineTotal: 150_000}}, o.Items)
	require.Equal(t, models.TierReseller, o.Tier)
}

func TestCheckoutValidation(t *testing.T) {
	s, _, _ := newOrderService(t)

	tests := map[string]struct {
		cart Cart
		want error
	}{
		"no user":        {Cart{Items: []CartItem{{ProductID: "p1", Qty: 1}}}, apperr.ErrMissingUser},
		"empty cart":     {Cart{UserID: "u1"}, apperr.ErrInvalidInput},
		"zero qty":       {Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Qty: 0}}}, apperr.ErrInvalidInput},
		"qty above max":  {Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Qty: 101}}}, apperr.ErrInvalidInput},
		"merged too big": {Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Qty: 60}, {ProductID: "p1", Qty: 41}}}, apperr.ErrInvalidInput},
		"no product id":  {Cart{UserID: "u1", Items: []CartItem{{Qty: 1}}}, apperr.ErrInvalidInput},
		"unknown":        {Cart{UserID: "u1", Items: []CartItem{{ProductID: "nope", Qty: 1}}}, apperr.ErrNotFound},
		"inactive":       {Cart{UserID: "u1", Items: []CartItem{{ProductID: "old", Qty: 1}}}, apperr.ErrInvalidInput},
		"bad voucher":    {Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Qty: 1}}, VoucherCode: "NOPE"}, apperr.ErrVoucherInvalid},
		"out of stock":   {Cart{UserID: "u1", Items: []CartItem{{ProductID: "p2", Qty: 1}}}, apperr.ErrOutOfStock},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Checkout(t.Context(), tc.cart)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPreviewSkipsStockAndStoresNothing(t *testing.T) {
	s, st, _ := newOrderService(t)

	p, err := s.Preview(t.Context(), Cart{UserID: "u1", Items: []CartItem{{ProductID: "p2", Qty: 2}}})
	require.NoError(t, err)
	require.Equal(t, int64(20_000), p.Summary.Subtotal)
	require.Equal(t, int64(22_200), p.Summary.Total)

	n, err := st.FailStaleOrders(t.Context(), time.Now().Add(24*time.Hour), time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCheckoutReplacesPendingOrder(t *testing.T) {
	s, _, clock := newOrderService(t)
	first, err := s.Checkout(t.Context(), Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Qty: 1}}})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	replaced, err := s.Checkout(t.Context(), Cart{UserID: "u1", OrderID: first.ID, Items: []CartItem{{ProductID: "p1", Qty: 2}}})
	require.NoError(t, err)
	require.Equal(t, first.ID, replaced.ID)
	require.Equal(t, first.InvoiceNo, replaced.InvoiceNo)
	require.Equal(t, int64(133_200), replaced.Summary.Total)

	_, err = s.Checkout(t.Context(), Cart{UserID: "u2", OrderID: first.ID, Items: []CartItem{{ProductID: "p1", Qty: 1}}})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetOrderHidesOtherUsersOrders(t *testing.T) {
	s, _, _ := newOrderService(t)
	o, err := s.Checkout(t.Context(), Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Qty: 1}}})
	require.NoError(t, err)

	got, err := s.GetOrder(t.Context(), "u1", o.ID)
	require.NoError(t, err)
	require.Equal(t, o.ID, got.ID)

	_, err = s.GetOrder(t.Context(), "u2", o.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRepriceDropsExhaustedVoucher(t *testing.T) {
	s, st, clock := newOrderService(t)
	voucher := &models.Campaign{
		ID: 7, Code: "ONCE", Name: "once", Type: models.DiscountPercent, Value: 10, Quota: 1,
		StartsAt: clock.Now().Add(-time.Hour), StackPolicy: models.Stackable, Active: true,
	}
	require.NoError(t, st.UpsertCampaign(t.Context(), voucher))

	o, err := s.Checkout(t.Context(), Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Qty: 1}}, VoucherCode: "ONCE"})
	require.NoError(t, err)
	require.Equal(t, int64(6_000), o.Summary.DiscountTotal)

	same, err := s.Reprice(t.Context(), o)
	require.NoError(t, err)
	require.Equal(t, o.Summary, same.Summary)

	voucher.QuotaUsed = 1
	require.NoError(t, st.UpsertCampaign(t.Context(), voucher))

	repriced, err := s.Reprice(t.Context(), o)
	require.NoError(t, err)
	require.Zero(t, repriced.Summary.DiscountTotal)
	require.Equal(t, int64(66_600), repriced.Summary.Total)

	stored, err := st.GetOrder(t.Context(), o.ID)
	require.NoError(t, err)
	require.Equal(t, int64(66_600), stored.Summary.Total)
}

func TestFailStale(t *testing.T) {
	s, st, clock := newOrderService(t)
	o, err := s.Checkout(t.Context(), Cart{UserID: "u1", Items: []CartItem{{ProductID: "p1", Qty: 1}}})
	require.NoError(t, err)

	n, err := s.FailStale(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(31 * time.Minute)
	n, err = s.FailStale(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stored, err := st.GetOrder(t.Context(), o.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderFailed, stored.Status)

	_, err = s.Reprice(t.Context(), stored)
	require.ErrorIs(t, err, apperr.ErrOrderNotPending)
}

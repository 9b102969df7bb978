package pricing

import (
	"testing"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"
	"KeyLedger/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, tax int64, campaigns ...*models.Campaign) (Service, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	for _, c := range campaigns {
		require.NoError(t, st.UpsertCampaign(t.Context(), c))
	}
	return Service{Campaigns: st, TaxPercent: decimal.NewFromInt(tax)}, st
}

func items(subtotal int64) []models.LineItem {
	return []models.LineItem{{ProductID: "p1", Qty: 1, UnitPrice: subtotal, LineTotal: subtotal}}
}

func campaign(id int64, policy models.StackPolicy, priority int, typ models.DiscountType, value int64) *models.Campaign {
	return &models.Campaign{
		ID:          id,
		Name:        "c",
		Type:        typ,
		Value:       value,
		StartsAt:    now.Add(-time.Hour),
		StackPolicy: policy,
		Priority:    priority,
		Active:      true,
	}
}

func TestPriceAppliesTaxRoundedHalfUp(t *testing.T) {
	s, _ := newService(t, 10)

	sum, err := s.Price(t.Context(), Quote{Items: items(60_005), Now: now})
	require.NoError(t, err)
	require.Equal(t, int64(60_005), sum.Subtotal)
	require.Equal(t, int64(6_001), sum.TaxAmount)
	require.Equal(t, int64(66_006), sum.Total)
	require.True(t, decimal.NewFromInt(10).Equal(sum.TaxPercent))
}

func TestExclusivePicksHighestPriority(t *testing.T) {
	s, _ := newService(t, 0,
		campaign(1, models.Exclusive, 1, models.DiscountFixed, 1_000),
		campaign(2, models.Exclusive, 5, models.DiscountFixed, 2_000),
	)

	sum, err := s.Price(t.Context(), Quote{Items: items(10_000), Now: now})
	require.NoError(t, err)
	require.Len(t, sum.Discounts, 1)
	require.Equal(t, int64(2), sum.Discounts[0].CampaignID)
	require.Equal(t, int64(8_000), sum.Total)
}

func TestExclusiveTieBreaksOnLowestID(t *testing.T) {
	s, _ := newService(t, 0,
		campaign(9, models.Exclusive, 3, models.DiscountFixed, 500),
		campaign(4, models.Exclusive, 3, models.DiscountFixed, 700),
		campaign(6, models.Exclusive, 3, models.DiscountFixed, 900),
	)

	for range 5 {
		sum, err := s.Price(t.Context(), Quote{Items: items(10_000), Now: now})
		require.NoError(t, err)
		require.Len(t, sum.Discounts, 1)
		require.Equal(t, int64(4), sum.Discounts[0].CampaignID)
	}
}

func TestStackablesAddOnTopAndCapAtSubtotal(t *testing.T) {
	s, _ := newService(t, 11,
		campaign(1, models.Exclusive, 1, models.DiscountFixed, 3_000),
		campaign(2, models.Stackable, 0, models.DiscountFixed, 4_000),
		campaign(3, models.Stackable, 0, models.DiscountFixed, 9_000),
	)

	sum, err := s.Price(t.Context(), Quote{Items: items(10_000), Now: now})
	require.NoError(t, err)
	require.Equal(t, int64(10_000), sum.DiscountTotal)
	require.Zero(t, sum.TaxAmount)
	require.Zero(t, sum.Total)
	require.Len(t, sum.Discounts, 3)
	require.Equal(t, int64(3_000), sum.Discounts[2].Amount)
}

func TestPercentHonoursMaxDiscount(t *testing.T) {
	c := campaign(1, models.Stackable, 0, models.DiscountPercent, 20)
	c.MaxDiscount = 5_000
	s, _ := newService(t, 0, c)

	small, err := s.Price(t.Context(), Quote{Items: items(10_000), Now: now})
	require.NoError(t, err)
	require.Equal(t, int64(2_000), small.DiscountTotal)

	large, err := s.Price(t.Context(), Quote{Items: items(100_000), Now: now})
	require.NoError(t, err)
	require.Equal(t, int64(5_000), large.DiscountTotal)
}

func TestCampaignsOutsideWindowOrBelowMinimumAreSkipped(t *testing.T) {
	ended := now.Add(-time.Minute)
	expired := campaign(1, models.Stackable, 0, models.DiscountFixed, 1_000)
	expired.EndsAt = &ended
	future := campaign(2, models.Stackable, 0, models.DiscountFixed, 1_000)
	future.StartsAt = now.Add(time.Hour)
	minimum := campaign(3, models.Stackable, 0, models.DiscountFixed, 1_000)
	minimum.MinPurchase = 50_000
	s, _ := newService(t, 0, expired, future, minimum)

	sum, err := s.Price(t.Context(), Quote{Items: items(10_000), Now: now})
	require.NoError(t, err)
	require.Empty(t, sum.Discounts)
	require.Equal(t, int64(10_000), sum.Total)
}

func promo5k(used int64) *models.Campaign {
	c := campaign(50, models.Stackable, 0, models.DiscountFixed, 5_000)
	c.Code = "PROMO5K"
	c.MinPurchase = 50_000
	c.Quota = 1
	c.QuotaUsed = used
	return c
}

func TestVoucherFailures(t *testing.T) {
	t.Run("unknown", func(t *testing.T) {
		s, _ := newService(t, 0)
		_, err := s.Price(t.Context(), Quote{Items: items(60_000), VoucherCode: "NOPE", Now: now})
		require.ErrorIs(t, err, apperr.ErrVoucherInvalid)
	})

	t.Run("below minimum", func(t *testing.T) {
		s, _ := newService(t, 0, promo5k(0))
		_, err := s.Price(t.Context(), Quote{Items: items(40_000), VoucherCode: "PROMO5K", Now: now})
		require.ErrorIs(t, err, apperr.ErrVoucherInvalid)
	})

	t.Run("inactive", func(t *testing.T) {
		v := promo5k(0)
		v.Active = false
		s, _ := newService(t, 0, v)
		_, err := s.Price(t.Context(), Quote{Items: items(60_000), VoucherCode: "PROMO5K", Now: now})
		require.ErrorIs(t, err, apperr.ErrVoucherInvalid)
	})

	t.Run("quota used up", func(t *testing.T) {
		s, _ := newService(t, 0, promo5k(1))
		_, err := s.Price(t.Context(), Quote{Items: items(60_000), VoucherCode: "PROMO5K", Now: now})
		require.ErrorIs(t, err, apperr.ErrQuotaExhausted)
	})

	t.Run("lenient falls back to full price", func(t *testing.T) {
		s, _ := newService(t, 0, promo5k(1))
		sum, err := s.Price(t.Context(), Quote{Items: items(60_000), VoucherCode: "PROMO5K", Now: now, Lenient: true})
		require.NoError(t, err)
		require.Empty(t, sum.Discounts)
		require.Equal(t, int64(60_000), sum.Total)
	})
}

func TestPriceIsDeterministicAndLeavesQuotaAlone(t *testing.T) {
	s, st := newService(t, 11,
		promo5k(0),
		campaign(1, models.Exclusive, 2, models.DiscountPercent, 5),
	)
	q := Quote{Items: items(60_000), VoucherCode: "PROMO5K", Now: now}

	first, err := s.Price(t.Context(), q)
	require.NoError(t, err)
	second, err := s.Price(t.Context(), q)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Len(t, first.Discounts, 2)
	require.True(t, first.Discounts[1].QuotaBound)
	require.Equal(t, int64(8_000), first.DiscountTotal)
	require.Equal(t, int64(5_720), first.TaxAmount)
	require.Equal(t, int64(57_720), first.Total)

	v, err := st.GetCampaignByCode(t.Context(), "PROMO5K")
	require.NoError(t, err)
	require.Zero(t, v.QuotaUsed)
}

package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type CampaignSource interface {
	ListActiveCampaigns(ctx context.Context) ([]*models.Campaign, error)
	GetCampaignByCode(ctx context.Context, code string) (*models.Campaign, error)
}

// Service computes order summaries. It never writes: quota is only read here and is
// consumed by the store when an order becomes PAID.
type Service struct {
	Campaigns  CampaignSource
	TaxPercent decimal.Decimal
}

type Quote struct {
	Items       []models.LineItem
	VoucherCode string
	Now         time.Time
	// Lenient drops a voucher that is no longer usable instead of failing. Payment
	// time repricing uses it, so a used-up voucher falls back to the full price.
	Lenient bool
}

func (s Service) Price(ctx context.Context, q Quote) (models.Summary, error) {
	var sum models.Summary
	for _, it := range q.Items {
		sum.Subtotal += it.LineTotal
	}
	sum.TaxPercent = s.TaxPercent

	candidates, err := s.candidates(ctx, q, sum.Subtotal)
	if err != nil {
		return models.Summary{}, err
	}

	remaining := sum.Subtotal
	for _, c := range resolve(candidates) {
		amount := discountFor(c, sum.Subtotal)
		if amount > remaining {
			amount = remaining
		}
		if amount <= 0 {
			continue
		}
		remaining -= amount
		sum.DiscountTotal += amount
		sum.Discounts = append(sum.Discounts, models.AppliedDiscount{
			CampaignID:  c.ID,
			Code:        c.Code,
			StackPolicy: c.StackPolicy,
			Amount:      amount,
			QuotaBound:  c.Quota > 0,
		})
	}

	after := sum.Subtotal - sum.DiscountTotal
	sum.TaxAmount = decimal.NewFromInt(after).Mul(s.TaxPercent).Div(hundred).Round(0).IntPart()
	sum.Total = after + sum.TaxAmount
	return sum, nil
}

func (s Service) candidates(ctx context.Context, q Quote, subtotal int64) ([]*models.Campaign, error) {
	auto, err := s.Campaigns.ListActiveCampaigns(ctx)
	if err != nil {
		return nil, err
	}

	var out []*models.Campaign
	for _, c := range auto {
		if c.ValidAt(q.Now) && subtotal >= c.MinPurchase && c.QuotaLeft() {
			out = append(out, c)
		}
	}

	if q.VoucherCode == "" {
		return out, nil
	}
	v, err := s.voucher(ctx, q.VoucherCode, q.Now, subtotal)
	if err != nil {
		if q.Lenient && apperr.KindOf(err) == apperr.KindBusiness {
			return out, nil
		}
		return nil, err
	}
	return append(out, v), nil
}

func (s Service) voucher(ctx context.Context, code string, now time.Time, subtotal int64) (*models.Campaign, error) {
	v, err := s.Campaigns.GetCampaignByCode(ctx, code)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("voucher %s unknown: %w", code, apperr.ErrVoucherInvalid)
	}
	if err != nil {
		return nil, err
	}
	if !v.ValidAt(now) {
		return nil, fmt.Errorf("voucher %s outside its validity window: %w", code, apperr.ErrVoucherInvalid)
	}
	if subtotal < v.MinPurchase {
		return nil, fmt.Errorf("voucher %s needs a subtotal of %d: %w", code, v.MinPurchase, apperr.ErrVoucherInvalid)
	}
	if !v.QuotaLeft() {
		return nil, fmt.Errorf("voucher %s: %w", code, apperr.ErrQuotaExhausted)
	}
	return v, nil
}

// resolve keeps the highest-priority exclusive campaign (lowest id on ties) followed by
// every stackable one in id order.
func resolve(cs []*models.Campaign) []*models.Campaign {
	var best *models.Campaign
	var stackable []*models.Campaign
	for _, c := range cs {
		if c.StackPolicy != models.Exclusive {
			stackable = append(stackable, c)
			continue
		}
		if best == nil || c.Priority > best.Priority || (c.Priority == best.Priority && c.ID < best.ID) {
			best = c
		}
	}
	sort.Slice(stackable, func(i, j int) bool { return stackable[i].ID < stackable[j].ID })

	var out []*models.Campaign
	if best != nil {
		out = append(out, best)
	}
	return append(out, stackable...)
}

func discountFor(c *models.Campaign, subtotal int64) int64 {
	var amount int64
	switch c.Type {
	case models.DiscountFixed:
		amount = c.Value
	case models.DiscountPercent:
		amount = decimal.NewFromInt(subtotal).Mul(decimal.NewFromInt(c.Value)).Div(hundred).Round(0).IntPart()
	}
	if c.MaxDiscount > 0 && amount > c.MaxDiscount {
		amount = c.MaxDiscount
	}
	return amount
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"
	"KeyLedger/internal/pricing"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

const MaxLineQty = 100

type OrderStore interface {
	CredentialCounts(ctx context.Context, productID string) (models.CredentialCounts, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	ReplacePendingOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	FailStaleOrders(ctx context.Context, before, now time.Time) (int64, error)
}

type ProductReader interface {
	Product(ctx context.Context, id string) (*models.Product, error)
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Qty       int64  `json:"qty"`
}

type Cart struct {
	UserID      string
	Tier        models.Tier
	Items       []CartItem
	VoucherCode string
	// OrderID names a PENDING order of the caller to rewrite instead of creating one.
	OrderID string
}

type Preview struct {
	Items   []models.LineItem `json:"items"`
	Summary models.Summary    `json:"summary"`
}

type OrderService struct {
	Store    OrderStore
	Catalog  ProductReader
	Pricing  pricing.Service
	Invoices *snowflake.Node
	// TTL is how long an unpaid order stays PENDING before the sweep fails it.
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func (s OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s OrderService) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Preview prices a cart without storing anything.
func (s OrderService) Preview(ctx context.Context, cart Cart) (*Preview, error) {
	if cart.UserID == "" {
		return nil, apperr.ErrMissingUser
	}
	lines, err := s.lines(ctx, cart, false)
	if err != nil {
		return nil, err
	}
	sum, err := s.Pricing.Price(ctx, pricing.Quote{Items: lines, VoucherCode: cart.VoucherCode, Now: s.now()})
	if err != nil {
		return nil, err
	}
	return &Preview{Items: lines, Summary: sum}, nil
}

func (s OrderService) Checkout(ctx context.Context, cart Cart) (*models.Order, error) {
	if cart.UserID == "" {
		return nil, apperr.ErrMissingUser
	}
	lines, err := s.lines(ctx, cart, true)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sum, err := s.Pricing.Price(ctx, pricing.Quote{Items: lines, VoucherCode: cart.VoucherCode, Now: now})
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:          cart.OrderID,
		UserID:      cart.UserID,
		Status:      models.OrderPending,
		Tier:        tierOrDefault(cart.Tier),
		VoucherCode: cart.VoucherCode,
		Items:       lines,
		Summary:     sum,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if cart.OrderID != "" {
		if err := s.Store.ReplacePendingOrder(ctx, order); err != nil {
			return nil, err
		}
		return s.Store.GetOrder(ctx, order.ID)
	}

	order.ID = uuid.Must(uuid.NewV7()).String()
	order.InvoiceNo = "INV-" + s.Invoices.Generate().String()
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.logger().InfoContext(ctx, "order created",
		"order_id", order.ID,
		"invoice_no", order.InvoiceNo,
		"user_id", order.UserID,
		"total", sum.Total,
	)
	return order, nil
}

// GetOrder returns an order owned by userID. Orders of other users look missing.
func (s OrderService) GetOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	if userID == "" {
		return nil, apperr.ErrMissingUser
	}
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	return o, nil
}

// Reprice recomputes a PENDING order's summary from its stored lines. A voucher or
// campaign that can no longer be applied is dropped rather than failing, and the
// stored order is rewritten when the summary changed.
func (s OrderService) Reprice(ctx context.Context, o *models.Order) (*models.Order, error) {
	if o.Status != models.OrderPending {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPending)
	}
	sum, err := s.Pricing.Price(ctx, pricing.Quote{
		Items:       o.Items,
		VoucherCode: o.VoucherCode,
		Now:         s.now(),
		Lenient:     true,
	})
	if err != nil {
		return nil, err
	}
	if sameSummary(sum, o.Summary) {
		return o, nil
	}

	next := *o
	next.Summary = sum
	next.UpdatedAt = s.now()
	if err := s.Store.ReplacePendingOrder(ctx, &next); err != nil {
		return nil, err
	}
	s.logger().InfoContext(ctx, "order repriced",
		"order_id", o.ID,
		"old_total", o.Summary.Total,
		"new_total", sum.Total,
	)
	return &next, nil
}

// FailStale fails PENDING orders untouched for longer than the TTL.
func (s OrderService) FailStale(ctx context.Context) (int64, error) {
	if s.TTL <= 0 {
		return 0, nil
	}
	now := s.now()
	n, err := s.Store.FailStaleOrders(ctx, now.Add(-s.TTL), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger().InfoContext(ctx, "stale orders failed", "count", n)
	}
	return n, nil
}

// lines validates a cart and prices each line at the buyer's tier. Repeated products
// are merged into one line.
func (s OrderService) lines(ctx context.Context, cart Cart, checkStock bool) ([]models.LineItem, error) {
	if len(cart.Items) == 0 {
		return nil, apperr.Invalid("cart is empty")
	}

	var order []string
	qty := map[string]int64{}
	for _, it := range cart.Items {
		if it.ProductID == "" {
			return nil, apperr.Invalid("product id is required")
		}
		if it.Qty < 1 || it.Qty > MaxLineQty {
			return nil, apperr.Invalid("quantity for %s must be between 1 and %d", it.ProductID, MaxLineQty)
		}
		if _, seen := qty[it.ProductID]; !seen {
			order = append(order, it.ProductID)
		}
		qty[it.ProductID] += it.Qty
	}

	tier := tierOrDefault(cart.Tier)
	out := make([]models.LineItem, 0, len(order))
	for _, id := range order {
		n := qty[id]
		if n > MaxLineQty {
			return nil, apperr.Invalid("quantity for %s must be between 1 and %d", id, MaxLineQty)
		}
		p, err := s.Catalog.Product(ctx, id)
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, apperr.Invalid("product %s is not for sale", id)
		}
		if checkStock && p.TrackStock {
			counts, err := s.Store.CredentialCounts(ctx, id)
			if err != nil {
				return nil, err
			}
			if counts.Available < n {
				return nil, fmt.Errorf("product %s has %d available, %d requested: %w", id, counts.Available, n, apperr.ErrOutOfStock)
			}
		}
		unit := p.PriceFor(tier)
		out = append(out, models.LineItem{ProductID: id, Qty: n, UnitPrice: unit, LineTotal: unit * n})
	}
	return out, nil
}

func tierOrDefault(t models.Tier) models.Tier {
	if t == models.TierReseller {
		return t
	}
	return models.TierMember
}

func sameSummary(a, b models.Summary) bool {
	if a.Subtotal != b.Subtotal || a.DiscountTotal != b.DiscountTotal || a.TaxAmount != b.TaxAmount || a.Total != b.Total {
		return false
	}
	return slices.Equal(a.Discounts, b.Discounts)
}

// Package payments settles orders, either from the buyer's wallet or through the
// hosted payment gateway, and refunds them.
//
// Gateway confirmations arrive asynchronously as events, by webhook or over the
// gateway's event feed. Both paths go through HandleGatewayEvent, which is idempotent
// per gateway event id.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/gateway"
	"KeyLedger/internal/models"

	"github.com/google/uuid"
)

type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	InsertPayment(ctx context.Context, p *models.Payment) error
	ListPayments(ctx context.Context, orderID string) ([]*models.Payment, error)
	SettleWallet(ctx context.Context, st models.WalletSettlement) (*models.LedgerEntry, error)
	ApplyGatewayEvent(ctx context.Context, ev models.GatewayEvent) (models.GatewayOutcome, *models.Order, error)
	RefundOrder(ctx context.Context, r models.Refund) (*models.LedgerEntry, []string, error)
}

type Repricer interface {
	Reprice(ctx context.Context, o *models.Order) (*models.Order, error)
}

type Wallets interface {
	EnsureWallet(ctx context.Context, userID string) (*models.Wallet, error)
}

type Gateway interface {
	CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error)
}

type Allocator interface {
	Allocate(ctx context.Context, o *models.Order) ([]*models.Delivery, error)
}

type Service struct {
	Store    Store
	Orders   Repricer
	Wallets  Wallets
	Gateway  Gateway
	Delivery Allocator
	Currency string
	Now      func() time.Time
	Logger   *slog.Logger
}

type Result struct {
	Payment    *models.Payment     `json:"payment"`
	Order      *models.Order       `json:"order"`
	Entry      *models.LedgerEntry `json:"ledger_entry,omitempty"`
	Deliveries []*models.Delivery  `json:"deliveries,omitempty"`
}

type RefundResult struct {
	Order    *models.Order       `json:"order"`
	Entry    *models.LedgerEntry `json:"ledger_entry,omitempty"`
	Released []string            `json:"released_credentials"`
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// CreatePayment starts paying a PENDING order. The order is repriced first, so the
// amount charged always reflects current campaign state. While a gateway session is
// open the order cannot be paid again or rewritten.
func (s Service) CreatePayment(ctx context.Context, userID, orderID string, method models.PaymentMethod) (*Result, error) {
	if userID == "" {
		return nil, apperr.ErrMissingUser
	}
	if method != models.MethodWallet && method != models.MethodGateway {
		return nil, apperr.Invalid("unknown payment method %q", method)
	}

	o, err := s.pendingOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Summary.Total <= 0 {
		return nil, apperr.Invalid("order %s has nothing to pay", o.ID)
	}

	if method == models.MethodGateway {
		return s.openSession(ctx, o)
	}
	res, err := s.payFromWallet(ctx, o)
	if errors.Is(err, apperr.ErrQuotaExhausted) {
		// a campaign ran out between pricing and settlement
		if o, err = s.pendingOrder(ctx, userID, orderID); err != nil {
			return nil, err
		}
		res, err = s.payFromWallet(ctx, o)
	}
	return res, err
}

func (s Service) pendingOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	if o.Status != models.OrderPending {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPending)
	}
	payments, err := s.Store.ListPayments(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.Status == models.PaymentPending {
			return nil, fmt.Errorf("order %s session %s: %w", o.ID, p.SessionRef, apperr.ErrPaymentInProgress)
		}
	}
	return s.Orders.Reprice(ctx, o)
}

func (s Service) payFromWallet(ctx context.Context, o *models.Order) (*Result, error) {
	w, err := s.Wallets.EnsureWallet(ctx, o.UserID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	p := &models.Payment{
		ID:      uuid.Must(uuid.NewV7()).String(),
		OrderID: o.ID,
		UserID:  o.UserID,
		Method:  models.MethodWallet,
		Status:  models.PaymentPending,
		Amount:  o.Summary.Total,
	}

	entry, err := s.Store.SettleWallet(ctx, models.WalletSettlement{
		OrderID: o.ID,
		Payment: p,
		Posting: models.Posting{
			WalletID:  w.ID,
			Direction: models.Debit,
			Amount:    o.Summary.Total,
			Kind:      models.KindPurchase,
			Reference: o.ID,
			Note:      "order " + o.InvoiceNo,
			Actor:     o.UserID,
		},
		EntryID: uuid.Must(uuid.NewV7()).String(),
		Now:     now,
	})
	if errors.Is(err, apperr.ErrInsufficientFunds) {
		s.recordFailed(ctx, p, "insufficient_funds", now)
		return nil, err
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindIntegrity {
			s.logger().ErrorContext(ctx, "wallet settlement blocked by ledger integrity",
				"order_id", o.ID,
				"wallet_id", w.ID,
				"error", err,
			)
		}
		return nil, err
	}

	p.Status = models.PaymentSuccess
	p.LedgerEntryID = &entry.ID
	p.CreatedAt, p.UpdatedAt = now, now
	paid := *o
	paid.Status = models.OrderPaid
	paid.PaidAt = &now
	paid.UpdatedAt = now

	s.logger().InfoContext(ctx, "order paid from wallet",
		"order_id", o.ID,
		"payment_id", p.ID,
		"amount", p.Amount,
		"balance_after", entry.BalanceAfter,
	)
	return &Result{Payment: p, Order: &paid, Entry: entry, Deliveries: s.allocate(ctx, &paid)}, nil
}

func (s Service) recordFailed(ctx context.Context, p *models.Payment, reason string, now time.Time) {
	p.Status = models.PaymentFailed
	p.FailureReason = reason
	p.CreatedAt, p.UpdatedAt = now, now
	if err := s.Store.InsertPayment(ctx, p); err != nil {
		s.logger().ErrorContext(ctx, "record failed payment", "payment_id", p.ID, "error", err)
	}
}

func (s Service) openSession(ctx context.Context, o *models.Order) (*Result, error) {
	session, err := s.Gateway.CreateSession(ctx, gateway.SessionRequest{
		OrderID:   o.ID,
		InvoiceNo: o.InvoiceNo,
		Amount:    o.Summary.Total,
		Currency:  s.Currency,
	})
	if err != nil {
		s.logger().WarnContext(ctx, "gateway session failed", "order_id", o.ID, "error", err)
		return nil, err
	}

	now := s.now()
	p := &models.Payment{
		ID:          uuid.Must(uuid.NewV7()).String(),
		OrderID:     o.ID,
		UserID:      o.UserID,
		Method:      models.MethodGateway,
		Status:      models.PaymentPending,
		Amount:      o.Summary.Total,
		SessionRef:  session.ID,
		RedirectURL: session.RedirectURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.InsertPayment(ctx, p); err != nil {
		return nil, err
	}
	s.logger().InfoContext(ctx, "gateway session opened",
		"order_id", o.ID,
		"payment_id", p.ID,
		"session_ref", p.SessionRef,
		"amount", p.Amount,
	)
	return &Result{Payment: p, Order: o}, nil
}

// HandleGatewayEvent applies a confirmation from the gateway. Replays and events
// for payments that already left PENDING change nothing.
func (s Service) HandleGatewayEvent(ctx context.Context, ev models.GatewayEvent) (models.GatewayOutcome, error) {
	if ev.EventID == "" {
		return "", apperr.Invalid("gateway event without id")
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}

	outcome, order, err := s.Store.ApplyGatewayEvent(ctx, ev)
	if err != nil {
		return "", err
	}

	log := s.logger().With(
		"event_id", ev.EventID,
		"event_type", ev.Type,
		"session_ref", ev.SessionRef,
		"outcome", outcome,
	)
	switch outcome {
	case models.OutcomeDuplicate:
		log.DebugContext(ctx, "gateway event replayed")
	case models.OutcomeIgnored:
		log.InfoContext(ctx, "gateway event ignored")
	case models.OutcomeFailed:
		log.InfoContext(ctx, "gateway payment failed")
	case models.OutcomeAmountMismatch:
		log.ErrorContext(ctx, "gateway amount differs from payment or order total, needs rescue", "amount", ev.Amount)
	case models.OutcomeQuotaExhausted:
		log.ErrorContext(ctx, "gateway captured money but a voucher quota ran out, needs rescue", "amount", ev.Amount)
	case models.OutcomeOrphaned:
		log.ErrorContext(ctx, "gateway captured money for an order that is not pending, needs rescue", "amount", ev.Amount)
	case models.OutcomePaid:
		log.InfoContext(ctx, "order paid through gateway", "order_id", order.ID)
		s.allocate(ctx, order)
	}
	return outcome, nil
}

// allocate runs after the payment committed, so failures are logged for the operator
// retry instead of undoing the payment.
func (s Service) allocate(ctx context.Context, o *models.Order) []*models.Delivery {
	if s.Delivery == nil {
		return nil
	}
	ds, err := s.Delivery.Allocate(ctx, o)
	if err != nil {
		s.logger().ErrorContext(ctx, "allocation after payment failed", "order_id", o.ID, "error", err)
	}
	return ds
}

// Refund reverses a PAID order. Unrevealed units are closed and their keys go back
// to the pool; wallet payments are credited back. Gateway refunds are issued in the
// gateway and only recorded here.
func (s Service) Refund(ctx context.Context, orderID, actor string) (*RefundResult, error) {
	if actor == "" {
		return nil, apperr.Invalid("actor is required")
	}
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OrderPaid {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPaid)
	}

	payments, err := s.Store.ListPayments(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	var paid *models.Payment
	for _, p := range payments {
		if p.Status == models.PaymentSuccess {
			paid = p
		}
	}

	now := s.now()
	r := models.Refund{OrderID: o.ID, EntryID: uuid.Must(uuid.NewV7()).String(), Now: now}
	if paid != nil && paid.Method == models.MethodWallet {
		w, err := s.Wallets.EnsureWallet(ctx, o.UserID)
		if err != nil {
			return nil, err
		}
		r.Posting = &models.Posting{
			WalletID:  w.ID,
			Direction: models.Credit,
			Amount:    paid.Amount,
			Kind:      models.KindRefund,
			Reference: o.ID,
			Note:      "refund " + o.InvoiceNo,
			Actor:     actor,
		}
	}

	entry, released, err := s.Store.RefundOrder(ctx, r)
	if err != nil {
		return nil, err
	}
	o.Status = models.OrderRefunded
	o.UpdatedAt = now

	method := "none"
	if paid != nil {
		method = string(paid.Method)
	}
	s.logger().InfoContext(ctx, "order refunded",
		"audit", true,
		"order_id", o.ID,
		"method", method,
		"released", len(released),
		"actor", actor,
	)
	if released == nil {
		released = []string{}
	}
	return &RefundResult{Order: o, Entry: entry, Released: released}, nil
}

// Package delivery hands purchased license keys to their buyers.
//
// Each unit of a PAID order gets one delivery row. A unit is revealed at most once:
// the reveal moves the row from ALLOCATED to REVEALED with a compare-and-set and
// redeems its key in the same transaction, so only one caller ever receives the raw
// value. After the reveal the key stays readable through the email side channel only.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"
	"KeyLedger/internal/notify"

	"github.com/google/uuid"
)

const DefaultRevealTTL = 300 * time.Second

const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

type Store interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetCredential(ctx context.Context, id string) (*models.CredentialEntry, error)
	AllocateUnit(ctx context.Context, d *models.Delivery, now time.Time) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, orderID string) ([]*models.Delivery, error)
	RevealDelivery(ctx context.Context, deliveryID string, now, deadline time.Time) (*models.Delivery, *models.CredentialEntry, error)
	MarkEmailed(ctx context.Context, deliveryID string, now time.Time) error
	CloseDeliveries(ctx context.Context, orderID string, now time.Time) (int64, error)
	ExpireDeliveries(ctx context.Context, now time.Time) (int64, error)
	CountBackordered(ctx context.Context) (int64, error)
}

type KeyOpener interface {
	Open(sealed []byte) (string, error)
}

type Service struct {
	Store  Store
	Keys   KeyOpener
	Mailer notify.Mailer
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

type Unit struct {
	UnitIndex      int                  `json:"unit_index"`
	ProductID      string               `json:"product_id"`
	State          models.DeliveryState `json:"state"`
	RevealedAt     *time.Time           `json:"revealed_at,omitempty"`
	RevealDeadline *time.Time           `json:"reveal_deadline,omitempty"`
	Emailed        bool                 `json:"emailed"`
}

type Status struct {
	OrderID         string `json:"order_id"`
	CanReveal       bool   `json:"can_reveal"`
	DeliveryMode    string `json:"delivery_mode"`
	DeliveriesCount int    `json:"deliveries_count"`
	Emailed         bool   `json:"emailed"`
	Units           []Unit `json:"units"`
}

type RevealedKey struct {
	UnitIndex      int       `json:"unit_index"`
	ProductID      string    `json:"product_id"`
	Key            string    `json:"key"`
	RevealDeadline time.Time `json:"reveal_deadline"`
}

type SweepResult struct {
	Expired     int64
	Backordered int64
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Service) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultRevealTTL
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Allocate reserves one key per unit of a PAID order. It is safe to call again: units
// that already hold a key are returned unchanged and BACKORDERED units try again.
func (s Service) Allocate(ctx context.Context, o *models.Order) ([]*models.Delivery, error) {
	if o.Status != models.OrderPaid {
		return nil, fmt.Errorf("allocate order %s in %s: %w", o.ID, o.Status, apperr.ErrOrderNotPaid)
	}

	now := s.now()
	var out []*models.Delivery
	unit := 0
	for _, it := range o.Items {
		for range it.Qty {
			d, err := s.Store.AllocateUnit(ctx, &models.Delivery{
				ID:        uuid.Must(uuid.NewV7()).String(),
				OrderID:   o.ID,
				UnitIndex: unit,
				ProductID: it.ProductID,
			}, now)
			if err != nil {
				return out, err
			}
			if d.State == models.DeliveryBackordered {
				s.logger().WarnContext(ctx, "unit backordered, no stock available",
					"order_id", o.ID,
					"unit_index", unit,
					"product_id", it.ProductID,
				)
			}
			out = append(out, d)
			unit++
		}
	}
	return out, nil
}

// AllocateByID is the operator retry for backordered orders.
func (s Service) AllocateByID(ctx context.Context, orderID string) ([]*models.Delivery, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.Allocate(ctx, o)
}

func (s Service) ownedOrder(ctx context.Context, userID, orderID string) (*models.Order, error) {
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

func (s Service) Status(ctx context.Context, userID, orderID string) (*Status, error) {
	o, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	ds, err := s.Store.ListDeliveries(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	st := &Status{
		OrderID:         o.ID,
		DeliveryMode:    ModeSingle,
		DeliveriesCount: len(ds),
		Units:           make([]Unit, 0, len(ds)),
	}
	if o.Units() > 1 {
		st.DeliveryMode = ModeMulti
	}
	for _, d := range ds {
		state := d.EffectiveState(now)
		if state == models.DeliveryAllocated {
			st.CanReveal = true
		}
		if d.Emailed {
			st.Emailed = true
		}
		st.Units = append(st.Units, Unit{
			UnitIndex:      d.UnitIndex,
			ProductID:      d.ProductID,
			State:          state,
			RevealedAt:     d.RevealedAt,
			RevealDeadline: d.RevealDeadline,
			Emailed:        d.Emailed,
		})
	}
	return st, nil
}

// Reveal discloses every ALLOCATED unit of the order and starts its reveal window.
// When nothing is left to reveal the error says why.
func (s Service) Reveal(ctx context.Context, userID, orderID string) ([]RevealedKey, error) {
	o, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	ds, err := s.Store.ListDeliveries(ctx, o.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	deadline := now.Add(s.ttl())
	var out []RevealedKey
	for _, d := range ds {
		if d.State != models.DeliveryAllocated {
			continue
		}
		revealed, cred, err := s.Store.RevealDelivery(ctx, d.ID, now, deadline)
		if err != nil {
			// another request revealed it first
			if apperr.CodeOf(err) == apperr.ErrInvalidTransition.Code {
				continue
			}
			return nil, err
		}
		key, err := s.Keys.Open(cred.SealedKey)
		if err != nil {
			return nil, fmt.Errorf("open credential %s: %w", cred.ID, err)
		}
		s.logger().InfoContext(ctx, "credential revealed",
			"order_id", o.ID,
			"unit_index", revealed.UnitIndex,
			"credential_id", cred.ID,
		)
		out = append(out, RevealedKey{
			UnitIndex:      revealed.UnitIndex,
			ProductID:      revealed.ProductID,
			Key:            key,
			RevealDeadline: *revealed.RevealDeadline,
		})
	}
	if len(out) > 0 {
		return out, nil
	}

	if o.Status == models.OrderPending || o.Status == models.OrderFailed {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPaid)
	}
	ds, err = s.Store.ListDeliveries(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return nil, explain(ds, now)
}

// explain picks the error for an order with nothing left to reveal.
func explain(ds []*models.Delivery, now time.Time) error {
	seen := map[models.DeliveryState]bool{}
	for _, d := range ds {
		seen[d.EffectiveState(now)] = true
	}
	switch {
	case seen[models.DeliveryRevealed]:
		return apperr.ErrAlreadyRevealed
	case seen[models.DeliveryExpired]:
		return apperr.ErrExpired
	case seen[models.DeliveryBackordered], len(ds) == 0:
		return apperr.ErrNotAllocated
	case seen[models.DeliveryClosed]:
		return apperr.ErrDeliveryClosed
	default:
		return apperr.ErrNotAllocated
	}
}

// Resend emails the keys of revealed units to the buyer. The reveal window is not
// touched, so a resend never extends access.
func (s Service) Resend(ctx context.Context, userID, orderID, email string) (int, error) {
	if strings.TrimSpace(email) == "" {
		return 0, apperr.Invalid("email is required")
	}
	o, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return 0, err
	}
	ds, err := s.Store.ListDeliveries(ctx, o.ID)
	if err != nil {
		return 0, err
	}

	var units []*models.Delivery
	closed := false
	for _, d := range ds {
		switch d.State {
		case models.DeliveryRevealed, models.DeliveryExpired:
			units = append(units, d)
		case models.DeliveryClosed:
			closed = true
		}
	}
	if len(units) == 0 {
		if closed {
			return 0, apperr.ErrDeliveryClosed
		}
		return 0, apperr.ErrNotRevealed
	}

	var body strings.Builder
	fmt.Fprintf(&body, "License keys for order %s\n\n", o.InvoiceNo)
	for _, d := range units {
		if d.CredentialID == nil {
			continue
		}
		cred, err := s.Store.GetCredential(ctx, *d.CredentialID)
		if err != nil {
			return 0, err
		}
		key, err := s.Keys.Open(cred.SealedKey)
		if err != nil {
			return 0, fmt.Errorf("open credential %s: %w", cred.ID, err)
		}
		fmt.Fprintf(&body, "%d. %s: %s\n", d.UnitIndex+1, d.ProductID, key)
	}

	if err := s.Mailer.Send(ctx, notify.Message{
		To:      email,
		Subject: "Your license keys for " + o.InvoiceNo,
		Text:    body.String(),
	}); err != nil {
		return 0, err
	}

	now := s.now()
	for _, d := range units {
		if err := s.Store.MarkEmailed(ctx, d.ID, now); err != nil {
			return 0, err
		}
	}
	s.logger().InfoContext(ctx, "keys emailed", "order_id", o.ID, "units", len(units))
	return len(units), nil
}

// Close ends delivery for an order. Closed units can no longer be revealed or
// emailed, and keys of units never revealed return to stock. Closing twice is a no-op.
func (s Service) Close(ctx context.Context, userID, orderID string) (int64, error) {
	o, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return 0, err
	}
	return s.Store.CloseDeliveries(ctx, o.ID, s.now())
}

// Sweep stores EXPIRED for reveal windows that have passed and reports backorders.
// Reads already treat such units as expired, so a missed sweep changes nothing
// visible.
func (s Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	n, err := s.Store.ExpireDeliveries(ctx, s.now())
	if err != nil {
		return res, err
	}
	res.Expired = n
	res.Backordered, err = s.Store.CountBackordered(ctx)
	if err != nil {
		return res, err
	}
	if res.Backordered > 0 {
		s.logger().WarnContext(ctx, "units waiting for stock", "backordered", res.Backordered)
	}
	return res, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"

	"github.com/jackc/pgx/v5"
)

const campaignCols = `id, COALESCE(code, ''), name, type, value, max_discount, quota, quota_used,
	min_purchase, starts_at, ends_at, stack_policy, priority, active`

const orderCols = `id, user_id, invoice_no, status, tier, voucher_code, items, summary,
	paid_at, created_at, updated_at`

const paymentCols = `id, order_id, user_id, method, status, amount, COALESCE(session_ref, ''),
	redirect_url, failure_reason, ledger_entry_id, created_at, updated_at`

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(
		&c.ID,
		&c.Code,
		&c.Name,
		&c.Type,
		&c.Value,
		&c.MaxDiscount,
		&c.Quota,
		&c.QuotaUsed,
		&c.MinPurchase,
		&c.StartsAt,
		&c.EndsAt,
		&c.StackPolicy,
		&c.Priority,
		&c.Active,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var items, summary []byte
	var paidAt sql.NullTime

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.InvoiceNo,
		&order.Status,
		&order.Tier,
		&order.VoucherCode,
		&items,
		&summary,
		&paidAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return nil, fmt.Errorf("decode order %s items: %w", order.ID, err)
	}
	if err := json.Unmarshal(summary, &order.Summary); err != nil {
		return nil, fmt.Errorf("decode order %s summary: %w", order.ID, err)
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	return &order, nil
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.UserID,
		&p.Method,
		&p.Status,
		&p.Amount,
		&p.SessionRef,
		&p.RedirectURL,
		&p.FailureReason,
		&p.LedgerEntryID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+campaignCols+` FROM campaigns WHERE active AND code IS NULL ORDER BY id
	`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) GetCampaignByCode(ctx context.Context, code string) (*models.Campaign, error) {
	c, err := scanCampaign(s.Pool.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE code=$1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("campaign", code)
	}
	return c, mapErr(err)
}

// consumeQuota increments quota_used for every quota-bound discount. A used-up
// campaign returns [apperr.ErrQuotaExhausted]; callers roll back the increments made
// before it.
func consumeQuota(ctx context.Context, tx pgx.Tx, discounts []models.AppliedDiscount) error {
	for _, d := range discounts {
		if !d.QuotaBound {
			continue
		}
		tag, err := tx.Exec(ctx, `
			UPDATE campaigns SET quota_used = quota_used + 1
			WHERE id=$1 AND (quota = 0 OR quota_used < quota)
		`, d.CampaignID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("campaign %d: %w", d.CampaignID, apperr.ErrQuotaExhausted)
		}
	}
	return nil
}

// checkNoOpenPayment fails when the order has a PENDING payment. Callers must hold
// the order row lock.
func checkNoOpenPayment(ctx context.Context, q querier, orderID string) error {
	var open bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE order_id=$1 AND status='PENDING')
	`, orderID).Scan(&open)
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("order %s: %w", orderID, apperr.ErrPaymentInProgress)
	}
	return nil
}

func encodeOrder(o *models.Order) (items, summary []byte, err error) {
	if items, err = json.Marshal(o.Items); err != nil {
		return nil, nil, err
	}
	if summary, err = json.Marshal(o.Summary); err != nil {
		return nil, nil, err
	}
	return items, summary, nil
}

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	items, summary, err := encodeOrder(o)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO orders (
			id, user_id, invoice_no, status, tier, voucher_code,
			items, summary, total, paid_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		o.ID,
		o.UserID,
		o.InvoiceNo,
		o.Status,
		o.Tier,
		o.VoucherCode,
		items,
		summary,
		o.Summary.Total,
		o.PaidAt,
		o.CreatedAt,
		o.UpdatedAt,
	)
	return mapErr(err)
}

// ReplacePendingOrder rewrites lines and summary of the caller's PENDING order. An
// order with an open gateway payment is left alone.
func (s *Store) ReplacePendingOrder(ctx context.Context, o *models.Order) error {
	items, summary, err := encodeOrder(o)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		cur, err := getOrder(ctx, tx, o.ID, true)
		if err != nil {
			return err
		}
		if cur.UserID != o.UserID {
			return notFound("order", o.ID)
		}
		if cur.Status != models.OrderPending {
			return fmt.Errorf("order %s is %s: %w", o.ID, cur.Status, apperr.ErrOrderNotPending)
		}
		if err := checkNoOpenPayment(ctx, tx, o.ID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET tier=$2, voucher_code=$3, items=$4, summary=$5, total=$6, updated_at=$7
			WHERE id=$1
		`, o.ID, o.Tier, o.VoucherCode, items, summary, o.Summary.Total, o.UpdatedAt)
		return err
	})
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*models.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("order", id)
	}
	return o, err
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := getOrder(ctx, s.Pool, id, false)
	return o, mapErr(err)
}

// FailStaleOrders fails PENDING orders untouched since before. Orders with a gateway
// session still open are left alone.
func (s *Store) FailStaleOrders(ctx context.Context, before, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders o
		SET status='FAILED', updated_at=$2
		WHERE o.status='PENDING' AND o.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM payments p WHERE p.order_id=o.id AND p.status='PENDING'
		  )
	`, before, now)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

func insertPayment(ctx context.Context, q querier, p *models.Payment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payments (
			id, order_id, user_id, method, status, amount, session_ref,
			redirect_url, failure_reason, ledger_entry_id, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7, ''),$8,$9,$10,$11,$12)
	`,
		p.ID,
		p.OrderID,
		p.UserID,
		p.Method,
		p.Status,
		p.Amount,
		p.SessionRef,
		p.RedirectURL,
		p.FailureReason,
		p.LedgerEntryID,
		p.CreatedAt,
		p.UpdatedAt,
	)
	return err
}

// InsertPayment records a payment. A PENDING payment is only accepted for a PENDING
// order without another open payment.
func (s *Store) InsertPayment(ctx context.Context, p *models.Payment) error {
	if p.Status != models.PaymentPending {
		return mapErr(insertPayment(ctx, s.Pool, p))
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, p.OrderID, true)
		if err != nil {
			return err
		}
		if o.Status != models.OrderPending {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPending)
		}
		if err := checkNoOpenPayment(ctx, tx, o.ID); err != nil {
			return err
		}
		return insertPayment(ctx, tx, p)
	})
}

func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	p, err := scanPayment(s.Pool.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("payment", id)
	}
	return p, mapErr(err)
}

func (s *Store) ListPayments(ctx context.Context, orderID string) ([]*models.Payment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+paymentCols+` FROM payments WHERE order_id=$1 ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err())
}

// SettleWallet consumes quotas, debits the wallet, records the payment and marks the
// order PAID in one transaction. Any failure leaves all four untouched.
func (s *Store) SettleWallet(ctx context.Context, st models.WalletSettlement) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, st.OrderID, true)
		if err != nil {
			return err
		}
		if o.Status != models.OrderPending {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPending)
		}
		if o.Summary.Total != st.Posting.Amount {
			return fmt.Errorf("order %s total %d changed from %d: %w", o.ID, o.Summary.Total, st.Posting.Amount, apperr.ErrInvalidTransition)
		}
		if err := checkNoOpenPayment(ctx, tx, o.ID); err != nil {
			return err
		}
		if err := consumeQuota(ctx, tx, o.Summary.Discounts); err != nil {
			return err
		}

		entry, err = post(ctx, tx, st.Posting, st.EntryID, st.Now)
		if err != nil {
			return err
		}

		p := *st.Payment
		p.Status = models.PaymentSuccess
		p.LedgerEntryID = &entry.ID
		p.CreatedAt = st.Now
		p.UpdatedAt = st.Now
		if err := insertPayment(ctx, tx, &p); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE orders SET status='PAID', paid_at=$2, updated_at=$2 WHERE id=$1
		`, o.ID, st.Now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ApplyGatewayEvent records the event and applies it in the same transaction. A
// repeated event id is reported as a duplicate and changes nothing.
func (s *Store) ApplyGatewayEvent(ctx context.Context, ev models.GatewayEvent) (models.GatewayOutcome, *models.Order, error) {
	var outcome models.GatewayOutcome
	var order *models.Order

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO gateway_events (event_id, type, session_ref, amount, payload, received_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.EventID, ev.Type, ev.SessionRef, ev.Amount, ev.Payload, ev.ReceivedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			outcome = models.OutcomeDuplicate
			return nil
		}

		outcome, order, err = applyEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE gateway_events SET outcome=$2 WHERE event_id=$1`, ev.EventID, outcome)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return outcome, order, nil
}

func applyEvent(ctx context.Context, tx pgx.Tx, ev models.GatewayEvent) (models.GatewayOutcome, *models.Order, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `
		SELECT `+paymentCols+` FROM payments WHERE session_ref=$1 FOR UPDATE
	`, ev.SessionRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OutcomeIgnored, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if p.Status != models.PaymentPending {
		return models.OutcomeIgnored, nil, nil
	}

	setPayment := func(status models.PaymentStatus, reason string) error {
		_, err := tx.Exec(ctx, `
			UPDATE payments SET status=$2, failure_reason=$3, updated_at=$4 WHERE id=$1
		`, p.ID, status, reason, ev.ReceivedAt)
		return err
	}

	switch ev.Type {
	case models.EventPaymentFailed:
		return models.OutcomeFailed, nil, setPayment(models.PaymentFailed, "gateway_failed")
	case models.EventPaymentSucceeded:
	default:
		return models.OutcomeIgnored, nil, nil
	}

	if ev.Amount != p.Amount {
		return models.OutcomeAmountMismatch, nil, setPayment(models.PaymentFailed, string(models.OutcomeAmountMismatch))
	}

	o, err := getOrder(ctx, tx, p.OrderID, true)
	if err != nil {
		return "", nil, err
	}
	if o.Status != models.OrderPending {
		return models.OutcomeOrphaned, nil, setPayment(models.PaymentSuccess, "")
	}
	// the order was repriced or rewritten after the session opened
	if o.Summary.Total != p.Amount {
		return models.OutcomeAmountMismatch, nil, setPayment(models.PaymentFailed, string(models.OutcomeAmountMismatch))
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return "", nil, err
	}
	if err := consumeQuota(ctx, sp, o.Summary.Discounts); err != nil {
		_ = sp.Rollback(ctx)
		if errors.Is(err, apperr.ErrQuotaExhausted) {
			return models.OutcomeQuotaExhausted, nil, setPayment(models.PaymentFailed, string(models.OutcomeQuotaExhausted))
		}
		return "", nil, err
	}
	if err := sp.Commit(ctx); err != nil {
		return "", nil, err
	}

	if err := setPayment(models.PaymentSuccess, ""); err != nil {
		return "", nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE orders SET status='PAID', paid_at=$2, updated_at=$2 WHERE id=$1
	`, o.ID, ev.ReceivedAt)
	if err != nil {
		return "", nil, err
	}
	paidAt := ev.ReceivedAt
	o.Status = models.OrderPaid
	o.PaidAt = &paidAt
	o.UpdatedAt = ev.ReceivedAt
	return models.OutcomePaid, o, nil
}

// RefundOrder moves a PAID order to REFUNDED, releases credentials of unrevealed
// deliveries and credits the wallet when a posting is given.
func (s *Store) RefundOrder(ctx context.Context, r models.Refund) (*models.LedgerEntry, []string, error) {
	var entry *models.LedgerEntry
	var released []string

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, r.OrderID, true)
		if err != nil {
			return err
		}
		if o.Status != models.OrderPaid {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, apperr.ErrOrderNotPaid)
		}

		if r.Posting != nil {
			if entry, err = post(ctx, tx, *r.Posting, r.EntryID, r.Now); err != nil {
				return err
			}
		}

		rows, err := tx.Query(ctx, `
			UPDATE credentials c
			SET status='AVAILABLE', order_id=NULL, reserved_at=NULL
			FROM deliveries d
			WHERE d.order_id=$1 AND d.state='ALLOCATED'
			  AND c.id=d.credential_id AND c.status='RESERVED'
			RETURNING c.id
		`, o.ID)
		if err != nil {
			return err
		}
		released, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE deliveries SET state='CLOSED', closed_at=$2, updated_at=$2
			WHERE order_id=$1 AND state IN ('ALLOCATED','BACKORDERED')
		`, o.ID, r.Now)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE orders SET status='REFUNDED', updated_at=$2 WHERE id=$1`, o.ID, r.Now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return entry, released, nil
}

// UpsertCampaign stores a discount campaign or voucher under its id.
func (s *Store) UpsertCampaign(ctx context.Context, c *models.Campaign) error {
	var code *string
	if c.Code != "" {
		code = &c.Code
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO campaigns (
			id, code, name, type, value, max_discount, quota, quota_used,
			min_purchase, starts_at, ends_at, stack_policy, priority, active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			code=EXCLUDED.code,
			name=EXCLUDED.name,
			type=EXCLUDED.type,
			value=EXCLUDED.value,
			max_discount=EXCLUDED.max_discount,
			quota=EXCLUDED.quota,
			quota_used=EXCLUDED.quota_used,
			min_purchase=EXCLUDED.min_purchase,
			starts_at=EXCLUDED.starts_at,
			ends_at=EXCLUDED.ends_at,
			stack_policy=EXCLUDED.stack_policy,
			priority=EXCLUDED.priority,
			active=EXCLUDED.active
	`,
		c.ID, code, c.Name, c.Type, c.Value, c.MaxDiscount, c.Quota, c.QuotaUsed,
		c.MinPurchase, c.StartsAt, c.EndsAt, c.StackPolicy, c.Priority, c.Active,
	)
	return mapErr(err)
}

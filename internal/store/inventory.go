package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"

	"github.com/jackc/pgx/v5"
)

const credentialCols = `id, product_id, intake_id, sealed_key, fingerprint, status, order_id,
	note, reserved_at, redeemed_at, revoked_at, created_at`

func scanCredential(row pgx.Row) (*models.CredentialEntry, error) {
	var e models.CredentialEntry
	err := row.Scan(
		&e.ID,
		&e.ProductID,
		&e.IntakeID,
		&e.SealedKey,
		&e.Fingerprint,
		&e.Status,
		&e.OrderID,
		&e.Note,
		&e.ReservedAt,
		&e.RedeemedAt,
		&e.RevokedAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var p models.Product
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, member_price, reseller_price, track_stock, low_stock_threshold, active
		FROM products WHERE id=$1
	`, id).Scan(&p.ID, &p.Name, &p.MemberPrice, &p.ResellerPrice, &p.TrackStock, &p.LowStockThreshold, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("product", id)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *Store) InsertCredentials(ctx context.Context, intake *models.StockIntake, entries []*models.CredentialEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO stock_intakes (id, product_id, quantity, actor, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, intake.ID, intake.ProductID, intake.Quantity, intake.Actor, intake.CreatedAt)
		if err != nil {
			return err
		}

		rows := make([][]any, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []any{e.ID, e.ProductID, e.IntakeID, e.SealedKey, e.Fingerprint, string(e.Status), e.Note, e.CreatedAt})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"credentials"},
			[]string{"id", "product_id", "intake_id", "sealed_key", "fingerprint", "status", "note", "created_at"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
}

func (s *Store) CredentialCounts(ctx context.Context, productID string) (models.CredentialCounts, error) {
	var c models.CredentialCounts
	rows, err := s.Pool.Query(ctx, `
		SELECT status, count(*) FROM credentials WHERE product_id=$1 GROUP BY status
	`, productID)
	if err != nil {
		return c, mapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.CredentialStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch status {
		case models.CredentialAvailable:
			c.Available = n
		case models.CredentialReserved:
			c.Reserved = n
		case models.CredentialRedeemed:
			c.Redeemed = n
		case models.CredentialRevoked:
			c.Revoked = n
		}
	}
	return c, mapErr(rows.Err())
}

func (s *Store) GetCredential(ctx context.Context, id string) (*models.CredentialEntry, error) {
	e, err := scanCredential(s.Pool.QueryRow(ctx, `SELECT `+credentialCols+` FROM credentials WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("credential", id)
	}
	return e, mapErr(err)
}

// reserve claims the oldest AVAILABLE entry. Concurrent callers skip rows another
// transaction has locked, so two claims never return the same entry.
func reserve(ctx context.Context, q querier, productID, orderID string, now time.Time) (*models.CredentialEntry, error) {
	e, err := scanCredential(q.QueryRow(ctx, `
		UPDATE credentials
		SET status='RESERVED', order_id=$2, reserved_at=$3
		WHERE id = (
			SELECT id FROM credentials
			WHERE product_id=$1 AND status='AVAILABLE'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+credentialCols, productID, orderID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrOutOfStock
	}
	return e, err
}

func (s *Store) ReserveCredential(ctx context.Context, productID, orderID string, now time.Time) (*models.CredentialEntry, error) {
	e, err := reserve(ctx, s.Pool, productID, orderID, now)
	return e, mapErr(err)
}

func redeem(ctx context.Context, q querier, credentialID, orderID string, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE credentials
		SET status='REDEEMED', redeemed_at=COALESCE(redeemed_at, $3)
		WHERE id=$1 AND order_id=$2 AND status IN ('RESERVED','REDEEMED')
	`, credentialID, orderID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status models.CredentialStatus
	var owner *string
	err = q.QueryRow(ctx, `SELECT status, order_id FROM credentials WHERE id=$1`, credentialID).Scan(&status, &owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("credential", credentialID)
	}
	if err != nil {
		return err
	}
	if owner == nil || *owner != orderID {
		return fmt.Errorf("credential %s not bound to order %s: %w", credentialID, orderID, apperr.ErrDoubleReservation)
	}
	return fmt.Errorf("redeem %s from %s: %w", credentialID, status, apperr.ErrInvalidTransition)
}

func (s *Store) RedeemCredential(ctx context.Context, credentialID, orderID string, now time.Time) error {
	return mapErr(redeem(ctx, s.Pool, credentialID, orderID, now))
}

func (s *Store) ReleaseCredential(ctx context.Context, credentialID, orderID string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE credentials
		SET status='AVAILABLE', order_id=NULL, reserved_at=NULL
		WHERE id=$1 AND order_id=$2 AND status='RESERVED'
	`, credentialID, orderID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	ok, err := exists(ctx, s.Pool, "credentials", credentialID)
	if err != nil {
		return mapErr(err)
	}
	if !ok {
		return notFound("credential", credentialID)
	}
	return fmt.Errorf("release %s: %w", credentialID, apperr.ErrInvalidTransition)
}

func (s *Store) RevokeCredential(ctx context.Context, productID, credentialID string, now time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE credentials
		SET status='REVOKED', revoked_at=$3
		WHERE id=$1 AND product_id=$2 AND status='AVAILABLE'
	`, credentialID, productID, now)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var owner string
	err = s.Pool.QueryRow(ctx, `SELECT product_id FROM credentials WHERE id=$1`, credentialID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != productID) {
		return notFound("credential", credentialID)
	}
	if err != nil {
		return mapErr(err)
	}
	return fmt.Errorf("revoke %s: %w", credentialID, apperr.ErrInvalidTransition)
}

// UpsertProduct mirrors a product from the external catalog.
func (s *Store) UpsertProduct(ctx context.Context, p *models.Product) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO products (id, name, member_price, reseller_price, track_stock, low_stock_threshold, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			member_price=EXCLUDED.member_price,
			reseller_price=EXCLUDED.reseller_price,
			track_stock=EXCLUDED.track_stock,
			low_stock_threshold=EXCLUDED.low_stock_threshold,
			active=EXCLUDED.active
	`, p.ID, p.Name, p.MemberPrice, p.ResellerPrice, p.TrackStock, p.LowStockThreshold, p.Active)
	return mapErr(err)
}

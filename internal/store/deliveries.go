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

const deliveryCols = `id, order_id, unit_index, product_id, credential_id, state, revealed_at,
	reveal_deadline, closed_at, emailed, emailed_at, created_at, updated_at`

func scanDelivery(row pgx.Row) (*models.Delivery, error) {
	var d models.Delivery
	err := row.Scan(
		&d.ID,
		&d.OrderID,
		&d.UnitIndex,
		&d.ProductID,
		&d.CredentialID,
		&d.State,
		&d.RevealedAt,
		&d.RevealDeadline,
		&d.ClosedAt,
		&d.Emailed,
		&d.EmailedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// AllocateUnit binds a credential to one unit of an order. An existing non-backordered
// delivery for the unit is returned untouched; without stock the unit is BACKORDERED.
func (s *Store) AllocateUnit(ctx context.Context, d *models.Delivery, now time.Time) (*models.Delivery, error) {
	var out *models.Delivery
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO deliveries (id, order_id, unit_index, product_id, state, created_at, updated_at)
			VALUES ($1,$2,$3,$4,'BACKORDERED',$5,$5)
			ON CONFLICT (order_id, unit_index) DO NOTHING
		`, d.ID, d.OrderID, d.UnitIndex, d.ProductID, now)
		if err != nil {
			return err
		}

		cur, err := scanDelivery(tx.QueryRow(ctx, `
			SELECT `+deliveryCols+` FROM deliveries WHERE order_id=$1 AND unit_index=$2 FOR UPDATE
		`, d.OrderID, d.UnitIndex))
		if err != nil {
			return err
		}
		if cur.State != models.DeliveryBackordered {
			out = cur
			return nil
		}

		e, err := reserve(ctx, tx, cur.ProductID, cur.OrderID, now)
		if errors.Is(err, apperr.ErrOutOfStock) {
			out = cur
			return nil
		}
		if err != nil {
			return err
		}

		out, err = scanDelivery(tx.QueryRow(ctx, `
			UPDATE deliveries SET state='ALLOCATED', credential_id=$2, updated_at=$3
			WHERE id=$1
			RETURNING `+deliveryCols, cur.ID, e.ID, now))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListDeliveries(ctx context.Context, orderID string) ([]*models.Delivery, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+deliveryCols+` FROM deliveries WHERE order_id=$1 ORDER BY unit_index
	`, orderID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, mapErr(rows.Err())
}

// RevealDelivery moves ALLOCATED to REVEALED and redeems the credential. Only one
// caller can win the conditional update; the others get ErrInvalidTransition.
func (s *Store) RevealDelivery(ctx context.Context, deliveryID string, now, deadline time.Time) (*models.Delivery, *models.CredentialEntry, error) {
	var d *models.Delivery
	var e *models.CredentialEntry

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		d, err = scanDelivery(tx.QueryRow(ctx, `
			UPDATE deliveries
			SET state='REVEALED', revealed_at=$2, reveal_deadline=$3, updated_at=$2
			WHERE id=$1 AND state='ALLOCATED' AND credential_id IS NOT NULL
			RETURNING `+deliveryCols, deliveryID, now, deadline))
		if errors.Is(err, pgx.ErrNoRows) {
			ok, err := exists(ctx, tx, "deliveries", deliveryID)
			if err != nil {
				return err
			}
			if !ok {
				return notFound("delivery", deliveryID)
			}
			return fmt.Errorf("reveal delivery %s: %w", deliveryID, apperr.ErrInvalidTransition)
		}
		if err != nil {
			return err
		}

		if err := redeem(ctx, tx, *d.CredentialID, d.OrderID, now); err != nil {
			return err
		}
		e, err = scanCredential(tx.QueryRow(ctx, `SELECT `+credentialCols+` FROM credentials WHERE id=$1`, *d.CredentialID))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return d, e, nil
}

func (s *Store) MarkEmailed(ctx context.Context, deliveryID string, now time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE deliveries SET emailed=TRUE, emailed_at=$2, updated_at=$2
		WHERE id=$1 AND state IN ('REVEALED','EXPIRED')
	`, deliveryID, now)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	ok, err := exists(ctx, s.Pool, "deliveries", deliveryID)
	if err != nil {
		return mapErr(err)
	}
	if !ok {
		return notFound("delivery", deliveryID)
	}
	return fmt.Errorf("mark emailed %s: %w", deliveryID, apperr.ErrInvalidTransition)
}

// CloseDeliveries closes every open unit of an order. Credentials of units that were
// never revealed go back to the pool.
func (s *Store) CloseDeliveries(ctx context.Context, orderID string, now time.Time) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE credentials c
			SET status='AVAILABLE', order_id=NULL, reserved_at=NULL
			FROM deliveries d
			WHERE d.order_id=$1 AND d.state='ALLOCATED'
			  AND c.id=d.credential_id AND c.status='RESERVED'
		`, orderID)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE deliveries SET state='CLOSED', closed_at=$2, updated_at=$2
			WHERE order_id=$1 AND state <> 'CLOSED'
		`, orderID, now)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func (s *Store) ExpireDeliveries(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE deliveries SET state='EXPIRED', updated_at=$1
		WHERE state='REVEALED' AND reveal_deadline <= $1
	`, now)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountBackordered(ctx context.Context) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM deliveries WHERE state='BACKORDERED'`).Scan(&n)
	return n, mapErr(err)
}

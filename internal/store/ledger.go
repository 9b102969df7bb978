package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"

	"github.com/jackc/pgx/v5"
)

const walletCols = `id, user_id, code, balance, created_at, updated_at`

const entryCols = `id, seq, wallet_id, direction, amount, balance_before, balance_after,
	kind, reference, note, actor, created_at`

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	if err := row.Scan(&w.ID, &w.UserID, &w.Code, &w.Balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(
		&e.ID,
		&e.Seq,
		&e.WalletID,
		&e.Direction,
		&e.Amount,
		&e.BalanceBefore,
		&e.BalanceAfter,
		&e.Kind,
		&e.Reference,
		&e.Note,
		&e.Actor,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EnsureWallet creates the user's wallet unless one exists and returns the stored row.
func (s *Store) EnsureWallet(ctx context.Context, w *models.Wallet) (*models.Wallet, error) {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO wallets (id, user_id, code, balance, created_at, updated_at)
		VALUES ($1,$2,$3,0,$4,$4)
		ON CONFLICT (user_id) DO NOTHING
	`, w.ID, w.UserID, w.Code, w.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return s.GetWalletByUser(ctx, w.UserID)
}

func (s *Store) GetWallet(ctx context.Context, id string) (*models.Wallet, error) {
	w, err := scanWallet(s.Pool.QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("wallet", id)
	}
	return w, mapErr(err)
}

func (s *Store) GetWalletByUser(ctx context.Context, userID string) (*models.Wallet, error) {
	w, err := scanWallet(s.Pool.QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id=$1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("wallet for user", userID)
	}
	return w, mapErr(err)
}

// post appends one entry under the wallet row lock. The stored balance must match
// the last entry before anything is written.
func post(ctx context.Context, tx pgx.Tx, p models.Posting, entryID string, now time.Time) (*models.LedgerEntry, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE id=$1 FOR UPDATE`, p.WalletID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("wallet", p.WalletID)
	}
	if err != nil {
		return nil, err
	}

	var last int64
	err = tx.QueryRow(ctx, `
		SELECT balance_after FROM ledger_entries WHERE wallet_id=$1 ORDER BY seq DESC LIMIT 1
	`, p.WalletID).Scan(&last)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		last = 0
	case err != nil:
		return nil, err
	}
	if last != balance {
		return nil, fmt.Errorf("wallet %s balance %d, last entry after %d: %w", p.WalletID, balance, last, apperr.ErrLedgerIntegrity)
	}

	after := balance
	switch p.Direction {
	case models.Credit:
		if p.Amount > math.MaxInt64-balance {
			return nil, apperr.Invalid("credit of %d overflows wallet %s balance %d", p.Amount, p.WalletID, balance)
		}
		after += p.Amount
	case models.Debit:
		if balance < p.Amount {
			return nil, fmt.Errorf("wallet %s balance %d < %d: %w", p.WalletID, balance, p.Amount, apperr.ErrInsufficientFunds)
		}
		after -= p.Amount
	default:
		return nil, apperr.Invalid("unknown direction %q", p.Direction)
	}

	entry, err := scanEntry(tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (
			id, wallet_id, direction, amount, balance_before, balance_after,
			kind, reference, note, actor, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+entryCols,
		entryID, p.WalletID, p.Direction, p.Amount, balance, after,
		p.Kind, p.Reference, p.Note, p.Actor, now,
	))
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `UPDATE wallets SET balance=$2, updated_at=$3 WHERE id=$1`, p.WalletID, after, now)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) PostLedger(ctx context.Context, p models.Posting, entryID string, now time.Time) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = post(ctx, tx, p, entryID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) ListEntries(ctx context.Context, walletID string, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM ledger_entries WHERE wallet_id=$1`, walletID).Scan(&total); err != nil {
		return nil, 0, mapErr(err)
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT `+entryCols+` FROM ledger_entries
		WHERE wallet_id=$1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, mapErr(rows.Err())
}

func (s *Store) EntryChain(ctx context.Context, walletID string) ([]*models.LedgerEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+entryCols+` FROM ledger_entries WHERE wallet_id=$1 ORDER BY seq
	`, walletID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

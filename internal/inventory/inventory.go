// Package inventory manages the pool of license keys sold for each product.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/licensekey"
	"KeyLedger/internal/models"

	"github.com/google/uuid"
)

const MaxIntake = 1000

type Store interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	InsertCredentials(ctx context.Context, intake *models.StockIntake, entries []*models.CredentialEntry) error
	CredentialCounts(ctx context.Context, productID string) (models.CredentialCounts, error)
	GetCredential(ctx context.Context, id string) (*models.CredentialEntry, error)
	ReserveCredential(ctx context.Context, productID, orderID string, now time.Time) (*models.CredentialEntry, error)
	RedeemCredential(ctx context.Context, credentialID, orderID string, now time.Time) error
	ReleaseCredential(ctx context.Context, credentialID, orderID string) error
	RevokeCredential(ctx context.Context, productID, credentialID string, now time.Time) error
}

type Service struct {
	Store  Store
	Keys   *licensekey.Keyring
	Now    func() time.Time
	Logger *slog.Logger
}

type Summary struct {
	ProductID string                  `json:"product_id"`
	Counts    models.CredentialCounts `json:"counts"`
	Total     int64                   `json:"total"`
	LowStock  bool                    `json:"low_stock"`
}

type IntakeResult struct {
	IntakeID string   `json:"intake_id"`
	Keys     []string `json:"keys"`
	Summary  Summary  `json:"summary"`
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

// Intake generates qty fresh keys for a product and stores them sealed. The raw keys
// are only ever returned here.
func (s Service) Intake(ctx context.Context, productID string, qty int, actor string) (*IntakeResult, error) {
	if qty < 1 || qty > MaxIntake {
		return nil, apperr.Invalid("quantity must be between 1 and %d", MaxIntake)
	}
	if actor == "" {
		return nil, apperr.Invalid("actor is required")
	}
	if _, err := s.Store.GetProduct(ctx, productID); err != nil {
		return nil, err
	}

	now := s.now()
	intake := &models.StockIntake{
		ID:        uuid.NewString(),
		ProductID: productID,
		Quantity:  qty,
		Actor:     actor,
		CreatedAt: now,
	}

	keys := make([]string, 0, qty)
	entries := make([]*models.CredentialEntry, 0, qty)
	for range qty {
		key, err := s.Keys.Generate()
		if err != nil {
			return nil, err
		}
		sealed, err := s.Keys.Seal(key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		entries = append(entries, &models.CredentialEntry{
			ID:          uuid.Must(uuid.NewV7()).String(),
			ProductID:   productID,
			IntakeID:    intake.ID,
			SealedKey:   sealed,
			Fingerprint: s.Keys.Fingerprint(key),
			Status:      models.CredentialAvailable,
			CreatedAt:   now,
		})
	}

	if err := s.Store.InsertCredentials(ctx, intake, entries); err != nil {
		return nil, err
	}

	s.logger().InfoContext(ctx, "stock intake",
		"audit", true,
		"intake_id", intake.ID,
		"product_id", productID,
		"quantity", qty,
		"actor", actor,
	)

	sum, err := s.Summary(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &IntakeResult{IntakeID: intake.ID, Keys: keys, Summary: *sum}, nil
}

func (s Service) Summary(ctx context.Context, productID string) (*Summary, error) {
	p, err := s.Store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	counts, err := s.Store.CredentialCounts(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		ProductID: productID,
		Counts:    counts,
		Total:     counts.Total(),
		LowStock:  p.TrackStock && counts.Available < p.LowStockThreshold,
	}, nil
}

// Reserve claims one available key for an order. [apperr.ErrOutOfStock] is an
// expected result, not a failure.
func (s Service) Reserve(ctx context.Context, productID, orderID string) (*models.CredentialEntry, error) {
	return s.Store.ReserveCredential(ctx, productID, orderID, s.now())
}

func (s Service) Redeem(ctx context.Context, credentialID, orderID string) error {
	err := s.Store.RedeemCredential(ctx, credentialID, orderID, s.now())
	if apperr.KindOf(err) == apperr.KindIntegrity {
		s.logger().ErrorContext(ctx, "credential redeemed by another order",
			"credential_id", credentialID,
			"order_id", orderID,
			"error", err,
		)
	}
	return err
}

func (s Service) Release(ctx context.Context, credentialID, orderID string) error {
	return s.Store.ReleaseCredential(ctx, credentialID, orderID)
}

func (s Service) Revoke(ctx context.Context, productID, credentialID, actor string) error {
	if err := s.Store.RevokeCredential(ctx, productID, credentialID, s.now()); err != nil {
		return err
	}
	s.logger().InfoContext(ctx, "credential revoked",
		"audit", true,
		"product_id", productID,
		"credential_id", credentialID,
		"actor", actor,
	)
	return nil
}

// Open decrypts the key held by an entry.
func (s Service) Open(e *models.CredentialEntry) (string, error) {
	key, err := s.Keys.Open(e.SealedKey)
	if err != nil {
		return "", fmt.Errorf("open credential %s: %w", e.ID, err)
	}
	return key, nil
}

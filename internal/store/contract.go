package store

import (
	"context"
	"time"

	"KeyLedger/internal/models"
)

// Contract is what a fulfillment store must provide. Every method is atomic: it either
// applies all of its changes or none.
//
// Implementations can verify themselves with the suite in the testcontract package.
type Contract interface {
	UpsertProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id string) (*models.Product, error)

	UpsertCampaign(ctx context.Context, c *models.Campaign) error
	// ListActiveCampaigns returns active campaigns without a voucher code, ordered by id.
	ListActiveCampaigns(ctx context.Context) ([]*models.Campaign, error)
	GetCampaignByCode(ctx context.Context, code string) (*models.Campaign, error)

	// InsertCredentials stores a batch of AVAILABLE entries with its intake record.
	//
	// - Must return [apperr.ErrDuplicateKey] when a fingerprint already exists, and store nothing.
	InsertCredentials(ctx context.Context, intake *models.StockIntake, entries []*models.CredentialEntry) error
	CredentialCounts(ctx context.Context, productID string) (models.CredentialCounts, error)
	GetCredential(ctx context.Context, id string) (*models.CredentialEntry, error)
	// ReserveCredential claims one AVAILABLE entry for orderID.
	//
	// - Must never hand the same entry to two callers, including concurrent ones.
	// - Must return [apperr.ErrOutOfStock] without blocking when nothing is available.
	ReserveCredential(ctx context.Context, productID, orderID string, now time.Time) (*models.CredentialEntry, error)
	// RedeemCredential marks a RESERVED entry REDEEMED.
	//
	// - Must succeed without changes when the entry is already REDEEMED by the same order.
	// - Must return [apperr.ErrDoubleReservation] when the entry belongs to another order.
	RedeemCredential(ctx context.Context, credentialID, orderID string, now time.Time) error
	ReleaseCredential(ctx context.Context, credentialID, orderID string) error
	// RevokeCredential retires an AVAILABLE entry. Other states return [apperr.ErrInvalidTransition].
	RevokeCredential(ctx context.Context, productID, credentialID string, now time.Time) error

	// EnsureWallet creates the user's wallet if missing and returns the stored one.
	EnsureWallet(ctx context.Context, w *models.Wallet) (*models.Wallet, error)
	GetWallet(ctx context.Context, id string) (*models.Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*models.Wallet, error)
	// PostLedger appends an entry and moves the balance.
	//
	// - Must serialize postings per wallet. The PostgreSQL store lets postings to different
	//   wallets proceed in parallel; memstore serializes all of them.
	// - Must return [apperr.ErrInsufficientFunds] for a debit above the balance.
	// - Must return [apperr.ErrLedgerIntegrity] when the balance differs from the last entry's balance_after.
	PostLedger(ctx context.Context, p models.Posting, entryID string, now time.Time) (*models.LedgerEntry, error)
	// ListEntries pages through a wallet's entries newest first and returns the total count.
	ListEntries(ctx context.Context, walletID string, limit, offset int) ([]*models.LedgerEntry, int64, error)
	// EntryChain returns all entries of a wallet oldest first.
	EntryChain(ctx context.Context, walletID string) ([]*models.LedgerEntry, error)

	CreateOrder(ctx context.Context, o *models.Order) error
	// ReplacePendingOrder rewrites the lines and summary of a PENDING order owned by o.UserID.
	ReplacePendingOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	FailStaleOrders(ctx context.Context, before, now time.Time) (int64, error)

	InsertPayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	ListPayments(ctx context.Context, orderID string) ([]*models.Payment, error)
	// SettleWallet pays an order from the wallet.
	//
	// - Must consume campaign quotas, post the debit, record the payment and mark the order PAID together.
	// - Must return [apperr.ErrQuotaExhausted] or [apperr.ErrInsufficientFunds] and change nothing when either applies.
	SettleWallet(ctx context.Context, st models.WalletSettlement) (*models.LedgerEntry, error)
	// ApplyGatewayEvent records and applies a gateway confirmation.
	//
	// - Must report [models.OutcomeDuplicate] for an event id seen before.
	// - Must only move payments out of PENDING.
	// - Must return the PAID order for [models.OutcomePaid].
	ApplyGatewayEvent(ctx context.Context, ev models.GatewayEvent) (models.GatewayOutcome, *models.Order, error)
	// RefundOrder refunds a PAID order and returns the released credential ids.
	RefundOrder(ctx context.Context, r models.Refund) (*models.LedgerEntry, []string, error)

	// AllocateUnit reserves a credential for one unit of an order.
	//
	// - Must be idempotent per (order, unit index).
	// - Must leave the unit BACKORDERED when no stock is available.
	AllocateUnit(ctx context.Context, d *models.Delivery, now time.Time) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, orderID string) ([]*models.Delivery, error)
	// RevealDelivery moves an ALLOCATED delivery to REVEALED and redeems its credential.
	//
	// - Must let exactly one of many concurrent callers win; the rest get [apperr.ErrInvalidTransition].
	RevealDelivery(ctx context.Context, deliveryID string, now, deadline time.Time) (*models.Delivery, *models.CredentialEntry, error)
	MarkEmailed(ctx context.Context, deliveryID string, now time.Time) error
	// CloseDeliveries closes the order's open units and returns how many it closed.
	//
	// - Must return the credentials of ALLOCATED units to the pool.
	CloseDeliveries(ctx context.Context, orderID string, now time.Time) (int64, error)
	ExpireDeliveries(ctx context.Context, now time.Time) (int64, error)
	CountBackordered(ctx context.Context) (int64, error)
}

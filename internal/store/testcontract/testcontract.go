// Package testcontract verifies implementations of store.Contract.
package testcontract

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/models"
	"KeyLedger/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Setup returns a fresh store. SetBalance overwrites a wallet balance without a ledger
// entry so integrity detection can be tested.
type Setup struct {
	Store      store.Contract
	SetBalance func(t *testing.T, walletID string, balance int64)
}

type SetupFunc func(t *testing.T) Setup

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStoreContract(t *testing.T, setup SetupFunc) {
	t.Run("Credentials", func(t *testing.T) {
		runCredentialTests(t, setup)
	})
	t.Run("Ledger", func(t *testing.T) {
		runLedgerTests(t, setup)
	})
	t.Run("Orders", func(t *testing.T) {
		runOrderTests(t, setup)
	})
	t.Run("Payments", func(t *testing.T) {
		runPaymentTests(t, setup)
	})
	t.Run("Deliveries", func(t *testing.T) {
		runDeliveryTests(t, setup)
	})
}

func seedProduct(t *testing.T, s store.Contract) *models.Product {
	t.Helper()
	p := &models.Product{
		ID:          "prod-" + uuid.NewString()[:8],
		Name:        "Editor Pro",
		MemberPrice: 100_000,
		TrackStock:  true,
		Active:      true,
	}
	require.NoError(t, s.UpsertProduct(t.Context(), p))
	return p
}

func seedKeys(t *testing.T, s store.Contract, productID string, n int) []string {
	t.Helper()
	intake := &models.StockIntake{ID: uuid.NewString(), ProductID: productID, Quantity: n, Actor: "ops", CreatedAt: now}
	ids := make([]string, 0, n)
	entries := make([]*models.CredentialEntry, 0, n)
	for i := range n {
		id := uuid.NewString()
		ids = append(ids, id)
		entries = append(entries, &models.CredentialEntry{
			ID:          id,
			ProductID:   productID,
			IntakeID:    intake.ID,
			SealedKey:   []byte("sealed-" + id),
			Fingerprint: []byte(id),
			Status:      models.CredentialAvailable,
			CreatedAt:   now.Add(time.Duration(i) * time.Millisecond),
		})
	}
	require.NoError(t, s.InsertCredentials(t.Context(), intake, entries))
	return ids
}

func seedWallet(t *testing.T, s store.Contract, balance int64) *models.Wallet {
	t.Helper()
	w, err := s.EnsureWallet(t.Context(), &models.Wallet{
		ID:        uuid.NewString(),
		UserID:    "user-" + uuid.NewString()[:8],
		Code:      "W" + uuid.NewString()[:12],
		CreatedAt: now,
	})
	require.NoError(t, err)
	if balance > 0 {
		_, err = s.PostLedger(t.Context(), models.Posting{
			WalletID:  w.ID,
			Direction: models.Credit,
			Amount:    balance,
			Kind:      models.KindTopup,
			Actor:     "ops",
		}, uuid.NewString(), now)
		require.NoError(t, err)
	}
	return w
}

func seedOrder(t *testing.T, s store.Contract, userID string, items []models.LineItem, discounts []models.AppliedDiscount) *models.Order {
	t.Helper()
	var subtotal, discount int64
	for _, it := range items {
		subtotal += it.LineTotal
	}
	for _, d := range discounts {
		discount += d.Amount
	}
	o := &models.Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		InvoiceNo: "INV-" + uuid.NewString()[:12],
		Status:    models.OrderPending,
		Tier:      models.TierMember,
		Items:     items,
		Summary: models.Summary{
			Subtotal:      subtotal,
			DiscountTotal: discount,
			Total:         subtotal - discount,
			Discounts:     discounts,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateOrder(t.Context(), o))
	return o
}

func lineFor(p *models.Product, qty int64) []models.LineItem {
	return []models.LineItem{{ProductID: p.ID, Qty: qty, UnitPrice: p.MemberPrice, LineTotal: p.MemberPrice * qty}}
}

func requireCounts(t *testing.T, s store.Contract, productID string, want models.CredentialCounts) {
	t.Helper()
	got, err := s.CredentialCounts(t.Context(), productID)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func runCredentialTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, reserve hands out each entry once under contention", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 5)

		var mu sync.Mutex
		var got []string
		var errs []error

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e, err := s.ReserveCredential(context.Background(), p.ID, uuid.NewString(), now)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				got = append(got, e.ID)
			}()
		}
		wg.Wait()

		require.Len(t, errs, 15)
		for _, err := range errs {
			require.ErrorIs(t, err, apperr.ErrOutOfStock)
		}
		unique := map[string]struct{}{}
		for _, id := range got {
			unique[id] = struct{}{}
		}
		require.Len(t, unique, 5)
		requireCounts(t, s, p.ID, models.CredentialCounts{Reserved: 5})
	})

	t.Run("ok, redeem is idempotent for the owning order", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 1)

		e, err := s.ReserveCredential(t.Context(), p.ID, "order-1", now)
		require.NoError(t, err)
		require.Equal(t, models.CredentialReserved, e.Status)

		require.NoError(t, s.RedeemCredential(t.Context(), e.ID, "order-1", now))
		require.NoError(t, s.RedeemCredential(t.Context(), e.ID, "order-1", now.Add(time.Minute)))

		got, err := s.GetCredential(t.Context(), e.ID)
		require.NoError(t, err)
		require.Equal(t, models.CredentialRedeemed, got.Status)
		require.NotNil(t, got.RedeemedAt)
		require.True(t, now.Equal(*got.RedeemedAt))
	})

	t.Run("fail, redeem for another order", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 1)

		e, err := s.ReserveCredential(t.Context(), p.ID, "order-1", now)
		require.NoError(t, err)

		err = s.RedeemCredential(t.Context(), e.ID, "order-2", now)
		require.ErrorIs(t, err, apperr.ErrDoubleReservation)
	})

	t.Run("ok, release returns the entry to the pool", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 1)

		e, err := s.ReserveCredential(t.Context(), p.ID, "order-1", now)
		require.NoError(t, err)
		require.NoError(t, s.ReleaseCredential(t.Context(), e.ID, "order-1"))
		requireCounts(t, s, p.ID, models.CredentialCounts{Available: 1})

		again, err := s.ReserveCredential(t.Context(), p.ID, "order-2", now)
		require.NoError(t, err)
		require.Equal(t, e.ID, again.ID)
	})

	t.Run("fail, release of a redeemed entry", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 1)

		e, err := s.ReserveCredential(t.Context(), p.ID, "order-1", now)
		require.NoError(t, err)
		require.NoError(t, s.RedeemCredential(t.Context(), e.ID, "order-1", now))

		require.ErrorIs(t, s.ReleaseCredential(t.Context(), e.ID, "order-1"), apperr.ErrInvalidTransition)
	})

	t.Run("ok, revoke only from available", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		ids := seedKeys(t, s, p.ID, 2)

		reserved, err := s.ReserveCredential(t.Context(), p.ID, "order-1", now)
		require.NoError(t, err)
		require.ErrorIs(t, s.RevokeCredential(t.Context(), p.ID, reserved.ID, now), apperr.ErrInvalidTransition)

		other := ids[0]
		if other == reserved.ID {
			other = ids[1]
		}
		require.NoError(t, s.RevokeCredential(t.Context(), p.ID, other, now))
		requireCounts(t, s, p.ID, models.CredentialCounts{Reserved: 1, Revoked: 1})

		require.ErrorIs(t, s.RevokeCredential(t.Context(), p.ID, uuid.NewString(), now), apperr.ErrNotFound)
	})

	t.Run("fail, duplicate fingerprint stores nothing", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		ids := seedKeys(t, s, p.ID, 1)

		intake := &models.StockIntake{ID: uuid.NewString(), ProductID: p.ID, Quantity: 2, Actor: "ops", CreatedAt: now}
		err := s.InsertCredentials(t.Context(), intake, []*models.CredentialEntry{
			{ID: uuid.NewString(), ProductID: p.ID, IntakeID: intake.ID, SealedKey: []byte("x"), Fingerprint: []byte("fresh-" + ids[0]), Status: models.CredentialAvailable, CreatedAt: now},
			{ID: uuid.NewString(), ProductID: p.ID, IntakeID: intake.ID, SealedKey: []byte("y"), Fingerprint: []byte(ids[0]), Status: models.CredentialAvailable, CreatedAt: now},
		})
		require.ErrorIs(t, err, apperr.ErrDuplicateKey)
		requireCounts(t, s, p.ID, models.CredentialCounts{Available: 1})
	})

	t.Run("fail, reserve on empty pool", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)

		_, err := s.ReserveCredential(t.Context(), p.ID, "order-1", now)
		require.ErrorIs(t, err, apperr.ErrOutOfStock)
	})
}

func requireContiguous(t *testing.T, s store.Contract, walletID string) []*models.LedgerEntry {
	t.Helper()
	chain, err := s.EntryChain(t.Context(), walletID)
	require.NoError(t, err)

	var prev int64
	for i, e := range chain {
		require.Equal(t, prev, e.BalanceBefore, "entry %d", i)
		switch e.Direction {
		case models.Credit:
			require.Equal(t, e.BalanceBefore+e.Amount, e.BalanceAfter)
		case models.Debit:
			require.Equal(t, e.BalanceBefore-e.Amount, e.BalanceAfter)
		}
		prev = e.BalanceAfter
	}

	w, err := s.GetWallet(t.Context(), walletID)
	require.NoError(t, err)
	require.Equal(t, prev, w.Balance)
	return chain
}

func runLedgerTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, ensure wallet is idempotent per user", func(t *testing.T) {
		s := setup(t).Store
		first := seedWallet(t, s, 0)

		again, err := s.EnsureWallet(t.Context(), &models.Wallet{
			ID:        uuid.NewString(),
			UserID:    first.UserID,
			Code:      "Wother",
			CreatedAt: now,
		})
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
		require.Equal(t, first.Code, again.Code)

		byUser, err := s.GetWalletByUser(t.Context(), first.UserID)
		require.NoError(t, err)
		require.Equal(t, first.ID, byUser.ID)
	})

	t.Run("ok, postings keep the chain contiguous", func(t *testing.T) {
		s := setup(t).Store
		w := seedWallet(t, s, 100)

		_, err := s.PostLedger(t.Context(), models.Posting{WalletID: w.ID, Direction: models.Debit, Amount: 30, Kind: models.KindPurchase, Reference: "order-1"}, uuid.NewString(), now)
		require.NoError(t, err)
		_, err = s.PostLedger(t.Context(), models.Posting{WalletID: w.ID, Direction: models.Credit, Amount: 5, Kind: models.KindAdjustment, Note: "BONUS"}, uuid.NewString(), now)
		require.NoError(t, err)

		chain := requireContiguous(t, s, w.ID)
		require.Len(t, chain, 3)
		require.Equal(t, int64(75), chain[2].BalanceAfter)
		require.Less(t, chain[0].Seq, chain[1].Seq)
		require.Less(t, chain[1].Seq, chain[2].Seq)
	})

	t.Run("fail, debit above balance leaves no trace", func(t *testing.T) {
		s := setup(t).Store
		w := seedWallet(t, s, 50)

		_, err := s.PostLedger(t.Context(), models.Posting{WalletID: w.ID, Direction: models.Debit, Amount: 51, Kind: models.KindPurchase}, uuid.NewString(), now)
		require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

		chain := requireContiguous(t, s, w.ID)
		require.Len(t, chain, 1)
	})

	t.Run("fail, credit past the largest balance", func(t *testing.T) {
		s := setup(t).Store
		w := seedWallet(t, s, 50)

		_, err := s.PostLedger(t.Context(), models.Posting{WalletID: w.ID, Direction: models.Credit, Amount: math.MaxInt64 - 49, Kind: models.KindTopup}, uuid.NewString(), now)
		require.ErrorIs(t, err, apperr.ErrInvalidInput)
		chain := requireContiguous(t, s, w.ID)
		require.Len(t, chain, 1)

		entry, err := s.PostLedger(t.Context(), models.Posting{WalletID: w.ID, Direction: models.Credit, Amount: math.MaxInt64 - 50, Kind: models.KindTopup}, uuid.NewString(), now)
		require.NoError(t, err)
		require.Equal(t, int64(math.MaxInt64), entry.BalanceAfter)
	})

	t.Run("ok, concurrent debits never overdraw", func(t *testing.T) {
		s := setup(t).Store
		w := seedWallet(t, s, 100)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var errs []error
		for range 15 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.PostLedger(context.Background(), models.Posting{
					WalletID: w.ID, Direction: models.Debit, Amount: 10, Kind: models.KindPurchase,
				}, uuid.NewString(), now)
				mu.Lock()
				defer mu.Unlock()
				errs = append(errs, err)
			}()
		}
		wg.Wait()

		var ok, short int
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			require.ErrorIs(t, err, apperr.ErrInsufficientFunds)
			short++
		}
		require.Equal(t, 10, ok)
		require.Equal(t, 5, short)
		requireContiguous(t, s, w.ID)
	})

	t.Run("ok, entries page newest first", func(t *testing.T) {
		s := setup(t).Store
		w := seedWallet(t, s, 0)
		for i := range 5 {
			_, err := s.PostLedger(t.Context(), models.Posting{WalletID: w.ID, Direction: models.Credit, Amount: int64(i + 1), Kind: models.KindTopup}, uuid.NewString(), now)
			require.NoError(t, err)
		}

		page, total, err := s.ListEntries(t.Context(), w.ID, 2, 0)
		require.NoError(t, err)
		require.Equal(t, int64(5), total)
		require.Len(t, page, 2)
		require.Equal(t, int64(5), page[0].Amount)
		require.Equal(t, int64(4), page[1].Amount)

		last, _, err := s.ListEntries(t.Context(), w.ID, 2, 4)
		require.NoError(t, err)
		require.Len(t, last, 1)
		require.Equal(t, int64(1), last[0].Amount)
	})

	t.Run("fail, tampered balance is reported not repaired", func(t *testing.T) {
		st := setup(t)
		s := st.Store
		w := seedWallet(t, s, 100)
		st.SetBalance(t, w.ID, 90)

		_, err := s.PostLedger(t.Context(), models.Posting{WalletID: w.ID, Direction: models.Credit, Amount: 1, Kind: models.KindTopup}, uuid.NewString(), now)
		require.ErrorIs(t, err, apperr.ErrLedgerIntegrity)

		got, err := s.GetWallet(t.Context(), w.ID)
		require.NoError(t, err)
		require.Equal(t, int64(90), got.Balance)
	})
}

func runOrderTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, order round trips with summary", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		o := seedOrder(t, s, "user-1", lineFor(p, 2), []models.AppliedDiscount{
			{CampaignID: 7, Code: "SPRING", StackPolicy: models.Stackable, Amount: 5000, QuotaBound: true},
		})

		got, err := s.GetOrder(t.Context(), o.ID)
		require.NoError(t, err)
		require.Equal(t, o.InvoiceNo, got.InvoiceNo)
		require.Equal(t, models.OrderPending, got.Status)
		require.Equal(t, o.Items, got.Items)
		require.Equal(t, int64(195_000), got.Summary.Total)
		require.Equal(t, o.Summary.Discounts, got.Summary.Discounts)
		require.Equal(t, int64(2), got.Units())
	})

	t.Run("ok, replace pending order keeps invoice", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		o := seedOrder(t, s, "user-1", lineFor(p, 1), nil)

		next := *o
		next.Items = lineFor(p, 3)
		next.Summary = models.Summary{Subtotal: 300_000, Total: 300_000}
		next.UpdatedAt = now.Add(time.Minute)
		require.NoError(t, s.ReplacePendingOrder(t.Context(), &next))

		got, err := s.GetOrder(t.Context(), o.ID)
		require.NoError(t, err)
		require.Equal(t, o.InvoiceNo, got.InvoiceNo)
		require.Equal(t, int64(300_000), got.Summary.Total)
		require.Equal(t, int64(3), got.Units())
	})

	t.Run("fail, replace someone else's order", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		o := seedOrder(t, s, "user-1", lineFor(p, 1), nil)

		next := *o
		next.UserID = "user-2"
		require.ErrorIs(t, s.ReplacePendingOrder(t.Context(), &next), apperr.ErrNotFound)
	})

	t.Run("ok, stale pending orders fail unless a gateway session is open", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		stale := seedOrder(t, s, "user-1", lineFor(p, 1), nil)
		waiting := seedOrder(t, s, "user-1", lineFor(p, 1), nil)
		require.NoError(t, s.InsertPayment(t.Context(), &models.Payment{
			ID: uuid.NewString(), OrderID: waiting.ID, UserID: "user-1", Method: models.MethodGateway,
			Status: models.PaymentPending, Amount: waiting.Summary.Total, SessionRef: "cs_" + uuid.NewString(),
			CreatedAt: now, UpdatedAt: now,
		}))

		n, err := s.FailStaleOrders(t.Context(), now.Add(time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		got, err := s.GetOrder(t.Context(), stale.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderFailed, got.Status)
		got, err = s.GetOrder(t.Context(), waiting.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderPending, got.Status)
	})

	t.Run("fail, unknown order", func(t *testing.T) {
		s := setup(t).Store
		_, err := s.GetOrder(t.Context(), uuid.NewString())
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func seedVoucher(t *testing.T, s store.Contract, id, quota int64) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		ID:          id,
		Code:        "VOUCHER" + uuid.NewString()[:6],
		Name:        "voucher",
		Type:        models.DiscountFixed,
		Value:       10_000,
		Quota:       quota,
		StartsAt:    now.Add(-time.Hour),
		StackPolicy: models.Stackable,
		Active:      true,
	}
	require.NoError(t, s.UpsertCampaign(t.Context(), c))
	return c
}

func quotaUsed(t *testing.T, s store.Contract, code string) int64 {
	t.Helper()
	c, err := s.GetCampaignByCode(t.Context(), code)
	require.NoError(t, err)
	return c.QuotaUsed
}

func walletSettlement(w *models.Wallet, o *models.Order) models.WalletSettlement {
	return models.WalletSettlement{
		OrderID: o.ID,
		Payment: &models.Payment{
			ID: uuid.NewString(), OrderID: o.ID, UserID: w.UserID, Method: models.MethodWallet, Amount: o.Summary.Total,
		},
		Posting: models.Posting{
			WalletID: w.ID, Direction: models.Debit, Amount: o.Summary.Total, Kind: models.KindPurchase, Reference: o.ID, Actor: w.UserID,
		},
		EntryID: uuid.NewString(),
		Now:     now,
	}
}

func gatewayPayment(o *models.Order, amount int64) *models.Payment {
	return &models.Payment{
		ID: uuid.NewString(), OrderID: o.ID, UserID: o.UserID, Method: models.MethodGateway,
		Status: models.PaymentPending, Amount: amount, SessionRef: "cs_" + uuid.NewString(),
		CreatedAt: now, UpdatedAt: now,
	}
}

func runPaymentTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, wallet settlement pays order and consumes quota", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		v := seedVoucher(t, s, 101, 1)
		w := seedWallet(t, s, 500_000)
		o := seedOrder(t, s, w.UserID, lineFor(p, 1), []models.AppliedDiscount{
			{CampaignID: v.ID, Code: v.Code, StackPolicy: models.Stackable, Amount: 10_000, QuotaBound: true},
		})

		entry, err := s.SettleWallet(t.Context(), walletSettlement(w, o))
		require.NoError(t, err)
		require.Equal(t, int64(90_000), entry.Amount)
		require.Equal(t, o.ID, entry.Reference)

		got, err := s.GetOrder(t.Context(), o.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderPaid, got.Status)
		require.NotNil(t, got.PaidAt)
		require.Equal(t, int64(1), quotaUsed(t, s, v.Code))

		payments, err := s.ListPayments(t.Context(), o.ID)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		require.Equal(t, models.PaymentSuccess, payments[0].Status)
		require.Equal(t, entry.ID, *payments[0].LedgerEntryID)
	})

	t.Run("fail, exhausted quota changes nothing", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		v := seedVoucher(t, s, 102, 1)
		w := seedWallet(t, s, 500_000)
		disc := []models.AppliedDiscount{{CampaignID: v.ID, Code: v.Code, StackPolicy: models.Stackable, Amount: 10_000, QuotaBound: true}}
		first := seedOrder(t, s, w.UserID, lineFor(p, 1), disc)
		second := seedOrder(t, s, w.UserID, lineFor(p, 1), disc)

		_, err := s.SettleWallet(t.Context(), walletSettlement(w, first))
		require.NoError(t, err)
		_, err = s.SettleWallet(t.Context(), walletSettlement(w, second))
		require.ErrorIs(t, err, apperr.ErrQuotaExhausted)

		got, err := s.GetOrder(t.Context(), second.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderPending, got.Status)
		require.Equal(t, int64(1), quotaUsed(t, s, v.Code))

		wallet, err := s.GetWallet(t.Context(), w.ID)
		require.NoError(t, err)
		require.Equal(t, int64(410_000), wallet.Balance)
	})

	t.Run("fail, insufficient funds changes nothing", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		v := seedVoucher(t, s, 103, 5)
		w := seedWallet(t, s, 1_000)
		o := seedOrder(t, s, w.UserID, lineFor(p, 1), []models.AppliedDiscount{
			{CampaignID: v.ID, Code: v.Code, StackPolicy: models.Stackable, Amount: 10_000, QuotaBound: true},
		})

		_, err := s.SettleWallet(t.Context(), walletSettlement(w, o))
		require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

		got, err := s.GetOrder(t.Context(), o.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderPending, got.Status)
		require.Equal(t, int64(0), quotaUsed(t, s, v.Code))
		payments, err := s.ListPayments(t.Context(), o.ID)
		require.NoError(t, err)
		require.Empty(t, payments)
		chain := requireContiguous(t, s, w.ID)
		require.Len(t, chain, 1)
	})

	t.Run("ok, gateway events are applied once", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		o := seedOrder(t, s, "user-1", lineFor(p, 1), nil)
		pay := &models.Payment{
			ID: uuid.NewString(), OrderID: o.ID, UserID: "user-1", Method: models.MethodGateway,
			Status: models.PaymentPending, Amount: o.Summary.Total, SessionRef: "cs_" + uuid.NewString(),
			CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.InsertPayment(t.Context(), pay))

		ev := models.GatewayEvent{
			EventID: "evt_1", Type: models.EventPaymentSucceeded, SessionRef: pay.SessionRef,
			Amount: pay.Amount, Payload: []byte(`{}`), ReceivedAt: now,
		}
		outcome, paid, err := s.ApplyGatewayEvent(t.Context(), ev)
		require.NoError(t, err)
		require.Equal(t, models.OutcomePaid, outcome)
		require.Equal(t, models.OrderPaid, paid.Status)

		outcome, _, err = s.ApplyGatewayEvent(t.Context(), ev)
		require.NoError(t, err)
		require.Equal(t, models.OutcomeDuplicate, outcome)

		ev.EventID = "evt_2"
		ev.Type = models.EventPaymentFailed
		outcome, _, err = s.ApplyGatewayEvent(t.Context(), ev)
		require.NoError(t, err)
		require.Equal(t, models.OutcomeIgnored, outcome)

		got, err := s.GetPayment(t.Context(), pay.ID)
		require.NoError(t, err)
		require.Equal(t, models.PaymentSuccess, got.Status)
	})

	t.Run("fail, gateway amount mismatch", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		o := seedOrder(t, s, "user-1", lineFor(p, 1), nil)
		pay := &models.Payment{
			ID: uuid.NewString(), OrderID: o.ID, UserID: "user-1", Method: models.MethodGateway,
			Status: models.PaymentPending, Amount: o.Summary.Total, SessionRef: "cs_" + uuid.NewString(),
			CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.InsertPayment(t.Context(), pay))

		outcome, paid, err := s.ApplyGatewayEvent(t.Context(), models.GatewayEvent{
			EventID: "evt_x", Type: models.EventPaymentSucceeded, SessionRef: pay.SessionRef,
			Amount: pay.Amount - 1, ReceivedAt: now,
		})
		require.NoError(t, err)
		require.Equal(t, models.OutcomeAmountMismatch, outcome)
		require.Nil(t, paid)

		got, err := s.GetPayment(t.Context(), pay.ID)
		require.NoError(t, err)
		require.Equal(t, models.PaymentFailed, got.Status)
		require.Equal(t, "amount_mismatch", got.FailureReason)

		order, err := s.GetOrder(t.Context(), o.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderPending, order.Status)
	})

	t.Run("fail, open gateway payment blocks a second payment and rewrites", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		w := seedWallet(t, s, 500_000)
		o := seedOrder(t, s, w.UserID, lineFor(p, 1), nil)
		require.NoError(t, s.InsertPayment(t.Context(), gatewayPayment(o, o.Summary.Total)))

		err := s.InsertPayment(t.Context(), gatewayPayment(o, o.Summary.Total))
		require.ErrorIs(t, err, apperr.ErrPaymentInProgress)

		next := *o
		next.Items = lineFor(p, 5)
		next.Summary = models.Summary{Subtotal: 500_000, Total: 500_000}
		require.ErrorIs(t, s.ReplacePendingOrder(t.Context(), &next), apperr.ErrPaymentInProgress)

		_, err = s.SettleWallet(t.Context(), walletSettlement(w, o))
		require.ErrorIs(t, err, apperr.ErrPaymentInProgress)

		got, err := s.GetOrder(t.Context(), o.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderPending, got.Status)
		require.Equal(t, int64(1), got.Units())
		wallet, err := s.GetWallet(t.Context(), w.ID)
		require.NoError(t, err)
		require.Equal(t, int64(500_000), wallet.Balance)
	})

	t.Run("fail, capture below the order total leaves the order pending", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		o := seedOrder(t, s, "user-1", lineFor(p, 3), nil)
		pay := gatewayPayment(o, p.MemberPrice)
		require.NoError(t, s.InsertPayment(t.Context(), pay))

		outcome, paid, err := s.ApplyGatewayEvent(t.Context(), models.GatewayEvent{
			EventID: "evt_short", Type: models.EventPaymentSucceeded, SessionRef: pay.SessionRef,
			Amount: pay.Amount, ReceivedAt: now,
		})
		require.NoError(t, err)
		require.Equal(t, models.OutcomeAmountMismatch, outcome)
		require.Nil(t, paid)

		got, err := s.GetOrder(t.Context(), o.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderPending, got.Status)
		stored, err := s.GetPayment(t.Context(), pay.ID)
		require.NoError(t, err)
		require.Equal(t, models.PaymentFailed, stored.Status)
	})

	t.Run("fail, capture after the quota ran out", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		v := seedVoucher(t, s, 104, 1)
		disc := []models.AppliedDiscount{{CampaignID: v.ID, Code: v.Code, StackPolicy: models.Stackable, Amount: 10_000, QuotaBound: true}}
		first := seedOrder(t, s, "user-1", lineFor(p, 1), disc)
		second := seedOrder(t, s, "user-2", lineFor(p, 1), disc)
		payFirst := gatewayPayment(first, first.Summary.Total)
		paySecond := gatewayPayment(second, second.Summary.Total)
		require.NoError(t, s.InsertPayment(t.Context(), payFirst))
		require.NoError(t, s.InsertPayment(t.Context(), paySecond))

		outcome, _, err := s.ApplyGatewayEvent(t.Context(), models.GatewayEvent{
			EventID: "evt_q1", Type: models.EventPaymentSucceeded, SessionRef: payFirst.SessionRef,
			Amount: payFirst.Amount, ReceivedAt: now,
		})
		require.NoError(t, err)
		require.Equal(t, models.OutcomePaid, outcome)

		outcome, paid, err := s.ApplyGatewayEvent(t.Context(), models.GatewayEvent{
			EventID: "evt_q2", Type: models.EventPaymentSucceeded, SessionRef: paySecond.SessionRef,
			Amount: paySecond.Amount, ReceivedAt: now,
		})
		require.NoError(t, err)
		require.Equal(t, models.OutcomeQuotaExhausted, outcome)
		require.Nil(t, paid)

		got, err := s.GetOrder(t.Context(), second.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderPending, got.Status)
		stored, err := s.GetPayment(t.Context(), paySecond.ID)
		require.NoError(t, err)
		require.Equal(t, models.PaymentFailed, stored.Status)
		require.Equal(t, "quota_exhausted", stored.FailureReason)
		require.Equal(t, int64(1), quotaUsed(t, s, v.Code))
	})

	t.Run("ok, unknown session is ignored", func(t *testing.T) {
		s := setup(t).Store
		outcome, _, err := s.ApplyGatewayEvent(t.Context(), models.GatewayEvent{
			EventID: "evt_unknown", Type: models.EventPaymentSucceeded, SessionRef: "cs_missing", Amount: 1, ReceivedAt: now,
		})
		require.NoError(t, err)
		require.Equal(t, models.OutcomeIgnored, outcome)
	})
}

func paidOrder(t *testing.T, s store.Contract, p *models.Product, qty int64) (*models.Wallet, *models.Order) {
	t.Helper()
	w := seedWallet(t, s, p.MemberPrice*qty)
	o := seedOrder(t, s, w.UserID, lineFor(p, qty), nil)
	_, err := s.SettleWallet(t.Context(), walletSettlement(w, o))
	require.NoError(t, err)
	return w, o
}

func unit(o *models.Order, productID string, idx int) *models.Delivery {
	return &models.Delivery{ID: uuid.NewString(), OrderID: o.ID, UnitIndex: idx, ProductID: productID}
}

func runDeliveryTests(t *testing.T, setup SetupFunc) {
	t.Run("ok, allocation is idempotent and backorders without stock", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 1)
		_, o := paidOrder(t, s, p, 2)

		first, err := s.AllocateUnit(t.Context(), unit(o, p.ID, 0), now)
		require.NoError(t, err)
		require.Equal(t, models.DeliveryAllocated, first.State)
		require.NotNil(t, first.CredentialID)

		again, err := s.AllocateUnit(t.Context(), unit(o, p.ID, 0), now)
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
		require.Equal(t, *first.CredentialID, *again.CredentialID)

		second, err := s.AllocateUnit(t.Context(), unit(o, p.ID, 1), now)
		require.NoError(t, err)
		require.Equal(t, models.DeliveryBackordered, second.State)
		require.Nil(t, second.CredentialID)

		n, err := s.CountBackordered(t.Context())
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		seedKeys(t, s, p.ID, 1)
		retried, err := s.AllocateUnit(t.Context(), unit(o, p.ID, 1), now)
		require.NoError(t, err)
		require.Equal(t, second.ID, retried.ID)
		require.Equal(t, models.DeliveryAllocated, retried.State)

		list, err := s.ListDeliveries(t.Context(), o.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, 0, list[0].UnitIndex)
		requireCounts(t, s, p.ID, models.CredentialCounts{Reserved: 2})
	})

	t.Run("ok, exactly one concurrent reveal wins", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 1)
		_, o := paidOrder(t, s, p, 1)
		d, err := s.AllocateUnit(t.Context(), unit(o, p.ID, 0), now)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var errs []error
		var revealed []*models.CredentialEntry
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, cred, err := s.RevealDelivery(context.Background(), d.ID, now, now.Add(5*time.Minute))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				revealed = append(revealed, cred)
			}()
		}
		wg.Wait()

		require.Len(t, revealed, 1)
		require.Equal(t, *d.CredentialID, revealed[0].ID)
		require.Len(t, errs, 9)
		for _, err := range errs {
			require.ErrorIs(t, err, apperr.ErrInvalidTransition)
		}

		cred, err := s.GetCredential(t.Context(), *d.CredentialID)
		require.NoError(t, err)
		require.Equal(t, models.CredentialRedeemed, cred.Status)
	})

	t.Run("ok, expire then email then close", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 1)
		_, o := paidOrder(t, s, p, 1)
		d, err := s.AllocateUnit(t.Context(), unit(o, p.ID, 0), now)
		require.NoError(t, err)

		deadline := now.Add(5 * time.Minute)
		revealed, _, err := s.RevealDelivery(t.Context(), d.ID, now, deadline)
		require.NoError(t, err)
		require.Equal(t, models.DeliveryRevealed, revealed.State)
		require.True(t, deadline.Equal(*revealed.RevealDeadline))

		n, err := s.ExpireDeliveries(t.Context(), deadline.Add(-time.Second))
		require.NoError(t, err)
		require.Zero(t, n)
		n, err = s.ExpireDeliveries(t.Context(), deadline)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		require.NoError(t, s.MarkEmailed(t.Context(), d.ID, deadline))

		n, err = s.CloseDeliveries(t.Context(), o.ID, deadline)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		n, err = s.CloseDeliveries(t.Context(), o.ID, deadline)
		require.NoError(t, err)
		require.Zero(t, n)

		require.ErrorIs(t, s.MarkEmailed(t.Context(), d.ID, deadline), apperr.ErrInvalidTransition)

		list, err := s.ListDeliveries(t.Context(), o.ID)
		require.NoError(t, err)
		require.Equal(t, models.DeliveryClosed, list[0].State)
		require.True(t, list[0].Emailed)
	})

	t.Run("ok, close returns unrevealed credentials to the pool", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 2)
		_, o := paidOrder(t, s, p, 2)
		first, err := s.AllocateUnit(t.Context(), unit(o, p.ID, 0), now)
		require.NoError(t, err)
		_, err = s.AllocateUnit(t.Context(), unit(o, p.ID, 1), now)
		require.NoError(t, err)
		_, _, err = s.RevealDelivery(t.Context(), first.ID, now, now.Add(5*time.Minute))
		require.NoError(t, err)

		n, err := s.CloseDeliveries(t.Context(), o.ID, now)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)
		requireCounts(t, s, p.ID, models.CredentialCounts{Available: 1, Redeemed: 1})
	})

	t.Run("ok, refund releases unrevealed credentials and credits wallet", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		seedKeys(t, s, p.ID, 1)
		w, o := paidOrder(t, s, p, 2)
		allocated, err := s.AllocateUnit(t.Context(), unit(o, p.ID, 0), now)
		require.NoError(t, err)
		_, err = s.AllocateUnit(t.Context(), unit(o, p.ID, 1), now)
		require.NoError(t, err)

		entry, released, err := s.RefundOrder(t.Context(), models.Refund{
			OrderID: o.ID,
			Posting: &models.Posting{WalletID: w.ID, Direction: models.Credit, Amount: o.Summary.Total, Kind: models.KindRefund, Reference: o.ID},
			EntryID: uuid.NewString(),
			Now:     now,
		})
		require.NoError(t, err)
		require.Equal(t, []string{*allocated.CredentialID}, released)
		require.Equal(t, o.Summary.Total, entry.BalanceAfter)

		got, err := s.GetOrder(t.Context(), o.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderRefunded, got.Status)
		requireCounts(t, s, p.ID, models.CredentialCounts{Available: 1})

		list, err := s.ListDeliveries(t.Context(), o.ID)
		require.NoError(t, err)
		for _, d := range list {
			require.Equal(t, models.DeliveryClosed, d.State)
		}
		requireContiguous(t, s, w.ID)

		_, _, err = s.RefundOrder(t.Context(), models.Refund{OrderID: o.ID, Now: now})
		require.ErrorIs(t, err, apperr.ErrOrderNotPaid)
	})

	t.Run("fail, reveal of a backordered unit", func(t *testing.T) {
		s := setup(t).Store
		p := seedProduct(t, s)
		_, o := paidOrder(t, s, p, 1)
		d, err := s.AllocateUnit(t.Context(), unit(o, p.ID, 0), now)
		require.NoError(t, err)

		_, _, err = s.RevealDelivery(t.Context(), d.ID, now, now.Add(time.Minute))
		require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	})
}

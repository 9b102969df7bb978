package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/inventory"
	"KeyLedger/internal/licensekey"
	"KeyLedger/internal/models"
	"KeyLedger/internal/notify"
	"KeyLedger/internal/store/memstore"
	"KeyLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fixture struct {
	svc    Service
	inv    inventory.Service
	st     *memstore.Store
	clock  *testutil.Clock
	mailer *fakeMailer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	for _, id := range []string{"p1", "p2"} {
		require.NoError(t, st.UpsertProduct(t.Context(), &models.Product{ID: id, MemberPrice: 1_000, Active: true}))
	}
	keys, err := licensekey.NewKeyring("0123456789abcdef0123456789abcdef", "kl")
	require.NoError(t, err)
	clock := testutil.NewClock()
	logger := testutil.Logger(t)
	mailer := &fakeMailer{}
	return &fixture{
		svc:    Service{Store: st, Keys: keys, Mailer: mailer, TTL: 300 * time.Second, Now: clock.Now, Logger: logger},
		inv:    inventory.Service{Store: st, Keys: keys, Now: clock.Now, Logger: logger},
		st:     st,
		clock:  clock,
		mailer: mailer,
	}
}

func (f *fixture) stock(t *testing.T, productID string, n int) []string {
	t.Helper()
	res, err := f.inv.Intake(t.Context(), productID, n, "admin")
	require.NoError(t, err)
	return res.Keys
}

func (f *fixture) paidOrder(t *testing.T, id string, items ...models.LineItem) *models.Order {
	t.Helper()
	now := f.clock.Now()
	o := &models.Order{
		ID:        id,
		UserID:    "u1",
		InvoiceNo: "INV-" + id,
		Status:    models.OrderPaid,
		Tier:      models.TierMember,
		Items:     items,
		PaidAt:    &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.st.CreateOrder(t.Context(), o))
	return o
}

func line(productID string, qty int64) models.LineItem {
	return models.LineItem{ProductID: productID, Qty: qty, UnitPrice: 1_000, LineTotal: qty * 1_000}
}

func TestRevealWindow(t *testing.T) {
	f := newFixture(t)
	keys := f.stock(t, "p1", 1)
	o := f.paidOrder(t, "o1", line("p1", 1))
	_, err := f.svc.Allocate(t.Context(), o)
	require.NoError(t, err)

	got, err := f.svc.Reveal(t.Context(), "u1", "o1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, keys[0], got[0].Key)
	require.Equal(t, f.clock.Now().Add(300*time.Second), got[0].RevealDeadline)

	f.clock.Advance(100 * time.Second)
	got, err = f.svc.Reveal(t.Context(), "u1", "o1")
	require.ErrorIs(t, err, apperr.ErrAlreadyRevealed)
	require.Empty(t, got)

	f.clock.Advance(201 * time.Second)
	got, err = f.svc.Reveal(t.Context(), "u1", "o1")
	require.ErrorIs(t, err, apperr.ErrExpired)
	require.Empty(t, got)

	st, err := f.svc.Status(t.Context(), "u1", "o1")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryExpired, st.Units[0].State)
	require.False(t, st.CanReveal)

	counts, err := f.st.CredentialCounts(t.Context(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Redeemed)
}

func TestConcurrentRevealDisclosesOnce(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 1)
	o := f.paidOrder(t, "o1", line("p1", 1))
	_, err := f.svc.Allocate(t.Context(), o)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		keys  []string
		codes = map[string]int{}
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.Reveal(t.Context(), "u1", "o1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				codes[apperr.CodeOf(err)]++
				return
			}
			for _, k := range got {
				keys = append(keys, k.Key)
			}
		}()
	}
	wg.Wait()

	require.Len(t, keys, 1)
	require.Equal(t, map[string]int{"already_revealed": 9}, codes)
}

func TestAllocateIsIdempotentAndBackorders(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 1)
	o := f.paidOrder(t, "o1", line("p1", 2), line("p2", 1))

	ds, err := f.svc.Allocate(t.Context(), o)
	require.NoError(t, err)
	require.Len(t, ds, 3)
	require.Equal(t, models.DeliveryAllocated, ds[0].State)
	require.Equal(t, models.DeliveryBackordered, ds[1].State)
	require.Equal(t, models.DeliveryBackordered, ds[2].State)
	require.Equal(t, "p2", ds[2].ProductID)

	again, err := f.svc.Allocate(t.Context(), o)
	require.NoError(t, err)
	require.Equal(t, ds[0].ID, again[0].ID)
	require.Equal(t, *ds[0].CredentialID, *again[0].CredentialID)

	res, err := f.svc.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Backordered)

	f.stock(t, "p1", 1)
	f.stock(t, "p2", 1)
	retried, err := f.svc.AllocateByID(t.Context(), "o1")
	require.NoError(t, err)
	for _, d := range retried {
		require.Equal(t, models.DeliveryAllocated, d.State)
	}

	counts, err := f.st.CredentialCounts(t.Context(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(2), counts.Reserved)
}

func TestAllocateRequiresPaidOrder(t *testing.T) {
	f := newFixture(t)
	o := f.paidOrder(t, "o1", line("p1", 1))
	o.Status = models.OrderPending

	_, err := f.svc.Allocate(t.Context(), o)
	require.ErrorIs(t, err, apperr.ErrOrderNotPaid)
}

func TestCloseReturnsUnrevealedKeys(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 2)
	unrevealed := f.paidOrder(t, "o1", line("p1", 1))
	revealed := f.paidOrder(t, "o2", line("p1", 1))
	for _, o := range []*models.Order{unrevealed, revealed} {
		_, err := f.svc.Allocate(t.Context(), o)
		require.NoError(t, err)
	}
	_, err := f.svc.Reveal(t.Context(), "u1", "o2")
	require.NoError(t, err)

	for _, id := range []string{"o1", "o2"} {
		n, err := f.svc.Close(t.Context(), "u1", id)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	}

	counts, err := f.st.CredentialCounts(t.Context(), "p1")
	require.NoError(t, err)
	require.Equal(t, models.CredentialCounts{Available: 1, Redeemed: 1}, counts)
}

func TestRevealReasons(t *testing.T) {
	t.Run("not allocated", func(t *testing.T) {
		f := newFixture(t)
		o := f.paidOrder(t, "o1", line("p1", 1))
		_, err := f.svc.Reveal(t.Context(), "u1", "o1")
		require.ErrorIs(t, err, apperr.ErrNotAllocated)

		_, err = f.svc.Allocate(t.Context(), o)
		require.NoError(t, err)
		_, err = f.svc.Reveal(t.Context(), "u1", "o1")
		require.ErrorIs(t, err, apperr.ErrNotAllocated)
	})

	t.Run("closed", func(t *testing.T) {
		f := newFixture(t)
		f.stock(t, "p1", 1)
		o := f.paidOrder(t, "o1", line("p1", 1))
		_, err := f.svc.Allocate(t.Context(), o)
		require.NoError(t, err)

		n, err := f.svc.Close(t.Context(), "u1", "o1")
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		n, err = f.svc.Close(t.Context(), "u1", "o1")
		require.NoError(t, err)
		require.Zero(t, n)

		_, err = f.svc.Reveal(t.Context(), "u1", "o1")
		require.ErrorIs(t, err, apperr.ErrDeliveryClosed)
		_, err = f.svc.Resend(t.Context(), "u1", "o1", "buyer@example.com")
		require.ErrorIs(t, err, apperr.ErrDeliveryClosed)
	})

	t.Run("unpaid", func(t *testing.T) {
		f := newFixture(t)
		now := f.clock.Now()
		require.NoError(t, f.st.CreateOrder(t.Context(), &models.Order{
			ID: "o1", UserID: "u1", Status: models.OrderPending, Items: []models.LineItem{line("p1", 1)}, CreatedAt: now, UpdatedAt: now,
		}))
		_, err := f.svc.Reveal(t.Context(), "u1", "o1")
		require.ErrorIs(t, err, apperr.ErrOrderNotPaid)
	})

	t.Run("someone else's order", func(t *testing.T) {
		f := newFixture(t)
		f.paidOrder(t, "o1", line("p1", 1))
		_, err := f.svc.Reveal(t.Context(), "u2", "o1")
		require.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = f.svc.Status(t.Context(), "u2", "o1")
		require.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestMultiUnitRevealAndStatus(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 2)
	f.stock(t, "p2", 1)
	o := f.paidOrder(t, "o1", line("p1", 2), line("p2", 1))
	_, err := f.svc.Allocate(t.Context(), o)
	require.NoError(t, err)

	st, err := f.svc.Status(t.Context(), "u1", "o1")
	require.NoError(t, err)
	require.Equal(t, ModeMulti, st.DeliveryMode)
	require.Equal(t, 3, st.DeliveriesCount)
	require.True(t, st.CanReveal)

	got, err := f.svc.Reveal(t.Context(), "u1", "o1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []int{0, 1, 2}, []int{got[0].UnitIndex, got[1].UnitIndex, got[2].UnitIndex})
	require.NotEqual(t, got[0].Key, got[1].Key)
}

func TestResend(t *testing.T) {
	f := newFixture(t)
	keys := f.stock(t, "p1", 1)
	o := f.paidOrder(t, "o1", line("p1", 1))
	_, err := f.svc.Allocate(t.Context(), o)
	require.NoError(t, err)

	_, err = f.svc.Resend(t.Context(), "u1", "o1", "buyer@example.com")
	require.ErrorIs(t, err, apperr.ErrNotRevealed)

	revealed, err := f.svc.Reveal(t.Context(), "u1", "o1")
	require.NoError(t, err)
	deadline := revealed[0].RevealDeadline

	f.clock.Advance(400 * time.Second)
	n, err := f.svc.Resend(t.Context(), "u1", "o1", "buyer@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = f.svc.Resend(t.Context(), "u1", "o1", "buyer@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Len(t, f.mailer.sent, 2)
	require.Equal(t, "buyer@example.com", f.mailer.sent[0].To)
	require.Contains(t, f.mailer.sent[0].Text, keys[0])
	require.Contains(t, f.mailer.sent[0].Subject, "INV-o1")

	st, err := f.svc.Status(t.Context(), "u1", "o1")
	require.NoError(t, err)
	require.True(t, st.Emailed)
	require.Equal(t, ModeSingle, st.DeliveryMode)
	require.Equal(t, deadline, *st.Units[0].RevealDeadline)
	require.Equal(t, models.DeliveryExpired, st.Units[0].State)

	_, err = f.svc.Resend(t.Context(), "u1", "o1", " ")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestResendMailFailureLeavesEmailedUnset(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 1)
	o := f.paidOrder(t, "o1", line("p1", 1))
	_, err := f.svc.Allocate(t.Context(), o)
	require.NoError(t, err)
	_, err = f.svc.Reveal(t.Context(), "u1", "o1")
	require.NoError(t, err)

	f.mailer.err = apperr.ErrUnavailable
	_, err = f.svc.Resend(t.Context(), "u1", "o1", "buyer@example.com")
	require.ErrorIs(t, err, apperr.ErrUnavailable)

	st, err := f.svc.Status(t.Context(), "u1", "o1")
	require.NoError(t, err)
	require.False(t, st.Emailed)
}

func TestSweepExpires(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 1)
	o := f.paidOrder(t, "o1", line("p1", 1))
	_, err := f.svc.Allocate(t.Context(), o)
	require.NoError(t, err)
	_, err = f.svc.Reveal(t.Context(), "u1", "o1")
	require.NoError(t, err)

	res, err := f.svc.Sweep(t.Context())
	require.NoError(t, err)
	require.Zero(t, res.Expired)

	f.clock.Advance(300 * time.Second)
	res, err = f.svc.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Expired)

	ds, err := f.st.ListDeliveries(t.Context(), "o1")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryExpired, ds[0].State)
}

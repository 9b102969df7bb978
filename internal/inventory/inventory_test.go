package inventory

import (
	"sync"
	"testing"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/licensekey"
	"KeyLedger/internal/models"
	"KeyLedger/internal/store/memstore"
	"KeyLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, p *models.Product) (Service, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	require.NoError(t, st.UpsertProduct(t.Context(), p))
	keys, err := licensekey.NewKeyring("0123456789abcdef0123456789abcdef", "kl")
	require.NoError(t, err)
	clock := testutil.NewClock()
	return Service{Store: st, Keys: keys, Now: clock.Now, Logger: testutil.Logger(t)}, st
}

func product() *models.Product {
	return &models.Product{ID: "p1", Name: "Editor Pro", MemberPrice: 60_000, TrackStock: true, LowStockThreshold: 3, Active: true}
}

func TestIntake(t *testing.T) {
	s, st := newService(t, product())

	res, err := s.Intake(t.Context(), "p1", 5, "admin@example.com")
	require.NoError(t, err)
	require.Len(t, res.Keys, 5)
	for _, k := range res.Keys {
		require.NoError(t, s.Keys.Validate(k))
	}
	require.Equal(t, int64(5), res.Summary.Counts.Available)
	require.False(t, res.Summary.LowStock)

	intakes := st.Intakes()
	require.Len(t, intakes, 1)
	require.Equal(t, res.IntakeID, intakes[0].ID)
	require.Equal(t, 5, intakes[0].Quantity)
	require.Equal(t, "admin@example.com", intakes[0].Actor)
}

func TestIntakeRejectsBadInput(t *testing.T) {
	s, _ := newService(t, product())

	for _, qty := range []int{0, -1, MaxIntake + 1} {
		_, err := s.Intake(t.Context(), "p1", qty, "admin")
		require.ErrorIs(t, err, apperr.ErrInvalidInput)
	}

	_, err := s.Intake(t.Context(), "p1", 1, "")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = s.Intake(t.Context(), "missing", 1, "admin")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSummaryFlagsLowStock(t *testing.T) {
	s, _ := newService(t, product())

	_, err := s.Intake(t.Context(), "p1", 3, "admin")
	require.NoError(t, err)

	_, err = s.Reserve(t.Context(), "p1", "o1")
	require.NoError(t, err)

	sum, err := s.Summary(t.Context(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(2), sum.Counts.Available)
	require.Equal(t, int64(1), sum.Counts.Reserved)
	require.Equal(t, int64(3), sum.Total)
	require.True(t, sum.LowStock)
}

func TestSummaryIgnoresThresholdWhenNotTracked(t *testing.T) {
	p := product()
	p.TrackStock = false
	s, _ := newService(t, p)

	sum, err := s.Summary(t.Context(), "p1")
	require.NoError(t, err)
	require.False(t, sum.LowStock)
}

func TestReserveRedeemRelease(t *testing.T) {
	s, _ := newService(t, product())
	res, err := s.Intake(t.Context(), "p1", 1, "admin")
	require.NoError(t, err)

	e, err := s.Reserve(t.Context(), "p1", "o1")
	require.NoError(t, err)
	key, err := s.Open(e)
	require.NoError(t, err)
	require.Equal(t, res.Keys[0], key)

	_, err = s.Reserve(t.Context(), "p1", "o2")
	require.ErrorIs(t, err, apperr.ErrOutOfStock)

	require.NoError(t, s.Release(t.Context(), e.ID, "o1"))
	again, err := s.Reserve(t.Context(), "p1", "o2")
	require.NoError(t, err)
	require.Equal(t, e.ID, again.ID)

	require.NoError(t, s.Redeem(t.Context(), again.ID, "o2"))
	require.NoError(t, s.Redeem(t.Context(), again.ID, "o2"))
	require.ErrorIs(t, s.Redeem(t.Context(), again.ID, "o1"), apperr.ErrDoubleReservation)
}

func TestConcurrentReserveNeverSharesAKey(t *testing.T) {
	s, _ := newService(t, product())
	_, err := s.Intake(t.Context(), "p1", 10, "admin")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]string{}
		empty   int
		errs    []error
	)
	for i := range 30 {
		wg.Add(1)
		go func(order string) {
			defer wg.Done()
			e, err := s.Reserve(t.Context(), "p1", order)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed[e.ID] = order
			case apperr.CodeOf(err) == "out_of_stock":
				empty++
			default:
				errs = append(errs, err)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, claimed, 10)
	require.Equal(t, 20, empty)
}

func TestRevoke(t *testing.T) {
	s, st := newService(t, product())
	_, err := s.Intake(t.Context(), "p1", 2, "admin")
	require.NoError(t, err)

	reserved, err := s.Reserve(t.Context(), "p1", "o1")
	require.NoError(t, err)
	require.ErrorIs(t, s.Revoke(t.Context(), "p1", reserved.ID, "admin"), apperr.ErrInvalidTransition)

	counts, err := st.CredentialCounts(t.Context(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Available)

	var available string
	for _, id := range credentialIDs(t, st, "p1") {
		if id != reserved.ID {
			available = id
		}
	}
	require.NoError(t, s.Revoke(t.Context(), "p1", available, "admin"))

	counts, err = st.CredentialCounts(t.Context(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Revoked)
	require.Zero(t, counts.Available)
}

// credentialIDs reserves and releases every available entry to learn its id.
func credentialIDs(t *testing.T, st *memstore.Store, productID string) []string {
	t.Helper()
	var ids []string
	for {
		e, err := st.ReserveCredential(t.Context(), productID, "probe", testutil.NewClock().Now())
		if err != nil {
			require.ErrorIs(t, err, apperr.ErrOutOfStock)
			break
		}
		ids = append(ids, e.ID)
	}
	for _, id := range ids {
		require.NoError(t, st.ReleaseCredential(t.Context(), id, "probe"))
	}
	return ids
}

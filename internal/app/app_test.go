package app

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/config"
	internalhttp "KeyLedger/internal/http"
	"KeyLedger/internal/models"
	"KeyLedger/internal/services"
	"KeyLedger/internal/store/memstore"
	"KeyLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

const seedDoc = `
products:
  - id: p1
    name: Editor Pro
    member_price: 60000
    active: true
campaigns:
  - id: 2
    code: PROMO5K
    type: fixed
    value: 5000
    quota: 1
    starts_at: 2025-01-01T00:00:00Z
    stack_policy: exclusive
    active: true
`

func TestSeedCatalog(t *testing.T) {
	st := memstore.New()
	p, c, err := SeedCatalog(t.Context(), st, strings.NewReader(seedDoc))
	require.NoError(t, err)
	require.Equal(t, 1, p)
	require.Equal(t, 1, c)

	prod, err := st.GetProduct(t.Context(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(60_000), prod.MemberPrice)

	camp, err := st.GetCampaignByCode(t.Context(), "PROMO5K")
	require.NoError(t, err)
	require.Equal(t, models.Exclusive, camp.StackPolicy)
	require.Equal(t, int64(1), camp.Quota)
}

func TestSeedCatalogRejectsUnknownType(t *testing.T) {
	_, _, err := SeedCatalog(t.Context(), memstore.New(), strings.NewReader("campaigns:\n  - id: 1\n    type: bogo\n"))
	require.ErrorContains(t, err, "unknown type")
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(seedDoc), 0o600))
	cfg, err := config.Parse(strings.NewReader(`
storage: memory
admin:
  token: admin
keys:
  master_secret: 0123456789abcdef
pricing:
  tax_percent: "11"
catalog:
  seed_path: ` + seed + `
`))
	require.NoError(t, err)
	return cfg
}

func TestNewWiresMemoryStack(t *testing.T) {
	a, err := New(t.Context(), memoryConfig(t), testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	o, err := a.Orders.Checkout(t.Context(), services.Cart{UserID: "u1", Items: []services.CartItem{{ProductID: "p1", Qty: 1}}})
	require.NoError(t, err)
	require.Equal(t, int64(66_600), o.Summary.Total)

	_, err = a.Payments.CreatePayment(t.Context(), "u1", o.ID, models.MethodGateway)
	require.ErrorIs(t, err, apperr.ErrGatewayFailure)

	srv := internalhttp.NewServer(a.Handler())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	w := a.Worker()
	require.NoError(t, w.SweepOnce(t.Context()))
}

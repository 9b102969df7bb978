package store_test

import (
	"os"
	"testing"

	"KeyLedger/internal/store"
	"KeyLedger/internal/store/testcontract"
	"KeyLedger/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
)

var _ store.Contract = (*store.Store)(nil)

// testPool migrates the database named by TEST_DATABASE_DSN and empties it.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	pool, err := pgxpool.New(t.Context(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	goose.SetBaseFS(migrations.FS)
	require.NoError(t, goose.SetDialect("pgx"))
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, goose.UpContext(t.Context(), db, "."))
	require.NoError(t, db.Close())

	_, err = pool.Exec(t.Context(), `
		TRUNCATE deliveries, gateway_events, payments, orders, campaigns,
			ledger_entries, wallets, credentials, stock_intakes, products
	`)
	require.NoError(t, err)
	return pool
}

func TestContract(t *testing.T) {
	testcontract.TestStoreContract(t, func(t *testing.T) testcontract.Setup {
		pool := testPool(t)
		return testcontract.Setup{
			Store: store.New(pool),
			SetBalance: func(t *testing.T, walletID string, balance int64) {
				_, err := pool.Exec(t.Context(), `UPDATE wallets SET balance=$2 WHERE id=$1`, walletID, balance)
				require.NoError(t, err)
			},
		}
	})
}

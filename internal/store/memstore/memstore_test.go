package memstore_test

import (
	"testing"

	"KeyLedger/internal/store"
	"KeyLedger/internal/store/memstore"
	"KeyLedger/internal/store/testcontract"
)

var _ store.Contract = (*memstore.Store)(nil)

func TestContract(t *testing.T) {
	testcontract.TestStoreContract(t, func(t *testing.T) testcontract.Setup {
		s := memstore.New()
		return testcontract.Setup{
			Store: s,
			SetBalance: func(t *testing.T, walletID string, balance int64) {
				s.CorruptWalletBalance(walletID, balance)
			},
		}
	})
}

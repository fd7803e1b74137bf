package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"propertyescrow/core/types"
	"propertyescrow/native/escrow"
	"propertyescrow/native/title"
	"propertyescrow/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.MemDB) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })
	return NewManager(db), db
}

func TestAccountRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	addr := [20]byte{0x01}

	acc, err := mgr.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, acc.Balance.Sign())

	require.NoError(t, mgr.PutAccount(addr, &types.Account{Nonce: 3, Balance: big.NewInt(42), RejectsInbound: true}))
	acc, err = mgr.GetAccount(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(3), acc.Nonce)
	require.Equal(t, int64(42), acc.Balance.Int64())
	require.True(t, acc.RejectsInbound)

	require.Error(t, mgr.PutAccount(addr, &types.Account{Balance: big.NewInt(-1)}))
}

func TestTitleSequenceAndHoldings(t *testing.T) {
	mgr, _ := newTestManager(t)
	owner := [20]byte{0x0a}

	first, err := mgr.TitleNextID()
	require.NoError(t, err)
	second, err := mgr.TitleNextID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(2), second)
	supply, err := mgr.TitleSupply()
	require.NoError(t, err)
	require.Equal(t, uint64(2), supply)

	require.NoError(t, mgr.TitlePut(&title.Title{ID: first, Owner: owner, MetadataURI: "ipfs://a", MintedAt: 1_700_000_000}))
	got, ok, err := mgr.TitleGet(first)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, owner, got.Owner)
	require.Equal(t, "ipfs://a", got.MetadataURI)
	require.Equal(t, int64(1_700_000_000), got.MintedAt)

	_, ok, err = mgr.TitleGet(99)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.TitleSetBalance(owner, 2))
	count, err := mgr.TitleBalance(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

func TestListingRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	listing := &escrow.Listing{
		TitleID:          1,
		Buyer:            [20]byte{0x02},
		PurchasePrice:    big.NewInt(20),
		EscrowAmount:     big.NewInt(10),
		Deposit:          big.NewInt(7),
		Listed:           true,
		InspectionPassed: true,
		SellerApproved:   true,
		Status:           escrow.ListingActive,
		ListedAt:         1_700_000_000,
	}
	require.NoError(t, mgr.ListingPut(listing))

	got, ok, err := mgr.ListingGet(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, listing, got)

	// Listed must agree with the status.
	bad := listing.Clone()
	bad.Status = escrow.ListingFinalized
	require.Error(t, mgr.ListingPut(bad))
}

func TestManagerOverJournal(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	addr := [20]byte{0x05}

	journal := storage.NewJournal(db)
	require.NoError(t, NewManager(journal).PutAccount(addr, &types.Account{Balance: big.NewInt(9)}))
	journal.Discard()
	acc, err := NewManager(db).GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, acc.Balance.Sign())

	journal = storage.NewJournal(db)
	require.NoError(t, NewManager(journal).PutAccount(addr, &types.Account{Balance: big.NewInt(9)}))
	require.NoError(t, journal.Commit())
	acc, err = NewManager(db).GetAccount(addr)
	require.NoError(t, err)
	require.Equal(t, int64(9), acc.Balance.Int64())
}

func TestKVHelpers(t *testing.T) {
	mgr, _ := newTestManager(t)
	key := []byte("escrow/index")

	var list [][]byte
	require.NoError(t, mgr.KVGetList(key, &list))
	require.Empty(t, list)

	require.NoError(t, mgr.KVAppend(key, []byte{0x01}))
	require.NoError(t, mgr.KVAppend(key, []byte{0x01}))
	require.NoError(t, mgr.KVAppend(key, []byte{0x02}))
	require.NoError(t, mgr.KVGetList(key, &list))
	require.Equal(t, [][]byte{{0x01}, {0x02}}, list)

	var value uint64
	require.NoError(t, mgr.KVPut([]byte("counter"), uint64(7)))
	ok, err := mgr.KVGet([]byte("counter"), &value)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), value)

	require.NoError(t, mgr.KVDelete([]byte("counter")))
	ok, err = mgr.KVGet([]byte("counter"), &value)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = mgr.KVGet(nil, &value)
	require.Error(t, err)
}

func TestEscrowReservedAndBuyerIndex(t *testing.T) {
	mgr, _ := newTestManager(t)

	reserved, err := mgr.EscrowReserved()
	require.NoError(t, err)
	require.Zero(t, reserved.Sign())

	require.NoError(t, mgr.EscrowSetReserved(big.NewInt(15)))
	reserved, err = mgr.EscrowReserved()
	require.NoError(t, err)
	require.Equal(t, int64(15), reserved.Int64())
	require.Error(t, mgr.EscrowSetReserved(big.NewInt(-1)))

	require.NoError(t, mgr.EscrowSetReserved(big.NewInt(0)))
	reserved, err = mgr.EscrowReserved()
	require.NoError(t, err)
	require.Zero(t, reserved.Sign())

	buyer := [20]byte{0x02}
	ids, err := mgr.ListingsByBuyer(buyer)
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, mgr.ListingIndexBuyer(buyer, 3))
	require.NoError(t, mgr.ListingIndexBuyer(buyer, 1))
	require.NoError(t, mgr.ListingIndexBuyer(buyer, 3))
	ids, err = mgr.ListingsByBuyer(buyer)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 1}, ids)

	ids, err = mgr.ListingsByBuyer([20]byte{0x09})
	require.NoError(t, err)
	require.Empty(t, ids)
}

package core

import (
	"bytes"
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"propertyescrow/core/events"
	coreerrors "propertyescrow/core/errors"
	nhbstate "propertyescrow/core/state"
	"propertyescrow/native/bank"
	"propertyescrow/native/escrow"
	nativecommon "propertyescrow/native/common"
	"propertyescrow/native/title"
	"propertyescrow/storage"
)

const testURI = "https://ipfs.io/ipfs/QmTudSYeM7mz3PkYEWXWqPjomRPHogcMFSq7XAvsvsgAPS"

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt.EventType())
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type parties struct {
	seller, buyer, inspector, lender [20]byte
}

func newTestNode(t *testing.T, db storage.Database) (*Node, parties, *recordingEmitter) {
	t.Helper()
	p := parties{
		seller:    testAddress(0x01),
		buyer:     testAddress(0x02),
		inspector: testAddress(0x03),
		lender:    testAddress(0x04),
	}
	node, err := NewNode(db, escrow.Roles{Seller: p.seller, Inspector: p.inspector, Lender: p.lender})
	require.NoError(t, err)
	node.SetNowFunc(func() int64 { return 1_700_000_000 })
	emitter := &recordingEmitter{}
	node.SetEmitter(emitter)
	return node, p, emitter
}

func fundParties(t *testing.T, db storage.Database, p parties) {
	t.Helper()
	manager := nhbstate.NewManager(db)
	require.NoError(t, bank.Credit(manager, p.buyer, big.NewInt(100)))
	require.NoError(t, bank.Credit(manager, p.lender, big.NewInt(100)))
}

func listTitle(t *testing.T, node *Node, p parties, price, earnest int64) uint64 {
	t.Helper()
	ctx := context.Background()
	id, err := node.TitleMint(ctx, p.seller, testURI)
	require.NoError(t, err)
	require.NoError(t, node.TitleApprove(ctx, p.seller, id, node.EscrowAddress()))
	_, err = node.EscrowList(ctx, p.seller, id, p.buyer, big.NewInt(price), big.NewInt(earnest))
	require.NoError(t, err)
	return id
}

func TestNodeScenarios(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer db.Close()
	node, p, emitter := newTestNode(t, db)
	fundParties(t, db, p)
	ctx := context.Background()

	id := listTitle(t, node, p, 10, 5)
	owner, err := node.TitleOwnerOf(id)
	require.NoError(t, err)
	require.Equal(t, node.EscrowAddress(), owner)

	// Scenario A.
	require.NoError(t, node.EscrowDepositEarnest(ctx, p.buyer, id, big.NewInt(5)))
	balance, err := node.EscrowBalance()
	require.NoError(t, err)
	require.Equal(t, int64(5), balance.Int64())

	// Scenario B.
	require.NoError(t, node.EscrowUpdateInspection(ctx, p.inspector, id, true))
	listing, err := node.EscrowListing(id)
	require.NoError(t, err)
	require.True(t, listing.InspectionPassed)

	// Scenario E: finalize with approvals missing changes nothing.
	err = node.EscrowFinalizeSale(ctx, p.seller, id)
	require.ErrorIs(t, err, coreerrors.ErrPreconditionFailed)
	owner, err = node.TitleOwnerOf(id)
	require.NoError(t, err)
	require.Equal(t, node.EscrowAddress(), owner)

	// Scenario C.
	for _, party := range [][20]byte{p.buyer, p.seller, p.lender} {
		require.NoError(t, node.EscrowApproveSale(ctx, party, id))
		approved, err := node.EscrowApproval(id, party)
		require.NoError(t, err)
		require.True(t, approved)
	}

	// Scenario D.
	require.NoError(t, node.EscrowFund(ctx, p.lender, big.NewInt(5)))
	balance, err = node.EscrowBalance()
	require.NoError(t, err)
	require.Equal(t, int64(10), balance.Int64())
	require.NoError(t, node.EscrowFinalizeSale(ctx, p.seller, id))

	owner, err = node.TitleOwnerOf(id)
	require.NoError(t, err)
	require.Equal(t, p.buyer, owner)
	balance, err = node.EscrowBalance()
	require.NoError(t, err)
	require.Zero(t, balance.Sign())
	sellerBalance, err := node.Balance(p.seller)
	require.NoError(t, err)
	require.Equal(t, int64(10), sellerBalance.Int64())
	listed, err := node.EscrowIsListed(id)
	require.NoError(t, err)
	require.False(t, listed)

	held, err := node.TitleBalanceOf(p.buyer)
	require.NoError(t, err)
	require.Equal(t, uint64(1), held)
	supply, err := node.TitleTotalSupply()
	require.NoError(t, err)
	require.Equal(t, uint64(1), supply)

	emitted := emitter.types()
	require.Equal(t, title.EventTypeTitleMinted, emitted[0])
	require.Equal(t, escrow.EventTypeEscrowFinalized, emitted[len(emitted)-1])
}

func TestNodeDiscardsFailedOperation(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, p, emitter := newTestNode(t, db)
	fundParties(t, db, p)
	ctx := context.Background()

	id := listTitle(t, node, p, 10, 5)
	require.NoError(t, node.EscrowDepositEarnest(ctx, p.buyer, id, big.NewInt(5)))
	require.NoError(t, node.EscrowFund(ctx, p.lender, big.NewInt(5)))
	require.NoError(t, node.EscrowUpdateInspection(ctx, p.inspector, id, true))
	for _, party := range [][20]byte{p.buyer, p.seller, p.lender} {
		require.NoError(t, node.EscrowApproveSale(ctx, party, id))
	}
	require.NoError(t, node.SetRejectsInbound(ctx, p.seller, true))
	before := len(emitter.types())

	err := node.EscrowFinalizeSale(ctx, p.seller, id)
	require.ErrorIs(t, err, coreerrors.ErrTransferFailed)
	require.Len(t, emitter.types(), before)

	owner, err := node.TitleOwnerOf(id)
	require.NoError(t, err)
	require.Equal(t, node.EscrowAddress(), owner)
	balance, err := node.EscrowBalance()
	require.NoError(t, err)
	require.Equal(t, int64(10), balance.Int64())
	listing, err := node.EscrowListing(id)
	require.NoError(t, err)
	require.True(t, listing.Listed)
	require.Equal(t, int64(5), listing.Deposit.Int64())

	// Once the seller accepts value again the same call goes through.
	require.NoError(t, node.SetRejectsInbound(ctx, p.seller, false))
	require.NoError(t, node.EscrowFinalizeSale(ctx, p.seller, id))
}

func TestNodeRejectedMintLeavesNoTrace(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, p, emitter := newTestNode(t, db)

	_, err := node.TitleMint(context.Background(), p.buyer, testURI)
	require.ErrorIs(t, err, coreerrors.ErrUnauthorized)
	require.Zero(t, db.Len())
	require.Empty(t, emitter.types())

	_, err = node.TitleGet(1)
	require.ErrorIs(t, err, coreerrors.ErrNotFound)
}

func TestNodePauses(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, p, _ := newTestNode(t, db)
	fundParties(t, db, p)
	id := listTitle(t, node, p, 10, 5)

	node.SetPauses(nativecommon.NewStaticPauses([]string{escrow.ModuleName}))
	err := node.EscrowDepositEarnest(context.Background(), p.buyer, id, big.NewInt(5))
	require.ErrorIs(t, err, coreerrors.ErrPaused)
	require.Equal(t, "paused", coreerrors.Kind(err))

	listed, err := node.EscrowIsListed(id)
	require.NoError(t, err)
	require.True(t, listed)
}

func TestNodeSerialisesConcurrentDeposits(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	node, p, _ := newTestNode(t, db)
	fundParties(t, db, p)
	id := listTitle(t, node, p, 10, 5)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = node.EscrowDepositEarnest(context.Background(), p.buyer, id, big.NewInt(1))
		}()
	}
	wg.Wait()

	listing, err := node.EscrowListing(id)
	require.NoError(t, err)
	require.Equal(t, int64(20), listing.Deposit.Int64())
	buyerBalance, err := node.Balance(p.buyer)
	require.NoError(t, err)
	require.Equal(t, int64(80), buyerBalance.Int64())
}

func TestNewNodeValidatesRoles(t *testing.T) {
	_, err := NewNode(storage.NewMemDB(), escrow.Roles{Seller: testAddress(0x01)})
	require.Error(t, err)
	_, err = NewNode(nil, escrow.Roles{})
	require.Error(t, err)
}

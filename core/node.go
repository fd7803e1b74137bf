package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"propertyescrow/core/events"
	coreerrors "propertyescrow/core/errors"
	nhbstate "propertyescrow/core/state"
	"propertyescrow/core/types"
	"propertyescrow/crypto"
	"propertyescrow/native/bank"
	nativecommon "propertyescrow/native/common"
	"propertyescrow/native/escrow"
	"propertyescrow/native/title"
	"propertyescrow/observability"
	"propertyescrow/observability/otel"
	"propertyescrow/storage"
)

// Node is the central controller. It owns the database and runs every
// registry and escrow operation one at a time. Each state-changing operation
// executes against a fresh journal which is committed as a single batch on
// success and discarded on failure, so callers never observe a partially
// applied operation. Events are released to the emitter only after commit.
type Node struct {
	db      storage.Database
	roles   escrow.Roles
	pauses  nativecommon.PauseView
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64

	stateMu sync.Mutex
}

// NewNode creates a node over db with fixed escrow roles.
func NewNode(db storage.Database, roles escrow.Roles) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	if err := roles.Validate(); err != nil {
		return nil, err
	}
	return &Node{
		db:      db,
		roles:   roles,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures where committed events are delivered.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if emitter == nil {
		n.emitter = events.NoopEmitter{}
		return
	}
	n.emitter = emitter
}

// SetPauses wires the operator pause switches into both modules.
func (n *Node) SetPauses(p nativecommon.PauseView) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.pauses = p
}

// SetLogger overrides the logger used for operation outcomes.
func (n *Node) SetLogger(logger *slog.Logger) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	n.logger = logger
}

// SetNowFunc overrides the clock stamped onto titles and listings.
func (n *Node) SetNowFunc(now func() int64) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	n.nowFn = now
}

// Roles returns the fixed role assignment.
func (n *Node) Roles() escrow.Roles { return n.roles }

// EscrowAddress returns the custody identity of the escrow engine.
func (n *Node) EscrowAddress() [20]byte {
	return crypto.ModuleAddress(escrow.ModuleName)
}

// RegistryAddress returns the identity of the title registry.
func (n *Node) RegistryAddress() [20]byte {
	return crypto.ModuleAddress(title.ModuleName)
}

// opContext bundles the modules bound to one operation's state view.
type opContext struct {
	manager  *nhbstate.Manager
	registry *title.Registry
	engine   *escrow.Engine
}

func (n *Node) newTitleRegistry(manager *nhbstate.Manager) *title.Registry {
	registry := title.NewRegistry(n.roles.Seller)
	if manager != nil {
		registry.SetState(manager)
	}
	registry.SetPauses(n.pauses)
	registry.SetNowFunc(n.nowFn)
	return registry
}

func (n *Node) newEscrowEngine(manager *nhbstate.Manager, registry *title.Registry) *escrow.Engine {
	if registry == nil {
		registry = n.newTitleRegistry(manager)
	}
	engine := escrow.NewEngine(registry, n.roles)
	if manager != nil {
		engine.SetState(manager)
	}
	engine.SetPauses(n.pauses)
	engine.SetNowFunc(n.nowFn)
	return engine
}

func (n *Node) bind(db storage.Database, emitter events.Emitter) *opContext {
	manager := nhbstate.NewManager(db)
	registry := n.newTitleRegistry(manager)
	registry.SetEmitter(emitter)
	engine := n.newEscrowEngine(manager, registry)
	engine.SetEmitter(emitter)
	return &opContext{manager: manager, registry: registry, engine: engine}
}

// execute runs fn as a single atomic operation.
func (n *Node) execute(ctx context.Context, op string, caller [20]byte, fn func(*opContext) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := otel.Tracer().Start(ctx, op)
	defer span.End()

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	journal := storage.NewJournal(n.db)
	buffer := &events.Buffer{}
	opCtx := n.bind(journal, buffer)

	err := fn(opCtx)
	if err == nil {
		err = journal.Commit()
	} else {
		journal.Discard()
		buffer.Reset()
	}

	kind := coreerrors.Kind(err)
	observability.Escrow().RecordOperation(op, kind)
	span.SetAttributes(attribute.String("outcome", kind))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		level := slog.LevelInfo
		if kind == "internal" {
			level = slog.LevelError
		}
		n.logger.Log(ctx, level, "operation rejected",
			slog.String("op", op),
			slog.String("caller", crypto.FromRaw(caller).String()),
			slog.String("outcome", kind),
			slog.String("error", err.Error()))
		return err
	}

	n.logger.Debug("operation committed", slog.String("op", op), slog.String("outcome", kind))
	if balance, balErr := opCtx.engine.Balance(); balErr == nil {
		observability.Escrow().SetVaultBalance(balance)
	}
	buffer.Flush(committedEmitter{next: n.emitter})
	return nil
}

// view runs fn against committed state. Views never write.
func (n *Node) view(fn func(*opContext) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return fn(n.bind(n.db, events.NoopEmitter{}))
}

type committedEmitter struct {
	next events.Emitter
}

func (c committedEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	observability.Events().RecordEvent(evt.EventType())
	switch evt.EventType() {
	case escrow.EventTypeEscrowFinalized:
		observability.Escrow().RecordSettlement("finalized")
	case escrow.EventTypeEscrowCancelled:
		observability.Escrow().RecordSettlement("cancelled")
	}
	if c.next != nil {
		c.next.Emit(evt)
	}
}

// TitleMint mints a new title to the caller.
func (n *Node) TitleMint(ctx context.Context, caller [20]byte, metadataURI string) (uint64, error) {
	var id uint64
	err := n.execute(ctx, "title_mint", caller, func(op *opContext) error {
		minted, err := op.registry.Mint(caller, metadataURI)
		id = minted
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// TitleApprove lets the owner grant delegate a transfer right.
func (n *Node) TitleApprove(ctx context.Context, caller [20]byte, id uint64, delegate [20]byte) error {
	return n.execute(ctx, "title_approve", caller, func(op *opContext) error {
		return op.registry.Approve(caller, id, delegate)
	})
}

// TitleTransferFrom moves a title on behalf of its owner or delegate.
func (n *Node) TitleTransferFrom(ctx context.Context, caller, from, to [20]byte, id uint64) error {
	return n.execute(ctx, "title_transferFrom", caller, func(op *opContext) error {
		return op.registry.TransferFrom(caller, from, to, id)
	})
}

// TitleGet returns the stored title.
func (n *Node) TitleGet(id uint64) (*title.Title, error) {
	var out *title.Title
	err := n.view(func(op *opContext) error {
		t, err := op.registry.Get(id)
		out = t
		return err
	})
	return out, err
}

// TitleOwnerOf returns the current owner of the title.
func (n *Node) TitleOwnerOf(id uint64) ([20]byte, error) {
	var owner [20]byte
	err := n.view(func(op *opContext) error {
		o, err := op.registry.OwnerOf(id)
		owner = o
		return err
	})
	return owner, err
}

// TitleTokenURI returns the metadata URI recorded for the title.
func (n *Node) TitleTokenURI(id uint64) (string, error) {
	var uri string
	err := n.view(func(op *opContext) error {
		u, err := op.registry.TokenURI(id)
		uri = u
		return err
	})
	return uri, err
}

// TitleGetApproved returns the delegate approved for the title, if any.
func (n *Node) TitleGetApproved(id uint64) ([20]byte, error) {
	var delegate [20]byte
	err := n.view(func(op *opContext) error {
		d, err := op.registry.GetApproved(id)
		delegate = d
		return err
	})
	return delegate, err
}

// TitleBalanceOf returns the number of titles held by owner.
func (n *Node) TitleBalanceOf(owner [20]byte) (uint64, error) {
	var count uint64
	err := n.view(func(op *opContext) error {
		c, err := op.registry.BalanceOf(owner)
		count = c
		return err
	})
	return count, err
}

// TitleTotalSupply returns the number of titles minted.
func (n *Node) TitleTotalSupply() (uint64, error) {
	var supply uint64
	err := n.view(func(op *opContext) error {
		s, err := op.registry.TotalSupply()
		supply = s
		return err
	})
	return supply, err
}

// EscrowList places a seller-approved title into custody for buyer.
func (n *Node) EscrowList(ctx context.Context, caller [20]byte, id uint64, buyer [20]byte, purchasePrice, escrowAmount *big.Int) (*escrow.Listing, error) {
	var listing *escrow.Listing
	err := n.execute(ctx, "escrow_list", caller, func(op *opContext) error {
		l, err := op.engine.List(caller, id, buyer, purchasePrice, escrowAmount)
		listing = l
		return err
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// EscrowDepositEarnest moves the buyer's earnest deposit into custody.
func (n *Node) EscrowDepositEarnest(ctx context.Context, caller [20]byte, id uint64, amount *big.Int) error {
	return n.execute(ctx, "escrow_depositEarnest", caller, func(op *opContext) error {
		return op.engine.DepositEarnest(caller, id, amount)
	})
}

// EscrowFund sends value to the engine's pooled balance.
func (n *Node) EscrowFund(ctx context.Context, caller [20]byte, amount *big.Int) error {
	return n.execute(ctx, "escrow_fund", caller, func(op *opContext) error {
		return op.engine.Receive(caller, amount)
	})
}

// EscrowUpdateInspection records the inspector's verdict.
func (n *Node) EscrowUpdateInspection(ctx context.Context, caller [20]byte, id uint64, passed bool) error {
	return n.execute(ctx, "escrow_updateInspection", caller, func(op *opContext) error {
		return op.engine.UpdateInspectionStatus(caller, id, passed)
	})
}

// EscrowApproveSale records the caller's consent to the sale.
func (n *Node) EscrowApproveSale(ctx context.Context, caller [20]byte, id uint64) error {
	return n.execute(ctx, "escrow_approveSale", caller, func(op *opContext) error {
		return op.engine.ApproveSale(caller, id)
	})
}

// EscrowFinalizeSale settles the sale.
func (n *Node) EscrowFinalizeSale(ctx context.Context, caller [20]byte, id uint64) error {
	return n.execute(ctx, "escrow_finalizeSale", caller, func(op *opContext) error {
		return op.engine.FinalizeSale(caller, id)
	})
}

// EscrowCancelSale unwinds an active listing.
func (n *Node) EscrowCancelSale(ctx context.Context, caller [20]byte, id uint64) error {
	return n.execute(ctx, "escrow_cancelSale", caller, func(op *opContext) error {
		return op.engine.CancelSale(caller, id)
	})
}

// EscrowListing returns the most recent listing for the title.
func (n *Node) EscrowListing(id uint64) (*escrow.Listing, error) {
	var listing *escrow.Listing
	err := n.view(func(op *opContext) error {
		l, err := op.engine.Listing(id)
		listing = l
		return err
	})
	return listing, err
}

// EscrowIsListed reports whether the title has an active listing.
func (n *Node) EscrowIsListed(id uint64) (bool, error) {
	var listed bool
	err := n.view(func(op *opContext) error {
		l, err := op.engine.IsListed(id)
		listed = l
		return err
	})
	return listed, err
}

// EscrowBalance returns the engine's pooled balance.
func (n *Node) EscrowBalance() (*big.Int, error) {
	var balance *big.Int
	err := n.view(func(op *opContext) error {
		b, err := op.engine.Balance()
		balance = b
		return err
	})
	return balance, err
}

// EscrowApproval reports whether party approved the title's listing.
func (n *Node) EscrowApproval(id uint64, party [20]byte) (bool, error) {
	var approved bool
	err := n.view(func(op *opContext) error {
		a, err := op.engine.Approval(id, party)
		approved = a
		return err
	})
	return approved, err
}

// EscrowReserved returns the earnest held for active listings.
func (n *Node) EscrowReserved() (*big.Int, error) {
	var reserved *big.Int
	err := n.view(func(op *opContext) error {
		r, err := op.engine.Reserved()
		reserved = r
		return err
	})
	return reserved, err
}

// EscrowListingsForBuyer returns every title that has been listed for buyer.
func (n *Node) EscrowListingsForBuyer(buyer [20]byte) ([]uint64, error) {
	var ids []uint64
	err := n.view(func(op *opContext) error {
		out, err := op.engine.ListingsForBuyer(buyer)
		ids = out
		return err
	})
	return ids, err
}

// GetAccount returns the ledger account for addr.
func (n *Node) GetAccount(addr [20]byte) (*types.Account, error) {
	var account *types.Account
	err := n.view(func(op *opContext) error {
		acc, err := op.manager.GetAccount(addr)
		account = acc
		return err
	})
	return account, err
}

// Balance returns the spendable balance of addr.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.view(func(op *opContext) error {
		b, err := bank.Balance(op.manager, addr)
		balance = b
		return err
	})
	return balance, err
}

// SetRejectsInbound flags addr as refusing incoming value. Operators use it
// to model recipients that cannot accept funds.
func (n *Node) SetRejectsInbound(ctx context.Context, addr [20]byte, rejects bool) error {
	return n.execute(ctx, "bank_setRejectsInbound", addr, func(op *opContext) error {
		return bank.SetRejectsInbound(op.manager, addr, rejects)
	})
}

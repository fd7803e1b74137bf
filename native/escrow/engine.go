package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"propertyescrow/core/events"
	coreerrors "propertyescrow/core/errors"
	"propertyescrow/core/types"
	"propertyescrow/crypto"
	"propertyescrow/native/bank"
	nativecommon "propertyescrow/native/common"
)

// ModuleName identifies the engine for pause checks and its custody address.
const ModuleName = "escrow"

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilRegistry = errors.New("escrow engine: title registry not configured")
)

type engineState interface {
	bank.AccountState
	ListingPut(*Listing) error
	ListingGet(titleID uint64) (*Listing, bool, error)
	EscrowReserved() (*big.Int, error)
	EscrowSetReserved(amount *big.Int) error
	ListingIndexBuyer(buyer [20]byte, titleID uint64) error
	ListingsByBuyer(buyer [20]byte) ([]uint64, error)
}

// TitleRegistry is the slice of the title registry the engine relies on.
type TitleRegistry interface {
	OwnerOf(id uint64) ([20]byte, error)
	TransferFrom(caller, from, to [20]byte, id uint64) error
	Address() [20]byte
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the custodian for title sales. It holds titles in its own name
// while a listing is active and keeps every party's funds in a single pooled
// account until settlement or cancellation.
//
// Earnest deposits of active listings are reserved: FinalizeSale never pays
// out value that another active listing would need to refund.
//
// Each method validates every precondition against current state before its
// first write, and performs the fallible value transfer before any escrow
// bookkeeping is updated. Callers that need all-or-nothing semantics across
// storage failures run the method inside a state journal (see core.Node).
type Engine struct {
	state    engineState
	registry TitleRegistry
	roles    Roles
	address  [20]byte
	emitter  events.Emitter
	nowFn    func() int64
	pauses   nativecommon.PauseView
}

// NewEngine creates an escrow engine bound to registry with fixed roles.
func NewEngine(registry TitleRegistry, roles Roles) *Engine {
	return &Engine{
		registry: registry,
		roles:    roles,
		address:  crypto.ModuleAddress(ModuleName),
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPauses wires the pause view consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Address returns the custody identity of the engine.
func (e *Engine) Address() [20]byte { return e.address }

// Roles returns the fixed role assignment.
func (e *Engine) Roles() Roles { return e.roles }

// RegistryAddress returns the identity of the title registry in use.
func (e *Engine) RegistryAddress() [20]byte {
	if e == nil || e.registry == nil {
		return [20]byte{}
	}
	return e.registry.Address()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.registry == nil {
		return errNilRegistry
	}
	return nil
}

func (e *Engine) mutable() error {
	if err := e.ready(); err != nil {
		return err
	}
	return nativecommon.Guard(e.pauses, ModuleName)
}

func (e *Engine) loadListing(titleID uint64) (*Listing, error) {
	listing, ok, err := e.state.ListingGet(titleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("escrow: title %d never listed: %w", titleID, coreerrors.ErrNotFound)
	}
	return listing, nil
}

// activeListing loads the title's listing for a mutation. A title that exists
// but has no open listing fails the precondition; only a missing title is
// reported as not found.
func (e *Engine) activeListing(titleID uint64) (*Listing, error) {
	listing, ok, err := e.state.ListingGet(titleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := e.registry.OwnerOf(titleID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("escrow: title %d not listed: %w", titleID, coreerrors.ErrPreconditionFailed)
	}
	if !listing.Listed {
		return nil, fmt.Errorf("escrow: title %d is %s: %w", titleID, listing.Status, coreerrors.ErrPreconditionFailed)
	}
	return listing, nil
}

func (e *Engine) storeListing(listing *Listing) error {
	return e.state.ListingPut(listing)
}

// move transfers value through the ledger and reports the movement.
func (e *Engine) move(from, to [20]byte, amount *big.Int, memo string) error {
	if err := bank.Transfer(e.state, from, to, amount); err != nil {
		return err
	}
	if amount.Sign() > 0 && from != to {
		e.emitter.Emit(events.Transfer{From: from, To: to, Amount: cloneBigInt(amount), Memo: memo})
	}
	return nil
}

func (e *Engine) engineBalance() (*big.Int, error) {
	return bank.Balance(e.state, e.address)
}

// release lowers the reserved earnest total by amount.
func (e *Engine) release(amount *big.Int) error {
	reserved, err := e.state.EscrowReserved()
	if err != nil {
		return err
	}
	reserved.Sub(reserved, amount)
	if reserved.Sign() < 0 {
		reserved.SetInt64(0)
	}
	return e.state.EscrowSetReserved(reserved)
}

// List takes custody of the title and opens a listing for buyer. The seller
// must have approved the engine on the registry beforehand.
func (e *Engine) List(caller [20]byte, titleID uint64, buyer [20]byte, purchasePrice, escrowAmount *big.Int) (*Listing, error) {
	if err := e.mutable(); err != nil {
		return nil, err
	}
	if caller != e.roles.Seller {
		return nil, fmt.Errorf("escrow: list restricted to seller: %w", coreerrors.ErrUnauthorized)
	}
	price := cloneBigInt(purchasePrice)
	earnest := cloneBigInt(escrowAmount)
	if price.Sign() < 0 || earnest.Sign() < 0 {
		return nil, fmt.Errorf("escrow: amounts must be non-negative: %w", coreerrors.ErrPreconditionFailed)
	}
	if buyer == ([20]byte{}) || e.roles.Holds(buyer) || buyer == e.address {
		return nil, fmt.Errorf("escrow: buyer must be a distinct party: %w", coreerrors.ErrPreconditionFailed)
	}
	existing, ok, err := e.state.ListingGet(titleID)
	if err != nil {
		return nil, err
	}
	if ok && existing.Listed {
		return nil, fmt.Errorf("escrow: title %d already listed: %w", titleID, coreerrors.ErrPreconditionFailed)
	}
	if err := e.registry.TransferFrom(e.address, e.roles.Seller, e.address, titleID); err != nil {
		if errors.Is(err, coreerrors.ErrNotFound) || errors.Is(err, coreerrors.ErrPaused) {
			return nil, fmt.Errorf("escrow: list: %w", err)
		}
		return nil, fmt.Errorf("escrow: custody transfer rejected (%v): %w", err, coreerrors.ErrPreconditionFailed)
	}
	listing := &Listing{
		TitleID:       titleID,
		Buyer:         buyer,
		PurchasePrice: price,
		EscrowAmount:  earnest,
		Deposit:       big.NewInt(0),
		Listed:        true,
		Status:        ListingActive,
		ListedAt:      e.now(),
	}
	if err := e.storeListing(listing); err != nil {
		return nil, err
	}
	if err := e.state.ListingIndexBuyer(buyer, titleID); err != nil {
		return nil, err
	}
	e.emit(NewListedEvent(listing))
	return listing.Clone(), nil
}

// DepositEarnest moves amount from the listing's buyer into custody and
// credits it to the title. The amount is not checked against EscrowAmount;
// sufficiency is only enforced by FinalizeSale.
func (e *Engine) DepositEarnest(caller [20]byte, titleID uint64, amount *big.Int) error {
	if err := e.mutable(); err != nil {
		return err
	}
	listing, err := e.activeListing(titleID)
	if err != nil {
		return err
	}
	if caller != listing.Buyer {
		return fmt.Errorf("escrow: deposit restricted to buyer: %w", coreerrors.ErrUnauthorized)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative deposit: %w", coreerrors.ErrPreconditionFailed)
	}
	if err := e.move(caller, e.address, amt, "earnest"); err != nil {
		return fmt.Errorf("escrow: deposit: %w", err)
	}
	listing.Deposit = new(big.Int).Add(cloneBigInt(listing.Deposit), amt)
	if err := e.storeListing(listing); err != nil {
		return err
	}
	reserved, err := e.state.EscrowReserved()
	if err != nil {
		return err
	}
	if err := e.state.EscrowSetReserved(reserved.Add(reserved, amt)); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(listing, caller, amt.String()))
	return nil
}

// Receive accepts a direct value transfer into the engine's pooled balance,
// typically the lender's funding.
func (e *Engine) Receive(caller [20]byte, amount *big.Int) error {
	if err := e.mutable(); err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative funding: %w", coreerrors.ErrPreconditionFailed)
	}
	if err := e.move(caller, e.address, amt, "funding"); err != nil {
		return fmt.Errorf("escrow: fund: %w", err)
	}
	e.emit(NewFundedEvent(caller, amt.String()))
	return nil
}

// UpdateInspectionStatus records the inspector's verdict. The last report
// wins.
func (e *Engine) UpdateInspectionStatus(caller [20]byte, titleID uint64, passed bool) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if caller != e.roles.Inspector {
		return fmt.Errorf("escrow: inspection restricted to inspector: %w", coreerrors.ErrUnauthorized)
	}
	listing, err := e.activeListing(titleID)
	if err != nil {
		return err
	}
	listing.InspectionPassed = passed
	if err := e.storeListing(listing); err != nil {
		return err
	}
	e.emit(NewInspectionEvent(listing))
	return nil
}

// ApproveSale records the caller's consent. Only the listing's buyer, the
// seller and the lender may approve; repeating an approval is a no-op.
func (e *Engine) ApproveSale(caller [20]byte, titleID uint64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	listing, err := e.activeListing(titleID)
	if err != nil {
		return err
	}
	var flag *bool
	switch caller {
	case listing.Buyer:
		flag = &listing.BuyerApproved
	case e.roles.Seller:
		flag = &listing.SellerApproved
	case e.roles.Lender:
		flag = &listing.LenderApproved
	default:
		return fmt.Errorf("escrow: approval restricted to buyer, seller or lender: %w", coreerrors.ErrUnauthorized)
	}
	if *flag {
		return nil
	}
	*flag = true
	if err := e.storeListing(listing); err != nil {
		return err
	}
	e.emit(NewApprovedEvent(listing, caller))
	return nil
}

// FinalizeSale pays the purchase price to the seller and hands the title to
// the buyer. All gates are evaluated first; the payout is attempted before
// the title moves or the listing is closed, so a refused payout changes
// nothing.
func (e *Engine) FinalizeSale(caller [20]byte, titleID uint64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if caller != e.roles.Seller {
		return fmt.Errorf("escrow: finalize restricted to seller: %w", coreerrors.ErrUnauthorized)
	}
	listing, err := e.activeListing(titleID)
	if err != nil {
		return err
	}
	if !listing.InspectionPassed {
		return fmt.Errorf("escrow: title %d inspection not passed: %w", titleID, coreerrors.ErrPreconditionFailed)
	}
	if !listing.FullyApproved() {
		return fmt.Errorf("escrow: title %d lacks buyer, seller and lender approval: %w", titleID, coreerrors.ErrPreconditionFailed)
	}
	balance, err := e.engineBalance()
	if err != nil {
		return err
	}
	price := cloneBigInt(listing.PurchasePrice)
	if balance.Cmp(price) < 0 {
		return fmt.Errorf("escrow: custodied balance %s below purchase price %s: %w", balance, price, coreerrors.ErrPreconditionFailed)
	}
	reserved, err := e.state.EscrowReserved()
	if err != nil {
		return err
	}
	deposit := cloneBigInt(listing.Deposit)
	heldForOthers := new(big.Int).Sub(reserved, deposit)
	if heldForOthers.Sign() > 0 {
		available := new(big.Int).Sub(balance, heldForOthers)
		if available.Cmp(price) < 0 {
			return fmt.Errorf("escrow: %s of the balance is earnest for other listings, %s available below purchase price %s: %w", heldForOthers, available, price, coreerrors.ErrPreconditionFailed)
		}
	}
	owner, err := e.registry.OwnerOf(titleID)
	if err != nil {
		return err
	}
	if owner != e.address {
		return fmt.Errorf("escrow: title %d not in custody: %w", titleID, coreerrors.ErrPreconditionFailed)
	}
	if err := e.move(e.address, e.roles.Seller, price, "purchase"); err != nil {
		return fmt.Errorf("escrow: disburse to seller: %w", err)
	}
	if err := e.registry.TransferFrom(e.address, e.address, listing.Buyer, titleID); err != nil {
		return fmt.Errorf("escrow: release title: %w", err)
	}
	listing.Listed = false
	listing.Status = ListingFinalized
	listing.Deposit = big.NewInt(0)
	listing.ClosedAt = e.now()
	if err := e.storeListing(listing); err != nil {
		return err
	}
	if err := e.release(deposit); err != nil {
		return err
	}
	e.emit(NewFinalizedEvent(listing, e.roles.Seller))
	return nil
}

// CancelSale closes an active listing without settlement and returns the
// title to the seller. The title's earnest deposit goes back to the buyer,
// except when the buyer withdraws after a passed inspection, in which case it
// is forfeited to the seller.
func (e *Engine) CancelSale(caller [20]byte, titleID uint64) error {
	if err := e.mutable(); err != nil {
		return err
	}
	listing, err := e.activeListing(titleID)
	if err != nil {
		return err
	}
	if caller != listing.Buyer && caller != e.roles.Seller {
		return fmt.Errorf("escrow: cancel restricted to buyer or seller: %w", coreerrors.ErrUnauthorized)
	}
	owner, err := e.registry.OwnerOf(titleID)
	if err != nil {
		return err
	}
	if owner != e.address {
		return fmt.Errorf("escrow: title %d not in custody: %w", titleID, coreerrors.ErrPreconditionFailed)
	}
	recipient := listing.Buyer
	if caller == listing.Buyer && listing.InspectionPassed {
		recipient = e.roles.Seller
	}
	deposit := cloneBigInt(listing.Deposit)
	memo := "refund"
	if recipient != listing.Buyer {
		memo = "forfeit"
	}
	if err := e.move(e.address, recipient, deposit, memo); err != nil {
		return fmt.Errorf("escrow: settle earnest: %w", err)
	}
	if err := e.registry.TransferFrom(e.address, e.address, e.roles.Seller, titleID); err != nil {
		return fmt.Errorf("escrow: return title: %w", err)
	}
	listing.Listed = false
	listing.Status = ListingCancelled
	listing.Deposit = big.NewInt(0)
	listing.ClosedAt = e.now()
	if err := e.storeListing(listing); err != nil {
		return err
	}
	if err := e.release(deposit); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(listing, recipient, deposit.String()))
	return nil
}

// Balance returns the total value held by the engine across all titles.
func (e *Engine) Balance() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.engineBalance()
}

// Listing returns a copy of the most recent listing for the title.
func (e *Engine) Listing(titleID uint64) (*Listing, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	listing, err := e.loadListing(titleID)
	if err != nil {
		return nil, err
	}
	return listing.Clone(), nil
}

// IsListed reports whether the title currently has an active listing.
func (e *Engine) IsListed(titleID uint64) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	listing, ok, err := e.state.ListingGet(titleID)
	if err != nil {
		return false, err
	}
	return ok && listing.Listed, nil
}

// Reserved returns the earnest currently held for active listings.
func (e *Engine) Reserved() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.EscrowReserved()
}

// ListingsForBuyer returns the titles that have ever been listed for buyer.
func (e *Engine) ListingsForBuyer(buyer [20]byte) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.ListingsByBuyer(buyer)
}

// Approval reports whether party has approved the title's current listing.
func (e *Engine) Approval(titleID uint64, party [20]byte) (bool, error) {
	listing, err := e.Listing(titleID)
	if err != nil {
		return false, err
	}
	switch party {
	case listing.Buyer:
		return listing.BuyerApproved, nil
	case e.roles.Seller:
		return listing.SellerApproved, nil
	case e.roles.Lender:
		return listing.LenderApproved, nil
	default:
		return false, nil
	}
}

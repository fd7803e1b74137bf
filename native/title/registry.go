package title

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"propertyescrow/core/events"
	coreerrors "propertyescrow/core/errors"
	"propertyescrow/core/types"
	"propertyescrow/crypto"
	nativecommon "propertyescrow/native/common"
)

// ModuleName is used for the registry's custody-free module address.
const ModuleName = "title"

var errNilState = errors.New("title registry: state not configured")

type registryState interface {
	TitlePut(*Title) error
	TitleGet(id uint64) (*Title, bool, error)
	TitleNextID() (uint64, error)
	TitleSupply() (uint64, error)
	TitleBalance(owner [20]byte) (uint64, error)
	TitleSetBalance(owner [20]byte, count uint64) error
}

// Registry issues title records and arbitrates their ownership. It never
// calls back into the components that consume it.
type Registry struct {
	state   registryState
	minter  [20]byte
	address [20]byte
	emitter events.Emitter
	nowFn   func() int64
	pauses  nativecommon.PauseView
}

// NewRegistry creates a registry whose mint operation is restricted to minter.
func NewRegistry(minter [20]byte) *Registry {
	return &Registry{
		minter:  minter,
		address: crypto.ModuleAddress(ModuleName),
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the registry.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// SetPauses wires the pause view consulted before every mutation.
func (r *Registry) SetPauses(p nativecommon.PauseView) { r.pauses = p }

// Address returns the registry's own identity.
func (r *Registry) Address() [20]byte { return r.address }

// Minter returns the only identity allowed to mint.
func (r *Registry) Minter() [20]byte { return r.minter }

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(titleEvent{evt: evt})
}

func (r *Registry) now() int64 {
	if r == nil || r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

func (r *Registry) guard() error {
	if r == nil || r.state == nil {
		return errNilState
	}
	return nativecommon.Guard(r.pauses, ModuleName)
}

func (r *Registry) load(id uint64) (*Title, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	t, ok, err := r.state.TitleGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("title: %d: %w", id, coreerrors.ErrNotFound)
	}
	return t, nil
}

// Mint creates a new title owned by caller and returns its identifier.
func (r *Registry) Mint(caller [20]byte, metadataURI string) (uint64, error) {
	if err := r.guard(); err != nil {
		return 0, err
	}
	if r.minter == ([20]byte{}) || caller != r.minter {
		return 0, fmt.Errorf("title: mint restricted to seller: %w", coreerrors.ErrUnauthorized)
	}
	uri := strings.TrimSpace(metadataURI)
	if err := validateMetadataURI(uri); err != nil {
		return 0, fmt.Errorf("title: %v: %w", err, coreerrors.ErrPreconditionFailed)
	}
	id, err := r.state.TitleNextID()
	if err != nil {
		return 0, err
	}
	t := &Title{
		ID:          id,
		Owner:       caller,
		MetadataURI: uri,
		MintedAt:    r.now(),
	}
	if err := r.state.TitlePut(t); err != nil {
		return 0, err
	}
	if err := r.adjustBalance(caller, 1); err != nil {
		return 0, err
	}
	r.emit(NewMintedEvent(t))
	return id, nil
}

// Get returns a copy of the stored title.
func (r *Registry) Get(id uint64) (*Title, error) {
	t, err := r.load(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// OwnerOf returns the current owner of the title.
func (r *Registry) OwnerOf(id uint64) ([20]byte, error) {
	t, err := r.load(id)
	if err != nil {
		return [20]byte{}, err
	}
	return t.Owner, nil
}

// TokenURI returns the metadata locator fixed at mint time.
func (r *Registry) TokenURI(id uint64) (string, error) {
	t, err := r.load(id)
	if err != nil {
		return "", err
	}
	return t.MetadataURI, nil
}

// GetApproved returns the delegate approved for the title, or the zero
// identity when none is set.
func (r *Registry) GetApproved(id uint64) ([20]byte, error) {
	t, err := r.load(id)
	if err != nil {
		return [20]byte{}, err
	}
	return t.Approved, nil
}

// TotalSupply returns the number of titles ever minted.
func (r *Registry) TotalSupply() (uint64, error) {
	if r == nil || r.state == nil {
		return 0, errNilState
	}
	return r.state.TitleSupply()
}

// BalanceOf returns the number of titles held by owner.
func (r *Registry) BalanceOf(owner [20]byte) (uint64, error) {
	if r == nil || r.state == nil {
		return 0, errNilState
	}
	return r.state.TitleBalance(owner)
}

// Approve grants delegate a one-time right to transfer the title. Only the
// current owner may approve; the zero identity clears the approval.
func (r *Registry) Approve(caller [20]byte, id uint64, delegate [20]byte) error {
	if err := r.guard(); err != nil {
		return err
	}
	t, err := r.load(id)
	if err != nil {
		return err
	}
	if caller != t.Owner {
		return fmt.Errorf("title: %d: approve by non-owner: %w", id, coreerrors.ErrUnauthorized)
	}
	t.Approved = delegate
	if err := r.state.TitlePut(t); err != nil {
		return err
	}
	r.emit(NewApprovedEvent(t))
	return nil
}

// TransferFrom moves the title from its current owner to a new identity. The
// caller must be the owner or the approved delegate, and from must match the
// owner of record. Any approval is cleared by the transfer.
func (r *Registry) TransferFrom(caller, from, to [20]byte, id uint64) error {
	if err := r.guard(); err != nil {
		return err
	}
	t, err := r.load(id)
	if err != nil {
		return err
	}
	if from != t.Owner {
		return fmt.Errorf("title: %d: transfer from non-owner: %w", id, coreerrors.ErrUnauthorized)
	}
	if caller != from && (!t.HasApproval() || caller != t.Approved) {
		return fmt.Errorf("title: %d: caller not owner or approved: %w", id, coreerrors.ErrUnauthorized)
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("title: %d: transfer to zero identity: %w", id, coreerrors.ErrPreconditionFailed)
	}
	t.Owner = to
	t.Approved = [20]byte{}
	if err := r.state.TitlePut(t); err != nil {
		return err
	}
	if from != to {
		if err := r.adjustBalance(from, -1); err != nil {
			return err
		}
		if err := r.adjustBalance(to, 1); err != nil {
			return err
		}
	}
	r.emit(NewTransferredEvent(t, from))
	return nil
}

func (r *Registry) adjustBalance(owner [20]byte, delta int) error {
	current, err := r.state.TitleBalance(owner)
	if err != nil {
		return err
	}
	switch {
	case delta > 0:
		current += uint64(delta)
	case uint64(-delta) > current:
		return fmt.Errorf("title: balance underflow for %s", crypto.FromRaw(owner).String())
	default:
		current -= uint64(-delta)
	}
	return r.state.TitleSetBalance(owner, current)
}

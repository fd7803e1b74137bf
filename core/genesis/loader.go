package genesis

import (
	"fmt"

	"propertyescrow/core/events"
	"propertyescrow/core/state"
	"propertyescrow/native/bank"
	"propertyescrow/native/escrow"
	"propertyescrow/native/title"
	"propertyescrow/storage"
)

var appliedKey = []byte("genesis/applied")

// Result summarises what Apply wrote.
type Result struct {
	Applied  bool
	Accounts int
	TitleIDs []uint64
}

// Apply writes the spec into db unless a previous run already did. Every
// allocation and seed lands in a single batch, so a failure leaves db
// untouched. Events from seeding are delivered to emitter after the commit.
func Apply(db storage.Database, roles escrow.Roles, spec *Spec, emitter events.Emitter) (*Result, error) {
	if db == nil {
		return nil, fmt.Errorf("genesis: database must not be nil")
	}
	if err := roles.Validate(); err != nil {
		return nil, err
	}
	allocs, seeds, err := spec.resolve()
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	journal := storage.NewJournal(db)
	manager := state.NewManager(journal)
	applied, err := manager.KVGet(appliedKey, nil)
	if err != nil {
		journal.Discard()
		return nil, err
	}
	if applied {
		journal.Discard()
		return &Result{}, nil
	}

	buffer := &events.Buffer{}
	registry := title.NewRegistry(roles.Seller)
	registry.SetState(manager)
	registry.SetEmitter(buffer)
	engine := escrow.NewEngine(registry, roles)
	engine.SetState(manager)
	engine.SetEmitter(buffer)

	result := &Result{Applied: true}
	apply := func() error {
		for _, alloc := range allocs {
			if err := bank.Credit(manager, alloc.addr, alloc.balance); err != nil {
				return err
			}
			result.Accounts++
		}
		// Mint everything first, then approve and list, matching the order a
		// seller would follow when bootstrapping by hand.
		ids := make([]uint64, 0, len(seeds))
		for _, s := range seeds {
			id, err := registry.Mint(roles.Seller, s.uri)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		for i, s := range seeds {
			id := ids[i]
			if err := registry.Approve(roles.Seller, id, engine.Address()); err != nil {
				return err
			}
			if _, err := engine.List(roles.Seller, id, s.buyer, s.purchasePrice, s.escrowAmount); err != nil {
				return fmt.Errorf("seed title %d: %w", id, err)
			}
		}
		result.TitleIDs = ids
		return manager.KVPut(appliedKey, uint64(1))
	}
	if err := apply(); err != nil {
		journal.Discard()
		return nil, fmt.Errorf("genesis: %w", err)
	}
	if err := journal.Commit(); err != nil {
		return nil, fmt.Errorf("genesis: commit: %w", err)
	}
	buffer.Flush(emitter)
	return result, nil
}

package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var ErrNotInLocation = errors.New("Item is not in the expected location")
var ErrUnknownItem = errors.New("Unknown item")

// Pool is the in-memory index of where every item lives.
// All moves go through the Pool, which mirrors them onto the ItemStore.
// An item is only recorded in its new location once the store has moved it.
type Pool struct {
	store ItemStore

	lock  sync.Mutex // Guards 'where'
	where map[ItemID]Location
}

func NewPool(store ItemStore) *Pool {
	return &Pool{
		store: store,
		where: map[ItemID]Location{},
	}
}

// Add records that an item is in a location. It does not touch the store.
func (p *Pool) Add(id ItemID, loc Location) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if existing, ok := p.where[id]; ok {
		return fmt.Errorf("Item %v is already in %v", id, existing)
	}
	p.where[id] = loc
	return nil
}

// Location returns where an item is
func (p *Pool) Location(id ItemID) (Location, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	loc, ok := p.where[id]
	return loc, ok
}

// Items returns the items in a location, sorted
func (p *Pool) Items(loc Location) []ItemID {
	p.lock.Lock()
	defer p.lock.Unlock()
	items := []ItemID{}
	for id, l := range p.where {
		if l == loc {
			items = append(items, id)
		}
	}
	sortItems(items)
	return items
}

// Len returns the total number of items in the pool
func (p *Pool) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.where)
}

// Move an item to a new location. Moving an item to where it already is does nothing.
func (p *Pool) Move(ctx context.Context, id ItemID, to Location) error {
	p.lock.Lock()
	from, ok := p.where[id]
	p.lock.Unlock()
	if !ok {
		return fmt.Errorf("%w %v", ErrUnknownItem, id)
	}
	if from == to {
		return nil
	}
	if err := p.store.Move(ctx, id, from, to); err != nil {
		return fmt.Errorf("Failed to move %v from %v to %v: %w", id, from, to, err)
	}
	p.lock.Lock()
	p.where[id] = to
	p.lock.Unlock()
	return nil
}

// MoveExpect moves an item, but only if it is currently in 'from'
func (p *Pool) MoveExpect(ctx context.Context, id ItemID, from, to Location) error {
	if loc, ok := p.Location(id); !ok {
		return fmt.Errorf("%w %v", ErrUnknownItem, id)
	} else if loc != from {
		return fmt.Errorf("%w: %v is in %v, not %v", ErrNotInLocation, id, loc, from)
	}
	return p.Move(ctx, id, to)
}

// MoveAll moves items to a location using up to 'workers' concurrent moves.
// Every item is attempted, even if some moves fail. The number of items that
// were moved is returned, along with the first error.
func (p *Pool) MoveAll(ctx context.Context, items []ItemID, to Location, workers int) (int, error) {
	var nMoved atomic.Int64
	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for _, id := range items {
		g.Go(func() error {
			if err := p.Move(ctx, id, to); err != nil {
				return err
			}
			nMoved.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(nMoved.Load()), err
}

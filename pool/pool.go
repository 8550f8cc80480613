// Package pool implements qpeer's connection pool: at most one live
// connection per peer identity, concurrent-dial deduplication, and
// generation-guarded eviction.
package pool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Pool maps an opaque, comparable peer identity I to a live connection of
// type C. It is polymorphic over both so the core pool logic carries no
// knowledge of QUIC or the wire protocol.
type Pool[I comparable, C any] struct {
	mu      sync.Mutex
	entries map[I]*poolEntry[C]
	nextGen uint64

	dial singleflight.Group
}

type poolEntry[C any] struct {
	conn       C
	generation uint64
}

// New creates an empty pool.
func New[I comparable, C any]() *Pool[I, C] {
	return &Pool[I, C]{entries: make(map[I]*poolEntry[C])}
}

// Handle wraps a live connection together with the capability to evict it
// from the pool. Every send operation that returns an error is expected to
// call Remove so the next GetOrDial redials.
type Handle[I comparable, C any] struct {
	Conn       C
	id         I
	generation uint64
	pool       *Pool[I, C]
}

// ID returns the identity this handle is stored under.
func (h Handle[I, C]) ID() I { return h.id }

// Remove evicts the pool entry if and only if it is still the same
// generation this handle was created for (i.e. a newer connection hasn't
// since replaced it). Idempotent: repeated calls are no-ops.
func (h Handle[I, C]) Remove() {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if cur, ok := h.pool.entries[h.id]; ok && cur.generation == h.generation {
		delete(h.pool.entries, h.id)
	}
}

// GetOrDial returns a Handle for id. If a live connection is already
// pooled, it's returned immediately (no dial). Otherwise dial is invoked to
// establish one; concurrent GetOrDial calls for the same identity share a
// single in-flight dial.
func (p *Pool[I, C]) GetOrDial(ctx context.Context, id I, dial func(context.Context) (C, error)) (Handle[I, C], error) {
	if h, ok := p.lookup(id); ok {
		return h, nil
	}

	key := fmt.Sprintf("%v", id)
	v, err, _ := p.dial.Do(key, func() (interface{}, error) {
		// Re-check: another caller may have inserted (e.g. via an
		// inbound Insert, or a dial that raced us into the group)
		// between our lookup above and acquiring the dedup slot.
		if h, ok := p.lookup(id); ok {
			return h, nil
		}
		conn, err := dial(ctx)
		if err != nil {
			return Handle[I, C]{}, err
		}
		return p.insert(id, conn), nil
	})
	if err != nil {
		return Handle[I, C]{}, err
	}
	return v.(Handle[I, C]), nil
}

// Insert installs an accepted inbound connection under id, unconditionally
// creating a fresh entry (and fresh generation). Any previously pooled
// connection for id is replaced; a removed entry is never resurrected, but
// a fresh Insert is not a resurrection, it's a new connection.
func (p *Pool[I, C]) Insert(id I, conn C) Handle[I, C] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(id, conn)
}

func (p *Pool[I, C]) insert(id I, conn C) Handle[I, C] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertLocked(id, conn)
}

func (p *Pool[I, C]) insertLocked(id I, conn C) Handle[I, C] {
	p.nextGen++
	gen := p.nextGen
	p.entries[id] = &poolEntry[C]{conn: conn, generation: gen}
	return Handle[I, C]{Conn: conn, id: id, generation: gen, pool: p}
}

func (p *Pool[I, C]) lookup(id I) (Handle[I, C], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return Handle[I, C]{}, false
	}
	return Handle[I, C]{Conn: e.conn, id: id, generation: e.generation, pool: p}, true
}

// Len returns the number of identities currently pooled. Intended for tests
// and status reporting, not for application logic: at most one entry per
// identity, which this count cannot violate by construction.
func (p *Pool[I, C]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

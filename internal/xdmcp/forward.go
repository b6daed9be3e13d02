package xdmcp

import (
	"net/netip"
	"time"
)

// MaxForwardQueries bounds the number of outstanding forward queries
// (spec.md §4.4: "MAX_FORWARDS (10)").
const MaxForwardQueries = 10

// ForwardQueryTimeout is how long an unresolved ForwardQuery may live
// before it is dropped on next scan (spec.md §4.4: "30 s").
const ForwardQueryTimeout = 30 * time.Second

// ForwardQuery tracks one outstanding query we are proxying on behalf
// of a peer manager.
type ForwardQuery struct {
	Origin  netip.Addr // the display we will proxy to (WILLING target)
	From    netip.Addr // the peer manager that asked us to forward
	AccTime time.Time
}

// ForwardTable is the forward-query bookkeeping structure (spec.md §4.4).
type ForwardTable struct {
	byOrigin map[netip.Addr]*ForwardQuery
	order    []*ForwardQuery // oldest first
}

// NewForwardTable creates an empty table.
func NewForwardTable() *ForwardTable {
	return &ForwardTable{byOrigin: make(map[netip.Addr]*ForwardQuery)}
}

// Alloc records a new outstanding query: from asked us to vouch for origin.
// If the table is at MaxForwardQueries, the oldest entries (by AccTime)
// are evicted until there is room.
func (t *ForwardTable) Alloc(from, origin netip.Addr, now time.Time) *ForwardQuery {
	for len(t.order) >= MaxForwardQueries {
		t.disposeAt(0)
	}

	fq := &ForwardQuery{Origin: origin, From: from, AccTime: now}
	t.byOrigin[origin] = fq
	t.order = append(t.order, fq)

	return fq
}

// Lookup returns the entry matching origin, if any. While scanning,
// entries whose AccTime+ForwardQueryTimeout has elapsed are
// opportunistically disposed, per spec.md §4.4.
func (t *ForwardTable) Lookup(origin netip.Addr, now time.Time) *ForwardQuery {
	t.expireStale(now)
	return t.byOrigin[origin]
}

func (t *ForwardTable) expireStale(now time.Time) {
	for i := 0; i < len(t.order); {
		if now.Sub(t.order[i].AccTime) > ForwardQueryTimeout {
			t.disposeAt(i)
			continue
		}
		i++
	}
}

// Dispose removes e from the table.
func (t *ForwardTable) Dispose(e *ForwardQuery) {
	for i, fq := range t.order {
		if fq == e {
			t.disposeAt(i)
			return
		}
	}
}

func (t *ForwardTable) disposeAt(i int) {
	fq := t.order[i]
	delete(t.byOrigin, fq.Origin)
	t.order = append(t.order[:i], t.order[i+1:]...)
}

// Len returns the number of live entries.
func (t *ForwardTable) Len() int { return len(t.order) }

package xdmcp

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"
)

// maxAllocAttempts bounds retries when the session-id allocator collides
// with a live id, mirroring the teacher's DiscriminatorAllocator retry cap.
const maxAllocAttempts = 1000

// SessionIDAllocator hands out 32-bit non-zero session ids, monotonic
// from a random start; wrapping past 0 re-randomizes the start rather
// than resuming at 1, per spec.md §3's data model. This is a deliberate
// deviation from the teacher's DiscriminatorAllocator (which draws a
// fresh crypto/rand value on every call): here the wire protocol's
// session id is a simple incrementing counter by contract, not a value
// that benefits from being unguessable across the whole range.
type SessionIDAllocator struct {
	mu   sync.Mutex
	next uint32
	live map[uint32]struct{}
}

// NewSessionIDAllocator creates an allocator seeded from crypto/rand.
func NewSessionIDAllocator() *SessionIDAllocator {
	return &SessionIDAllocator{
		next: randomNonzeroSeed(),
		live: make(map[uint32]struct{}),
	}
}

func randomNonzeroSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		v = 1
	}
	return v
}

// Allocate returns the next free, non-zero session id.
func (a *SessionIDAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		id := a.next
		a.advance()

		if id == 0 {
			continue
		}
		if _, taken := a.live[id]; taken {
			continue
		}

		a.live[id] = struct{}{}
		return id, nil
	}

	return 0, ErrAllocatorExhausted
}

// advance moves the counter forward by one, re-randomizing on wraparound.
func (a *SessionIDAllocator) advance() {
	a.next++
	if a.next == 0 {
		a.next = randomNonzeroSeed()
	}
}

// Release frees id for reuse. Safe to call on an id that was never allocated.
func (a *SessionIDAllocator) Release(id uint32) {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()
}

// IsAllocated reports whether id is currently live.
func (a *SessionIDAllocator) IsAllocated(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.live[id]
	return ok
}

// -----------------------------------------------------------------------
// Display lifecycle
// -----------------------------------------------------------------------

// Status is a Display's position in the PENDING → MANAGED → DEAD lifecycle.
type Status uint8

const (
	StatusPending Status = iota
	StatusManaged
	StatusDead
)

var statusNames = [...]string{"PENDING", "MANAGED", "DEAD"}

// String renders the status mnemonic.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNKNOWN"
}

// Event is a Display lifecycle transition trigger.
type Event uint8

const (
	// EventManage is a valid MANAGE for this display's session id.
	EventManage Event = iota
	// EventDispose is any disposal path: REFUSE'd lookup miss never
	// reaches here, but explicit teardown, purge_stale, and spawn
	// failure all route through EventDispose.
	EventDispose
)

// transitionKey is the pure-FSM lookup key, grounded on the teacher's
// stateEvent struct in internal/bfd/fsm.go.
type transitionKey struct {
	state Status
	event Event
}

// displayFSM is the Display lifecycle table (spec.md §3: "PENDING by
// REQUEST handling; transitions to MANAGED on valid MANAGE; to DEAD on
// dispose"). MANAGE on an already-MANAGED display is an idempotent
// replay (spec.md §4.7, §8) and stays MANAGED.
var displayFSM = map[transitionKey]Status{
	{StatusPending, EventManage}:  StatusManaged,
	{StatusManaged, EventManage}:  StatusManaged,
	{StatusPending, EventDispose}: StatusDead,
	{StatusManaged, EventDispose}: StatusDead,
	{StatusDead, EventDispose}:    StatusDead,
}

// ApplyEvent is the pure Display-lifecycle transition function. changed
// reports whether the status actually moved (false for the MANAGE
// idempotent-replay case), letting callers skip counter updates and
// notifications on a no-op transition.
func ApplyEvent(current Status, ev Event) (next Status, changed bool, ok bool) {
	next, ok = displayFSM[transitionKey{current, ev}]
	if !ok {
		return current, false, false
	}
	return next, next != current, true
}

// Display is one remote X display known to the manager.
type Display struct {
	SessionID     uint32
	RemoteAddr    netip.AddrPort
	DisplayNumber uint16
	Status        Status
	AcceptTime    time.Time
	Hostname      Hostname
	Cookie        Cookie
	IndirectID    uint32 // 0 if this display did not arrive via an indirect query
	UseChooser    bool
	SlavePID      int // opaque to the core; set by the SessionSpawner collaborator
}

// hostKey identifies a Display by the same (hostname, display-number)
// pair spec.md §4.7's REQUEST handler uses to dispose of a stale prior
// Display before allocating a fresh one.
type hostKey struct {
	hostname      string
	displayNumber uint16
}

// SessionTable is the set of pending and managed Displays, keyed by
// session id and secondarily indexed by remote address (host and port)
// and by (hostname, display number) for REQUEST's replace-stale
// rule — grounded on the teacher's manager.go two-map indexing.
type SessionTable struct {
	alloc *SessionIDAllocator

	bySessionID map[uint32]*Display
	byAddr      map[netip.AddrPort]*Display
	byHostKey   map[hostKey]*Display

	numPending int
	numManaged int
}

// NewSessionTable creates an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		alloc:       NewSessionIDAllocator(),
		bySessionID: make(map[uint32]*Display),
		byAddr:      make(map[netip.AddrPort]*Display),
		byHostKey:   make(map[hostKey]*Display),
	}
}

// Create allocates a fresh PENDING Display. Any prior Display sharing
// (hostname, displayNumber) is disposed first, per spec.md §4.7.
func (t *SessionTable) Create(
	remote netip.AddrPort,
	displayNumber uint16,
	hostname Hostname,
	cookie Cookie,
) (*Display, error) {
	key := hostKey{hostname: hostname.Name, displayNumber: displayNumber}
	if prior, ok := t.byHostKey[key]; ok {
		t.dispose(prior)
	}

	id, err := t.alloc.Allocate()
	if err != nil {
		return nil, err
	}

	d := &Display{
		SessionID:     id,
		RemoteAddr:    remote,
		DisplayNumber: displayNumber,
		Status:        StatusPending,
		AcceptTime:    time.Now(),
		Hostname:      hostname,
		Cookie:        cookie,
	}

	t.bySessionID[id] = d
	t.byAddr[remote] = d
	t.byHostKey[key] = d
	t.numPending++

	return d, nil
}

// ByID looks up a Display by session id.
func (t *SessionTable) ByID(id uint32) (*Display, bool) {
	d, ok := t.bySessionID[id]
	return d, ok
}

// ByAddr looks up a Display by remote address.
func (t *SessionTable) ByAddr(addr netip.AddrPort) (*Display, bool) {
	d, ok := t.byAddr[addr]
	return d, ok
}

// Manage applies EventManage to d, adjusting num_pending/num_managed.
// Returns false if the display's current status rejects the transition
// (only possible for StatusDead, which should never be looked up live).
func (t *SessionTable) Manage(d *Display) bool {
	next, changed, ok := ApplyEvent(d.Status, EventManage)
	if !ok {
		return false
	}
	if changed && d.Status == StatusPending {
		t.numPending--
		t.numManaged++
	}
	d.Status = next
	return true
}

// Dispose transitions d to DEAD and removes it from all indices.
func (t *SessionTable) Dispose(d *Display) {
	t.dispose(d)
}

func (t *SessionTable) dispose(d *Display) {
	switch d.Status {
	case StatusPending:
		t.numPending--
	case StatusManaged:
		t.numManaged--
	case StatusDead:
	}

	d.Status = StatusDead

	delete(t.bySessionID, d.SessionID)
	delete(t.byAddr, d.RemoteAddr)
	delete(t.byHostKey, hostKey{hostname: d.Hostname.Name, displayNumber: d.DisplayNumber})
	t.alloc.Release(d.SessionID)
}

// NumPending returns the current pending count.
func (t *SessionTable) NumPending() int { return t.numPending }

// NumManaged returns the current managed count.
func (t *SessionTable) NumManaged() int { return t.numManaged }

// CountPerHost returns the number of live (PENDING or MANAGED) Displays
// whose remote address matches host, per spec.md §3's per-host invariant.
func (t *SessionTable) CountPerHost(host netip.Addr) int {
	n := 0
	for _, d := range t.bySessionID {
		if d.RemoteAddr.Addr() == host {
			n++
		}
	}
	return n
}

// PurgeStale removes PENDING displays whose AcceptTime is older than
// maxWait, per spec.md §4.6, and returns a copy of each removed Display
// so callers can publish lifecycle notifications. Restarts the scan
// after each removal since the backing maps are mutated mid-iteration,
// mirroring the teacher's "restart the scan after each removal"
// discipline.
func (t *SessionTable) PurgeStale(maxWait time.Duration, now time.Time) []Display {
	var removed []Display

	for {
		var stale *Display
		for _, d := range t.bySessionID {
			if d.Status == StatusPending && now.Sub(d.AcceptTime) > maxWait {
				stale = d
				break
			}
		}
		if stale == nil {
			return removed
		}
		removed = append(removed, *stale)
		t.dispose(stale)
	}
}

// Recount recomputes num_pending/num_managed from a full scan, per
// spec.md §4.6's count_sessions contract ("used whenever the external
// display list is observed to have shrunk").
func (t *SessionTable) Recount() {
	pending, managed := 0, 0
	for _, d := range t.bySessionID {
		switch d.Status {
		case StatusPending:
			pending++
		case StatusManaged:
			managed++
		case StatusDead:
		}
	}
	t.numPending = pending
	t.numManaged = managed
}

// Snapshot returns a copy of all live Displays, for admin API listing.
func (t *SessionTable) Snapshot() []Display {
	out := make([]Display, 0, len(t.bySessionID))
	for _, d := range t.bySessionID {
		out = append(out, *d)
	}
	return out
}

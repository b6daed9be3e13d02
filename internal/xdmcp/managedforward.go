package xdmcp

import (
	"net/netip"
	"time"
)

// ManagedForwardInterval is the spacing between retransmits (spec.md
// §4.5: "1500 ms intervals").
const ManagedForwardInterval = 1500 * time.Millisecond

// ManagedForwardMaxSends bounds total transmissions per entry (spec.md
// §4.5: "after the 2nd successful send (3 transmissions total)").
const ManagedForwardMaxSends = 3

// ManagedForwardEntry is one outstanding MANAGED_FORWARD retransmission,
// cancelled by a matching GOT_MANAGED_FORWARD or by reaching
// ManagedForwardMaxSends.
type ManagedForwardEntry struct {
	Manager  netip.Addr // peer we notify
	Origin   netip.Addr // the subject display
	Attempts int        // transmissions sent so far
	NextFire time.Time
}

// ManagedForwardQueue is the C5 managed-forward retransmitter. Rather
// than one timer goroutine per entry (the teacher's per-session timer
// model in internal/bfd/session.go), this queue is driven by the
// Manager's single event-loop ticker — consistent with spec.md §5's
// single-threaded cooperative scheduling model, where "timer fires" is
// one of the two suspension points, not a goroutine of its own.
type ManagedForwardQueue struct {
	entries []*ManagedForwardEntry
}

// NewManagedForwardQueue creates an empty queue.
func NewManagedForwardQueue() *ManagedForwardQueue {
	return &ManagedForwardQueue{}
}

// Send enqueues a new entry for (manager, origin), counting the caller's
// immediate transmission as attempt 1. The caller is responsible for
// actually emitting that first MANAGED_FORWARD; this call only schedules
// the retransmit.
func (q *ManagedForwardQueue) Send(manager, origin netip.Addr, now time.Time) *ManagedForwardEntry {
	e := &ManagedForwardEntry{
		Manager:  manager,
		Origin:   origin,
		Attempts: 1,
		NextFire: now.Add(ManagedForwardInterval),
	}
	q.entries = append(q.entries, e)
	return e
}

// CancelMatching removes any queued entry whose Manager and Origin both
// equal the given values, per spec.md §4.5 — invoked when a matching
// GOT_MANAGED_FORWARD arrives or a duplicate FORWARD_QUERY is seen.
func (q *ManagedForwardQueue) CancelMatching(manager, origin netip.Addr) {
	for i := 0; i < len(q.entries); {
		e := q.entries[i]
		if e.Manager == manager && e.Origin == origin {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			continue
		}
		i++
	}
}

// Due returns entries whose NextFire has elapsed, advancing each one's
// retry state. An entry that reaches ManagedForwardMaxSends is removed
// from the queue as part of this call rather than fired again.
func (q *ManagedForwardQueue) Due(now time.Time) []*ManagedForwardEntry {
	var due []*ManagedForwardEntry

	for i := 0; i < len(q.entries); {
		e := q.entries[i]
		if now.Before(e.NextFire) {
			i++
			continue
		}

		due = append(due, e)
		e.Attempts++

		if e.Attempts >= ManagedForwardMaxSends {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			continue
		}

		e.NextFire = now.Add(ManagedForwardInterval)
		i++
	}

	return due
}

// Len returns the number of queued entries.
func (q *ManagedForwardQueue) Len() int { return len(q.entries) }

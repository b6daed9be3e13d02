package xdmcp

import (
	"net/netip"
	"time"
)

// IndirectRecord tracks one display that sent an INDIRECT_QUERY, and the
// host an external chooser eventually picked on its behalf.
type IndirectRecord struct {
	ID       uint32
	Origin   netip.Addr
	Chosen   netip.Addr // zero value (IsValid()==false) until delivered
	AccTime  time.Time  // zero until Chosen is set
	resolved bool
}

// IndirectTable is the indirect-query bookkeeping structure (spec.md
// §4.3). Grounded on the teacher's discriminator allocator (dense,
// non-zero id generation) and manager.go's mutation-during-scan
// discipline.
type IndirectTable struct {
	nextID  uint32
	byID    map[uint32]*IndirectRecord
	records []*IndirectRecord // insertion order; newest prepended

	maxIndirect     int
	maxWaitIndirect time.Duration
}

// NewIndirectTable creates an empty table bounded by maxIndirect live
// resolved records and maxWaitIndirect staleness.
func NewIndirectTable(maxIndirect int, maxWaitIndirect time.Duration) *IndirectTable {
	return &IndirectTable{
		byID:            make(map[uint32]*IndirectRecord),
		maxIndirect:     maxIndirect,
		maxWaitIndirect: maxWaitIndirect,
	}
}

// Alloc creates a fresh record for origin with a dense, never-zero id,
// unique among live records, and prepends it to the list.
func (t *IndirectTable) Alloc(origin netip.Addr) *IndirectRecord {
	t.nextID++
	if t.nextID == 0 {
		t.nextID = 1
	}
	for _, exists := t.byID[t.nextID]; exists; _, exists = t.byID[t.nextID] {
		t.nextID++
		if t.nextID == 0 {
			t.nextID = 1
		}
	}

	rec := &IndirectRecord{ID: t.nextID, Origin: origin}
	t.byID[rec.ID] = rec
	t.records = append([]*IndirectRecord{rec}, t.records...)

	return rec
}

// LookupByOrigin performs a linear scan for a record matching origin.
// While scanning, any resolved record whose AccTime+maxWaitIndirect has
// elapsed is disposed and the scan continues, per spec.md §4.3.
func (t *IndirectTable) LookupByOrigin(origin netip.Addr, now time.Time) *IndirectRecord {
	for i := 0; i < len(t.records); {
		rec := t.records[i]

		if rec.resolved && now.Sub(rec.AccTime) > t.maxWaitIndirect {
			t.disposeAt(i)
			continue
		}

		if rec.Origin == origin {
			return rec
		}
		i++
	}
	return nil
}

// LookupByChosen returns a record whose Chosen == chosen AND (origin ==
// record.Origin OR (record.Origin is loopback AND origin is local)),
// per spec.md §4.3. isLocal reports whether origin belongs to the set
// of the host's own interface addresses.
func (t *IndirectTable) LookupByChosen(chosen, origin netip.Addr, isLocal func(netip.Addr) bool) *IndirectRecord {
	for _, rec := range t.records {
		if rec.Chosen != chosen {
			continue
		}
		if rec.Origin == origin {
			return rec
		}
		if rec.Origin.IsLoopback() && isLocal(origin) {
			return rec
		}
	}
	return nil
}

// DeliverChosen records hostAddr (already resolved by the caller) as the
// chosen host for the record with the given id. If the table is at maxIndirect capacity,
// the oldest resolved record is disposed first (oldest AccTime wins).
// Reports false if no record with that id exists.
func (t *IndirectTable) DeliverChosen(id uint32, hostAddr netip.Addr, now time.Time) bool {
	rec, ok := t.byID[id]
	if !ok {
		return false
	}

	if t.maxIndirect > 0 && t.resolvedCount() >= t.maxIndirect {
		t.evictOldestResolved(rec)
	}

	rec.Chosen = hostAddr
	rec.AccTime = now
	rec.resolved = true

	return true
}

// resolvedCount returns how many live records have a chosen host set.
func (t *IndirectTable) resolvedCount() int {
	n := 0
	for _, rec := range t.records {
		if rec.resolved {
			n++
		}
	}
	return n
}

// evictOldestResolved disposes the oldest-AccTime resolved record other
// than keep, per spec.md §4.3's capacity eviction policy.
func (t *IndirectTable) evictOldestResolved(keep *IndirectRecord) {
	var oldestIdx = -1
	var oldest time.Time

	for i, rec := range t.records {
		if rec == keep || !rec.resolved {
			continue
		}
		if oldestIdx == -1 || rec.AccTime.Before(oldest) {
			oldestIdx = i
			oldest = rec.AccTime
		}
	}

	if oldestIdx >= 0 {
		t.disposeAt(oldestIdx)
	}
}

// Dispose removes rec from the table. No separate pending-indirect
// counter is kept: the number of resolved records is recomputed from the
// live records (resolvedCount) whenever it is needed.
func (t *IndirectTable) Dispose(rec *IndirectRecord) {
	for i, r := range t.records {
		if r == rec {
			t.disposeAt(i)
			return
		}
	}
}

// DisposeEmpty disposes the record with the given id only if its Chosen
// is unset, per spec.md §4.3's dispose_empty contract.
func (t *IndirectTable) DisposeEmpty(id uint32) {
	rec, ok := t.byID[id]
	if !ok || rec.resolved {
		return
	}
	t.Dispose(rec)
}

func (t *IndirectTable) disposeAt(i int) {
	rec := t.records[i]
	delete(t.byID, rec.ID)
	t.records = append(t.records[:i], t.records[i+1:]...)
}

// Len returns the number of live records.
func (t *IndirectTable) Len() int { return len(t.records) }

package xdmcp

import (
	"net/netip"
	"testing"
	"time"
)

func TestSessionIDAllocatorNeverReturnsZero(t *testing.T) {
	t.Parallel()

	a := NewSessionIDAllocator()
	for i := 0; i < 1000; i++ {
		id, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if id == 0 {
			t.Fatal("Allocate returned 0")
		}
	}
}

func TestSessionIDAllocatorReleaseAllowsReuse(t *testing.T) {
	t.Parallel()

	a := NewSessionIDAllocator()
	id, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !a.IsAllocated(id) {
		t.Fatal("IsAllocated should be true right after Allocate")
	}
	a.Release(id)
	if a.IsAllocated(id) {
		t.Fatal("IsAllocated should be false after Release")
	}
}

func TestApplyEventFSM(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		from    Status
		event   Event
		want    Status
		changed bool
		ok      bool
	}{
		{"pending manage becomes managed", StatusPending, EventManage, StatusManaged, true, true},
		{"managed manage is an idempotent replay", StatusManaged, EventManage, StatusManaged, false, true},
		{"pending dispose becomes dead", StatusPending, EventDispose, StatusDead, true, true},
		{"managed dispose becomes dead", StatusManaged, EventDispose, StatusDead, true, true},
		{"dead dispose stays dead", StatusDead, EventDispose, StatusDead, false, true},
		{"dead manage is rejected", StatusDead, EventManage, StatusDead, false, false},
	}

	for _, tc := range cases {
		next, changed, ok := ApplyEvent(tc.from, tc.event)
		if next != tc.want || changed != tc.changed || ok != tc.ok {
			t.Errorf("%s: ApplyEvent(%v, %v) = (%v, %v, %v), want (%v, %v, %v)",
				tc.name, tc.from, tc.event, next, changed, ok, tc.want, tc.changed, tc.ok)
		}
	}
}

func TestSessionTableCreateReplacesStaleByHostKey(t *testing.T) {
	t.Parallel()

	tbl := NewSessionTable()
	first, err := tbl.Create(netip.MustParseAddrPort("10.0.0.1:1024"), 0, Hostname{Name: "ws1"}, Cookie{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	second, err := tbl.Create(netip.MustParseAddrPort("10.0.0.1:2048"), 0, Hostname{Name: "ws1"}, Cookie{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, ok := tbl.ByID(first.SessionID); ok {
		t.Error("stale display sharing (hostname, display number) should have been disposed")
	}
	if _, ok := tbl.ByID(second.SessionID); !ok {
		t.Error("fresh display should be live")
	}
	if tbl.NumPending() != 1 {
		t.Errorf("NumPending = %d, want 1", tbl.NumPending())
	}
}

func TestSessionTableManageUpdatesCounters(t *testing.T) {
	t.Parallel()

	tbl := NewSessionTable()
	d, err := tbl.Create(netip.MustParseAddrPort("10.0.0.1:1024"), 0, Hostname{Name: "ws1"}, Cookie{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tbl.NumPending() != 1 || tbl.NumManaged() != 0 {
		t.Fatalf("counts after Create = (%d, %d), want (1, 0)", tbl.NumPending(), tbl.NumManaged())
	}

	if !tbl.Manage(d) {
		t.Fatal("Manage returned false")
	}
	if tbl.NumPending() != 0 || tbl.NumManaged() != 1 {
		t.Fatalf("counts after Manage = (%d, %d), want (0, 1)", tbl.NumPending(), tbl.NumManaged())
	}

	// A second Manage call is the FSM's idempotent replay: counters do
	// not move again.
	if !tbl.Manage(d) {
		t.Fatal("second Manage returned false")
	}
	if tbl.NumPending() != 0 || tbl.NumManaged() != 1 {
		t.Fatalf("counts after replay Manage = (%d, %d), want (0, 1)", tbl.NumPending(), tbl.NumManaged())
	}
}

func TestSessionTableDisposeRemovesAllIndices(t *testing.T) {
	t.Parallel()

	tbl := NewSessionTable()
	addr := netip.MustParseAddrPort("10.0.0.1:1024")
	d, err := tbl.Create(addr, 0, Hostname{Name: "ws1"}, Cookie{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tbl.Dispose(d)

	if _, ok := tbl.ByID(d.SessionID); ok {
		t.Error("ByID should miss after Dispose")
	}
	if _, ok := tbl.ByAddr(addr); ok {
		t.Error("ByAddr should miss after Dispose")
	}
	if tbl.NumPending() != 0 {
		t.Errorf("NumPending = %d, want 0", tbl.NumPending())
	}
}

func TestSessionTableCountPerHost(t *testing.T) {
	t.Parallel()

	tbl := NewSessionTable()
	host := netip.MustParseAddr("10.0.0.1")
	for i := 0; i < 3; i++ {
		addr := netip.AddrPortFrom(host, uint16(1024+i))
		if _, err := tbl.Create(addr, uint16(i), Hostname{Name: "ws1"}, Cookie{}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if got := tbl.CountPerHost(host); got != 3 {
		t.Errorf("CountPerHost = %d, want 3", got)
	}
	if got := tbl.CountPerHost(netip.MustParseAddr("10.0.0.2")); got != 0 {
		t.Errorf("CountPerHost(other host) = %d, want 0", got)
	}
}

func TestSessionTablePurgeStaleRemovesOnlyPending(t *testing.T) {
	t.Parallel()

	tbl := NewSessionTable()
	t0 := time.Now()

	stale, err := tbl.Create(netip.MustParseAddrPort("10.0.0.1:1024"), 0, Hostname{Name: "ws1"}, Cookie{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stale.AcceptTime = t0.Add(-time.Minute)

	managed, err := tbl.Create(netip.MustParseAddrPort("10.0.0.2:1024"), 0, Hostname{Name: "ws2"}, Cookie{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	managed.AcceptTime = t0.Add(-time.Minute)
	tbl.Manage(managed)

	removed := tbl.PurgeStale(15*time.Second, t0)
	if len(removed) != 1 || removed[0].SessionID != stale.SessionID {
		t.Fatalf("PurgeStale removed %+v, want only the stale pending display", removed)
	}
	if _, ok := tbl.ByID(managed.SessionID); !ok {
		t.Error("managed display should survive PurgeStale regardless of age")
	}
}

func TestSessionTableRecount(t *testing.T) {
	t.Parallel()

	tbl := NewSessionTable()
	d1, _ := tbl.Create(netip.MustParseAddrPort("10.0.0.1:1024"), 0, Hostname{Name: "a"}, Cookie{})
	d2, _ := tbl.Create(netip.MustParseAddrPort("10.0.0.2:1024"), 0, Hostname{Name: "b"}, Cookie{})
	tbl.Manage(d2)

	// Force the counters out of sync, then verify Recount repairs them.
	tbl.numPending = 0
	tbl.numManaged = 0

	tbl.Recount()
	if tbl.NumPending() != 1 || tbl.NumManaged() != 1 {
		t.Fatalf("counts after Recount = (%d, %d), want (1, 1)", tbl.NumPending(), tbl.NumManaged())
	}
	_ = d1
}

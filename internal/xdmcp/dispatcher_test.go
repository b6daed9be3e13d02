package xdmcp

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
)

// sentPacket records one datagram a fakeSender was asked to transmit.
type sentPacket struct {
	Dst  netip.AddrPort
	Data []byte
}

// fakeSender captures every outbound datagram in place of a real
// internal/netio socket, grounded on the teacher's use of a recording
// PacketSender stand-in in its bfd integration tests.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (f *fakeSender) SendTo(addr netip.AddrPort, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, sentPacket{Dst: addr, Data: cp})
	return nil
}

func (f *fakeSender) last() (sentPacket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentPacket{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// instantResolver avoids real DNS lookups in tests by immediately
// falling back to the address's string form, matching NetResolver's
// own fallback behavior without the network round trip.
type instantResolver struct{}

func (instantResolver) ResolveHostname(_ context.Context, addr netip.Addr) (Hostname, error) {
	return Hostname{Name: addr.String()}, nil
}

func testManager(t *testing.T, cfg Config, sender *fakeSender) *Manager {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	return NewManager(cfg, logger, WithSender(sender), WithHostnameResolver(instantResolver{}))
}

// encodeRequest builds a REQUEST datagram with the given display number
// and authorization names, leaving every other field empty.
func encodeRequest(displayNumber uint16, authNames [][]byte) []byte {
	buf := make([]byte, MaxDatagramSize)
	w := newWriter(buf[HeaderSize:])
	mustWrite(w.card16(displayNumber))
	mustWrite(w.array16(nil))
	mustWrite(w.arrayOfArray8(nil))
	mustWrite(w.array8(nil))
	mustWrite(w.array8(nil))
	mustWrite(w.arrayOfArray8(authNames))
	mustWrite(w.array8([]byte("xdmcpdtest")))
	hdr := Header{Version: VersionStandard, Opcode: OpRequest, Length: uint16(w.off)}
	if err := EncodeHeader(buf, hdr); err != nil {
		panic(err)
	}
	return buf[:HeaderSize+w.off]
}

func encodeManage(sessionID uint32, displayNumber uint16) []byte {
	buf := make([]byte, MaxDatagramSize)
	w := newWriter(buf[HeaderSize:])
	mustWrite(w.card32(sessionID))
	mustWrite(w.card16(displayNumber))
	mustWrite(w.array8([]byte("")))
	hdr := Header{Version: VersionStandard, Opcode: OpManage, Length: uint16(w.off)}
	if err := EncodeHeader(buf, hdr); err != nil {
		panic(err)
	}
	return buf[:HeaderSize+w.off]
}

func encodeKeepalive(displayNumber uint16, sessionID uint32) []byte {
	buf := make([]byte, MaxDatagramSize)
	w := newWriter(buf[HeaderSize:])
	mustWrite(w.card16(displayNumber))
	mustWrite(w.card32(sessionID))
	hdr := Header{Version: VersionStandard, Opcode: OpKeepalive, Length: uint16(w.off)}
	if err := EncodeHeader(buf, hdr); err != nil {
		panic(err)
	}
	return buf[:HeaderSize+w.off]
}

func mustWrite(err error) {
	if err != nil {
		panic(err)
	}
}

// decodeAcceptSessionID reads an ACCEPT datagram's session id directly
// off the wire (there is no dedicated decoder since only the manager
// side encodes ACCEPT).
func decodeAcceptSessionID(t *testing.T, datagram []byte) uint32 {
	t.Helper()
	hdr, body, err := Decode(datagram)
	if err != nil {
		t.Fatalf("Decode(ACCEPT): %v", err)
	}
	if hdr.Opcode != OpAccept {
		t.Fatalf("Opcode = %v, want OpAccept", hdr.Opcode)
	}
	r := newReader(body)
	id, err := r.card32()
	if err != nil {
		t.Fatalf("read session id: %v", err)
	}
	return id
}

func TestHandleRequestAcceptThenManage(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	cfg := DefaultConfig()
	m := testManager(t, cfg, sender)
	t.Cleanup(func() { m.Close() })

	_, notifications := m.Subscribe()

	ctx := context.Background()
	src := netip.MustParseAddrPort("10.0.0.5:1024")

	m.HandleDatagram(ctx, src, encodeRequest(0, [][]byte{[]byte(mitMagicCookie1)}))

	pkt, ok := sender.last()
	if !ok {
		t.Fatal("no reply sent for REQUEST")
	}
	if pkt.Dst != src {
		t.Errorf("reply dst = %v, want %v", pkt.Dst, src)
	}
	sessionID := decodeAcceptSessionID(t, pkt.Data)

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Status != StatusPending {
		t.Fatalf("Snapshot after ACCEPT = %+v, want one PENDING display", snap)
	}

	m.HandleDatagram(ctx, src, encodeManage(sessionID, 0))

	snap = m.Snapshot()
	if len(snap) != 1 || snap[0].Status != StatusManaged {
		t.Fatalf("Snapshot after MANAGE = %+v, want one MANAGED display", snap)
	}

	select {
	case n := <-notifications:
		if n.Event != EventManage || n.Display.SessionID != sessionID {
			t.Errorf("notification = %+v, want EventManage for session %d", n, sessionID)
		}
	default:
		t.Fatal("expected a DisplayNotification on MANAGE")
	}
}

func TestHandleRequestDeclineMaxPending(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.MaxPendingDisplays = 1
	cfg.MaxDisplaysPerHost = 0
	m := testManager(t, cfg, sender)
	t.Cleanup(func() { m.Close() })

	ctx := context.Background()

	m.HandleDatagram(ctx, netip.MustParseAddrPort("10.0.0.5:1024"), encodeRequest(0, [][]byte{[]byte(mitMagicCookie1)}))
	if pkt, ok := sender.last(); !ok {
		t.Fatal("no reply for first REQUEST")
	} else if hdr, _, err := Decode(pkt.Data); err != nil || hdr.Opcode != OpAccept {
		t.Fatalf("first REQUEST reply = opcode %v, err %v, want ACCEPT", hdr.Opcode, err)
	}

	secondSrc := netip.MustParseAddrPort("10.0.0.6:1024")
	m.HandleDatagram(ctx, secondSrc, encodeRequest(0, [][]byte{[]byte(mitMagicCookie1)}))

	pkt, ok := sender.last()
	if !ok {
		t.Fatal("no reply for second REQUEST")
	}
	hdr, body, err := Decode(pkt.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Opcode != OpDecline {
		t.Fatalf("Opcode = %v, want OpDecline", hdr.Opcode)
	}
	dec, err := decodeDeclineBody(body, hdr.Length)
	if err != nil {
		t.Fatalf("decodeDeclineBody: %v", err)
	}
	if DeclineReason(dec) != ReasonMaxPending {
		t.Errorf("decline reason = %q, want %q", dec, ReasonMaxPending)
	}
}

// decodeDeclineBody reads a DECLINE datagram's status string directly
// off the wire (there is no dedicated decoder for the manager-sent side).
// DeclineBody carries Status, AuthenticationName, AuthenticationData in
// that order; only Status is populated by sendDecline, but all three
// fields must be consumed for the declared length to balance.
func decodeDeclineBody(body []byte, declaredLen uint16) (string, error) {
	r := newReader(body)
	status, err := r.array8()
	if err != nil {
		return "", err
	}
	if _, err := r.array8(); err != nil {
		return "", err
	}
	if _, err := r.array8(); err != nil {
		return "", err
	}
	if err := finish(r, declaredLen); err != nil {
		return "", err
	}
	return string(status), nil
}

func TestHandleRequestMalformedDeclinesBadChecksum(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := testManager(t, DefaultConfig(), sender)
	t.Cleanup(func() { m.Close() })

	buf := make([]byte, HeaderSize+1)
	buf[HeaderSize] = 0x00 // one byte of body, far too short for any REQUEST field
	if err := EncodeHeader(buf, Header{Version: VersionStandard, Opcode: OpRequest, Length: 1}); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	src := netip.MustParseAddrPort("10.0.0.7:1024")
	m.HandleDatagram(context.Background(), src, buf)

	pkt, ok := sender.last()
	if !ok {
		t.Fatal("no reply sent for malformed REQUEST")
	}
	hdr, body, err := Decode(pkt.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Opcode != OpDecline {
		t.Fatalf("Opcode = %v, want OpDecline", hdr.Opcode)
	}
	dec, err := decodeDeclineBody(body, hdr.Length)
	if err != nil {
		t.Fatalf("decodeDeclineBody: %v", err)
	}
	if DeclineReason(dec) != ReasonBadChecksum {
		t.Errorf("decline reason = %q, want %q", dec, ReasonBadChecksum)
	}
}

func TestHandleKeepaliveUnknownSession(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := testManager(t, DefaultConfig(), sender)
	t.Cleanup(func() { m.Close() })

	src := netip.MustParseAddrPort("10.0.0.9:1024")
	m.HandleDatagram(context.Background(), src, encodeKeepalive(0, 0xDEADBEEF))

	pkt, ok := sender.last()
	if !ok {
		t.Fatal("no ALIVE reply sent")
	}
	hdr, body, err := Decode(pkt.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Opcode != OpAlive {
		t.Fatalf("Opcode = %v, want OpAlive", hdr.Opcode)
	}
	r := newReader(body)
	running, err := r.card8()
	if err != nil {
		t.Fatalf("read SessionRunning: %v", err)
	}
	sessionID, err := r.card32()
	if err != nil {
		t.Fatalf("read SessionID: %v", err)
	}
	if running != 0 || sessionID != 0 {
		t.Errorf("ALIVE = {running:%d, session:%d}, want {0, 0} for an unknown session", running, sessionID)
	}
}

func TestHandleIndirectQuerySendsWillingWhenUnresolved(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.HonorIndirect = true
	m := testManager(t, cfg, sender)
	t.Cleanup(func() { m.Close() })

	src := netip.MustParseAddrPort("10.0.0.11:1024")
	datagram, err := EncodeAuthNamesBody(make([]byte, MaxDatagramSize), Header{Version: VersionStandard, Opcode: OpIndirectQuery}, AuthNamesBody{
		AuthenticationNames: [][]byte{[]byte(mitMagicCookie1)},
	})
	if err != nil {
		t.Fatalf("EncodeAuthNamesBody: %v", err)
	}

	m.HandleDatagram(context.Background(), src, datagram)

	pkt, ok := sender.last()
	if !ok {
		t.Fatal("no reply sent for INDIRECT_QUERY")
	}
	hdr, _, err := Decode(pkt.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Opcode != OpWilling {
		t.Fatalf("Opcode = %v, want OpWilling (no chooser response recorded yet)", hdr.Opcode)
	}
}

func TestHandleIndirectQueryDisabledIsSilent(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	cfg := DefaultConfig()
	cfg.HonorIndirect = false
	m := testManager(t, cfg, sender)
	t.Cleanup(func() { m.Close() })

	src := netip.MustParseAddrPort("10.0.0.12:1024")
	datagram, err := EncodeAuthNamesBody(make([]byte, MaxDatagramSize), Header{Version: VersionStandard, Opcode: OpIndirectQuery}, AuthNamesBody{})
	if err != nil {
		t.Fatalf("EncodeAuthNamesBody: %v", err)
	}

	m.HandleDatagram(context.Background(), src, datagram)

	if sender.count() != 0 {
		t.Errorf("sent %d packets, want 0 when honor_indirect is disabled", sender.count())
	}
}

func TestHandleManageUnknownSessionRefuses(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := testManager(t, DefaultConfig(), sender)
	t.Cleanup(func() { m.Close() })

	src := netip.MustParseAddrPort("10.0.0.13:1024")
	m.HandleDatagram(context.Background(), src, encodeManage(0x12345, 0))

	pkt, ok := sender.last()
	if !ok {
		t.Fatal("no reply sent for MANAGE on unknown session")
	}
	hdr, _, err := Decode(pkt.Data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Opcode != OpRefuse {
		t.Errorf("Opcode = %v, want OpRefuse", hdr.Opcode)
	}
}

func TestHandleManageIdempotentReplay(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := testManager(t, DefaultConfig(), sender)
	t.Cleanup(func() { m.Close() })

	_, notifications := m.Subscribe()

	ctx := context.Background()
	src := netip.MustParseAddrPort("10.0.0.14:1024")

	m.HandleDatagram(ctx, src, encodeRequest(0, [][]byte{[]byte(mitMagicCookie1)}))
	pkt, _ := sender.last()
	sessionID := decodeAcceptSessionID(t, pkt.Data)

	m.HandleDatagram(ctx, src, encodeManage(sessionID, 0))
	// Drain the first EventManage notification.
	<-notifications

	m.HandleDatagram(ctx, src, encodeManage(sessionID, 0))

	select {
	case n := <-notifications:
		t.Errorf("unexpected second notification on MANAGE replay: %+v", n)
	default:
		// No second notification: the replay is a no-op per the display FSM,
		// and HandleDatagram has already returned by this point.
	}
}

func TestUpdatePolicyAppliesWithoutDroppingDisplays(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	cfg := DefaultConfig()
	m := testManager(t, cfg, sender)
	t.Cleanup(func() { m.Close() })

	ctx := context.Background()
	src := netip.MustParseAddrPort("10.0.0.15:1024")
	m.HandleDatagram(ctx, src, encodeRequest(0, [][]byte{[]byte(mitMagicCookie1)}))

	newCfg := cfg
	newCfg.MaxDisplaysPerHost = 99
	m.UpdatePolicy(newCfg)

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot after UpdatePolicy = %+v, want the pending display to survive", snap)
	}
	if m.policy.MaxDisplaysPerHost != 99 {
		t.Errorf("policy.MaxDisplaysPerHost = %d, want 99", m.policy.MaxDisplaysPerHost)
	}
}

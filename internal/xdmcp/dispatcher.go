package xdmcp

import (
	"context"
	"net/netip"
	"time"
)

// HandleDatagram is the protocol dispatcher's entry point (spec.md §4.7):
// decode the header, gate on host_allow, and route to the opcode's
// handler. Called once per received datagram from Manager.Run's event
// loop (the netio feeder goroutines only relay datagrams onto Run's
// channel); all table mutation below happens under m.mu so that concurrent
// admin-API reads (Snapshot, the SSE feed) never observe a half-applied
// transition.
func (m *Manager) HandleDatagram(ctx context.Context, src netip.AddrPort, data []byte) {
	hdr, body, err := Decode(data)
	if err != nil {
		m.logger.Debug("dropping malformed datagram", "peer", src, "err", err)
		return
	}

	m.metrics.IncRequests(hdr.Opcode)

	m.mu.Lock()
	defer m.mu.Unlock()

	// QUERY and BROADCAST_QUERY decide their own allow/deny outcome
	// (WILLING, rate-limited UNWILLING, or silent drop) — every other
	// opcode is gated here, with a denied host dropped before it can
	// touch any table.
	if hdr.Opcode == OpBroadcastQuery || hdr.Opcode == OpQuery {
		m.handleQuery(ctx, src, hdr, body)
		return
	}

	if !m.hosts.Allow(src.Addr()) {
		m.logger.Debug("host denied", "peer", src, "opcode", hdr.Opcode)
		return
	}

	switch hdr.Opcode {
	case OpIndirectQuery:
		m.handleIndirectQuery(ctx, src, hdr, body)
	case OpForwardQuery:
		m.handleForwardQuery(ctx, src, hdr, body)
	case OpRequest:
		m.handleRequest(ctx, src, hdr, body)
	case OpManage:
		m.handleManage(ctx, src, hdr, body)
	case OpKeepalive:
		m.handleKeepalive(src, hdr, body)
	case OpManagedForward:
		m.handleManagedForward(src, hdr, body)
	case OpGotManagedForward:
		m.handleGotManagedForward(src, hdr, body)
	default:
		m.logger.Debug("unsupported opcode", "opcode", hdr.Opcode, "peer", src)
	}
}

// send encodes via encode into a pooled scratch buffer and transmits the
// result to dst, logging and returning on either failure. what names the
// message for log output.
func (m *Manager) send(dst netip.AddrPort, encode func(buf []byte) ([]byte, error), what string) {
	bufPtr := BufferPool.Get().(*[]byte)
	defer BufferPool.Put(bufPtr)
	buf := *bufPtr

	out, err := encode(buf)
	if err != nil {
		m.logger.Error("encode message", "message", what, "err", err)
		return
	}

	if m.sender == nil {
		return
	}
	if err := m.sender.SendTo(dst, out); err != nil {
		m.logger.Warn("send failed", "message", what, "dst", dst, "err", err)
	}
}

func (m *Manager) sendWilling(ctx context.Context, dst netip.AddrPort, busy bool) {
	status := m.willing.Status(ctx, busy)
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeStatusBody(buf, Header{Version: VersionStandard, Opcode: OpWilling}, StatusBody{Status: []byte(status)})
	}, "WILLING")
}

func (m *Manager) sendUnwilling(dst netip.AddrPort, status string) {
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeStatusBody(buf, Header{Version: VersionStandard, Opcode: OpUnwilling}, StatusBody{Status: []byte(status)})
	}, "UNWILLING")
}

func (m *Manager) sendForwardQuery(dst netip.AddrPort, clientAddr netip.Addr, clientPort uint16, authNames [][]byte) {
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeForwardQueryBody(buf, Header{Version: VersionStandard, Opcode: OpForwardQuery}, ForwardQueryBody{
			ClientAddress:       addrToWire(clientAddr),
			ClientPort:          []byte{byte(clientPort >> 8), byte(clientPort)},
			AuthenticationNames: authNames,
		})
	}, "FORWARD_QUERY")
}

func (m *Manager) sendAccept(dst netip.AddrPort, d *Display) {
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeAcceptBody(buf, Header{Version: VersionStandard, Opcode: OpAccept}, AcceptBody{
			SessionID:         d.SessionID,
			AuthorizationName: []byte(mitMagicCookie1),
			AuthorizationData: d.Cookie[:],
		})
	}, "ACCEPT")
}

func (m *Manager) sendDecline(dst netip.AddrPort, reason DeclineReason) {
	m.metrics.IncDeclines(reason)
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeDeclineBody(buf, Header{Version: VersionStandard, Opcode: OpDecline}, DeclineBody{
			Status: []byte(reason),
		})
	}, "DECLINE")
}

func (m *Manager) sendRefuse(dst netip.AddrPort, sessionID uint32) {
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeRefuseBody(buf, Header{Version: VersionStandard, Opcode: OpRefuse}, RefuseBody{SessionID: sessionID})
	}, "REFUSE")
}

func (m *Manager) sendFailed(dst netip.AddrPort, sessionID uint32, reason DeclineReason) {
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeFailedBody(buf, Header{Version: VersionStandard, Opcode: OpFailed}, FailedBody{
			SessionID: sessionID,
			Status:    []byte(reason),
		})
	}, "FAILED")
}

func (m *Manager) sendAlive(dst netip.AddrPort, running uint8, sessionID uint32) {
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeAliveBody(buf, Header{Version: VersionStandard, Opcode: OpAlive}, AliveBody{
			SessionRunning: running,
			SessionID:      sessionID,
		})
	}, "ALIVE")
}

func (m *Manager) sendManagedForward(managerAddr, origin netip.Addr) {
	dst := netip.AddrPortFrom(managerAddr, DefaultPort)
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeForwardAddressBody(buf, Header{Version: VersionVendor, Opcode: OpManagedForward}, ForwardAddressBody{
			OriginAddress: addrToWire(origin),
		})
	}, "MANAGED_FORWARD")
	m.managedForwards.Send(managerAddr, origin, time.Now())
}

func (m *Manager) sendGotManagedForward(dst netip.AddrPort, originAddrWire []byte) {
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeForwardAddressBody(buf, Header{Version: VersionVendor, Opcode: OpGotManagedForward}, ForwardAddressBody{
			OriginAddress: originAddrWire,
		})
	}, "GOT_MANAGED_FORWARD")
}

// handleQuery serves both QUERY and BROADCAST_QUERY (spec.md §4.7): a
// denied QUERY gets a rate-limited UNWILLING, a denied BROADCAST_QUERY
// is dropped without any reply at all.
func (m *Manager) handleQuery(ctx context.Context, src netip.AddrPort, hdr Header, body []byte) {
	if _, err := DecodeAuthNamesBody(body, hdr.Length); err != nil {
		m.logger.Debug("malformed QUERY", "peer", src, "opcode", hdr.Opcode, "err", err)
		return
	}

	peer := src.Addr()
	if m.hosts.Allow(peer) {
		m.sendWilling(ctx, src, m.isBusy(peer))
		return
	}

	if hdr.Opcode == OpQuery && m.unwilling.Allow(peer, time.Now()) {
		m.sendUnwilling(src, "Host denied")
	}
}

// isBusy reports whether peer should see the " (Server is busy)"
// suffix: a non-local peer at or over the per-host cap, per spec.md §4.8.
func (m *Manager) isBusy(peer netip.Addr) bool {
	if m.localAddrs.IsLocal(peer) {
		return false
	}
	if m.policy.MaxDisplaysPerHost <= 0 {
		return false
	}
	return m.sessions.CountPerHost(peer) >= m.policy.MaxDisplaysPerHost
}

// handleIndirectQuery implements spec.md §4.7's INDIRECT_QUERY contract.
func (m *Manager) handleIndirectQuery(ctx context.Context, src netip.AddrPort, hdr Header, body []byte) {
	authBody, err := DecodeAuthNamesBody(body, hdr.Length)
	if err != nil {
		m.logger.Debug("malformed INDIRECT_QUERY", "peer", src, "err", err)
		return
	}
	if !m.cfg.HonorIndirect {
		return
	}

	origin := src.Addr()
	now := time.Now()

	rec := m.indirect.LookupByOrigin(origin, now)
	if rec == nil {
		rec = m.indirect.Alloc(origin)
	}

	if !rec.Chosen.IsValid() {
		m.sendWilling(ctx, src, m.isBusy(origin))
		return
	}

	if m.localAddrs.IsLocal(rec.Chosen) {
		m.indirect.Dispose(rec)
		m.sendWilling(ctx, src, m.isBusy(origin))
		return
	}

	chosen := netip.AddrPortFrom(rec.Chosen, DefaultPort)

	if IsLoopback(origin) {
		for _, local := range m.localAddrs.NonLoopback() {
			m.sendForwardQuery(chosen, local, DefaultPort, authBody.AuthenticationNames)
		}
		return
	}

	m.sendForwardQuery(chosen, origin, src.Port(), authBody.AuthenticationNames)
}

// handleForwardQuery implements spec.md §4.7's FORWARD_QUERY contract:
// we are the chosen host being asked to vouch directly for a client.
func (m *Manager) handleForwardQuery(ctx context.Context, src netip.AddrPort, hdr Header, body []byte) {
	fq, err := DecodeForwardQueryBody(body, hdr.Length)
	if err != nil {
		m.logger.Debug("malformed FORWARD_QUERY", "peer", src, "err", err)
		return
	}

	clientAddr, err := wireToAddr(fq.ClientAddress)
	if err != nil {
		m.logger.Debug("malformed FORWARD_QUERY address", "peer", src, "err", err)
		return
	}
	clientPort, err := wireToPort(fq.ClientPort)
	if err != nil {
		m.logger.Debug("malformed FORWARD_QUERY port", "peer", src, "err", err)
		return
	}

	relay := src.Addr()
	target := netip.AddrPortFrom(clientAddr, clientPort)
	now := time.Now()

	m.managedForwards.CancelMatching(relay, clientAddr)

	if !m.hosts.Allow(clientAddr) {
		return
	}

	if existing := m.forwards.Lookup(clientAddr, now); existing != nil {
		m.forwards.Dispose(existing)
	}
	m.forwards.Alloc(relay, clientAddr, now)

	m.sendWilling(ctx, target, m.isBusy(clientAddr))
}

// handleRequest implements spec.md §4.7's REQUEST admission sequence.
func (m *Manager) handleRequest(ctx context.Context, src netip.AddrPort, hdr Header, body []byte) {
	req, err := DecodeRequestBody(body, hdr.Length)
	if err != nil {
		m.sendDecline(src, ReasonBadChecksum)
		return
	}

	if !SupportsAuthorization(req.AuthorizationNames) {
		m.sendDecline(src, ReasonUnsupportedAuth)
		return
	}

	now := time.Now()
	purged := m.sessions.PurgeStale(m.cfg.MaxWait, now)
	for i := range purged {
		m.publish(&purged[i], EventDispose)
	}

	peer := src.Addr()
	isLocal := m.localAddrs.IsLocal(peer)

	if reason := m.policy.Admit(m.sessions, peer, isLocal); reason != ReasonNone {
		m.sendDecline(src, reason)
		return
	}

	hostname, rerr := m.resolver.ResolveHostname(ctx, peer)
	if rerr != nil {
		hostname = Hostname{Name: peer.String()}
	}

	cookie, err := m.cookies.NewCookie()
	if err != nil {
		m.logger.Error("generate cookie failed", "peer", src, "err", err)
		return
	}

	d, err := m.sessions.Create(src, req.DisplayNumber, hostname, cookie)
	if err != nil {
		m.logger.Error("allocate session failed", "peer", src, "err", err)
		return
	}

	m.sendAccept(src, d)
}

// handleManage implements spec.md §4.7's MANAGE contract.
func (m *Manager) handleManage(ctx context.Context, src netip.AddrPort, hdr Header, body []byte) {
	mb, err := DecodeManageBody(body, hdr.Length)
	if err != nil {
		m.logger.Debug("malformed MANAGE", "peer", src, "err", err)
		return
	}

	d, ok := m.sessions.ByID(mb.SessionID)
	if !ok {
		m.sendRefuse(src, mb.SessionID)
		return
	}
	if d.Status == StatusManaged {
		return
	}

	peer := src.Addr()
	now := time.Now()

	if m.cfg.HonorIndirect {
		switch rec := m.indirect.LookupByOrigin(peer, now); {
		case rec != nil && !rec.Chosen.IsValid():
			d.UseChooser = true
			d.IndirectID = rec.ID
		case rec != nil:
			d.UseChooser = false
			m.indirect.Dispose(rec)
		default:
			d.UseChooser = false
		}
	}

	if fq := m.forwards.Lookup(peer, now); fq != nil {
		m.sendManagedForward(fq.From, fq.Origin)
		m.forwards.Dispose(fq)
	}

	m.sessions.Manage(d)

	if err := m.spawner.Spawn(ctx, d); err != nil {
		m.logger.Warn("spawn failed", "session", d.SessionID, "peer", src, "err", err)
		m.sendFailed(src, d.SessionID, ReasonSpawnFailed)
		m.sessions.Dispose(d)
		m.publish(d, EventDispose)
		return
	}

	m.publish(d, EventManage)
}

// handleKeepalive implements spec.md §4.7's KEEPALIVE contract.
func (m *Manager) handleKeepalive(src netip.AddrPort, hdr Header, body []byte) {
	kb, err := DecodeKeepaliveBody(body, hdr.Length)
	if err != nil {
		m.logger.Debug("malformed KEEPALIVE", "peer", src, "err", err)
		return
	}

	d, ok := m.sessions.ByID(kb.SessionID)
	if !ok {
		if byAddr, found := m.sessions.ByAddr(src); found && byAddr.DisplayNumber == kb.DisplayNumber {
			d, ok = byAddr, true
		}
	}

	var running uint8
	var sessionID uint32
	if ok && d.Status == StatusManaged {
		running = 1
		sessionID = d.SessionID
	}

	m.sendAlive(src, running, sessionID)
}

// handleManagedForward implements spec.md §4.7's MANAGED_FORWARD
// contract: always reply GOT_MANAGED_FORWARD, even when no matching
// record is found.
func (m *Manager) handleManagedForward(src netip.AddrPort, hdr Header, body []byte) {
	fab, err := DecodeForwardAddressBody(body, hdr.Length)
	if err != nil {
		m.logger.Debug("malformed MANAGED_FORWARD", "peer", src, "err", err)
		return
	}

	origin, addrErr := wireToAddr(fab.OriginAddress)
	if addrErr == nil {
		if rec := m.indirect.LookupByChosen(src.Addr(), origin, m.localAddrs.IsLocal); rec != nil {
			m.logger.Debug("MANAGED_FORWARD matched indirect record",
				"id", rec.ID, "chosen", rec.Chosen, "record_origin", rec.Origin, "origin", origin)
			m.indirect.Dispose(rec)
		}
	} else {
		m.logger.Debug("malformed MANAGED_FORWARD address", "peer", src, "err", addrErr)
	}

	m.sendGotManagedForward(src, fab.OriginAddress)
}

// handleGotManagedForward implements spec.md §4.7's GOT_MANAGED_FORWARD
// contract: cancel the matching retransmit entry.
func (m *Manager) handleGotManagedForward(src netip.AddrPort, hdr Header, body []byte) {
	fab, err := DecodeForwardAddressBody(body, hdr.Length)
	if err != nil {
		m.logger.Debug("malformed GOT_MANAGED_FORWARD", "peer", src, "err", err)
		return
	}

	origin, addrErr := wireToAddr(fab.OriginAddress)
	if addrErr != nil {
		m.logger.Debug("malformed GOT_MANAGED_FORWARD address", "peer", src, "err", addrErr)
		return
	}

	m.managedForwards.CancelMatching(src.Addr(), origin)
}

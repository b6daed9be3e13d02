package xdmcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/tessel-systems/xdmcpd/internal/netio"
)

// Config holds the tunable knobs spec.md §6 exposes for a manager
// instance. DefaultConfig returns one with every field at its default;
// NewManager uses the Config it is given as is and fills in no fields.
type Config struct {
	Port             uint16
	UseMulticast     bool
	MulticastAddress string
	HonorIndirect    bool
	WillingScript    string

	MaxDisplaysPerHost int
	MaxDisplays        int
	MaxPendingDisplays int
	MaxWait            time.Duration

	MaxIndirect     int
	MaxWaitIndirect time.Duration
}

// DefaultConfig returns the configuration spec.md §6 describes as the
// out-of-the-box defaults.
func DefaultConfig() Config {
	return Config{
		Port:               DefaultPort,
		UseMulticast:       false,
		MulticastAddress:   "ff02::1",
		HonorIndirect:      true,
		MaxDisplaysPerHost: DefaultMaxDisplaysPerHost,
		MaxDisplays:        DefaultMaxDisplays,
		MaxPendingDisplays: DefaultMaxPendingDisplays,
		MaxWait:            DefaultMaxWait,
		MaxIndirect:        32,
		MaxWaitIndirect:    120 * time.Second,
	}
}

// Sender abstracts the UDP socket a Manager replies on, letting tests
// supply a fake in place of internal/netio's real socket.
type Sender interface {
	SendTo(addr netip.AddrPort, data []byte) error
}

// MetricsRecorder is the Manager's metrics collaborator, grounded on the
// teacher's bfdmetrics.Collector passed via WithManagerMetrics. Kept as
// a narrow interface here (rather than importing internal/metrics
// directly) to avoid a dependency cycle between the core protocol
// package and its Prometheus wiring.
type MetricsRecorder interface {
	IncRequests(opcode Opcode)
	IncDeclines(reason DeclineReason)
	SetSessionCounts(pending, managed int)
}

type noopMetrics struct{}

func (noopMetrics) IncRequests(Opcode)        {}
func (noopMetrics) IncDeclines(DeclineReason) {}
func (noopMetrics) SetSessionCounts(int, int) {}

// Manager is the top-level XDMCP manager: it owns every piece of
// protocol state (sessions, indirect queries, forward queries, pending
// managed-forward retransmits) and the dispatcher that mutates them.
//
// Per spec.md §5, the dispatcher itself runs single-threaded off one
// event-loop goroutine (see Run). mu exists only to let concurrent admin
// API reads (Snapshot, the SSE feed) take a consistent view of session
// state without blocking the dispatch loop for longer than a map copy.
type Manager struct {
	mu sync.Mutex

	cfg     Config
	logger  *slog.Logger
	metrics MetricsRecorder

	sessions        *SessionTable
	indirect        *IndirectTable
	forwards        *ForwardTable
	managedForwards *ManagedForwardQueue
	policy          *AdmissionPolicy
	willing         *WillingStatus
	unwilling       *UnwillingLimiter

	hosts      HostAllower
	resolver   HostnameResolver
	cookies    CookieGenerator
	spawner    SessionSpawner
	localAddrs *LocalAddrSet

	sender Sender

	notifyMu    sync.Mutex
	subscribers map[int]chan DisplayNotification
	nextSubID   int
}

// notifyBufferSize bounds how many unread DisplayNotifications a single
// SSE subscriber may fall behind by before publish starts dropping events
// for that subscriber specifically, rather than blocking the dispatch
// loop or starving other subscribers.
const notifyBufferSize = 64

// DisplayNotification is emitted on every Display lifecycle transition,
// for the admin API's SSE event stream.
type DisplayNotification struct {
	Display Display
	Event   Event
	At      time.Time
}

// ManagerOption configures optional Manager collaborators, grounded on
// the teacher's functional-options pattern (WithManagerMetrics et al. in
// cmd/gobfd/main.go).
type ManagerOption func(*Manager)

// WithMetrics installs a MetricsRecorder.
func WithMetrics(m MetricsRecorder) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithHostAllower installs a HostAllower; the default admits every host.
func WithHostAllower(h HostAllower) ManagerOption {
	return func(mgr *Manager) { mgr.hosts = h }
}

// WithHostnameResolver installs a HostnameResolver.
func WithHostnameResolver(r HostnameResolver) ManagerOption {
	return func(mgr *Manager) { mgr.resolver = r }
}

// WithCookieGenerator installs a CookieGenerator.
func WithCookieGenerator(c CookieGenerator) ManagerOption {
	return func(mgr *Manager) { mgr.cookies = c }
}

// WithSessionSpawner installs a SessionSpawner; the default is a no-op.
func WithSessionSpawner(s SessionSpawner) ManagerOption {
	return func(mgr *Manager) { mgr.spawner = s }
}

// WithWillingScript installs a WillingScriptRunner backing willing_status().
func WithWillingScript(r WillingScriptRunner) ManagerOption {
	return func(mgr *Manager) { mgr.willing = NewWillingStatus(r) }
}

// WithSender installs the UDP reply path. Required before Run; left
// unset for tests that only exercise dispatch logic against a fake.
func WithSender(s Sender) ManagerOption {
	return func(mgr *Manager) { mgr.sender = s }
}

// NewManager constructs a Manager from cfg, applying any options.
func NewManager(cfg Config, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	var willingRunner WillingScriptRunner
	if cfg.WillingScript != "" {
		willingRunner = NewExecWillingScript(cfg.WillingScript)
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "xdmcp"),
		metrics: noopMetrics{},

		sessions:        NewSessionTable(),
		indirect:        NewIndirectTable(cfg.MaxIndirect, cfg.MaxWaitIndirect),
		forwards:        NewForwardTable(),
		managedForwards: NewManagedForwardQueue(),
		policy: &AdmissionPolicy{
			MaxDisplays:        cfg.MaxDisplays,
			MaxDisplaysPerHost: cfg.MaxDisplaysPerHost,
			MaxPendingDisplays: cfg.MaxPendingDisplays,
			MaxWait:            cfg.MaxWait,
			HonorIndirect:      cfg.HonorIndirect,
		},
		willing:   NewWillingStatus(willingRunner),
		unwilling: NewUnwillingLimiter(),

		hosts:      AllowAllHosts{},
		resolver:   NewNetResolver(3 * time.Second),
		cookies:    CryptoRandCookies{},
		spawner:    NoopSpawner(),
		localAddrs: NewLocalAddrSet(),

		subscribers: make(map[int]chan DisplayNotification),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// tickInterval drives periodic housekeeping: stale-pending purge,
// managed-forward retransmits, local-address refresh, and rate-limiter
// pruning. Short enough that a managed-forward retransmit (every 1.5s)
// never slips by more than one tick.
const tickInterval = 250 * time.Millisecond

// localAddrRefreshInterval bounds how often the host's interface address
// set is re-enumerated; interface changes are rare enough that this need
// not track every tick.
const localAddrRefreshInterval = 30 * time.Second

// Run is the single cooperative event loop spec.md §5 requires: it
// selects over datagrams (fed by internal/netio.Socket.Listen), its own
// housekeeping ticker, and ctx.Done(), and nothing else ever calls
// HandleDatagram or touches protocol state. There is no cross-thread
// sharing to guard here — the mutex on Manager exists solely because the
// admin API (internal/server) reads Snapshot/DeliverChosen/UpdatePolicy
// concurrently from its own HTTP-handler goroutines, not because the
// protocol loop itself is multi-threaded.
func (m *Manager) Run(ctx context.Context, datagrams <-chan netio.Datagram) error {
	if err := m.localAddrs.Refresh(); err != nil {
		m.logger.Warn("initial local address refresh failed", "err", err)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastAddrRefresh := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case dg, ok := <-datagrams:
			if !ok {
				// All netio receive loops have stopped (socket closed,
				// normally as part of the same shutdown that will
				// cancel ctx momentarily). Stop selecting on a
				// permanently-closed channel, which would otherwise
				// spin this loop, and fall back to ctx.Done()/ticker.
				datagrams = nil
				continue
			}
			m.HandleDatagram(ctx, dg.Src, dg.Data)

		case now := <-ticker.C:
			m.tick(now)
			if now.Sub(lastAddrRefresh) >= localAddrRefreshInterval {
				if err := m.localAddrs.Refresh(); err != nil {
					m.logger.Warn("local address refresh failed", "err", err)
				}
				lastAddrRefresh = now
			}
		}
	}
}

func (m *Manager) tick(now time.Time) {
	m.mu.Lock()
	purged := m.sessions.PurgeStale(m.cfg.MaxWait, now)
	pending, managed := m.sessions.NumPending(), m.sessions.NumManaged()
	due := m.managedForwards.Due(now)
	m.mu.Unlock()

	if len(purged) > 0 {
		m.logger.Debug("purged stale pending displays", "count", len(purged))
	}
	for i := range purged {
		m.publish(&purged[i], EventDispose)
	}
	m.metrics.SetSessionCounts(pending, managed)
	m.unwilling.Prune(now)

	for _, e := range due {
		m.resendManagedForward(e)
	}
}

func (m *Manager) resendManagedForward(e *ManagedForwardEntry) {
	dst := netip.AddrPortFrom(e.Manager, DefaultPort)
	m.send(dst, func(buf []byte) ([]byte, error) {
		return EncodeForwardAddressBody(buf, Header{Version: VersionVendor, Opcode: OpManagedForward}, ForwardAddressBody{
			OriginAddress: addrToWire(e.Origin),
		})
	}, "MANAGED_FORWARD retransmit")
}

// DeliverChosen implements the control-input contract of spec.md §6:
// `CHOSEN <indirect-id> <host-node>`. node is resolved to an address and
// recorded as the chosen host for the indirect record with the given id.
func (m *Manager) DeliverChosen(ctx context.Context, indirectID uint32, node string) error {
	addr, err := ResolveFirst(ctx, node)
	if err != nil {
		return fmt.Errorf("resolve chosen host %q: %w", node, err)
	}

	m.mu.Lock()
	ok := m.indirect.DeliverChosen(indirectID, addr, time.Now())
	m.mu.Unlock()

	if !ok {
		return ErrIndirectNotFound
	}
	return nil
}

// UpdatePolicy replaces the live admission-policy numbers (MaxDisplays,
// MaxDisplaysPerHost, MaxPendingDisplays, MaxWait, HonorIndirect) without
// disturbing any existing Display, for the daemon's SIGHUP reload path.
func (m *Manager) UpdatePolicy(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy.MaxDisplays = cfg.MaxDisplays
	m.policy.MaxDisplaysPerHost = cfg.MaxDisplaysPerHost
	m.policy.MaxPendingDisplays = cfg.MaxPendingDisplays
	m.policy.MaxWait = cfg.MaxWait
	m.policy.HonorIndirect = cfg.HonorIndirect
	m.cfg.MaxWait = cfg.MaxWait
	m.cfg.HonorIndirect = cfg.HonorIndirect
}

// Snapshot returns a consistent copy of all live Displays, for the admin
// API's listing endpoint.
func (m *Manager) Snapshot() []Display {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Snapshot()
}

// Subscribe registers a new DisplayNotification listener, for the admin
// API's SSE feed. Every subscriber receives every notification
// independently — unlike a single shared channel, one slow or idle SSE
// client can never starve another of events. The returned id must be
// passed to Unsubscribe once the caller is done (typically when the SSE
// client disconnects), or the subscriber channel leaks until Close.
func (m *Manager) Subscribe() (id int, notifications <-chan DisplayNotification) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.nextSubID++
	id = m.nextSubID
	ch := make(chan DisplayNotification, notifyBufferSize)
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes the subscriber channel registered under
// id. Safe to call more than once or with an unknown id.
func (m *Manager) Unsubscribe(id int) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	if ch, ok := m.subscribers[id]; ok {
		delete(m.subscribers, id)
		close(ch)
	}
}

func (m *Manager) publish(d *Display, ev Event) {
	notification := DisplayNotification{Display: *d, Event: ev, At: time.Now()}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	for id, ch := range m.subscribers {
		select {
		case ch <- notification:
		default:
			m.logger.Warn("notification subscriber full, dropping event", "subscriber", id, "session", d.SessionID)
		}
	}
}

// Close releases resources the Manager owns: every live SSE subscriber
// channel is closed, ending its stream. The housekeeping loop is stopped
// by cancelling the context passed to Run, not by Close.
func (m *Manager) Close() error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	for id, ch := range m.subscribers {
		delete(m.subscribers, id)
		close(ch)
	}
	return nil
}

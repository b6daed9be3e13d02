package xdmcp

import (
	"context"
	"net/netip"
	"os"
	"runtime"
	"sync"
	"time"
)

// Defaults for AdmissionPolicy fields, per spec.md §6's configuration keys.
const (
	DefaultMaxDisplaysPerHost = 2
	DefaultMaxDisplays        = 16
	DefaultMaxPendingDisplays = 4
	DefaultMaxWait            = 15 * time.Second
)

// DeclineReason is the exact ASCII status string spec.md §4.7/§7 requires
// on the wire when a REQUEST is refused.
type DeclineReason string

// ReasonNone means the REQUEST is admissible.
const ReasonNone DeclineReason = ""

// Decline reasons, verbatim per spec.md §7's error taxonomy.
const (
	ReasonMaxSessions        DeclineReason = "Maximum number of open sessions reached"
	ReasonMaxSessionsPerHost DeclineReason = "Maximum number of open sessions from your host reached"
	ReasonMaxPending         DeclineReason = "Maximum pending servers"
	ReasonBadChecksum        DeclineReason = "Failed checksum"
	ReasonUnsupportedAuth    DeclineReason = "Only MIT-MAGIC-COOKIE-1 supported"
	ReasonSpawnFailed        DeclineReason = "Failed to start session"
)

// AdmissionPolicy enforces spec.md §4.8's capacity rules over a
// SessionTable, grounded on the teacher's UnsolicitedPolicy layered
// validation pattern in internal/bfd/unsolicited.go (each check runs in
// order and the first failure wins).
type AdmissionPolicy struct {
	MaxDisplays        int
	MaxDisplaysPerHost int
	MaxPendingDisplays int
	MaxWait            time.Duration
	HonorIndirect      bool
}

// Admit decides whether a REQUEST from peer should be accepted, applying
// the three capacity checks in the order spec.md §4.7 specifies.
// isLocalPeer exempts the per-host cap for requests originating from one
// of this host's own addresses.
func (p *AdmissionPolicy) Admit(sessions *SessionTable, peer netip.Addr, isLocalPeer bool) DeclineReason {
	if p.MaxDisplays > 0 && sessions.NumManaged() >= p.MaxDisplays {
		return ReasonMaxSessions
	}
	if !isLocalPeer && p.MaxDisplaysPerHost > 0 && sessions.CountPerHost(peer) >= p.MaxDisplaysPerHost {
		return ReasonMaxSessionsPerHost
	}
	if p.MaxPendingDisplays > 0 && sessions.NumPending() >= p.MaxPendingDisplays {
		return ReasonMaxPending
	}
	return ReasonNone
}

// mitMagicCookie1 is the only authorization scheme this manager accepts,
// per spec.md §4.7 ("exact 18-byte literal, case-sensitive").
const mitMagicCookie1 = "MIT-MAGIC-COOKIE-1"

// SupportsAuthorization reports whether names contains the literal
// MIT-MAGIC-COOKIE-1 authorization scheme.
func SupportsAuthorization(names [][]byte) bool {
	for _, name := range names {
		if string(name) == mitMagicCookie1 {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------
// willing_status()
// -----------------------------------------------------------------------

// WillingStatusCacheTTL bounds how long a willing_script result is reused
// before it is re-run, per spec.md §4.8 ("cached 3s").
const WillingStatusCacheTTL = 3 * time.Second

// busySuffix is appended when the policy judges the host effectively
// full for a non-local peer, per spec.md §4.8.
const busySuffix = " (Server is busy)"

// WillingStatus computes the status string carried in WILLING, caching
// the configured script's output for WillingStatusCacheTTL so a burst of
// QUERYs does not spawn a process per datagram — grounded on the
// teacher's cached-result pattern around willingScriptRunner.
type WillingStatus struct {
	mu       sync.Mutex
	runner   WillingScriptRunner
	cached   string
	cachedAt time.Time
}

// NewWillingStatus creates a WillingStatus. runner may be nil, in which
// case Status always falls back to the platform sysid string.
func NewWillingStatus(runner WillingScriptRunner) *WillingStatus {
	return &WillingStatus{runner: runner}
}

// Status returns the current willing-status line, appending busySuffix
// when busy is true.
func (w *WillingStatus) Status(ctx context.Context, busy bool) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if w.cached == "" || now.Sub(w.cachedAt) > WillingStatusCacheTTL {
		w.cached = w.refresh(ctx)
		w.cachedAt = now
	}

	status := w.cached
	if busy {
		status += busySuffix
	}
	return status
}

func (w *WillingStatus) refresh(ctx context.Context) string {
	if w.runner == nil {
		return platformSysID()
	}
	line, err := w.runner.Run(ctx)
	if err != nil || line == "" {
		return platformSysID()
	}
	return line
}

// platformSysID is the fallback willing-status line when no
// willing_script is configured, or it fails — spec.md §4.8's "platform
// sysid string fallback".
func platformSysID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return runtime.GOOS
	}
	return host + " " + runtime.GOOS
}

// -----------------------------------------------------------------------
// UNWILLING rate limiting
// -----------------------------------------------------------------------

// UnwillingRateLimit is the maximum rate of UNWILLING replies sent to any
// one host, per spec.md §4.8.
const UnwillingRateLimit = 1 * time.Second

// UnwillingLimiter tracks the last UNWILLING send time per host. The
// limit is scoped per-host rather than globally: spec.md §9 leaves this
// an open design choice, and a global limit would let one noisy denied
// host starve UNWILLING replies owed to every other host.
type UnwillingLimiter struct {
	mu   sync.Mutex
	last map[netip.Addr]time.Time
}

// NewUnwillingLimiter creates an empty limiter.
func NewUnwillingLimiter() *UnwillingLimiter {
	return &UnwillingLimiter{last: make(map[netip.Addr]time.Time)}
}

// Allow reports whether an UNWILLING to host may be sent now, recording
// the send as a side effect if permitted.
func (l *UnwillingLimiter) Allow(host netip.Addr, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.last[host]; ok && now.Sub(last) < UnwillingRateLimit {
		return false
	}
	l.last[host] = now
	return true
}

// Prune discards entries older than UnwillingRateLimit, keeping the map
// from growing unbounded across the lifetime of a long-running manager.
func (l *UnwillingLimiter) Prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for host, last := range l.last {
		if now.Sub(last) >= UnwillingRateLimit {
			delete(l.last, host)
		}
	}
}

package xdmcp

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/netip"
	"os/exec"
	"time"
)

// Cookie is a 16-byte MIT-MAGIC-COOKIE-1 authorization secret.
type Cookie [16]byte

// Hex renders the cookie as lowercase hex, the form most auth-file
// tooling expects alongside the binary form carried on the wire.
func (c Cookie) Hex() string {
	return fmt.Sprintf("%x", c[:])
}

// HostAllower is the ACL collaborator: spec.md §1 abstracts
// TCP-wrappers-style host ACLs behind this single predicate.
type HostAllower interface {
	Allow(addr netip.Addr) bool
}

// AllowAllHosts is the default HostAllower used when no ACL is
// configured — every host is admitted, matching spec.md's framing of
// host ACLs as an external, optional collaborator.
type AllowAllHosts struct{}

// Allow always reports true.
func (AllowAllHosts) Allow(netip.Addr) bool { return true }

// HostnameResolver performs the one-shot reverse lookup spec.md §6
// requires for REQUEST admission.
type HostnameResolver interface {
	ResolveHostname(ctx context.Context, addr netip.Addr) (Hostname, error)
}

// CookieGenerator mints MIT-MAGIC-COOKIE-1 authorization secrets.
type CookieGenerator interface {
	NewCookie() (Cookie, error)
}

// CryptoRandCookies is the default CookieGenerator, grounded on the
// teacher's use of crypto/rand for security-relevant randomness
// (internal/bfd/discriminator.go's allocator seed).
type CryptoRandCookies struct{}

// NewCookie fills a Cookie with 16 bytes of crypto/rand output.
func (CryptoRandCookies) NewCookie() (Cookie, error) {
	var c Cookie
	if _, err := rand.Read(c[:]); err != nil {
		return Cookie{}, fmt.Errorf("generate cookie: %w", err)
	}
	return c, nil
}

// SessionSpawner hands a newly MANAGED Display off to the external slave
// subsystem (spawn the X server + greeter). Out of scope per spec.md §1;
// referenced only by interface.
type SessionSpawner interface {
	Spawn(ctx context.Context, d *Display) error
}

// noopSpawner is a SessionSpawner that always succeeds without doing
// anything, used by tests and by daemon configurations that delegate
// spawning to an external process via some other channel — grounded on
// the teacher's noopSender placeholder in internal/server/server.go.
type noopSpawner struct{}

// Spawn reports success without side effects.
func (noopSpawner) Spawn(context.Context, *Display) error { return nil }

// NoopSpawner returns a SessionSpawner that always succeeds.
func NoopSpawner() SessionSpawner { return noopSpawner{} }

// WillingScriptRunner executes the configured willing_script and returns
// its first line of output, per spec.md §4.8.
type WillingScriptRunner interface {
	Run(ctx context.Context) (string, error)
}

// execWillingScript runs a configured script path with exec.CommandContext,
// the time-bounded-child-process pattern spec.md §9 calls for ("treat the
// child process and its stdout as a time-bounded operation").
type execWillingScript struct {
	path string
}

// NewExecWillingScript creates a WillingScriptRunner that executes path.
func NewExecWillingScript(path string) WillingScriptRunner {
	return &execWillingScript{path: path}
}

const maxWillingScriptLine = 256

// willingScriptTimeout caps the wall-clock time of one script run.
const willingScriptTimeout = 3 * time.Second

// Run executes the script, killing it once willingScriptTimeout elapses,
// and returns its first output line, truncated to maxWillingScriptLine
// bytes per spec.md §4.8.
func (e *execWillingScript) Run(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, willingScriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.path)

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("run willing script %q: %w", e.path, err)
	}

	line := firstLine(out)
	if len(line) > maxWillingScriptLine {
		line = line[:maxWillingScriptLine]
	}

	return line, nil
}

// firstLine returns the bytes of b up to (not including) the first
// newline, or all of b if none is present.
func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}

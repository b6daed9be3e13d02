package xdmcp

import "errors"

// Shared sentinel errors used across the session, table, and dispatcher
// files. Per-file errors specific to one concern (wire decoding, policy)
// live alongside that file instead of here.
var (
	// ErrNoAddresses indicates a name resolved to zero usable addresses.
	ErrNoAddresses = errors.New("xdmcp: name resolved to no addresses")

	// ErrSessionNotFound indicates a lookup by session id found nothing live.
	ErrSessionNotFound = errors.New("xdmcp: no session with that id")

	// ErrAllocatorExhausted indicates the session-id allocator could not
	// find a free id after a bounded number of attempts.
	ErrAllocatorExhausted = errors.New("xdmcp: session id allocator exhausted")

	// ErrIndirectNotFound indicates a lookup by indirect id found nothing live.
	ErrIndirectNotFound = errors.New("xdmcp: no indirect record with that id")

	// ErrUnsupportedOpcode indicates a datagram used an opcode the
	// dispatcher does not recognize; the caller should log and drop.
	ErrUnsupportedOpcode = errors.New("xdmcp: unsupported opcode")

	// ErrHostDenied indicates host_allow(src) returned false.
	ErrHostDenied = errors.New("xdmcp: host denied")
)

// Package xdmcp implements the XDMCP (X Display Manager Control Protocol)
// manager: wire codec, session bookkeeping, and the protocol dispatcher
// that serves remote X displays.
package xdmcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Version identifies the XDMCP header version. Standard opcodes are
// carried at VersionStandard; the vendor MANAGED_FORWARD/GOT_MANAGED_FORWARD
// pair is carried at VersionVendor.
const (
	VersionStandard uint16 = 1
	VersionVendor   uint16 = 1001
)

// HeaderSize is the fixed size of an XDMCP header: version, opcode,
// length, each a CARD16.
const HeaderSize = 6

// MaxDatagramSize bounds the scratch buffer used for encode/decode. It
// covers the largest datagram a conforming peer should send (well above
// any realistic ARRAYofARRAY8 of authentication names) while staying
// under the UDP payload ceiling.
const MaxDatagramSize = 65507

// Opcode identifies an XDMCP message type.
type Opcode uint16

// Standard opcodes, plus the two vendor extensions carried at VersionVendor.
const (
	OpBroadcastQuery    Opcode = 0
	OpQuery             Opcode = 1
	OpIndirectQuery     Opcode = 2
	OpForwardQuery      Opcode = 3
	OpWilling           Opcode = 4
	OpUnwilling         Opcode = 5
	OpRequest           Opcode = 6
	OpAccept            Opcode = 7
	OpDecline           Opcode = 8
	OpManage            Opcode = 9
	OpRefuse            Opcode = 10
	OpFailed            Opcode = 11
	OpKeepalive         Opcode = 12
	OpAlive             Opcode = 13
	OpManagedForward    Opcode = 1000
	OpGotManagedForward Opcode = 1001
)

var opcodeNames = map[Opcode]string{
	OpBroadcastQuery:    "BROADCAST_QUERY",
	OpQuery:             "QUERY",
	OpIndirectQuery:     "INDIRECT_QUERY",
	OpForwardQuery:      "FORWARD_QUERY",
	OpWilling:           "WILLING",
	OpUnwilling:         "UNWILLING",
	OpRequest:           "REQUEST",
	OpAccept:            "ACCEPT",
	OpDecline:           "DECLINE",
	OpManage:            "MANAGE",
	OpRefuse:            "REFUSE",
	OpFailed:            "FAILED",
	OpKeepalive:         "KEEPALIVE",
	OpAlive:             "ALIVE",
	OpManagedForward:    "MANAGED_FORWARD",
	OpGotManagedForward: "GOT_MANAGED_FORWARD",
}

// String renders the opcode's mnemonic name, or "OPCODE(n)" if unknown.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE(%d)", uint16(o))
}

// Sentinel errors for header and field decoding. Each failure mode gets
// its own sentinel so callers can distinguish "truncated" from "declared
// length lies" from "unsupported version" without string matching.
var (
	ErrPacketTooShort      = errors.New("xdmcp: packet shorter than header")
	ErrInvalidVersion      = errors.New("xdmcp: unsupported header version")
	ErrTruncatedField      = errors.New("xdmcp: field truncated before declared bounds")
	ErrLengthMismatch      = errors.New("xdmcp: declared length does not match bytes consumed")
	ErrTrailingBytes       = errors.New("xdmcp: trailing bytes after declared length")
	ErrArrayTooLarge       = errors.New("xdmcp: array length exceeds remaining buffer")
	ErrBufferTooSmall      = errors.New("xdmcp: scratch buffer too small for encode")
	ErrUnexpectedArrayType = errors.New("xdmcp: array-of-array element too large for CARD8 count")
)

// BufferPool supplies reusable scratch buffers for encode and decode.
// Grounded on the teacher's sync.Pool-backed PacketPool: callers Get a
// buffer, use it for exactly one packet, and Put it back.
var BufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}

// Header is the fixed 6-byte XDMCP header preceding every message.
type Header struct {
	Version uint16
	Opcode  Opcode
	Length  uint16
}

// DecodeHeader reads a Header from the front of buf. buf must be at
// least HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrPacketTooShort
	}

	h := Header{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Opcode:  Opcode(binary.BigEndian.Uint16(buf[2:4])),
		Length:  binary.BigEndian.Uint16(buf[4:6]),
	}

	if h.Version != VersionStandard && h.Version != VersionVendor {
		return Header{}, fmt.Errorf("%w: %d", ErrInvalidVersion, h.Version)
	}

	return h, nil
}

// EncodeHeader writes a Header to the front of buf. buf must be at
// least HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) error {
	if len(buf) < HeaderSize {
		return ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Opcode))
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	return nil
}

// -----------------------------------------------------------------------
// cursor — bounds-checked read/write over a byte slice
// -----------------------------------------------------------------------

// reader walks a byte slice field by field, tracking how many bytes have
// been consumed so the caller can verify the declared length afterward.
type reader struct {
	buf []byte
	off int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

// consumed reports how many bytes have been read so far.
func (r *reader) consumed() int {
	return r.off
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) card8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncatedField
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) card16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrTruncatedField
	}
	v := binary.BigEndian.Uint16(r.buf[r.off : r.off+2])
	r.off += 2
	return v, nil
}

func (r *reader) card32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTruncatedField
	}
	v := binary.BigEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

// array8 reads a CARD16 length n followed by n bytes.
func (r *reader) array8() ([]byte, error) {
	n, err := r.card16()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, fmt.Errorf("%w: ARRAY8 declared %d, have %d", ErrArrayTooLarge, n, r.remaining())
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return v, nil
}

// array16 reads a CARD16 length n followed by n CARD16s.
func (r *reader) array16() ([]uint16, error) {
	n, err := r.card16()
	if err != nil {
		return nil, err
	}
	need := int(n) * 2
	if r.remaining() < need {
		return nil, fmt.Errorf("%w: ARRAY16 declared %d, have %d", ErrArrayTooLarge, n, r.remaining())
	}
	v := make([]uint16, n)
	for i := range v {
		v[i] = binary.BigEndian.Uint16(r.buf[r.off : r.off+2])
		r.off += 2
	}
	return v, nil
}

// arrayOfArray8 reads a CARD8 length n followed by n ARRAY8 elements.
func (r *reader) arrayOfArray8() ([][]byte, error) {
	n, err := r.card8()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, n)
	for i := range out {
		elem, elemErr := r.array8()
		if elemErr != nil {
			return nil, elemErr
		}
		out[i] = elem
	}
	return out, nil
}

// writer accumulates encoded fields into buf, tracking the write offset.
type writer struct {
	buf []byte
	off int
}

func newWriter(buf []byte) *writer {
	return &writer{buf: buf}
}

func (w *writer) bytes() []byte {
	return w.buf[:w.off]
}

func (w *writer) avail() int {
	return len(w.buf) - w.off
}

func (w *writer) card8(v uint8) error {
	if w.avail() < 1 {
		return ErrBufferTooSmall
	}
	w.buf[w.off] = v
	w.off++
	return nil
}

func (w *writer) card16(v uint16) error {
	if w.avail() < 2 {
		return ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(w.buf[w.off:w.off+2], v)
	w.off += 2
	return nil
}

func (w *writer) card32(v uint32) error {
	if w.avail() < 4 {
		return ErrBufferTooSmall
	}
	binary.BigEndian.PutUint32(w.buf[w.off:w.off+4], v)
	w.off += 4
	return nil
}

func (w *writer) array8(v []byte) error {
	if len(v) > 0xFFFF {
		return ErrArrayTooLarge
	}
	if err := w.card16(uint16(len(v))); err != nil {
		return err
	}
	if w.avail() < len(v) {
		return ErrBufferTooSmall
	}
	copy(w.buf[w.off:], v)
	w.off += len(v)
	return nil
}

func (w *writer) array16(v []uint16) error {
	if len(v) > 0xFFFF {
		return ErrArrayTooLarge
	}
	if err := w.card16(uint16(len(v))); err != nil {
		return err
	}
	for _, e := range v {
		if err := w.card16(e); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) arrayOfArray8(v [][]byte) error {
	if len(v) > 0xFF {
		return ErrUnexpectedArrayType
	}
	if err := w.card8(uint8(len(v))); err != nil {
		return err
	}
	for _, e := range v {
		if err := w.array8(e); err != nil {
			return err
		}
	}
	return nil
}

// -----------------------------------------------------------------------
// Message payloads
// -----------------------------------------------------------------------

// AuthNamesBody is the shared payload shape of QUERY, BROADCAST_QUERY,
// and INDIRECT_QUERY: a single ARRAYofARRAY8 of authentication-name
// strings the client is willing to use.
type AuthNamesBody struct {
	AuthenticationNames [][]byte
}

// ForwardQueryBody is the FORWARD_QUERY payload: the address/port of the
// client being vouched for, plus its offered authentication names.
type ForwardQueryBody struct {
	ClientAddress       []byte
	ClientPort          []byte
	AuthenticationNames [][]byte
}

// StatusBody is the shared payload shape of WILLING and UNWILLING: a
// single ARRAY8 status string.
type StatusBody struct {
	Status []byte
}

// RequestBody is the REQUEST payload (the admission request proper).
type RequestBody struct {
	DisplayNumber       uint16
	ConnectionTypes     []uint16
	ConnectionAddresses [][]byte
	AuthenticationName  []byte
	AuthenticationData  []byte
	AuthorizationNames  [][]byte
	ManufacturerID      []byte
}

// AcceptBody is the ACCEPT payload sent in response to an admitted REQUEST.
type AcceptBody struct {
	SessionID          uint32
	AuthenticationName []byte
	AuthorizationName  []byte
	AuthorizationData  []byte
}

// DeclineBody is the DECLINE payload sent in response to a refused REQUEST.
type DeclineBody struct {
	Status             []byte
	AuthenticationName []byte
	AuthenticationData []byte
}

// ManageBody is the MANAGE payload.
type ManageBody struct {
	SessionID     uint32
	DisplayNumber uint16
	DisplayClass  []byte
}

// RefuseBody is the REFUSE payload: the session id the peer asked about.
type RefuseBody struct {
	SessionID uint32
}

// FailedBody is the FAILED payload: a session id and an ASCII reason.
type FailedBody struct {
	SessionID uint32
	Status    []byte
}

// KeepaliveBody is the KEEPALIVE payload.
type KeepaliveBody struct {
	DisplayNumber uint16
	SessionID     uint32
}

// AliveBody is the ALIVE payload sent in response to KEEPALIVE.
type AliveBody struct {
	SessionRunning uint8
	SessionID      uint32
}

// ForwardAddressBody is the shared payload shape of MANAGED_FORWARD and
// GOT_MANAGED_FORWARD: a single ARRAY8 carrying the origin address.
type ForwardAddressBody struct {
	OriginAddress []byte
}

// finish verifies that the header's declared Length matches the number
// of bytes the reader actually consumed, per spec: the declared length
// is the "checksum" used throughout this protocol.
func finish(r *reader, declared uint16) error {
	if r.consumed() != int(declared) {
		return fmt.Errorf("%w: declared %d, consumed %d", ErrLengthMismatch, declared, r.consumed())
	}
	return nil
}

// DecodeAuthNamesBody decodes the QUERY/BROADCAST_QUERY/INDIRECT_QUERY payload.
func DecodeAuthNamesBody(body []byte, declaredLen uint16) (AuthNamesBody, error) {
	r := newReader(body)
	names, err := r.arrayOfArray8()
	if err != nil {
		return AuthNamesBody{}, err
	}
	if err := finish(r, declaredLen); err != nil {
		return AuthNamesBody{}, err
	}
	return AuthNamesBody{AuthenticationNames: names}, nil
}

// EncodeAuthNamesBody writes an AuthNamesBody with the given header (the
// caller supplies Opcode/Version).
func EncodeAuthNamesBody(buf []byte, hdr Header, b AuthNamesBody) ([]byte, error) {
	w := newWriter(buf[HeaderSize:])
	if err := w.arrayOfArray8(b.AuthenticationNames); err != nil {
		return nil, err
	}
	hdr.Length = uint16(w.off)
	if err := EncodeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf[:HeaderSize+w.off], nil
}

// DecodeForwardQueryBody decodes the FORWARD_QUERY payload.
func DecodeForwardQueryBody(body []byte, declaredLen uint16) (ForwardQueryBody, error) {
	r := newReader(body)

	addr, err := r.array8()
	if err != nil {
		return ForwardQueryBody{}, err
	}
	port, err := r.array8()
	if err != nil {
		return ForwardQueryBody{}, err
	}
	names, err := r.arrayOfArray8()
	if err != nil {
		return ForwardQueryBody{}, err
	}
	if err := finish(r, declaredLen); err != nil {
		return ForwardQueryBody{}, err
	}

	return ForwardQueryBody{
		ClientAddress:       addr,
		ClientPort:          port,
		AuthenticationNames: names,
	}, nil
}

// EncodeForwardQueryBody writes a FORWARD_QUERY message.
func EncodeForwardQueryBody(buf []byte, hdr Header, b ForwardQueryBody) ([]byte, error) {
	w := newWriter(buf[HeaderSize:])
	if err := w.array8(b.ClientAddress); err != nil {
		return nil, err
	}
	if err := w.array8(b.ClientPort); err != nil {
		return nil, err
	}
	if err := w.arrayOfArray8(b.AuthenticationNames); err != nil {
		return nil, err
	}
	hdr.Length = uint16(w.off)
	if err := EncodeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf[:HeaderSize+w.off], nil
}

// DecodeStatusBody decodes the WILLING/UNWILLING payload.
func DecodeStatusBody(body []byte, declaredLen uint16) (StatusBody, error) {
	r := newReader(body)
	status, err := r.array8()
	if err != nil {
		return StatusBody{}, err
	}
	if err := finish(r, declaredLen); err != nil {
		return StatusBody{}, err
	}
	return StatusBody{Status: status}, nil
}

// EncodeStatusBody writes a WILLING/UNWILLING message.
func EncodeStatusBody(buf []byte, hdr Header, b StatusBody) ([]byte, error) {
	w := newWriter(buf[HeaderSize:])
	if err := w.array8(b.Status); err != nil {
		return nil, err
	}
	hdr.Length = uint16(w.off)
	if err := EncodeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf[:HeaderSize+w.off], nil
}

// DecodeRequestBody decodes the REQUEST payload.
func DecodeRequestBody(body []byte, declaredLen uint16) (RequestBody, error) {
	r := newReader(body)

	var b RequestBody
	var err error

	if b.DisplayNumber, err = r.card16(); err != nil {
		return RequestBody{}, err
	}
	if b.ConnectionTypes, err = r.array16(); err != nil {
		return RequestBody{}, err
	}
	if b.ConnectionAddresses, err = r.arrayOfArray8(); err != nil {
		return RequestBody{}, err
	}
	if b.AuthenticationName, err = r.array8(); err != nil {
		return RequestBody{}, err
	}
	if b.AuthenticationData, err = r.array8(); err != nil {
		return RequestBody{}, err
	}
	if b.AuthorizationNames, err = r.arrayOfArray8(); err != nil {
		return RequestBody{}, err
	}
	if b.ManufacturerID, err = r.array8(); err != nil {
		return RequestBody{}, err
	}
	if err := finish(r, declaredLen); err != nil {
		return RequestBody{}, err
	}

	return b, nil
}

// EncodeAcceptBody writes an ACCEPT message.
func EncodeAcceptBody(buf []byte, hdr Header, b AcceptBody) ([]byte, error) {
	w := newWriter(buf[HeaderSize:])
	if err := w.card32(b.SessionID); err != nil {
		return nil, err
	}
	if err := w.array8(b.AuthenticationName); err != nil {
		return nil, err
	}
	if err := w.array8(b.AuthorizationName); err != nil {
		return nil, err
	}
	if err := w.array8(b.AuthorizationData); err != nil {
		return nil, err
	}
	hdr.Length = uint16(w.off)
	if err := EncodeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf[:HeaderSize+w.off], nil
}

// EncodeDeclineBody writes a DECLINE message.
func EncodeDeclineBody(buf []byte, hdr Header, b DeclineBody) ([]byte, error) {
	w := newWriter(buf[HeaderSize:])
	if err := w.array8(b.Status); err != nil {
		return nil, err
	}
	if err := w.array8(b.AuthenticationName); err != nil {
		return nil, err
	}
	if err := w.array8(b.AuthenticationData); err != nil {
		return nil, err
	}
	hdr.Length = uint16(w.off)
	if err := EncodeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf[:HeaderSize+w.off], nil
}

// DecodeManageBody decodes the MANAGE payload.
func DecodeManageBody(body []byte, declaredLen uint16) (ManageBody, error) {
	r := newReader(body)

	var b ManageBody
	var err error

	if b.SessionID, err = r.card32(); err != nil {
		return ManageBody{}, err
	}
	if b.DisplayNumber, err = r.card16(); err != nil {
		return ManageBody{}, err
	}
	if b.DisplayClass, err = r.array8(); err != nil {
		return ManageBody{}, err
	}
	if err := finish(r, declaredLen); err != nil {
		return ManageBody{}, err
	}

	return b, nil
}

// EncodeRefuseBody writes a REFUSE message.
func EncodeRefuseBody(buf []byte, hdr Header, b RefuseBody) ([]byte, error) {
	w := newWriter(buf[HeaderSize:])
	if err := w.card32(b.SessionID); err != nil {
		return nil, err
	}
	hdr.Length = uint16(w.off)
	if err := EncodeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf[:HeaderSize+w.off], nil
}

// EncodeFailedBody writes a FAILED message.
func EncodeFailedBody(buf []byte, hdr Header, b FailedBody) ([]byte, error) {
	w := newWriter(buf[HeaderSize:])
	if err := w.card32(b.SessionID); err != nil {
		return nil, err
	}
	if err := w.array8(b.Status); err != nil {
		return nil, err
	}
	hdr.Length = uint16(w.off)
	if err := EncodeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf[:HeaderSize+w.off], nil
}

// DecodeKeepaliveBody decodes the KEEPALIVE payload.
func DecodeKeepaliveBody(body []byte, declaredLen uint16) (KeepaliveBody, error) {
	r := newReader(body)

	var b KeepaliveBody
	var err error

	if b.DisplayNumber, err = r.card16(); err != nil {
		return KeepaliveBody{}, err
	}
	if b.SessionID, err = r.card32(); err != nil {
		return KeepaliveBody{}, err
	}
	if err := finish(r, declaredLen); err != nil {
		return KeepaliveBody{}, err
	}

	return b, nil
}

// EncodeAliveBody writes an ALIVE message.
func EncodeAliveBody(buf []byte, hdr Header, b AliveBody) ([]byte, error) {
	w := newWriter(buf[HeaderSize:])
	if err := w.card8(b.SessionRunning); err != nil {
		return nil, err
	}
	if err := w.card32(b.SessionID); err != nil {
		return nil, err
	}
	hdr.Length = uint16(w.off)
	if err := EncodeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf[:HeaderSize+w.off], nil
}

// DecodeForwardAddressBody decodes the MANAGED_FORWARD/GOT_MANAGED_FORWARD payload.
func DecodeForwardAddressBody(body []byte, declaredLen uint16) (ForwardAddressBody, error) {
	r := newReader(body)
	addr, err := r.array8()
	if err != nil {
		return ForwardAddressBody{}, err
	}
	if err := finish(r, declaredLen); err != nil {
		return ForwardAddressBody{}, err
	}
	return ForwardAddressBody{OriginAddress: addr}, nil
}

// EncodeForwardAddressBody writes a MANAGED_FORWARD/GOT_MANAGED_FORWARD message.
func EncodeForwardAddressBody(buf []byte, hdr Header, b ForwardAddressBody) ([]byte, error) {
	w := newWriter(buf[HeaderSize:])
	if err := w.array8(b.OriginAddress); err != nil {
		return nil, err
	}
	hdr.Length = uint16(w.off)
	if err := EncodeHeader(buf, hdr); err != nil {
		return nil, err
	}
	return buf[:HeaderSize+w.off], nil
}

// Decode splits a raw datagram into its Header and undecoded body, after
// validating that the header's declared length does not exceed what is
// actually present — the first defense against truncated or oversized
// claims before any per-opcode decoder runs.
func Decode(datagram []byte) (Header, []byte, error) {
	hdr, err := DecodeHeader(datagram)
	if err != nil {
		return Header{}, nil, err
	}

	body := datagram[HeaderSize:]
	if len(body) < int(hdr.Length) {
		return Header{}, nil, ErrTruncatedField
	}
	if len(body) > int(hdr.Length) {
		return Header{}, nil, ErrTrailingBytes
	}

	return hdr, body, nil
}

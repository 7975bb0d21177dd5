package link

import (
	"crypto/rsa"
	"crypto/x509"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/control"
)

// CellHandler receives fixed-length cells dispatched from a link's inbound
// queue. It must not block: the link layer is driven cooperatively and a
// blocking handler stalls that link's pump goroutine.
type CellHandler func(l *Link, c *cell.Cell)

// VarCellHandler receives variable-length cells.
type VarCellHandler func(l *Link, c *cell.Cell)

// ListenerHandler receives incoming links accepted by a listening Link.
type ListenerHandler func(listener, incoming *Link)

// cellKind tags a queued entry as carrying a fixed or variable cell, the
// sum type described for the inbound queue.
type cellKind int

const (
	kindFixed cellKind = iota
	kindVar
)

// queuedCell is one entry in a link's inbound cell queue.
type queuedCell struct {
	kind cellKind
	cell *cell.Cell
}

// queuedOutbound is one entry in a link's outbound cell queue.
type queuedOutbound struct {
	kind cellKind
	cell *cell.Cell
}

// incomingEntry is one entry in a listener's accept queue.
type incomingEntry struct {
	link *Link
}

// Identity is the 20-byte SHA-1 digest of a peer's RSA-1024 identity key.
type Identity [20]byte

// IsZero reports whether the identity has not yet been bound by a
// handshake.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Config carries the ambient settings a Link and its handshake engine need
// that are not part of the wire protocol itself.
type Config struct {
	// PublicServerMode, when true, makes this node offer AUTH_CHALLENGE
	// when it is the responder, and, when it is the initiator and Identity
	// is set, answer an AUTH_CHALLENGE that offers RSA_SHA256_TLSSECRET
	// with CERTS and AUTHENTICATE.
	PublicServerMode bool
	// IsTrustedDirectory reports whether a peer address is one of this
	// node's trusted directory authorities, used to pick the clock-skew
	// log severity.
	IsTrustedDirectory func(addr string) bool
	// HandshakeTimeout bounds how long the handshake may take before the
	// link is driven to ERROR.
	HandshakeTimeout time.Duration

	// GuardPolicyAllows is consulted by do_open_actions when this side
	// started the link; returning false keeps the link OPEN but withholds
	// it from circuit attachment until a future call returns true. A nil
	// policy allows every link.
	GuardPolicyAllows func(l *Link) bool

	// OnCircuitsPending is called on entering OPEN (started-here) and
	// lets the circuit layer know the link is ready to carry circuits, or
	// (from closed()) that pending circuits on a torn-down link should
	// give up. The circuit layer is an external collaborator; this hook
	// is the only coupling the link layer has to it.
	OnCircuitsPending func(l *Link, ready bool, reason ReasonForClosing)

	// Identity carries this node's own RSA-1024 certificate chain and
	// private keys for the v3 handshake. A nil Identity means this node
	// can only dial out and authenticate peers, not prove its own
	// identity (no CERTS/AUTHENTICATE of its own can be produced).
	Identity *LocalIdentity

	// LocalAddress is this node's own address as it should appear in the
	// NETINFO cell's "my addresses" list and be checked for
	// canonicalization against what peers report back.
	LocalAddress string

	// Events receives a ClockSkewEvent whenever NETINFO processing
	// detects peer clock skew beyond skewWarnThreshold. Nil disables
	// control-port reporting without affecting the handshake itself.
	Events *control.EventDispatcher
}

// LocalIdentity bundles the RSA-1024 certificate chain a link presents
// during the v3 handshake when it is acting as the side that must prove
// an identity (CERTS cell contents, AUTHENTICATE signing key).
type LocalIdentity struct {
	IdentityCert *x509.Certificate
	IdentityKey  *rsa.PrivateKey
	TLSLinkCert  *x509.Certificate
	AuthCert     *x509.Certificate
	AuthKey      *rsa.PrivateKey
}

// DefaultConfig returns sensible defaults matching this repo's other
// ambient-config constructors (connection.DefaultConfig, etc).
func DefaultConfig() *Config {
	return &Config{
		PublicServerMode:   false,
		IsTrustedDirectory: func(string) bool { return false },
		HandshakeTimeout:   10 * time.Second,
	}
}

const (
	// skewWarnThreshold is the |now - timestamp| beyond which NETINFO
	// skew is logged and, for trusted sources, reported on the control
	// port (tor-spec.txt section 4.5).
	skewWarnThreshold = 3600 * time.Second
	// versionsFreshnessWindow bounds how long after sending VERSIONS we
	// still trust "now" as a reference point for skew computation.
	versionsFreshnessWindow = 180 * time.Second
)

// Package cell - CERTS/AUTH_CHALLENGE/AUTHENTICATE constants for the v3 link handshake.
package cell

// CertType identifies the kind of certificate carried inside a CERTS cell,
// per tor-spec.txt section 4.2.
type CertType uint8

const (
	// CertTypeTLSLink certifies the TLS link key used for this connection.
	CertTypeTLSLink CertType = 1
	// CertTypeID1024 is the RSA-1024 signing identity certificate (self-signed).
	CertTypeID1024 CertType = 2
	// CertTypeAuth1024 certifies the RSA-1024 key used to sign AUTHENTICATE cells.
	CertTypeAuth1024 CertType = 3
)

// String returns a human-readable name for the certificate type.
func (t CertType) String() string {
	switch t {
	case CertTypeTLSLink:
		return "TLS_LINK"
	case CertTypeID1024:
		return "ID_1024"
	case CertTypeAuth1024:
		return "AUTH_1024"
	default:
		return "UNKNOWN_CERT_TYPE"
	}
}

// AuthType identifies the authentication method used in an AUTHENTICATE cell,
// per tor-spec.txt section 4.3.
type AuthType uint16

const (
	// AuthTypeRSASHA256TLSSecret is the only authentication type this
	// implementation offers and accepts.
	AuthTypeRSASHA256TLSSecret AuthType = 1
)

// DestroyReason enumerates the values carried in byte 0 of a DESTROY cell's
// payload, per tor-spec.txt section 5.4. The link layer does not validate
// that a value sent via send_destroy is one of these; they exist for
// documentation and for circuit-layer interpretation.
type DestroyReason byte

const (
	DestroyReasonNone             DestroyReason = 0
	DestroyReasonProtocol         DestroyReason = 1
	DestroyReasonInternal         DestroyReason = 2
	DestroyReasonRequested        DestroyReason = 3
	DestroyReasonHibernating      DestroyReason = 4
	DestroyReasonResourceLimit    DestroyReason = 5
	DestroyReasonConnectFailed    DestroyReason = 6
	DestroyReasonOrIdentity       DestroyReason = 7
	DestroyReasonChannelClosed    DestroyReason = 8
	DestroyReasonFinished         DestroyReason = 9
	DestroyReasonTimeout          DestroyReason = 10
	DestroyReasonDestroyed        DestroyReason = 11
	DestroyReasonNoSuchService    DestroyReason = 12
)

// NewVarCell creates a new variable-length cell with the given payload.
// The caller must use a Command with IsVariableLength() == true.
func NewVarCell(circID uint32, cmd Command, payload []byte) *Cell {
	return &Cell{
		CircID:  circID,
		Command: cmd,
		Payload: payload,
	}
}

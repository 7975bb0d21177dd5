package link

import (
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - SHA-1 identity digest mandated by the v3 link handshake (tor-spec.txt section 0.3)
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
)

// parsedCert is one certificate extracted from a CERTS cell, still as a
// parsed X.509 structure — the v3 handshake's RSA-1024 certificates are
// ordinary X.509 certificates carrying RSA keys, verified the same way
// connection.verifyTorRelayCertificate already verifies this node's TLS
// certificate.
type parsedCert struct {
	certType cell.CertType
	x509     *x509.Certificate
}

// parseCertsCellPayload parses the length-prefixed certificate list
// carried in a CERTS cell body: n_certs:u8, then for each cert
// cert_type:u8, cert_len:u16, cert_bytes.
func parseCertsCellPayload(payload []byte) ([]parsedCert, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty CERTS payload")
	}
	nCerts := int(payload[0])
	pos := 1
	certs := make([]parsedCert, 0, nCerts)
	for i := 0; i < nCerts; i++ {
		if pos+3 > len(payload) {
			return nil, fmt.Errorf("CERTS payload truncated at entry %d", i)
		}
		certType := cell.CertType(payload[pos])
		certLen := int(binary.BigEndian.Uint16(payload[pos+1:]))
		pos += 3
		if pos+certLen > len(payload) {
			return nil, fmt.Errorf("CERTS entry %d overflows payload (type=%s len=%d)", i, certType, certLen)
		}
		raw := payload[pos : pos+certLen]
		pos += certLen

		switch certType {
		case cell.CertTypeTLSLink, cell.CertTypeID1024, cell.CertTypeAuth1024:
			parsed, err := x509.ParseCertificate(raw)
			if err != nil {
				return nil, fmt.Errorf("CERTS entry %d (%s): %w", i, certType, err)
			}
			certs = append(certs, parsedCert{certType: certType, x509: parsed})
		default:
			// Unrecognized cert type: ignored, per spec.md section 4.7.
		}
	}
	return certs, nil
}

// findCert returns the first certificate of the given type, or nil.
func findCert(certs []parsedCert, t cell.CertType) *x509.Certificate {
	for _, c := range certs {
		if c.certType == t {
			return c.x509
		}
	}
	return nil
}

// countCert reports how many certificates of type t are present, to
// detect the "duplicate of any recognized type" error case.
func countCert(certs []parsedCert, t cell.CertType) int {
	n := 0
	for _, c := range certs {
		if c.certType == t {
			n++
		}
	}
	return n
}

func checkValidity(cert *x509.Certificate) error {
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate not yet valid")
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired")
	}
	return nil
}

// validateStartedHereCerts implements the started-here branch of spec.md
// section 4.7's CERTS processing: requires {ID_1024, TLS_LINK}, checks the
// TLS-link cert's key against the live TLS session key, validates both,
// and returns the SHA-1 identity digest of the ID cert's key.
func validateStartedHereCerts(certs []parsedCert, peerTLSPublicKey *rsa.PublicKey) (Identity, error) {
	var zero Identity
	if countCert(certs, cell.CertTypeID1024) != 1 {
		return zero, fmt.Errorf("expected exactly one ID_1024 cert")
	}
	if countCert(certs, cell.CertTypeTLSLink) != 1 {
		return zero, fmt.Errorf("expected exactly one TLS_LINK cert")
	}
	idCert := findCert(certs, cell.CertTypeID1024)
	linkCert := findCert(certs, cell.CertTypeTLSLink)

	if err := checkValidity(idCert); err != nil {
		return zero, fmt.Errorf("ID_1024 cert: %w", err)
	}
	if err := checkValidity(linkCert); err != nil {
		return zero, fmt.Errorf("TLS_LINK cert: %w", err)
	}
	if err := idCert.CheckSignatureFrom(idCert); err != nil {
		return zero, fmt.Errorf("ID_1024 cert is not self-signed: %w", err)
	}
	if err := linkCert.CheckSignatureFrom(idCert); err != nil {
		return zero, fmt.Errorf("TLS_LINK cert not signed by ID_1024 key: %w", err)
	}

	linkPub, ok := linkCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return zero, fmt.Errorf("TLS_LINK cert does not carry an RSA key")
	}
	if peerTLSPublicKey == nil || linkPub.N.Cmp(peerTLSPublicKey.N) != 0 || linkPub.E != peerTLSPublicKey.E {
		return zero, fmt.Errorf("TLS_LINK cert key does not match the live TLS session key")
	}

	return identityDigest(idCert)
}

// validateNotStartedHereCerts implements the not-started-here branch:
// requires {ID_1024, AUTH_1024}, validates both, and returns the pending
// certs so AUTHENTICATE can be checked against them later.
func validateNotStartedHereCerts(certs []parsedCert) (idCert, authCert *x509.Certificate, err error) {
	if countCert(certs, cell.CertTypeID1024) != 1 {
		return nil, nil, fmt.Errorf("expected exactly one ID_1024 cert")
	}
	if countCert(certs, cell.CertTypeAuth1024) != 1 {
		return nil, nil, fmt.Errorf("expected exactly one AUTH_1024 cert")
	}
	idCert = findCert(certs, cell.CertTypeID1024)
	authCert = findCert(certs, cell.CertTypeAuth1024)

	if err := checkValidity(idCert); err != nil {
		return nil, nil, fmt.Errorf("ID_1024 cert: %w", err)
	}
	if err := checkValidity(authCert); err != nil {
		return nil, nil, fmt.Errorf("AUTH_1024 cert: %w", err)
	}
	if err := idCert.CheckSignatureFrom(idCert); err != nil {
		return nil, nil, fmt.Errorf("ID_1024 cert is not self-signed: %w", err)
	}
	if err := authCert.CheckSignatureFrom(idCert); err != nil {
		return nil, nil, fmt.Errorf("AUTH_1024 cert not signed by ID_1024 key: %w", err)
	}
	return idCert, authCert, nil
}

// identityDigest computes the 20-byte SHA-1 digest of an identity cert's
// RSA public key, used throughout the v3 handshake as the peer identity.
func identityDigest(idCert *x509.Certificate) (Identity, error) {
	var out Identity
	pub, ok := idCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return out, fmt.Errorf("ID_1024 cert does not carry an RSA key")
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return out, fmt.Errorf("marshal identity key: %w", err)
	}
	sum := sha1.Sum(der) // #nosec G401 -- digest algorithm mandated by the protocol, not used for collision resistance
	copy(out[:], sum[:])
	return out, nil
}

// rawRSARecover performs the raw (unpadded) RSA public-key operation
// sig^e mod n and returns the result as a big-endian byte slice the size
// of the modulus. The v3 AUTHENTICATE signature is a raw RSA signature,
// not a PKCS#1-ASN.1-wrapped one, so crypto/rsa's Verify* helpers (which
// expect a DigestInfo prefix) don't apply; this mirrors what
// crypto_pk_public_checksig does in the reference implementation.
func rawRSARecover(pub *rsa.PublicKey, sig []byte) []byte {
	c := new(big.Int).SetBytes(sig)
	n := pub.N
	e := big.NewInt(int64(pub.E))
	m := new(big.Int).Exp(c, e, n)
	out := m.Bytes()
	size := (n.BitLen() + 7) / 8
	if len(out) < size {
		padded := make([]byte, size)
		copy(padded[size-len(out):], out)
		out = padded
	}
	return out
}

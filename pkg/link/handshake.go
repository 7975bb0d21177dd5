package link

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"math/big"
	"net"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/control"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
	"github.com/opd-ai/go-tor/pkg/protocol"
)

// handshake drives the v3 link handshake engine described in spec.md
// section 4.7: VERSIONS, then CERTS/AUTH_CHALLENGE/AUTHENTICATE in the
// roles appropriate to which side started the link, then NETINFO. It owns
// no network I/O itself; tlslink.go's pump loop feeds it cells and sends
// whatever it produces through the Link's own WriteCell/WriteVarCell.
type handshake struct {
	link        *Link
	cfg         *Config
	log         *logger.Logger
	metrics     *metrics.Metrics
	startedHere bool

	startedAt time.Time

	versionsSent     bool
	versionsReceived bool
	negotiatedProto  int

	certsReceived    bool
	peerIdentity     Identity
	peerAuthCertSeen bool // peer (initiator) offered its own AUTH_1024

	authChallengeSent     bool
	authChallengeReceived bool
	peerOffersAuthType    map[cell.AuthType]bool

	authenticateSent     bool
	authenticateReceived bool
	pendingAuthPub       *rsa.PublicKey

	// authenticated is set once this side has verified the peer's claimed
	// identity: on the started-here (client) side, when the responder's
	// CERTS chain validates against its live TLS key (sec.4.7's "our CERTS
	// implicitly authenticates us, i.e., we are the responder" applies
	// symmetrically to what the client trusts about the peer); on the
	// responder side, when a received AUTHENTICATE verifies.
	authenticated bool

	netinfoSent     bool
	netinfoReceived bool

	sentDigest hash.Hash
	recvDigest hash.Hash

	done bool
}

func newHandshake(l *Link, cfg *Config, log *logger.Logger, m *metrics.Metrics, startedHere bool) *handshake {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &handshake{
		link:               l,
		cfg:                cfg,
		log:                log.Component("handshake"),
		metrics:            m,
		startedHere:        startedHere,
		startedAt:          time.Now(),
		sentDigest:         sha256.New(),
		recvDigest:         sha256.New(),
		peerOffersAuthType: make(map[cell.AuthType]bool),
	}
}

// Start sends this side's VERSIONS cell, the only message either role
// sends before hearing from the other.
func (h *handshake) Start() error {
	return h.sendVersions()
}

// Expired reports whether the configured handshake timeout has elapsed.
func (h *handshake) Expired() bool {
	if h.cfg.HandshakeTimeout <= 0 {
		return false
	}
	return time.Since(h.startedAt) > h.cfg.HandshakeTimeout
}

// FeedFixedCell handles a fixed-length cell arriving before the link has
// reached OPEN. VERSIONS and NETINFO are the only fixed commands legal
// during the handshake; anything else is a protocol violation.
func (h *handshake) FeedFixedCell(c *cell.Cell) error {
	switch c.Command {
	case cell.CmdVersions:
		return h.recvVersions(c)
	case cell.CmdNetinfo:
		return h.recvNetinfo(c)
	default:
		return fmt.Errorf("unexpected fixed cell %s during handshake", c.Command)
	}
}

// FeedVarCell handles a variable-length cell arriving before OPEN.
func (h *handshake) FeedVarCell(c *cell.Cell) error {
	switch c.Command {
	case cell.CmdCerts:
		return h.recvCerts(c)
	case cell.CmdAuthChallenge:
		return h.recvAuthChallenge(c)
	case cell.CmdAuthenticate:
		return h.recvAuthenticate(c)
	case cell.CmdVPadding, cell.CmdAuthorize:
		h.recvDigest.Write(mustEncode(c))
		return nil
	default:
		return fmt.Errorf("unexpected variable cell %s during handshake", c.Command)
	}
}

// Done reports whether both sides' NETINFO have been exchanged and the
// link is ready to move to OPEN.
func (h *handshake) Done() bool {
	return h.netinfoSent && h.netinfoReceived
}

func mustEncode(c *cell.Cell) []byte {
	var buf bytes.Buffer
	_ = c.Encode(&buf)
	return buf.Bytes()
}

func (h *handshake) writeFixed(c *cell.Cell) error {
	h.sentDigest.Write(mustEncode(c))
	return h.link.WriteCell(c)
}

func (h *handshake) writeVar(c *cell.Cell) error {
	h.sentDigest.Write(mustEncode(c))
	return h.link.WriteVarCell(c)
}

// ---- VERSIONS ----

func (h *handshake) sendVersions() error {
	versions := []uint16{protocol.MinLinkProtocolVersion, protocol.PreferredVersion, protocol.MaxLinkProtocolVersion}
	payload := make([]byte, len(versions)*2)
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[i*2:], v)
	}
	c := cell.NewCell(0, cell.CmdVersions)
	c.Payload = payload
	h.versionsSent = true
	return h.writeFixed(c)
}

func (h *handshake) recvVersions(c *cell.Cell) error {
	if h.versionsReceived {
		return fmt.Errorf("duplicate VERSIONS cell")
	}
	if len(c.Payload)%2 != 0 {
		return fmt.Errorf("malformed VERSIONS payload length %d", len(c.Payload))
	}
	var peerVersions []int
	for i := 0; i < len(c.Payload); i += 2 {
		peerVersions = append(peerVersions, int(binary.BigEndian.Uint16(c.Payload[i:])))
	}
	if len(peerVersions) == 0 {
		return fmt.Errorf("empty VERSIONS payload")
	}
	h.recvDigest.Write(mustEncode(c))

	best := 0
	for v := protocol.MaxLinkProtocolVersion; v >= protocol.MinLinkProtocolVersion; v-- {
		for _, pv := range peerVersions {
			if pv == v {
				best = v
				break
			}
		}
		if best != 0 {
			break
		}
	}
	if best == 0 {
		return fmt.Errorf("no mutually supported link protocol version (peer offered %v)", peerVersions)
	}
	if best < protocol.MinLinkProtocolVersion {
		return fmt.Errorf("peer attempted downgrade to legacy link protocol version %d", best)
	}
	h.negotiatedProto = best
	h.versionsReceived = true

	if !h.startedHere {
		// We are the responder: proceed straight to CERTS/AUTH_CHALLENGE,
		// then NETINFO unconditionally — our own CERTS chain implicitly
		// authenticates us to the peer, so unlike the initiator we never
		// wait on an AUTHENTICATE of our own before declaring ourselves
		// ready (spec.md section 4.7).
		if err := h.sendCerts(); err != nil {
			return err
		}
		if err := h.sendAuthChallenge(); err != nil {
			return err
		}
		if err := h.sendNetinfo(); err != nil {
			return err
		}
	}
	return nil
}

// ---- CERTS ----

func (h *handshake) sendCerts() error {
	id := h.cfg.Identity
	if id == nil {
		// No local identity configured: send an empty CERTS cell. A peer
		// that requires authentication will reject the link on its side.
		c := cell.NewVarCell(0, cell.CmdCerts, []byte{0})
		return h.writeVar(c)
	}

	var payload bytes.Buffer
	var entries [][]byte
	if h.startedHere {
		// Initiator proves its own identity: ID_1024 + AUTH_1024.
		entries = [][]byte{
			encodeCertEntry(cell.CertTypeID1024, id.IdentityCert.Raw),
			encodeCertEntry(cell.CertTypeAuth1024, id.AuthCert.Raw),
		}
	} else {
		// Responder proves the link's TLS identity: ID_1024 + TLS_LINK.
		entries = [][]byte{
			encodeCertEntry(cell.CertTypeID1024, id.IdentityCert.Raw),
			encodeCertEntry(cell.CertTypeTLSLink, id.TLSLinkCert.Raw),
		}
	}
	payload.WriteByte(byte(len(entries)))
	for _, e := range entries {
		payload.Write(e)
	}
	c := cell.NewVarCell(0, cell.CmdCerts, payload.Bytes())
	return h.writeVar(c)
}

func encodeCertEntry(t cell.CertType, der []byte) []byte {
	out := make([]byte, 3+len(der))
	out[0] = byte(t)
	binary.BigEndian.PutUint16(out[1:], uint16(len(der)))
	copy(out[3:], der)
	return out
}

func (h *handshake) recvCerts(c *cell.Cell) error {
	if h.certsReceived {
		return fmt.Errorf("duplicate CERTS cell")
	}
	h.recvDigest.Write(mustEncode(c))

	certs, err := parseCertsCellPayload(c.Payload)
	if err != nil {
		return fmt.Errorf("CERTS: %w", err)
	}

	if h.startedHere {
		identity, err := validateStartedHereCerts(certs, h.link.peerTLSPublicKey)
		if err != nil {
			return fmt.Errorf("CERTS: %w", err)
		}
		h.peerIdentity = identity
		h.authenticated = true
	} else {
		idCert, authCert, err := validateNotStartedHereCerts(certs)
		if err != nil {
			return fmt.Errorf("CERTS: %w", err)
		}
		identity, err := identityDigest(idCert)
		if err != nil {
			return fmt.Errorf("CERTS: %w", err)
		}
		h.peerIdentity = identity
		if pub, ok := authCert.PublicKey.(*rsa.PublicKey); ok {
			h.pendingAuthPub = pub
			h.peerAuthCertSeen = true
		}
	}
	h.certsReceived = true
	return nil
}

// ---- AUTH_CHALLENGE ----

func (h *handshake) sendAuthChallenge() error {
	if !h.cfg.PublicServerMode {
		h.authChallengeSent = true
		return nil
	}
	var payload bytes.Buffer
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("AUTH_CHALLENGE nonce: %w", err)
	}
	payload.Write(nonce)
	methods := []cell.AuthType{cell.AuthTypeRSASHA256TLSSecret}
	binary.Write(&payload, binary.BigEndian, uint16(len(methods))) //nolint:errcheck
	for _, m := range methods {
		binary.Write(&payload, binary.BigEndian, uint16(m)) //nolint:errcheck
	}
	c := cell.NewVarCell(0, cell.CmdAuthChallenge, payload.Bytes())
	h.authChallengeSent = true
	return h.writeVar(c)
}

func (h *handshake) recvAuthChallenge(c *cell.Cell) error {
	if !h.startedHere {
		return fmt.Errorf("AUTH_CHALLENGE not expected by the responding side")
	}
	if h.authChallengeReceived {
		return fmt.Errorf("duplicate AUTH_CHALLENGE cell")
	}
	if len(c.Payload) < 34 {
		return fmt.Errorf("malformed AUTH_CHALLENGE payload")
	}
	h.recvDigest.Write(mustEncode(c))
	nMethods := int(binary.BigEndian.Uint16(c.Payload[32:34]))
	pos := 34
	for i := 0; i < nMethods && pos+2 <= len(c.Payload); i++ {
		m := cell.AuthType(binary.BigEndian.Uint16(c.Payload[pos:]))
		h.peerOffersAuthType[m] = true
		pos += 2
	}
	h.authChallengeReceived = true

	if h.cfg.PublicServerMode && h.cfg.Identity != nil && h.peerOffersAuthType[cell.AuthTypeRSASHA256TLSSecret] {
		if err := h.sendCerts(); err != nil {
			return err
		}
		if err := h.sendAuthenticate(); err != nil {
			return err
		}
	}
	return h.maybeSendNetinfo()
}

// ---- AUTHENTICATE ----

// fixedPart derives the value both sides sign/verify from the rolling
// digests and bound identities, per spec.md section 4.7's description of
// the fixed part as "derived from identities, nonces, and the rolling
// digest" (the exact byte layout is left to the implementation).
func (h *handshake) fixedPart(serverIdentity, clientIdentity Identity) [32]byte {
	var buf bytes.Buffer
	buf.Write(serverIdentity[:])
	buf.Write(clientIdentity[:])
	buf.Write(h.sentDigest.Sum(nil))
	buf.Write(h.recvDigest.Sum(nil))
	return sha256.Sum256(buf.Bytes())
}

func (h *handshake) sendAuthenticate() error {
	id := h.cfg.Identity
	if id == nil || id.AuthKey == nil {
		return fmt.Errorf("AUTHENTICATE requested but no local auth key configured")
	}
	localIdentity, err := identityDigest(id.IdentityCert)
	if err != nil {
		return err
	}
	fp := h.fixedPart(h.peerIdentity, localIdentity)
	sig, err := rawRSASign(id.AuthKey, fp[:])
	if err != nil {
		return fmt.Errorf("AUTHENTICATE signature: %w", err)
	}
	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, uint16(cell.AuthTypeRSASHA256TLSSecret)) //nolint:errcheck
	payload.Write(sig)
	c := cell.NewVarCell(0, cell.CmdAuthenticate, payload.Bytes())
	h.authenticateSent = true
	return h.writeVar(c)
}

func (h *handshake) recvAuthenticate(c *cell.Cell) error {
	if h.startedHere {
		return fmt.Errorf("AUTHENTICATE not expected by the initiating side")
	}
	if h.authenticateReceived {
		return fmt.Errorf("duplicate AUTHENTICATE cell")
	}
	if !h.peerAuthCertSeen {
		return fmt.Errorf("AUTHENTICATE received without a prior AUTH_1024 cert")
	}
	if len(c.Payload) < 2 {
		return fmt.Errorf("malformed AUTHENTICATE payload")
	}
	authType := cell.AuthType(binary.BigEndian.Uint16(c.Payload[:2]))
	if authType != cell.AuthTypeRSASHA256TLSSecret {
		return fmt.Errorf("unsupported AUTHENTICATE type %d", authType)
	}
	sig := c.Payload[2:]

	// Per spec.md section 4.7, AUTHENTICATE itself is excluded from the
	// rolling digest on receipt, so the fixed part is computed before
	// folding this cell's bytes in.
	var localIdentity Identity
	if h.cfg.Identity != nil {
		var err error
		localIdentity, err = identityDigest(h.cfg.Identity.IdentityCert)
		if err != nil {
			return err
		}
	}
	fp := h.fixedPart(localIdentity, h.peerIdentity)

	if h.pendingAuthPub == nil {
		return fmt.Errorf("AUTHENTICATE: no AUTH_1024 certificate on file")
	}
	recovered := rawRSARecover(h.pendingAuthPub, sig)
	if len(recovered) < 32 || !bytes.Equal(recovered[len(recovered)-32:], fp[:]) {
		return fmt.Errorf("AUTHENTICATE signature does not verify")
	}

	h.authenticateReceived = true
	h.authenticated = true
	return h.maybeSendNetinfo()
}

// rawRSASign computes the raw (unpadded) RSA private-key operation
// digest^d mod n, the counterpart to rawRSARecover: it signs by
// recovering what rawRSARecover would need to reproduce on the other
// side, rather than wrapping the digest in a PKCS#1 DigestInfo the way
// crypto/rsa's SignPKCS1v15 would.
func rawRSASign(priv *rsa.PrivateKey, digest []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("nil private key")
	}
	size := (priv.N.BitLen() + 7) / 8
	padded := digest
	if len(digest) < size {
		padded = make([]byte, size)
		copy(padded[size-len(digest):], digest)
	}
	m := new(big.Int).SetBytes(padded)
	s := new(big.Int).Exp(m, priv.D, priv.N)
	out := s.Bytes()
	if len(out) < size {
		buf := make([]byte, size)
		copy(buf[size-len(out):], out)
		out = buf
	}
	return out, nil
}

// ---- NETINFO ----

func (h *handshake) maybeSendNetinfo() error {
	if !h.versionsReceived {
		return nil
	}
	if h.startedHere && !h.authChallengeReceived {
		return nil
	}
	if !h.startedHere && (h.cfg.PublicServerMode && !h.authenticateReceived && h.peerAuthCertSeen) {
		return nil
	}
	return h.sendNetinfo()
}

func (h *handshake) sendNetinfo() error {
	if h.netinfoSent {
		return nil
	}
	payload := encodeNetinfo(h.link.remoteAddr, h.cfg.LocalAddress)
	c := cell.NewCell(0, cell.CmdNetinfo)
	c.Payload = payload
	h.netinfoSent = true
	return h.writeFixed(c)
}

func (h *handshake) recvNetinfo(c *cell.Cell) error {
	if !h.versionsReceived {
		return fmt.Errorf("NETINFO received before VERSIONS")
	}
	if h.netinfoReceived {
		return fmt.Errorf("duplicate NETINFO cell")
	}
	// Per spec.md section 4.7: "If we are in V3, started-here, and not
	// authenticated: close." A responder's CERTS chain authenticates it
	// implicitly (checked in recvCerts), so a client that reaches NETINFO
	// without that having happened has never verified who it's talking to.
	if h.startedHere && !h.authenticated {
		return fmt.Errorf("NETINFO received before peer was authenticated")
	}
	h.recvDigest.Write(mustEncode(c))

	ts, otherAddr, myAddrs, err := decodeNetinfo(c.Payload)
	if err != nil {
		return fmt.Errorf("NETINFO: %w", err)
	}
	h.netinfoReceived = true

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > skewWarnThreshold {
		trusted := h.cfg.IsTrustedDirectory != nil && h.cfg.IsTrustedDirectory(h.link.remoteAddr)
		if trusted {
			h.log.Warn("peer clock skew exceeds threshold", "skew_seconds", int64(skew.Seconds()), "peer", h.link.remoteAddr)
			if h.cfg.Events != nil {
				h.cfg.Events.Dispatch(&control.ClockSkewEvent{SkewSeconds: int64(skew.Seconds()), Source: h.link.remoteAddr})
			}
			if h.metrics != nil {
				h.metrics.LinkClockSkewObserved.Inc()
			}
		} else {
			h.log.Info("peer clock skew exceeds threshold", "skew_seconds", int64(skew.Seconds()), "peer", h.link.remoteAddr)
		}
	}

	if otherAddr != "" && h.cfg.LocalAddress != "" {
		h.link.mu.Lock()
		h.link.isCanonical = otherAddr == h.cfg.LocalAddress
		h.link.mu.Unlock()
	}
	_ = myAddrs

	return h.maybeSendNetinfo()
}

func encodeNetinfo(otherAddr, myAddr string) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(time.Now().Unix())) //nolint:errcheck
	writeNetinfoAddr(&buf, otherAddr)
	if myAddr == "" {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		writeNetinfoAddr(&buf, myAddr)
	}
	return buf.Bytes()
}

func writeNetinfoAddr(buf *bytes.Buffer, addr string) {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		buf.WriteByte(0)
		buf.WriteByte(0)
	case ip.To4() != nil:
		buf.WriteByte(0x04)
		buf.WriteByte(4)
		buf.Write(ip.To4())
	default:
		buf.WriteByte(0x06)
		buf.WriteByte(16)
		buf.Write(ip.To16())
	}
}

func decodeNetinfo(payload []byte) (ts time.Time, otherAddr string, myAddrs []string, err error) {
	if len(payload) < 4 {
		return ts, "", nil, fmt.Errorf("truncated NETINFO timestamp")
	}
	ts = time.Unix(int64(binary.BigEndian.Uint32(payload[:4])), 0)
	pos := 4

	addr, n, err := readNetinfoAddr(payload[pos:])
	if err != nil {
		return ts, "", nil, fmt.Errorf("other address: %w", err)
	}
	otherAddr = addr
	pos += n

	if pos >= len(payload) {
		return ts, otherAddr, nil, nil
	}
	count := int(payload[pos])
	pos++
	for i := 0; i < count; i++ {
		addr, n, err := readNetinfoAddr(payload[pos:])
		if err != nil {
			return ts, otherAddr, myAddrs, fmt.Errorf("my address %d: %w", i, err)
		}
		if addr != "" {
			myAddrs = append(myAddrs, addr)
		}
		pos += n
	}
	return ts, otherAddr, myAddrs, nil
}

func readNetinfoAddr(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, fmt.Errorf("truncated address header")
	}
	addrType := b[0]
	addrLen := int(b[1])
	if len(b) < 2+addrLen {
		return "", 0, fmt.Errorf("truncated address body")
	}
	raw := b[2 : 2+addrLen]
	n := 2 + addrLen
	switch addrType {
	case 0x04, 0x06:
		return net.IP(raw).String(), n, nil
	case 0:
		return "", n, nil
	default:
		return "", n, nil
	}
}

package link

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/connection"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// TLSLink is the concrete transport realization of Link described in
// spec.md section 4.6: a Link whose downward hooks are bound to a TLS
// connection.Connection, with one goroutine ("the pump") standing in for
// the generic design's single process-wide event thread. Go has no
// equivalent of that shared thread, so each Link gets its own.
type TLSLink struct {
	*Link
	conn *connection.Connection
}

// DialTLSLink opens a new outgoing link to addr, runs the v3 handshake
// engine, and starts the link's pump goroutine. It returns once the TCP
// and TLS handshake finish; the protocol handshake continues in the
// background and drives the link to OPEN (or ERROR) asynchronously.
func DialTLSLink(ctx context.Context, reg *Registry, cfg *Config, log *logger.Logger, m *metrics.Metrics, addr string) (*TLSLink, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	connCfg := connection.DefaultConfig(addr)
	conn := connection.New(connCfg, log)
	if err := conn.Connect(ctx, connCfg); err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	l := newLink(reg, cfg, log, m, true)
	tl := &TLSLink{Link: l, conn: conn}
	tl.bindHooks()
	tl.remoteAddr = addr
	if certs := conn.PeerCertificates(); len(certs) > 0 {
		if pub, ok := certs[0].PublicKey.(*rsa.PublicKey); ok {
			tl.peerTLSPublicKey = pub
		}
	}

	tl.mu.Lock()
	if err := tl.changeState(StateOpening); err != nil {
		tl.mu.Unlock()
		conn.Close()
		return nil, err
	}
	tl.mu.Unlock()
	tl.register()

	tl.hs = newHandshake(tl.Link, cfg, log, m, true)
	if err := tl.hs.Start(); err != nil {
		tl.failHandshake(err)
		return tl, err
	}

	go tl.pump()
	go tl.watchHandshakeTimeout()
	return tl, nil
}

// AcceptTLSLink wraps an already-TLS-negotiated inbound connection
// (typically produced by a listener's net.Listener.Accept plus
// tls.Server) as the responder side of a link, starts its handshake, and
// hands it to the listening link via QueueIncoming.
func AcceptTLSLink(reg *Registry, cfg *Config, log *logger.Logger, m *metrics.Metrics, conn *connection.Connection, listener *Link) (*TLSLink, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	l := newLink(reg, cfg, log, m, false)
	tl := &TLSLink{Link: l, conn: conn}
	tl.bindHooks()
	tl.remoteAddr = conn.Address()
	if certs := conn.PeerCertificates(); len(certs) > 0 {
		if pub, ok := certs[0].PublicKey.(*rsa.PublicKey); ok {
			tl.peerTLSPublicKey = pub
		}
	}

	tl.mu.Lock()
	if err := tl.changeState(StateOpening); err != nil {
		tl.mu.Unlock()
		conn.Close()
		return nil, err
	}
	tl.mu.Unlock()
	tl.register()

	if err := QueueIncoming(listener, tl.Link); err != nil {
		return nil, err
	}

	tl.hs = newHandshake(tl.Link, cfg, log, m, false)
	if err := tl.hs.Start(); err != nil {
		tl.failHandshake(err)
		return tl, err
	}

	go tl.pump()
	go tl.watchHandshakeTimeout()
	return tl, nil
}

func (tl *TLSLink) bindHooks() {
	tl.mu.Lock()
	tl.hooks = transportHooks{
		close:        tl.conn.Close,
		writeCell:    tl.conn.SendCell,
		writeVarCell: tl.conn.SendCell,
	}
	tl.mu.Unlock()
}

// watchHandshakeTimeout forces the link to ERROR if the handshake hasn't
// finished within the configured deadline.
func (tl *TLSLink) watchHandshakeTimeout() {
	timeout := tl.cfg.HandshakeTimeout
	if timeout <= 0 {
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	<-t.C
	if tl.State() == StateOpening {
		tl.failHandshake(fmt.Errorf("handshake timed out after %s", timeout))
	}
}

// pump is the per-link read loop: while handshaking it feeds cells into
// the handshake engine; once OPEN it dispatches through the generic
// QueueCell/QueueVarCell path like any other Link.
func (tl *TLSLink) pump() {
	for {
		c, err := tl.conn.ReceiveCell()
		if err != nil {
			tl.handleTransportClose(err)
			return
		}

		state := tl.State()
		switch state {
		case StateOpening:
			if tl.feedHandshakeCell(c) {
				return
			}
		case StateOpen, StateMaint:
			if c.Command.IsVariableLength() {
				_ = tl.QueueVarCell(c)
			} else {
				_ = tl.QueueCell(c)
			}
		default:
			return
		}
	}
}

// feedHandshakeCell routes one cell into the handshake engine and, on
// success, advances the link to OPEN once both NETINFOs have exchanged.
// It returns true if the pump loop should stop (because the handshake
// failed and the link is tearing down).
func (tl *TLSLink) feedHandshakeCell(c *cell.Cell) bool {
	var err error
	if c.Command.IsVariableLength() {
		err = tl.hs.FeedVarCell(c)
	} else {
		err = tl.hs.FeedFixedCell(c)
	}
	if err != nil {
		tl.failHandshake(err)
		return true
	}
	if tl.hs.Done() {
		tl.mu.Lock()
		tl.linkProto = tl.hs.negotiatedProto
		tl.peerIdentityDigest = tl.hs.peerIdentity
		if openErr := tl.changeState(StateOpen); openErr != nil {
			tl.mu.Unlock()
			tl.failHandshake(openErr)
			return true
		}
		tl.mu.Unlock()
		if tl.metrics != nil {
			tl.metrics.RecordLinkHandshake(true, time.Since(tl.hs.startedAt))
		}
	}
	return false
}

func (tl *TLSLink) failHandshake(err error) {
	tl.log.Warn("link handshake failed", "id", tl.id, "error", err)
	if tl.metrics != nil {
		tl.metrics.RecordLinkHandshake(false, time.Since(tl.hs.startedAt))
	}
	_ = tl.CloseForError()
	_ = tl.conn.Close()
	_ = tl.Closed()
}

func (tl *TLSLink) handleTransportClose(err error) {
	state := tl.State()
	if state == StateClosing || state == StateClosed || state == StateError {
		return
	}
	tl.log.Debug("link transport closed", "id", tl.id, "error", err)
	_ = tl.CloseFromLowerLayer()
	_ = tl.Closed()
}

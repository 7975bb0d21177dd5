package link

import (
	"crypto/rsa"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// downward callbacks the transport installs on a Link; kept as plain
// function values rather than an interface so a TLSLink can rebind them
// once per construction without needing its own wrapper type per method.
type transportHooks struct {
	close        func() error
	writeCell    func(c *cell.Cell) error
	writeVarCell func(c *cell.Cell) error
}

// Link is the generic, transport-independent endpoint-to-endpoint relation
// described in spec.md section 3. A concrete transport (TLSLink) binds its
// downward hooks into one of these and drives its state machine; the
// circuit layer binds cell/var-cell handlers and drives cells out through
// it.
type Link struct {
	mu sync.Mutex

	id                    int64
	state                 State
	directionStartedHere  bool
	peerIdentityDigest    Identity
	peerNickname          string
	reasonForClosing      ReasonForClosing
	isCanonical           bool
	nextCircID            uint32
	timestampLastNonpad   time.Time
	refcount              int
	registered            bool

	// activeLinksCounted tracks whether this link currently holds the one
	// increment it ever takes on metrics.ActiveLinks, so a MAINT->OPEN
	// resumption doesn't double-count it and so exactly one of Closed()/
	// unref() — whichever actually retires the link — decrements it.
	activeLinksCounted bool

	inbound      []queuedCell
	outbound     []queuedOutbound
	incomingList []incomingEntry

	cellHandler     CellHandler
	varCellHandler  VarCellHandler
	listenerHandler ListenerHandler

	hooks transportHooks

	registry *Registry
	cfg      *Config
	log      *logger.Logger
	metrics  *metrics.Metrics

	linkProto int // negotiated link protocol version, 0 until VERSIONS completes

	// initiatedRemotely is set by a listener just before delivering an
	// accepted incoming link to its listener handler.
	initiatedRemotely bool

	// remoteAddr is the transport peer address (host:port), used as the
	// NETINFO "other address" and as the lookup key for IsTrustedDirectory.
	remoteAddr string

	// peerTLSPublicKey is the RSA public key the peer presented in its
	// live TLS certificate, used to bind the handshake's TLS_LINK
	// certificate to the session it actually arrived over.
	peerTLSPublicKey *rsa.PublicKey

	hs *handshake
}

// newLink constructs a Link registered nowhere yet; callers (Dial/Accept/
// Listen constructors in tlslink.go) finish wiring hooks and then call
// register().
func newLink(reg *Registry, cfg *Config, log *logger.Logger, m *metrics.Metrics, startedHere bool) *Link {
	if reg == nil {
		reg = DefaultRegistry
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	l := &Link{
		id:                   reg.allocID(),
		state:                StateClosed,
		directionStartedHere: startedHere,
		reasonForClosing:     ReasonNotClosing,
		nextCircID:           uint32(rand.Intn(1 << 15)),
		registry:             reg,
		cfg:                  cfg,
		log:                  log.Component("link"),
		metrics:              m,
	}
	return l
}

// ID returns the process-unique link identifier.
func (l *Link) ID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// StartedHere reports whether this side initiated the link.
func (l *Link) StartedHere() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.directionStartedHere
}

// PeerIdentity returns the peer's bound identity digest, or the zero value
// before the handshake completes.
func (l *Link) PeerIdentity() Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerIdentityDigest
}

// Nickname returns the peer's short label, if one is known.
func (l *Link) Nickname() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerNickname
}

// SetNickname records a human-readable label for the peer.
func (l *Link) SetNickname(nick string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peerNickname = nick
}

// IsCanonical reports whether the address the peer reported for us in its
// NETINFO cell (the "other address" field) equals Config.LocalAddress. The
// peer's own advertised address list is not consulted.
func (l *Link) IsCanonical() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isCanonical
}

// NextCircID returns and advances the seed used to allocate the next
// outgoing circuit ID on this link. It does not itself avoid collisions
// with circuit IDs already in use; that bookkeeping belongs to the circuit
// layer.
func (l *Link) NextCircID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextCircID
	l.nextCircID++
	if l.nextCircID == 0 {
		l.nextCircID = 1
	}
	return id
}

// ReasonForClosing returns why the link is tearing down, or
// ReasonNotClosing if it is not.
func (l *Link) ReasonForClosing() ReasonForClosing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reasonForClosing
}

// changeState is the sole state mutator. Callers must hold l.mu.
func (l *Link) changeState(to State) error {
	from := l.state
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("link %d: illegal transition %s -> %s", l.id, from, to)
	}
	if closingReasonRequired(to) && l.reasonForClosing == ReasonNotClosing {
		return fmt.Errorf("link %d: cannot enter %s without a reason for closing", l.id, to)
	}

	l.state = to

	wasListening := from == StateListening
	isListening := to == StateListening
	if wasListening != isListening && l.registered {
		l.registry.syncListening(l, isListening)
	}

	if to == StateOpen {
		l.doOpenActionsLocked()
		l.drainQueuesLocked()
	}

	if to == StateClosed {
		if len(l.inbound) != 0 || len(l.outbound) != 0 || len(l.incomingList) != 0 {
			panic(fmt.Sprintf("link %d: queues not empty on entering CLOSED", l.id))
		}
	}

	l.log.Debug("link state change", "id", l.id, "from", from.String(), "to", to.String())
	return nil
}

// doOpenActionsLocked runs the on-OPEN side effects described in spec.md
// section 4.2. Callers must hold l.mu.
func (l *Link) doOpenActionsLocked() {
	if l.metrics != nil && !l.activeLinksCounted {
		l.metrics.ActiveLinks.Inc()
		l.activeLinksCounted = true
	}
	if !l.directionStartedHere {
		return
	}
	allowed := true
	if l.cfg.GuardPolicyAllows != nil {
		allowed = l.cfg.GuardPolicyAllows(l)
	}
	if l.cfg.OnCircuitsPending != nil {
		// Release the lock for the upcall: the circuit layer may call
		// back into this link (e.g. to write a cell) from within it.
		l.refLocked()
		l.mu.Unlock()
		l.cfg.OnCircuitsPending(l, allowed, ReasonNotClosing)
		l.mu.Lock()
		l.unrefLocked()
	}
}

// ref pins the link for the duration of a callback in flight, preventing
// free() from running underneath it.
func (l *Link) ref() {
	l.mu.Lock()
	l.refcount++
	l.mu.Unlock()
}

// unref releases a pin taken by ref(). If it was the last reference and
// the link is finished and unregistered, the link is dropped (in Go,
// simply becoming unreachable once this was its last strong reference;
// there is nothing further to do here beyond bookkeeping for tests and
// metrics).
func (l *Link) unref() {
	l.mu.Lock()
	l.refcount--
	if l.refcount < 0 {
		l.refcount = 0
	}
	freeable := l.refcount == 0 && !l.registered && (l.state == StateClosed || l.state == StateError)
	// activeLinksCounted is cleared under the same lock that observes
	// freeable, so whichever of unref()/Closed() gets here first is the
	// one that decrements; the other finds the flag already clear.
	shouldDecActiveLinks := freeable && l.activeLinksCounted
	if shouldDecActiveLinks {
		l.activeLinksCounted = false
	}
	l.mu.Unlock()
	if shouldDecActiveLinks && l.metrics != nil {
		l.metrics.ActiveLinks.Dec()
	}
}

// Refcount returns the current outstanding-borrow count, for tests.
func (l *Link) Refcount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refcount
}

// Registered reports whether the link currently participates in the
// registry.
func (l *Link) Registered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered
}

// register adds the link to the registry. Idempotent.
func (l *Link) register() {
	l.mu.Lock()
	already := l.registered
	l.registered = true
	l.mu.Unlock()
	if !already {
		l.registry.register(l)
	}
}

// unregister removes the link from the registry. If this leaves the link
// finished with zero references, it is freed.
func (l *Link) unregister() {
	l.mu.Lock()
	l.registered = false
	finished := l.state == StateClosed || l.state == StateError
	zeroRefs := l.refcount == 0
	l.mu.Unlock()
	l.registry.unregister(l)
	_ = finished
	_ = zeroRefs
}

// RequestClose initiates teardown from above (the circuit layer or an
// operator command), invoking the transport's close downcall.
func (l *Link) RequestClose() error {
	l.mu.Lock()
	l.reasonForClosing = ReasonRequested
	err := l.changeState(StateClosing)
	closeFn := l.hooks.close
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if closeFn != nil {
		return closeFn()
	}
	return nil
}

// CloseFromLowerLayer is called when the transport itself has torn down
// without an above-initiated request.
func (l *Link) CloseFromLowerLayer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasonForClosing = ReasonFromBelow
	return l.changeState(StateClosing)
}

// CloseForError is called when a protocol or transport error forces
// teardown.
func (l *Link) CloseForError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasonForClosing = ReasonForError
	return l.changeState(StateClosing)
}

// Closed is the transport's notification that teardown finished: it
// unlinks circuits (telling them to give up if the reason was FOR_ERROR)
// and drives the link to CLOSED, or to ERROR if the reason was FOR_ERROR.
func (l *Link) Closed() error {
	l.mu.Lock()
	reason := l.reasonForClosing
	cb := l.cfg.OnCircuitsPending
	l.mu.Unlock()

	if cb != nil {
		cb(l, false, reason)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	target := StateClosed
	if reason == ReasonForError {
		target = StateError
	}
	l.drainUnhandleableQueuesLocked()
	if err := l.changeState(target); err != nil {
		return err
	}
	// See unref()'s matching check: activeLinksCounted ensures exactly one
	// of Closed()/unref() decrements the gauge, regardless of which one a
	// given link happens to hit first.
	if l.activeLinksCounted {
		l.activeLinksCounted = false
		if l.metrics != nil {
			l.metrics.ActiveLinks.Dec()
		}
	}
	if !l.registered && l.refcount == 0 {
		return nil
	}
	if l.registered {
		l.mu.Unlock()
		l.registry.markFinished(l)
		l.mu.Lock()
	}
	return nil
}

// drainUnhandleableQueuesLocked discards any queued cells/incoming links
// that can never be delivered now that the link is tearing down for good,
// so that the CLOSED invariant (all queues empty) holds.
func (l *Link) drainUnhandleableQueuesLocked() {
	l.inbound = nil
	l.outbound = nil
	l.incomingList = nil
}

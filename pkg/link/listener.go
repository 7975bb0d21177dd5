package link

import "fmt"

// NewListener constructs a listening Link and registers it. Accepted
// connections are handed to it via QueueIncoming as they arrive from the
// transport's accept loop.
func NewListener(reg *Registry, cfg *Config, handler ListenerHandler) (*Link, error) {
	l := newLink(reg, cfg, nil, nil, false)
	l.mu.Lock()
	l.reasonForClosing = ReasonNotClosing
	if err := l.changeState(StateListening); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.listenerHandler = handler
	l.mu.Unlock()
	l.register()
	return l, nil
}

// SetListener rebinds the accept-upcall on a listening (or closing) link
// and drains any backlog.
func (l *Link) SetListener(h ListenerHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateListening && l.state != StateClosing {
		return fmt.Errorf("link %d: set_listener requires LISTENING or CLOSING, got %s", l.id, l.state)
	}
	l.listenerHandler = h
	if h != nil {
		l.processIncomingLocked()
	}
	return nil
}

// QueueIncoming hands a freshly-accepted link to a listener. Per spec.md
// section 4.5, the listener must be LISTENING and the incoming link must
// not itself be a listener.
func QueueIncoming(listener, incoming *Link) error {
	listener.mu.Lock()
	if listener.state != StateListening {
		listener.mu.Unlock()
		return fmt.Errorf("link %d: queue_incoming requires a LISTENING listener, got %s", listener.id, listener.state)
	}
	incoming.mu.Lock()
	incomingListening := incoming.state == StateListening
	incoming.mu.Unlock()
	if incomingListening {
		listener.mu.Unlock()
		return fmt.Errorf("link %d: queue_incoming cannot accept another listener", listener.id)
	}

	if listener.listenerHandler != nil && len(listener.incomingList) == 0 {
		h := listener.listenerHandler
		listener.refLocked()
		listener.mu.Unlock()

		incoming.mu.Lock()
		incoming.refLocked()
		incoming.initiatedRemotely = true
		incoming.mu.Unlock()

		h(listener, incoming)

		incoming.mu.Lock()
		incoming.unrefLocked()
		incoming.mu.Unlock()

		listener.mu.Lock()
		listener.unrefLocked()
		listener.mu.Unlock()
		return nil
	}

	listener.incomingList = append(listener.incomingList, incomingEntry{link: incoming})
	if listener.listenerHandler != nil {
		listener.processIncomingLocked()
	}
	listener.mu.Unlock()
	return nil
}

// processIncomingLocked delivers queued incoming links in order. It also
// runs during CLOSING so a draining listener still dispatches links it had
// already accepted. Callers must hold listener.mu; it is released/
// re-acquired around each delivery.
func (l *Link) processIncomingLocked() {
	if l.state != StateListening && l.state != StateClosing {
		return
	}
	if l.listenerHandler == nil {
		return
	}
	for len(l.incomingList) > 0 {
		entry := l.incomingList[0]
		l.incomingList = l.incomingList[1:]
		h := l.listenerHandler
		l.refLocked()
		l.mu.Unlock()

		entry.link.mu.Lock()
		entry.link.refLocked()
		entry.link.initiatedRemotely = true
		entry.link.mu.Unlock()

		h(l, entry.link)

		entry.link.mu.Lock()
		entry.link.unrefLocked()
		entry.link.mu.Unlock()

		l.mu.Lock()
		l.unrefLocked()
	}
}

// InitiatedRemotely reports whether this link was accepted from a
// listener rather than dialed.
func (l *Link) InitiatedRemotely() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initiatedRemotely
}

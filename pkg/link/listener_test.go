package link

import (
	"testing"

	"github.com/opd-ai/go-tor/pkg/logger"
)

func newIncomingTestLink(t *testing.T, reg *Registry) *Link {
	t.Helper()
	l := newLink(reg, DefaultConfig(), logger.NewDefault(), nil, false)
	l.mu.Lock()
	_ = l.changeState(StateOpening)
	l.mu.Unlock()
	l.register()
	return l
}

func TestQueueIncomingRejectsNonListeningListener(t *testing.T) {
	reg := NewRegistry()
	notListener := newIncomingTestLink(t, reg)
	incoming := newIncomingTestLink(t, reg)
	if err := QueueIncoming(notListener, incoming); err == nil {
		t.Fatal("expected error queuing onto a non-listening listener")
	}
}

func TestQueueIncomingRejectsAnotherListener(t *testing.T) {
	reg := NewRegistry()
	listener, err := NewListener(reg, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	otherListener, err := NewListener(reg, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	if err := QueueIncoming(listener, otherListener); err == nil {
		t.Fatal("expected error queuing a listener as an incoming link")
	}
}

func TestQueueIncomingFastPathWhenHandlerBound(t *testing.T) {
	reg := NewRegistry()
	var delivered *Link
	listener, err := NewListener(reg, DefaultConfig(), func(_, incoming *Link) { delivered = incoming })
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	incoming := newIncomingTestLink(t, reg)

	if err := QueueIncoming(listener, incoming); err != nil {
		t.Fatalf("QueueIncoming: %v", err)
	}
	if delivered != incoming {
		t.Fatal("listener handler not invoked inline on the fast path")
	}
	if !incoming.InitiatedRemotely() {
		t.Fatal("incoming link not marked InitiatedRemotely")
	}
	if n := len(listener.incomingList); n != 0 {
		t.Fatalf("incomingList length = %d, want 0 on fast path", n)
	}
}

func TestQueueIncomingWithoutHandlerThenDrainOnBind(t *testing.T) {
	reg := NewRegistry()
	listener, err := NewListener(reg, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	a := newIncomingTestLink(t, reg)
	b := newIncomingTestLink(t, reg)

	if err := QueueIncoming(listener, a); err != nil {
		t.Fatalf("QueueIncoming a: %v", err)
	}
	if err := QueueIncoming(listener, b); err != nil {
		t.Fatalf("QueueIncoming b: %v", err)
	}
	if n := len(listener.incomingList); n != 2 {
		t.Fatalf("incomingList length = %d, want 2", n)
	}

	var order []int64
	if err := listener.SetListener(func(_, incoming *Link) { order = append(order, incoming.ID()) }); err != nil {
		t.Fatalf("SetListener: %v", err)
	}
	if len(order) != 2 || order[0] != a.ID() || order[1] != b.ID() {
		t.Fatalf("delivery order = %v, want [%d %d]", order, a.ID(), b.ID())
	}
	if n := len(listener.incomingList); n != 0 {
		t.Fatalf("incomingList length after drain = %d, want 0", n)
	}
}

func TestProcessIncomingRunsDuringClosing(t *testing.T) {
	reg := NewRegistry()
	listener, err := NewListener(reg, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	a := newIncomingTestLink(t, reg)
	if err := QueueIncoming(listener, a); err != nil {
		t.Fatalf("QueueIncoming: %v", err)
	}

	listener.mu.Lock()
	listener.reasonForClosing = ReasonRequested
	_ = listener.changeState(StateClosing)
	listener.mu.Unlock()

	var delivered *Link
	if err := listener.SetListener(func(_, incoming *Link) { delivered = incoming }); err != nil {
		t.Fatalf("SetListener during CLOSING: %v", err)
	}
	if delivered != a {
		t.Fatal("queued incoming link not dispatched while CLOSING")
	}
}

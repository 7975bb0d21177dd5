package link

import (
	"testing"

	"github.com/opd-ai/go-tor/pkg/logger"
)

func TestRegistryAllocIDIsMonotonicAndUnique(t *testing.T) {
	reg := NewRegistry()
	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		id := reg.allocID()
		if seen[id] {
			t.Fatalf("allocID() returned duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	l := newLink(reg, DefaultConfig(), logger.NewDefault(), nil, true)
	l.register()
	l.register()
	if got := reg.Count(); got != 1 {
		t.Fatalf("Count() after double register = %d, want 1", got)
	}
}

func TestSyncListeningTracksListenerState(t *testing.T) {
	reg := NewRegistry()
	l, err := NewListener(reg, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	found := false
	for _, ln := range reg.Listening() {
		if ln.ID() == l.ID() {
			found = true
		}
	}
	if !found {
		t.Fatal("listening link missing from Listening() partition")
	}

	l.mu.Lock()
	l.reasonForClosing = ReasonRequested
	_ = l.changeState(StateClosing)
	l.mu.Unlock()

	for _, ln := range reg.Listening() {
		if ln.ID() == l.ID() {
			t.Fatal("link still in Listening() partition after leaving LISTENING")
		}
	}
}

func TestUnregisterRemovesFromAllPartitions(t *testing.T) {
	reg := NewRegistry()
	l := newLink(reg, DefaultConfig(), logger.NewDefault(), nil, true)
	l.register()
	l.unregister()
	if _, ok := reg.Get(l.ID()); ok {
		t.Fatal("link still retrievable from registry after unregister")
	}
}

func TestGetFindsRegisteredLink(t *testing.T) {
	reg := NewRegistry()
	l := newLink(reg, DefaultConfig(), logger.NewDefault(), nil, true)
	l.register()
	got, ok := reg.Get(l.ID())
	if !ok || got != l {
		t.Fatalf("Get(%d) = (%v, %v), want (%v, true)", l.ID(), got, ok, l)
	}
}

package link

import "sync"

// Registry is the process-wide table of every Link: all links known to the
// process, partitioned further into the currently listening and the
// already-finished subsets, plus the monotonic ID allocator. It plays the
// same "singleton mutex-guarded map" role pool.ConnectionPool plays for
// pooled connections elsewhere in this tree.
type Registry struct {
	mu        sync.Mutex
	nextID    int64
	all       map[int64]*Link
	active    map[int64]*Link
	listening map[int64]*Link
	finished  map[int64]*Link
}

// NewRegistry creates an empty registry. Most callers want DefaultRegistry;
// tests construct their own to avoid cross-test interference.
func NewRegistry() *Registry {
	return &Registry{
		all:       make(map[int64]*Link),
		active:    make(map[int64]*Link),
		listening: make(map[int64]*Link),
		finished:  make(map[int64]*Link),
	}
}

// DefaultRegistry is the registry used by links constructed without an
// explicit one, mirroring how this repo's other packages expose a
// package-level default alongside an explicit constructor.
var DefaultRegistry = NewRegistry()

// allocID returns the next process-unique link ID.
func (r *Registry) allocID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// register adds l to the "all" and "active" partitions, and to "listening"
// if l is currently a listener. Idempotent.
func (r *Registry) register(l *Link) {
	// Read the link's state before taking r.mu so the link mutex is never
	// acquired while the registry mutex is held.
	listening := l.State() == StateListening
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all[l.id] = l
	delete(r.finished, l.id)
	r.active[l.id] = l
	if listening {
		r.listening[l.id] = l
	}
}

// unregister removes l from every partition.
func (r *Registry) unregister(l *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, l.id)
	delete(r.listening, l.id)
	delete(r.finished, l.id)
	delete(r.all, l.id)
}

// markFinished moves l from "active" to "finished" without removing it
// from "all"; used when a link reaches CLOSED/ERROR but still has
// outstanding references.
func (r *Registry) markFinished(l *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, l.id)
	delete(r.listening, l.id)
	r.finished[l.id] = l
}

// syncListening adds or removes l from the listening partition to match
// its current state. Called by changeState whenever state transitions to
// or away from LISTENING.
func (r *Registry) syncListening(l *Link, listening bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if listening {
		r.listening[l.id] = l
	} else {
		delete(r.listening, l.id)
	}
}

// Get looks up a link by ID.
func (r *Registry) Get(id int64) (*Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.all[id]
	return l, ok
}

// Active returns a snapshot slice of every link in the active partition.
func (r *Registry) Active() []*Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Link, 0, len(r.active))
	for _, l := range r.active {
		out = append(out, l)
	}
	return out
}

// Listening returns a snapshot slice of every currently listening link.
func (r *Registry) Listening() []*Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Link, 0, len(r.listening))
	for _, l := range r.listening {
		out = append(out, l)
	}
	return out
}

// Finished returns a snapshot slice of every finished-but-not-yet-freed link.
func (r *Registry) Finished() []*Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Link, 0, len(r.finished))
	for _, l := range r.finished {
		out = append(out, l)
	}
	return out
}

// Count returns the number of links known to the registry, regardless of
// partition.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}

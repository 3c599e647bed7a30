package code

import "sync"

// RefHandle identifies one named external reference known to a RefManager,
// the Go analogue of a numeric RefSource id in
// original_source/Code/RefManager.h.
type RefHandle uint32

// NoRef is the invalid/absent handle.
const NoRef RefHandle = 0

// Observer is notified whenever the address a Reference tracks changes.
// Per spec.md §5 "External Reference observers ... must be non-blocking and
// allocation-free (they typically just rewrite a single word)".
type Observer interface {
	OnAddressChanged(addr uintptr)
}

// source is one arena-owned entry: the authoritative (name, address) pair
// plus the set of Reference objects currently observing it. Mirrors
// RefManager::Info.
type source struct {
	name    string
	address uintptr
	refs    map[*Reference]struct{}
}

// RefManager is an arena of named external references, shared by every
// Listing built for that Arena. It owns Sources by integer id; References
// hold only an id and register/unregister themselves on creation/drop,
// matching the observer graph spec.md §9 "Cyclic and observer graphs"
// describes and SPEC_FULL.md's supplemented-feature #3 grounds on
// RefManager.cpp.
type RefManager struct {
	mu      sync.Mutex
	sources map[RefHandle]*source
	next    RefHandle
}

// NewRefManager creates an empty, arena-scoped RefManager.
func NewRefManager() *RefManager {
	return &RefManager{sources: map[RefHandle]*source{}, next: 1}
}

// AddSource registers a new named source at the given address and returns
// its handle.
func (m *RefManager) AddSource(name string, address uintptr) RefHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.sources[id] = &source{name: name, address: address, refs: map[*Reference]struct{}{}}
	return id
}

// RemoveSource drops a source; any References still registered to it are
// left dangling (their Resolve calls will panic), matching the original's
// "dead reference" assertion-on-shutdown discipline rather than silently
// tolerating use-after-free.
func (m *RefManager) RemoveSource(id RefHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, id)
}

// SetAddress updates a source's address and notifies every Reference
// observing it, synchronously, on the calling goroutine — per spec.md §5,
// these callbacks must be non-blocking and allocation-free.
func (m *RefManager) SetAddress(id RefHandle, address uintptr) {
	m.mu.Lock()
	src, ok := m.sources[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	src.address = address
	observers := make([]*Reference, 0, len(src.refs))
	for r := range src.refs {
		observers = append(observers, r)
	}
	m.mu.Unlock()

	for _, r := range observers {
		if r.observer != nil {
			r.observer.OnAddressChanged(address)
		}
	}
}

// Address returns a source's current address.
func (m *RefManager) Address(id RefHandle) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src, ok := m.sources[id]; ok {
		return src.address
	}
	return 0
}

// Name returns a source's name.
func (m *RefManager) Name(id RefHandle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src, ok := m.sources[id]; ok {
		return src.name
	}
	return ""
}

// Reference is one observer of a named Source: it registers with the arena
// on creation and unregisters on Close, never holding the Source directly
// (avoiding the raw Source<->Reference cycle the original's RefSource /
// Reference / Content triangle has in C++).
type Reference struct {
	mgr      *RefManager
	id       RefHandle
	observer Observer
}

// NewReference registers obs as an observer of mgr's source id.
func NewReference(mgr *RefManager, id RefHandle, obs Observer) *Reference {
	r := &Reference{mgr: mgr, id: id, observer: obs}
	mgr.mu.Lock()
	if src, ok := mgr.sources[id]; ok {
		src.refs[r] = struct{}{}
	}
	mgr.mu.Unlock()
	return r
}

// Address returns the tracked source's current address.
func (r *Reference) Address() uintptr { return r.mgr.Address(r.id) }

// Close unregisters the reference from its source.
func (r *Reference) Close() {
	r.mgr.mu.Lock()
	defer r.mgr.mu.Unlock()
	if src, ok := r.mgr.sources[r.id]; ok {
		delete(src.refs, r)
	}
}

package dialog

import (
	"sync"

	"github.com/eyepea/gosip/metrics"
)

// DialogID identifies a dialog by the RFC 3261 triple. RemoteTag is empty
// for an early UAC dialog (no tagged response yet) or for a UAS dialog
// before its own to-tag has been echoed back by the peer.
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// partial returns the key used to match a dialog before its RemoteTag (UAC
// side) is known.
func (id DialogID) partial() DialogID {
	return DialogID{CallID: id.CallID, LocalTag: id.LocalTag}
}

// Registry tracks live dialogs by DialogID and supports the re-keying that
// happens the moment a UAC dialog receives its first tagged response: the
// dialog is stored under the partial key (RemoteTag == "") while the INVITE
// is in flight, then moved to the full triple once the peer's tag is known.
type Registry struct {
	mu sync.Mutex
	m  map[DialogID]*Dialog

	// Metrics, if set, receives active/ended dialog counts. Nil disables
	// reporting without any further checks at call sites.
	Metrics *metrics.Registry
}

// NewRegistry returns an empty dialog registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[DialogID]*Dialog)}
}

// Store indexes d under id, replacing anything already stored there.
func (r *Registry) Store(id DialogID, d *Dialog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.m[id]
	r.m[id] = d
	if r.Metrics != nil && !replaced {
		r.Metrics.DialogsActive.Inc()
	}
}

// Lookup matches the full triple first, then falls back to the partial key
// (RemoteTag == "") so a dialog can be found before its peer's tag arrives.
func (r *Registry) Lookup(id DialogID) (*Dialog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.m[id]; ok {
		return d, true
	}
	d, ok := r.m[id.partial()]
	return d, ok
}

// Rekey moves a dialog stored under its partial id (RemoteTag == "") to the
// full triple once the remote tag becomes known. It is a no-op if the
// dialog was already stored under the full key, and atomic with respect to
// concurrent Lookup/Store calls.
func (r *Registry) Rekey(old, new DialogID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.m[old]
	if !ok {
		return
	}
	delete(r.m, old)
	r.m[new] = d
}

// Delete removes id (and, defensively, its partial form) from the registry.
func (r *Registry) Delete(id DialogID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.m[id]
	if !existed {
		_, existed = r.m[id.partial()]
	}
	delete(r.m, id)
	delete(r.m, id.partial())
	if r.Metrics != nil && existed {
		r.Metrics.DialogsActive.Dec()
		r.Metrics.DialogsEnded.WithLabelValues("closed").Inc()
	}
}

// Len returns the number of tracked dialogs (full-key entries only).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// All returns a snapshot of every tracked dialog, deduplicated (a dialog
// stored under both its partial and full key is returned once). Used by
// shutdown/drain code that needs to walk every live dialog.
func (r *Registry) All() []*Dialog {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*Dialog]struct{}, len(r.m))
	out := make([]*Dialog, 0, len(r.m))
	for _, d := range r.m {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

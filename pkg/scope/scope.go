// Package scope carries the identity of a unit of work (a request, a test, a
// worker) through context.Context. Scopes replace thread identity when
// attributing I/O and when isolating registry overrides.
package scope

import (
	"context"
	"sync"
	"sync/atomic"

	"GoSniffy/pkg/meta"
)

var seq atomic.Uint64

// Scope is one unit of work. It is safe for concurrent use.
type Scope struct {
	id      uint64
	name    string
	overlay atomic.Bool
	values  sync.Map
}

// New allocates a scope with a process-unique ID.
func New(name string) *Scope {
	return &Scope{id: seq.Add(1), name: name}
}

func (s *Scope) ID() uint64   { return s.id }
func (s *Scope) Name() string { return s.name }

// Thread returns the descriptor used in stats keys for events owned by s.
func (s *Scope) Thread() meta.Thread {
	if s == nil {
		return meta.Thread{}
	}
	return meta.Thread{ID: s.id, Name: s.name}
}

// EnableOverlay routes registry reads and writes made under s to a private
// overlay that falls back to the global registry.
func (s *Scope) EnableOverlay()  { s.overlay.Store(true) }
func (s *Scope) DisableOverlay() { s.overlay.Store(false) }

// OverlayEnabled is nil-safe.
func (s *Scope) OverlayEnabled() bool {
	return s != nil && s.overlay.Load()
}

// LoadOrStore attaches per-scope state owned by other packages.
func (s *Scope) LoadOrStore(key, value any) (actual any, loaded bool) {
	return s.values.LoadOrStore(key, value)
}

// Load returns per-scope state previously attached with LoadOrStore.
func (s *Scope) Load(key any) (any, bool) {
	return s.values.Load(key)
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the scope carried by ctx, or nil.
func FromContext(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(ctxKey{}).(*Scope)
	return s
}

// With starts a named scope and returns it together with the derived context.
func With(ctx context.Context, name string) (context.Context, *Scope) {
	s := New(name)
	return NewContext(ctx, s), s
}

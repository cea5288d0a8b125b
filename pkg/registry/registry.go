// Package registry stores the fault-injection policy of every known target.
package registry

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"GoSniffy/pkg/meta"
	"GoSniffy/pkg/scope"
)

// Entry is one registered target.
type Entry struct {
	Target     meta.Target
	Status     Status
	Discovered bool
}

// Change describes a mutation. ScopeID is zero for the global table.
type Change struct {
	Entry
	ScopeID uint64
	Removed bool
	Cleared bool
}

// table holds exact entries plus the wildcard rules kept in a sorted slice so
// resolution is deterministic.
type table struct {
	mu        sync.RWMutex
	entries   map[meta.Target]Entry
	wildcards []Entry
}

func newTable() *table {
	return &table{entries: make(map[meta.Target]Entry)}
}

// match returns the effective entry for a concrete target: a non-open exact
// entry, then a non-open wildcard rule, then an open exact entry.
func (t *table) match(target meta.Target) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	exact, hasExact := t.entries[target]
	if hasExact && !exact.Status.IsOpen() {
		return exact, true
	}
	for _, rule := range t.wildcards {
		if rule.Target != target && !rule.Status.IsOpen() && rule.Target.Matches(target) {
			return rule, true
		}
	}
	return exact, hasExact
}

// discover inserts target as open unless something is already registered.
func (t *table) discover(target meta.Target) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[target]; ok {
		return Entry{}, false
	}
	e := Entry{Target: target, Status: Open, Discovered: true}
	t.entries[target] = e
	return e, true
}

func (t *table) set(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.Target] = e
	t.rebuildWildcards()
}

func (t *table) remove(target meta.Target) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[target]; !ok {
		return false
	}
	delete(t.entries, target)
	t.rebuildWildcards()
	return true
}

func (t *table) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[meta.Target]Entry)
	t.wildcards = nil
}

func (t *table) list() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sortEntries(out)
	return out
}

// rebuildWildcards must be called with mu held.
func (t *table) rebuildWildcards() {
	t.wildcards = t.wildcards[:0]
	for _, e := range t.entries {
		if e.Target.IsWildcard() {
			t.wildcards = append(t.wildcards, e)
		}
	}
	sortEntries(t.wildcards)
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(a.Target.Kind, b.Target.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.Target.String(), b.Target.String())
	})
}

// Registry maps targets to statuses. The global table is shared; a scope
// with its overlay enabled reads and writes a private table instead, falling
// back to the global one for targets it does not know.
type Registry struct {
	global    *table
	discovery atomic.Bool
	logger    *slog.Logger

	hooksMu sync.RWMutex
	hooks   []func(Change)
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithDiscovery toggles auto-registration of unknown targets. On by default.
func WithDiscovery(enabled bool) Option {
	return func(r *Registry) { r.discovery.Store(enabled) }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{global: newTable(), logger: slog.Default()}
	r.discovery.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type overlayKey struct{ r *Registry }

func (r *Registry) table(ctx context.Context) (*table, uint64) {
	s := scope.FromContext(ctx)
	if !s.OverlayEnabled() {
		return r.global, 0
	}
	return r.overlay(s), s.ID()
}

func (r *Registry) overlay(s *scope.Scope) *table {
	v, _ := s.LoadOrStore(overlayKey{r}, newTable())
	return v.(*table)
}

// SetDiscovery toggles auto-registration at runtime.
func (r *Registry) SetDiscovery(enabled bool) { r.discovery.Store(enabled) }
func (r *Registry) Discovery() bool           { return r.discovery.Load() }

// OnChange registers fn to be called after every mutation. Hooks run on the
// mutating goroutine and must not block.
func (r *Registry) OnChange(fn func(Change)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

func (r *Registry) notify(c Change) {
	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("registry change hook panicked", "target", c.Target.String(), "panic", p)
				}
			}()
			fn(c)
		}()
	}
}

// Resolve returns the status for target and never fails: unknown targets are
// open and, when discovery is on, registered as such. An unexpected failure
// while resolving is logged and treated as open.
func (r *Registry) Resolve(ctx context.Context, target meta.Target) (status Status) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("registry resolution failed, allowing traffic", "target", target.String(), "panic", p)
			status = Open
		}
	}()

	tbl, scopeID := r.table(ctx)
	if scopeID == 0 {
		if e, ok := tbl.match(target); ok {
			return e.Status
		}
		r.discover(tbl, target, 0)
		return Open
	}

	e, ok := tbl.match(target)
	if ok && (!e.Status.IsOpen() || !e.Discovered) {
		return e.Status
	}
	if g, gok := r.global.match(target); gok {
		return g.Status
	}
	if !ok {
		r.discover(tbl, target, scopeID)
	}
	return Open
}

func (r *Registry) discover(tbl *table, target meta.Target, scopeID uint64) {
	if !r.discovery.Load() {
		return
	}
	if e, inserted := tbl.discover(target); inserted {
		r.logger.Debug("discovered target", "target", target.String(), "scope", scopeID)
		r.notify(Change{Entry: e, ScopeID: scopeID})
	}
}

// SetStatus registers an explicit status in the table selected by ctx.
func (r *Registry) SetStatus(ctx context.Context, target meta.Target, status Status) {
	tbl, scopeID := r.table(ctx)
	e := Entry{Target: target, Status: status}
	tbl.set(e)
	r.notify(Change{Entry: e, ScopeID: scopeID})
}

// Remove deletes one entry from the table selected by ctx.
func (r *Registry) Remove(ctx context.Context, target meta.Target) {
	tbl, scopeID := r.table(ctx)
	if tbl.remove(target) {
		r.notify(Change{Entry: Entry{Target: target}, ScopeID: scopeID, Removed: true})
	}
}

// Clear empties the table selected by ctx. Clearing an overlay leaves the
// global table and other scopes untouched.
func (r *Registry) Clear(ctx context.Context) {
	tbl, scopeID := r.table(ctx)
	tbl.clear()
	r.notify(Change{ScopeID: scopeID, Cleared: true})
}

// Enumerate lists the table selected by ctx, sorted by target.
func (r *Registry) Enumerate(ctx context.Context) []Entry {
	tbl, _ := r.table(ctx)
	return tbl.list()
}

// Restore replaces the global table with entries, without notifying hooks.
func (r *Registry) Restore(entries []Entry) {
	r.global.mu.Lock()
	defer r.global.mu.Unlock()
	r.global.entries = make(map[meta.Target]Entry, len(entries))
	for _, e := range entries {
		r.global.entries[e.Target] = e
	}
	r.global.rebuildWildcards()
}

// Package logging supplies procmon's structured-logging conventions.
//
// Every long-lived component (eventlog, storage, filter, indexer,
// controller, processcache, transport) takes a *slog.Logger through its
// Config and scopes it with a "component" attribute at construction
// time; none of them reach for a global logger. Output format, level,
// and destination are main()'s job alone — packages below cmd/procmon
// never call slog.SetDefault.
//
// Log calls belong at lifecycle boundaries (start, stop, rebuild,
// dropped batch) rather than inside per-event hot loops.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
)

// ComponentKey is the attribute key ComponentFilterHandler inspects to
// decide a record's minimum level.
const ComponentKey = "component"

// noopHandler drops every record it receives.
type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (noopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h noopHandler) WithGroup(string) slog.Handler           { return h }

// Discard returns a logger that drops everything written to it, for use
// where a caller hasn't supplied one.
func Discard() *slog.Logger {
	return slog.New(noopHandler{})
}

// Default returns logger unchanged when non-nil, otherwise a Discard
// logger. Every Config.Logger field in this tree is optional; its
// constructor runs the field through Default before scoping it:
//
//	logger: logging.Default(cfg.Logger).With(logging.ComponentKey, "storage")
func Default(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// levelTable is an immutable per-component level map; every mutation
// produces a fresh table rather than editing one in place, so a reader
// holding an old pointer never observes a torn write.
type levelTable map[string]slog.Level

func (t levelTable) withSet(component string, level slog.Level) levelTable {
	next := make(levelTable, len(t)+1)
	maps.Copy(next, t)
	next[component] = level
	return next
}

func (t levelTable) withCleared(component string) levelTable {
	if _, ok := t[component]; !ok {
		return t
	}
	next := make(levelTable, len(t))
	maps.Copy(next, t)
	delete(next, component)
	return next
}

// ComponentFilterHandler wraps another slog.Handler and gates each
// record on a per-component minimum level, so an operator can raise
// verbosity for, say, "filter" or "processcache" alone without
// recompiling or restarting with a blanket debug level.
//
// Handle() reads the level table via an atomic pointer load, so no lock
// is held on the hot path; SetLevel and ClearLevel install a new table
// rather than mutate the old one.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// scopeAttrs carries attributes attached via WithAttrs, since
	// slog.Record.Attrs only yields attributes added after the handler
	// chain was built — a logger's own With() calls don't show up there.
	scopeAttrs []slog.Attr

	levels *atomic.Pointer[levelTable]
}

// NewComponentFilterHandler builds a ComponentFilterHandler with no
// per-component overrides; every record is judged against defaultLevel
// until SetLevel configures otherwise.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	p := &atomic.Pointer[levelTable]{}
	empty := levelTable{}
	p.Store(&empty)
	return &ComponentFilterHandler{next: next, defaultLevel: defaultLevel, levels: p}
}

// Enabled always reports true: the component attribute needed to pick
// the right minimum level is only available once Handle sees the full
// record, so filtering is deferred there.
func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool { return true }

// Handle drops r if its level is below the configured minimum for its
// component, then forwards it to the wrapped handler.
func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	min := h.defaultLevel
	if component, ok := h.component(r); ok {
		if lvl, ok := (*h.levels.Load())[component]; ok {
			min = lvl
		}
	}
	if r.Level < min {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// component reports the value of the first "component" attribute found,
// checking attributes attached via WithAttrs before the record's own:
// a logger's earliest With() value wins over later With() calls and
// over a one-off call-site attribute of the same key.
func (h *ComponentFilterHandler) component(r slog.Record) (string, bool) {
	for _, a := range h.scopeAttrs {
		if a.Key == ComponentKey {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				return s, true
			}
		}
	}
	var found string
	var ok bool
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == ComponentKey {
			if s, isStr := a.Value.Resolve().Any().(string); isStr {
				found, ok = s, true
				return false
			}
		}
		return true
	})
	return found, ok
}

func (h *ComponentFilterHandler) clone(next slog.Handler, scopeAttrs []slog.Attr) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:         next,
		defaultLevel: h.defaultLevel,
		scopeAttrs:   scopeAttrs,
		levels:       h.levels, // shared: SetLevel affects every handler derived from this one
	}
}

// WithAttrs returns a derived handler carrying attrs, tracking any
// "component" attribute for later filtering.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, len(h.scopeAttrs), len(h.scopeAttrs)+len(attrs))
	copy(merged, h.scopeAttrs)
	merged = append(merged, attrs...)
	return h.clone(h.next.WithAttrs(attrs), merged)
}

// WithGroup returns a derived handler scoped under name.
func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.clone(h.next.WithGroup(name), h.scopeAttrs)
}

// SetLevel sets the minimum level for component, visible to every
// handler sharing this one's level table (i.e. every logger derived
// from the same NewComponentFilterHandler call).
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	for {
		old := h.levels.Load()
		next := (*old).withSet(component, level)
		if h.levels.CompareAndSwap(old, &next) {
			return
		}
	}
}

// ClearLevel removes component's override, reverting it to DefaultLevel.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	for {
		old := h.levels.Load()
		if _, ok := (*old)[component]; !ok {
			return
		}
		next := (*old).withCleared(component)
		if h.levels.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Level returns component's configured minimum, or DefaultLevel if
// nothing was set for it.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	if lvl, ok := (*h.levels.Load())[component]; ok {
		return lvl
	}
	return h.defaultLevel
}

// DefaultLevel returns the minimum applied to components with no
// explicit override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}

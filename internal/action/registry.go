// Package action holds the compiled-in table of OCPP actions: for each
// action name, the payload codec and the ordered list of local handlers.
//
// A Registry is assembled once by a Builder at startup and is read-only
// afterwards, so lookups need no locking.
package action

import (
	"sort"

	"github.com/juju/errors"
)

// Entry is the registration of one action.
type Entry struct {
	name     string
	codec    Codec
	handlers []Handler
}

func (e *Entry) Name() string {
	return e.name
}

func (e *Entry) Codec() Codec {
	return e.codec
}

// HasHandlers reports whether this node answers the action itself.
func (e *Entry) HasHandlers() bool {
	return len(e.handlers) > 0
}

// Registry is the immutable action table.
type Registry struct {
	entries map[string]*Entry
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.entries[name]
	return e, ok
}

// Actions lists registered action names in sorted order.
func (r *Registry) Actions() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Builder collects registrations. It is not safe for concurrent use and
// is discarded after Build.
type Builder struct {
	entries map[string]*Entry
	order   []string
	errs    []error
}

func NewBuilder() *Builder {
	return &Builder{entries: make(map[string]*Entry)}
}

// Register adds an action and its payload codec. Registering the same
// name twice is an error reported by Build.
func (b *Builder) Register(name string, codec Codec) *Builder {
	switch {
	case name == "":
		b.errs = append(b.errs, errors.NotValidf("empty action name"))
	case codec == nil:
		b.errs = append(b.errs, errors.NotValidf("nil codec for action %q", name))
	case b.entries[name] != nil:
		b.errs = append(b.errs, errors.AlreadyExistsf("action %q", name))
	default:
		b.entries[name] = &Entry{name: name, codec: codec}
		b.order = append(b.order, name)
	}
	return b
}

// Subscribe appends h to the handlers of an already registered action.
// Handlers run concurrently but their results are ranked in the order
// they were subscribed.
func (b *Builder) Subscribe(name string, h Handler) *Builder {
	e := b.entries[name]
	switch {
	case e == nil:
		b.errs = append(b.errs, errors.NotFoundf("action %q", name))
	case h == nil:
		b.errs = append(b.errs, errors.NotValidf("nil handler for action %q", name))
	default:
		e.handlers = append(e.handlers, h)
	}
	return b
}

// Build freezes the table. It fails if any registration was invalid.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, errors.Annotatef(b.errs[0], "building action registry (%d errors)", len(b.errs))
	}
	entries := make(map[string]*Entry, len(b.entries))
	for name, e := range b.entries {
		cp := *e
		cp.handlers = append([]Handler(nil), e.handlers...)
		entries[name] = &cp
	}
	return &Registry{entries: entries}, nil
}

// MustBuild is Build for static startup tables.
func (b *Builder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

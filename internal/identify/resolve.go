package identify

import (
	"github.com/Napageneral/msgarchive/internal/contacts"
	"github.com/Napageneral/msgarchive/internal/source"
)

// DefaultMinPhoneSuffix is the shortest shared digit suffix accepted as a phone match.
// A bare seven-digit local number is not enough: the suffix must reach into the area code.
const DefaultMinPhoneSuffix = 8

// Options tunes matching.
type Options struct {
	MinPhoneSuffix int
}

type entry struct {
	name   string
	phones []string
	emails []string
}

// Resolver maps raw handle identifiers to contact names.
//
// Every handle passed to NewResolver is resolved up front; the Resolver is
// immutable afterwards and may be shared between goroutines.
type Resolver struct {
	minSuffix int
	entries   []entry
	handles   map[int64]source.Handle
	resolved  map[int64]string
}

// NewResolver indexes the contact list (in provider order) and resolves every handle.
// An empty contact list is valid: every lookup then misses.
func NewResolver(list []contacts.Contact, handles []source.Handle, opts Options) *Resolver {
	if opts.MinPhoneSuffix <= 0 {
		opts.MinPhoneSuffix = DefaultMinPhoneSuffix
	}
	r := &Resolver{
		minSuffix: opts.MinPhoneSuffix,
		handles:   make(map[int64]source.Handle, len(handles)),
		resolved:  make(map[int64]string, len(handles)),
	}

	for _, c := range list {
		name := c.FullName()
		if name == "" {
			continue
		}
		e := entry{name: name}
		for _, p := range c.Phones {
			if d := NormalizePhone(p); d != "" {
				e.phones = append(e.phones, d)
			}
		}
		for _, m := range c.Emails {
			if n := NormalizeEmail(m); n != "" {
				e.emails = append(e.emails, n)
			}
		}
		r.entries = append(r.entries, e)
	}

	for _, h := range handles {
		r.handles[h.ID] = h
		if name, ok := r.lookup(h.Identifier, h.Kind); ok {
			r.resolved[h.ID] = name
		}
	}
	return r
}

// lookup returns the first contact, in provider order, with a matching identifier.
func (r *Resolver) lookup(identifier string, kind source.HandleKind) (string, bool) {
	norm := Normalize(identifier, kind)
	if norm == "" {
		return "", false
	}
	for _, e := range r.entries {
		if kind == source.KindEmail {
			for _, m := range e.emails {
				if m == norm {
					return e.name, true
				}
			}
			continue
		}
		for _, p := range e.phones {
			if PhonesMatch(norm, p, r.minSuffix) {
				return e.name, true
			}
		}
	}
	return "", false
}

// Resolve returns the contact name for a handle. Handles known at construction
// are answered from the cache.
func (r *Resolver) Resolve(h source.Handle) (string, bool) {
	if known, ok := r.handles[h.ID]; ok && known.Identifier == h.Identifier {
		name, found := r.resolved[h.ID]
		return name, found
	}
	return r.lookup(h.Identifier, h.Kind)
}

// ResolveIdentifier resolves a raw identifier that has no handle row, such as a
// chat identifier.
func (r *Resolver) ResolveIdentifier(identifier string) (string, bool) {
	return r.lookup(identifier, source.KindOf(identifier))
}

// Identifier returns the raw identifier for a handle id.
func (r *Resolver) Identifier(handleID int64) (string, bool) {
	h, ok := r.handles[handleID]
	if !ok {
		return "", false
	}
	return h.Identifier, true
}

// Label is the display label for a handle: the contact name, else the raw
// identifier, else "" for unknown handle ids.
func (r *Resolver) Label(handleID int64) string {
	if name, ok := r.resolved[handleID]; ok {
		return name
	}
	id, _ := r.Identifier(handleID)
	return id
}

// Resolved reports how many known handles matched a contact.
func (r *Resolver) Resolved() int {
	return len(r.resolved)
}

// MinPhoneSuffix is the suffix length in effect.
func (r *Resolver) MinPhoneSuffix() int {
	return r.minSuffix
}

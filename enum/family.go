package enum

import (
	"fmt"
	"strconv"
)

// Resolution is the outcome of resolving a token against a Family.
type Resolution uint8

const (
	// Unresolved means the token matched nothing and was not preserved.
	Unresolved Resolution = iota
	// Declared means the token matched a declared variant.
	Declared
	// Preserved means an unknown numeric token was kept as is.
	Preserved
)

// Ok reports whether a value was produced.
func (r Resolution) Ok() bool { return r != Unresolved }

func (r Resolution) String() string {
	switch r {
	case Declared:
		return "declared"
	case Preserved:
		return "preserved"
	default:
		return "unresolved"
	}
}

// Entry declares one variant of a family.
type Entry[T ~int32] struct {
	Value T
	Name  string
}

// Family is the identity/name table of one enum. It is built once and is
// read-only afterwards, so a Family may be shared by any number of goroutines.
type Family[T ~int32] struct {
	name    string
	entries []Entry[T]
	names   map[T]string
	byText  map[string]T
}

// NewFamily builds a family from its declared table. Declaring the same
// id or name twice is a programming error and panics.
func NewFamily[T ~int32](name string, entries ...Entry[T]) *Family[T] {
	f := &Family[T]{
		name:    name,
		entries: append([]Entry[T](nil), entries...),
		names:   make(map[T]string, len(entries)),
		byText:  make(map[string]T, 2*len(entries)),
	}
	for _, e := range entries {
		if _, dup := f.names[e.Value]; dup {
			panic(fmt.Sprintf("enum %s: duplicate id %d", name, e.Value))
		}
		if _, dup := f.byText[e.Name]; dup {
			panic(fmt.Sprintf("enum %s: duplicate name %q", name, e.Name))
		}
		f.names[e.Value] = e.Name
		f.byText[e.Name] = e.Value
	}
	// Decimal ids go in after names so that a name can never be shadowed.
	for _, e := range entries {
		id := strconv.FormatInt(int64(e.Value), 10)
		if _, taken := f.byText[id]; !taken {
			f.byText[id] = e.Value
		}
	}
	return f
}

// Name returns the family name, e.g. "PServiceCallType".
func (f *Family[T]) Name() string { return f.name }

// Values returns the declared values in declaration order.
func (f *Family[T]) Values() []T {
	out := make([]T, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Value
	}
	return out
}

// Declared reports whether v is one of the declared variants.
func (f *Family[T]) Declared(v T) bool {
	_, ok := f.names[v]
	return ok
}

// Resolve maps a token to a value of the family.
//
// Text tokens match exactly, case included. When nothing matches, a numeric
// token is returned as Preserved if keepUnknownNumeric is set; every other
// miss is Unresolved and the zero value is returned.
func (f *Family[T]) Resolve(tok Token, keepUnknownNumeric bool) (T, Resolution) {
	switch tok.kind {
	case kindNumber:
		if tok.num >= minInt32 && tok.num <= maxInt32 {
			v := T(tok.num)
			if _, ok := f.names[v]; ok {
				return v, Declared
			}
			if keepUnknownNumeric {
				return v, Preserved
			}
		}
	case kindText:
		if v, ok := f.byText[tok.text]; ok {
			return v, Declared
		}
	}
	var zero T
	return zero, Unresolved
}

// ResolveValue is Resolve over a loosely typed decoded value.
func (f *Family[T]) ResolveValue(v any, keepUnknownNumeric bool) (T, Resolution) {
	return f.Resolve(TokenOf(v), keepUnknownNumeric)
}

// NameOf is the inverse of Resolve: the declared name of v as a text token,
// or v itself as a numeric token when keepUnknownNumeric is set.
func (f *Family[T]) NameOf(v T, keepUnknownNumeric bool) (Token, bool) {
	if name, ok := f.names[v]; ok {
		return Text(name), true
	}
	if keepUnknownNumeric {
		return Number(int64(v)), true
	}
	return Token{}, false
}

// Lookup returns the declared name of v.
func (f *Family[T]) Lookup(v T) (string, bool) {
	name, ok := f.names[v]
	return name, ok
}

// Format renders v for diagnostics: its name, or "Family(n)" when undeclared.
func (f *Family[T]) Format(v T) string {
	if name, ok := f.names[v]; ok {
		return name
	}
	return f.name + "(" + strconv.FormatInt(int64(v), 10) + ")"
}

const (
	minInt32 = -1 << 31
	maxInt32 = 1<<31 - 1
)

// Package headers enforces singleton semantics for selected response headers.
//
// Some response writers populate headers such as Date on their own. A caching
// layer that re-asserts the original generation time of a response has to
// overwrite those values instead of appending a second one, since duplicate
// singleton headers confuse clients and intermediaries.
package headers

import (
	"net/http"
	"sort"
)

// Action tells the caller how a header value must be applied.
type Action int

const (
	// ActionAdd appends the value to any existing values.
	ActionAdd Action = iota

	// ActionSet replaces all existing values.
	ActionSet
)

func (a Action) String() string {
	if a == ActionSet {
		return "set"
	}
	return "add"
}

// DefaultSingletons are the header names that are always treated as singletons.
var DefaultSingletons = []string{"Date"}

// Normalizer holds an immutable set of singleton header names.
type Normalizer struct {
	singletons map[string]struct{}
}

// NewNormalizer creates a Normalizer for the given header names.
// DefaultSingletons are always part of the set.
func NewNormalizer(names ...string) *Normalizer {
	set := make(map[string]struct{}, len(names)+len(DefaultSingletons))
	for _, name := range DefaultSingletons {
		set[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		set[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	return &Normalizer{singletons: set}
}

// IsSingleton reports whether name may only carry one value.
func (n *Normalizer) IsSingleton(name string) bool {
	if n == nil {
		return false
	}
	_, ok := n.singletons[http.CanonicalHeaderKey(name)]
	return ok
}

// Names returns the singleton header names in sorted order.
func (n *Normalizer) Names() []string {
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.singletons))
	for name := range n.singletons {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Action decides how value must be applied to existing for header name.
// The existing headers do not influence the decision; they are accepted so
// callers can pass the header map they are about to modify.
func (n *Normalizer) Action(name, value string, existing http.Header) Action {
	if n.IsSingleton(name) {
		return ActionSet
	}
	return ActionAdd
}

// Add applies value to h following the singleton rule.
func (n *Normalizer) Add(h http.Header, name, value string) {
	if n.Action(name, value, h) == ActionSet {
		h.Set(name, value)
		return
	}
	h.Add(name, value)
}

// Normalize collapses every singleton header with several values to its last
// value. Other headers are left untouched.
func (n *Normalizer) Normalize(h http.Header) {
	if n == nil || h == nil {
		return
	}
	for name, values := range h {
		if len(values) <= 1 {
			continue
		}
		if n.IsSingleton(name) {
			h[name] = []string{values[len(values)-1]}
		}
	}
}

// Middleware installs the singleton rule on every response written by next.
func (n *Normalizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(n.Wrap(w), r)
	})
}

// Wrap returns a ResponseWriter that normalizes headers right before the
// status line is written.
func (n *Normalizer) Wrap(w http.ResponseWriter) http.ResponseWriter {
	return &normalizingWriter{ResponseWriter: w, normalizer: n}
}

type normalizingWriter struct {
	http.ResponseWriter
	normalizer  *Normalizer
	wroteHeader bool
}

func (w *normalizingWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.normalizer.Normalize(w.ResponseWriter.Header())
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *normalizingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *normalizingWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *normalizingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

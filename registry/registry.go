// Package registry holds the method and signal tables of one namespace.
//
// Registration is append-only and all-or-nothing per call: a batch with any invalid or
// duplicate record leaves the tables untouched. Reads take a shared lock so dispatch
// from many connections never blocks on each other.
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"uds-rpc/marshal"
	"uds-rpc/rpcerr"
)

type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Entry
	signals map[string]*Entry
}

func New() *Registry {
	return &Registry{
		methods: make(map[string]*Entry),
		signals: make(map[string]*Entry),
	}
}

func (r *Registry) table(c Category) map[string]*Entry {
	if c == Signal {
		return r.signals
	}
	return r.methods
}

// Register validates every record, then inserts them all.
func (r *Registry) Register(handlers ...Handler) error {
	entries := make([]*Entry, 0, len(handlers))
	batch := map[Category]map[string]bool{Method: {}, Signal: {}}
	for _, h := range handlers {
		e, err := newEntry(h)
		if err != nil {
			return err
		}
		if batch[h.Category][h.Name] {
			return rpcerr.Register("duplicate %s name %q in registration", h.Category, h.Name)
		}
		batch[h.Category][h.Name] = true
		entries = append(entries, e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if _, ok := r.table(e.Category)[e.Name]; ok {
			return rpcerr.Register("%s %q already registered", e.Category, e.Name)
		}
	}
	for _, e := range entries {
		r.table(e.Category)[e.Name] = e
	}
	return nil
}

func newEntry(h Handler) (*Entry, error) {
	if h.Name == "" {
		return nil, rpcerr.Register("invalid registration target: empty name")
	}
	if h.Category != Method && h.Category != Signal {
		return nil, rpcerr.Register("invalid registration target %q: %s", h.Name, h.Category)
	}
	if h.Func == nil {
		return nil, rpcerr.Register("invalid registration target %q: nil handler", h.Name)
	}

	e := &Entry{
		Handler:    h,
		ParamNames: make([]string, len(h.Params)),
		ParamTags:  make([]marshal.Tag, len(h.Params)),
		paramTypes: make([]reflect.Type, len(h.Params)),
	}
	for i, p := range h.Params {
		tag, err := marshal.TagOf(p.Type)
		if err != nil {
			return nil, rpcerr.Param("%s %q parameter %d: %v", h.Category, h.Name, i, err)
		}
		e.ParamNames[i] = p.Name
		if p.Name == "" {
			e.ParamNames[i] = fmt.Sprintf("arg%d", i)
		}
		e.ParamTags[i] = tag
		e.paramTypes[i] = p.Type
	}
	if h.Returns != nil {
		tag, err := marshal.TagOf(h.Returns)
		if err != nil {
			return nil, rpcerr.Param("%s %q return: %v", h.Category, h.Name, err)
		}
		e.ReturnTag = tag
	}
	return e, nil
}

// Lookup finds a handler by category and name.
func (r *Registry) Lookup(c Category, name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.table(c)[name]
	return e, ok
}

// Entries lists one category sorted by name.
func (r *Registry) Entries(c Category) []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.table(c)))
	for _, e := range r.table(c) {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len(c Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table(c))
}

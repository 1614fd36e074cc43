package task

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/lcls-tools/lute/internal/model"
)

// Entry describes a runnable Task. New is nil for Tasks whose parameters
// name an executable; those always run as a ThirdPartyTask.
type Entry struct {
	Schema model.Schema
	New    func() Analysis
}

// Registry maps Task names to their Entry.
type Registry struct {
	mx      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces the Entry of name.
func (r *Registry) Register(name string, e Entry) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.entries[name] = e
}

func (r *Registry) Lookup(name string) (Entry, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return e, nil
}

// Names returns the registered Task names, sorted.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

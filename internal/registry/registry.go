// Package registry holds the static set of models participating in
// battles and the label alphabet used to blind their identities.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"modelarena/internal/backend"
)

// LabelAlphabet is the ordered set of display letters assigned to models
// on first appearance in a battle. Its length caps the number of models
// a single battle can ever involve.
const LabelAlphabet = "ABCDEFGHIJ"

// Model is one participating model: a stable id plus the backend that
// serves its generations. Display labels are per-battle, not stored here.
type Model struct {
	ID      string
	Backend backend.ModelBackend
}

// Registry is the configured model pool. It is populated once at boot
// and read-only afterwards; the mutex only guards late test injection.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
	order  []string
}

// New builds a registry from the given models, preserving order.
func New(models ...Model) (*Registry, error) {
	r := &Registry{models: make(map[string]Model, len(models))}
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("model with empty id")
		}
		if _, dup := r.models[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		if m.Backend == nil {
			return nil, fmt.Errorf("model %q has no backend", m.ID)
		}
		r.models[m.ID] = m
		r.order = append(r.order, m.ID)
	}
	return r, nil
}

// Pool returns the configured model ids in registration order.
func (r *Registry) Pool() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Backend resolves a model id to its backend capability.
func (r *Registry) Backend(id string) (backend.ModelBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("unknown model id %q", id)
	}
	return m.Backend, nil
}

// Size returns the number of registered models.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// NextLabel returns the first letter of the alphabet not yet present in
// used. It fails once the alphabet is exhausted, which means the battle
// has cycled through more models than the alphabet allows.
func NextLabel(used map[string]string) (string, error) {
	taken := make(map[string]bool, len(used))
	for _, l := range used {
		taken[l] = true
	}
	for _, c := range LabelAlphabet {
		l := string(c)
		if !taken[l] {
			return l, nil
		}
	}
	return "", fmt.Errorf("label alphabet exhausted (%d labels)", len(LabelAlphabet))
}

// SortedIDs returns model ids sorted lexically, for deterministic logs.
func (r *Registry) SortedIDs() []string {
	ids := r.Pool()
	sort.Strings(ids)
	return ids
}

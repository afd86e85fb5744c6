// Package reservoir supplies pressure-transient model functions keyed by a
// model-type id.
package reservoir

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

var (
	ErrUnknownModel   = errors.New("unknown model type")
	ErrDuplicateModel = errors.New("model type already registered")
)

// Model describes one registered model.
type Model struct {
	ID          string               `json:"id"`
	Description string               `json:"description"`
	Defaults    models.ParameterSet  `json:"parameters"`
	Function    models.ModelFunction `json:"-"`
}

// Resolve overlays params on the model defaults by name. Parameters the
// caller omits keep their default value and flags; names the model does not
// know are rejected.
func (m *Model) Resolve(params models.ParameterSet) (models.ParameterSet, error) {
	out := m.Defaults.Clone()
	for _, p := range params {
		i := out.Index(p.Name)
		if i < 0 {
			return nil, fmt.Errorf("%w: model %s has no parameter %q", models.ErrInvalidParameters, m.ID, p.Name)
		}
		out[i] = models.ParameterSet{p}.Clone()[0]
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Registry maps model-type ids to models. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// NewDefaultRegistry returns a registry holding the reference models.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, m := range referenceModels() {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a model.
func (r *Registry) Register(m Model) error {
	if m.ID == "" {
		return errors.New("model id is required")
	}
	if m.Function == nil {
		return fmt.Errorf("model %s: function is required", m.ID)
	}
	if err := m.Defaults.Validate(); err != nil {
		return fmt.Errorf("model %s: %w", m.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, m.ID)
	}
	m.Defaults = m.Defaults.Clone()
	r.models[m.ID] = &m
	return nil
}

// Get returns the model registered under id.
func (r *Registry) Get(id string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return m, nil
}

// Function returns the model function for id.
func (r *Registry) Function(id string) (models.ModelFunction, error) {
	m, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return m.Function, nil
}

// List returns all models sorted by id.
func (r *Registry) List() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

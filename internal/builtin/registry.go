package builtin

import (
	"sort"
	"sync"

	"github.com/rendis/opgraph/internal/engine"
	"github.com/rendis/opgraph/pkg/schema"
)

// Constructor validates a node's config and returns the factory that creates
// its executor for every run.
type Constructor func(id string, config map[string]any) (engine.Factory, error)

// Kind is a named executor type usable from declarative graphs.
type Kind struct {
	Name        string
	Description string
	New         Constructor
}

// KindInfo is the listing form of a Kind.
type KindInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe set of executor kinds.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds a kind. Returns an error on duplicate name.
func (r *Registry) Register(k Kind) error {
	if k.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "kind name is empty")
	}
	if k.New == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "kind %q has no constructor", k.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[k.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "kind %q already registered", k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

// Get retrieves a kind by name.
func (r *Registry) Get(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kinds[name]
	if !ok {
		return Kind{}, schema.NewErrorf(schema.ErrCodeNotFound, "executor kind %q not registered", name)
	}
	return k, nil
}

// Has reports whether a kind is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[name]
	return ok
}

// New builds the factory for one node of the given kind.
func (r *Registry) New(kind, id string, config map[string]any) (engine.Factory, error) {
	k, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = map[string]any{}
	}
	f, err := k.New(id, config)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "executor %s (%s): %s", id, kind, err.Error()).
			WithExecutor(id).WithCause(err)
	}
	return f, nil
}

// List returns all registered kinds sorted by name.
func (r *Registry) List() []KindInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]KindInfo, 0, len(r.kinds))
	for _, k := range r.kinds {
		infos = append(infos, KindInfo{Name: k.Name, Description: k.Description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kinds)
}

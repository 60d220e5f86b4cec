package graph

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// Registry resolves compiled process graphs by definition ID. It is the
// boundary to the front-end compiler: everything registered here is already
// validated and immutable.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*Process
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{processes: make(map[string]*Process)}
}

// Register adds a compiled process. Re-registering an ID replaces the entry.
func (r *Registry) Register(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[p.ID] = p
}

// Resolve returns the process with the given definition ID.
func (r *Registry) Resolve(id string) (*Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.processes[id]; ok {
		return p, nil
	}
	// Nested definitions are resolvable through their parents.
	for _, p := range r.processes {
		if sp := p.Subprocess(id); sp != nil {
			return sp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process definition %q not registered", id)
}

// Load validates a JSON process document, compiles it and registers the
// result.
func (r *Registry) Load(data []byte) (*Process, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}

	var def schema.ProcessDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode process document").WithCause(err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}

	p, err := Compile(&def)
	if err != nil {
		return nil, err
	}
	r.Register(p)
	return p, nil
}

// LoadFile reads and loads a JSON process document from disk.
func (r *Registry) LoadFile(path string) (*Process, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read process document %s", path).WithCause(err)
	}
	return r.Load(data)
}

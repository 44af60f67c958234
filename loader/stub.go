package loader

import (
	"errors"
	"slices"
	"sync"
)

// DefaultExport is the export name ExportAll never forwards.
const DefaultExport = "default"

// ErrExportDefined is returned when a locally declared export is redefined.
var ErrExportDefined = errors.New("export already defined")

// Binding produces the current value of an export. Importers always read
// through the binding, so reassignment in the exporting module is visible.
type Binding func() any

// Const returns a binding that always yields v.
func Const(v any) Binding {
	return func() any { return v }
}

// Stub is a module namespace: export name to binding. It is allocated
// before the module body runs so importers in a cycle can hold it early.
type Stub struct {
	id string

	mu       sync.RWMutex
	bindings map[string]Binding
	local    map[string]bool
}

func newStub(id string) *Stub {
	return &Stub{
		id:       id,
		bindings: make(map[string]Binding),
		local:    make(map[string]bool),
	}
}

// ID returns the module id the stub belongs to.
func (s *Stub) ID() string { return s.id }

// Define declares a local export. Local exports cannot be redefined, and a
// re-export forwarded earlier under the same name is replaced.
func (s *Stub) Define(name string, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local[name] {
		return ErrExportDefined
	}
	s.bindings[name] = b
	s.local[name] = true
	return nil
}

// forward installs a re-export binding. It fails only when name is a local
// export.
func (s *Stub) forward(name string, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local[name] {
		return ErrExportDefined
	}
	s.bindings[name] = b
	return nil
}

// Get reads an export through its binding.
func (s *Stub) Get(name string) (any, bool) {
	s.mu.RLock()
	b, ok := s.bindings[name]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return b(), true
}

// Value is Get without the presence flag.
func (s *Stub) Value(name string) any {
	v, _ := s.Get(name)
	return v
}

// Keys returns the export names, sorted.
func (s *Stub) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.bindings))
	for k := range s.bindings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

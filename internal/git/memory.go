package git

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memoryObject struct {
	objectType ObjectType
	body       []byte
}

// MemoryRepository keeps objects and refs in maps. It is safe for concurrent
// use and backs unit tests and the "memory" storage backend.
type MemoryRepository struct {
	mu      sync.RWMutex
	objects map[ObjectID]memoryObject
	refs    map[string]ObjectID
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		objects: make(map[ObjectID]memoryObject),
		refs:    make(map[string]ObjectID),
	}
}

// Insert stores the object; inserting an existing id is a no-op.
func (m *MemoryRepository) Insert(objectType ObjectType, body []byte) (ObjectID, error) {
	id := HashObject(objectType, body)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; !ok {
		m.objects[id] = memoryObject{objectType: objectType, body: append([]byte(nil), body...)}
	}
	return id, nil
}

// Read returns a copy of the object body.
func (m *MemoryRepository) Read(id ObjectID) (ObjectType, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	object, ok := m.objects[id]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	return object.objectType, append([]byte(nil), object.body...), nil
}

// ObjectCount reports how many objects are stored.
func (m *MemoryRepository) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// ExactRef resolves a ref by full name.
func (m *MemoryRepository) ExactRef(name string) (ObjectID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.refs[name]
	return id, ok, nil
}

// RefsByPrefix lists refs under prefix sorted by name.
func (m *MemoryRepository) RefsByPrefix(prefix string) ([]Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make([]Ref, 0)
	for name, id := range m.refs {
		if strings.HasPrefix(name, prefix) {
			refs = append(refs, Ref{Name: name, ID: id})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Update applies one CAS command.
func (m *MemoryRepository) Update(cmd RefCommand) (RefUpdateResult, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(cmd), nil
}

// BatchUpdate applies each command independently under one lock.
func (m *MemoryRepository) BatchUpdate(cmds []RefCommand) ([]RefUpdateResult, error) {
	for _, cmd := range cmds {
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]RefUpdateResult, len(cmds))
	for i, cmd := range cmds {
		results[i] = m.applyLocked(cmd)
	}
	return results, nil
}

func (m *MemoryRepository) applyLocked(cmd RefCommand) RefUpdateResult {
	current, exists := m.refs[cmd.Name]
	if cmd.OldID.IsZero() {
		if exists {
			return ResultLockFailure
		}
		m.refs[cmd.Name] = cmd.NewID
		return ResultNew
	}
	if !exists || current != cmd.OldID {
		return ResultLockFailure
	}
	if cmd.NewID.IsZero() {
		delete(m.refs, cmd.Name)
	} else {
		m.refs[cmd.Name] = cmd.NewID
	}
	return ResultForced
}

package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/pitabwire/bandflow/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore. Instances are deep
// copied on the way in and out so callers never share form data with the
// store.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	order     []string                          // insertion order
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
	}
}

// Create persists a new workflow instance.
func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = clone(inst)
	s.order = append(s.order, inst.ID)
	return nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryWorkflowStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return clone(inst), nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryWorkflowStore) Update(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	stored := clone(inst)
	stored.Version++
	s.instances[inst.ID] = stored
	return nil
}

// FindByUser returns instances assigned to or initiated by email.
func (s *MemoryWorkflowStore) FindByUser(_ context.Context, email string) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowInstance{}
	for _, id := range s.order {
		inst := s.instances[id]
		if inst.InvolvesUser(email) {
			result = append(result, clone(inst))
		}
	}
	return result, nil
}

// List returns instances matching filters.
func (s *MemoryWorkflowStore) List(_ context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowInstance{}
	skipped := 0
	for _, id := range s.order {
		inst := s.instances[id]
		if !filters.matches(inst) {
			continue
		}
		if skipped < filters.Offset {
			skipped++
			continue
		}
		if filters.Limit > 0 && len(result) >= filters.Limit {
			break
		}
		result = append(result, clone(inst))
	}
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryWorkflowStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of instances. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func clone(inst model.WorkflowInstance) model.WorkflowInstance {
	return deepcopy.Copy(inst).(model.WorkflowInstance)
}

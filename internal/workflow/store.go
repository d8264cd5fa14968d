package workflow

import (
	"context"

	"github.com/pitabwire/bandflow/model"
)

// WorkflowStore persists workflow instances.
type WorkflowStore interface {
	// Create persists a new workflow instance. Returns CONFLICT if an
	// instance with the same ID already exists.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID. Returns NOT_FOUND if the
	// instance doesn't exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Update persists an updated workflow instance with optimistic locking.
	// The version must match the current stored version. Returns CONFLICT if
	// the version has changed. On success the stored version is incremented.
	Update(ctx context.Context, instance model.WorkflowInstance) error

	// FindByUser returns the instances assigned to or initiated by email,
	// in insertion order.
	FindByUser(ctx context.Context, email string) ([]model.WorkflowInstance, error)

	// List returns instances matching filters, in insertion order.
	List(ctx context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error)

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

// WorkflowFilters are optional filters for listing workflow instances.
type WorkflowFilters struct {
	WorkflowType string
	Status       model.WorkflowStatus
	Limit        int
	Offset       int
}

// matches reports whether inst passes the type and status filters.
func (f WorkflowFilters) matches(inst model.WorkflowInstance) bool {
	if f.WorkflowType != "" && inst.WorkflowType != f.WorkflowType {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

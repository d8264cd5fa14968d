package realtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitabwire/bandflow/model"
)

// subscribeAll subscribes handler to every destination, stopping at the
// first failure.
func (c *Client) subscribeAll(ctx context.Context, destinations []string, handler Handler) error {
	for _, dest := range destinations {
		if err := c.Subscribe(ctx, dest, handler, nil); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeToStudentUpdates subscribes to the user's assignment, equipment
// and dashboard queues.
func (c *Client) SubscribeToStudentUpdates(ctx context.Context, userID string, handler Handler) error {
	if userID == "" {
		return model.NewBadRequestError("userID is required")
	}
	return c.subscribeAll(ctx, StudentQueues(userID), handler)
}

// SubscribeToDirectorUpdates subscribes to the band director topics.
func (c *Client) SubscribeToDirectorUpdates(ctx context.Context, handler Handler) error {
	return c.subscribeAll(ctx, DirectorTopics(), handler)
}

// SubscribeToEquipmentManagerUpdates subscribes to the equipment manager topics.
func (c *Client) SubscribeToEquipmentManagerUpdates(ctx context.Context, handler Handler) error {
	return c.subscribeAll(ctx, EquipmentManagerTopics(), handler)
}

// SubscribeToSupervisorUpdates subscribes to the supervisor topics.
func (c *Client) SubscribeToSupervisorUpdates(ctx context.Context, handler Handler) error {
	return c.subscribeAll(ctx, SupervisorTopics(), handler)
}

// SubscribeToErrorMessages subscribes to the user's error queue.
func (c *Client) SubscribeToErrorMessages(ctx context.Context, userID string, handler Handler) error {
	if userID == "" {
		return model.NewBadRequestError("userID is required")
	}
	return c.Subscribe(ctx, UserErrors(userID), handler, nil)
}

// SubscribeToRoleUpdates subscribes to the bundle for role. Role names are
// matched case-insensitively. A student without userID subscribes to
// nothing.
func (c *Client) SubscribeToRoleUpdates(ctx context.Context, role, userID string, handler Handler) error {
	switch strings.ToUpper(role) {
	case model.RoleStudent:
		if userID == "" {
			return nil
		}
		return c.SubscribeToStudentUpdates(ctx, userID, handler)
	case model.RoleBandDirector:
		return c.SubscribeToDirectorUpdates(ctx, handler)
	case model.RoleEquipmentManager:
		return c.SubscribeToEquipmentManagerUpdates(ctx, handler)
	case model.RoleSupervisor:
		return c.SubscribeToSupervisorUpdates(ctx, handler)
	default:
		return model.NewBadRequestError(fmt.Sprintf("unknown role %q", role))
	}
}

// RoleDestinations lists the destinations SubscribeToRoleUpdates would
// subscribe to.
func RoleDestinations(role, userID string) []string {
	switch strings.ToUpper(role) {
	case model.RoleStudent:
		if userID == "" {
			return nil
		}
		return StudentQueues(userID)
	case model.RoleBandDirector:
		return DirectorTopics()
	case model.RoleEquipmentManager:
		return EquipmentManagerTopics()
	case model.RoleSupervisor:
		return SupervisorTopics()
	}
	return nil
}

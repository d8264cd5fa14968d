package realtime

import (
	"context"

	"github.com/pitabwire/bandflow/internal/validation"
	"github.com/pitabwire/bandflow/model"
)

// SubscribeToEquipmentUpdates subscribes to the equipment broadcast topic
// and announces the subscription to the server.
func (c *Client) SubscribeToEquipmentUpdates(ctx context.Context, handler Handler) error {
	if err := c.Subscribe(ctx, TopicEquipmentUpdates, handler, nil); err != nil {
		return err
	}
	return c.Send(ctx, DestEquipmentSubscribe, model.SubscriptionControl{Action: "subscribe"}, nil)
}

// UpdateEquipmentStatus publishes a status change for one item.
func (c *Client) UpdateEquipmentStatus(ctx context.Context, equipmentID, newStatus string) error {
	payload := model.EquipmentStatusUpdate{EquipmentID: equipmentID, NewStatus: newStatus}
	if err := validation.Struct(payload); err != nil {
		return err
	}
	return c.Send(ctx, EquipmentStatusDestination(equipmentID), payload, nil)
}

// CheckoutEquipment publishes a checkout request.
func (c *Client) CheckoutEquipment(ctx context.Context, req model.CheckoutRequest) error {
	if err := validation.Struct(req); err != nil {
		return err
	}
	return c.Send(ctx, DestAssignmentCheckout, req, nil)
}

// ReturnEquipment publishes a return request.
func (c *Client) ReturnEquipment(ctx context.Context, req model.ReturnRequest) error {
	if err := validation.Struct(req); err != nil {
		return err
	}
	return c.Send(ctx, DestAssignmentReturn, req, nil)
}

// ScheduleMaintenance publishes a maintenance request.
func (c *Client) ScheduleMaintenance(ctx context.Context, req model.MaintenanceRequest) error {
	if err := validation.Struct(req); err != nil {
		return err
	}
	return c.Send(ctx, DestMaintenanceSchedule, req, nil)
}

// RefreshDashboard asks the server to push fresh dashboard data for role.
func (c *Client) RefreshDashboard(ctx context.Context, role string) error {
	req := model.DashboardRefreshRequest{Role: role}
	if err := validation.Struct(req); err != nil {
		return err
	}
	return c.Send(ctx, DestDashboardRefresh, req, nil)
}

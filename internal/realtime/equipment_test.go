package realtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/bandflow/model"
)

func TestSubscribeToEquipmentUpdates(t *testing.T) {
	c, d := newTestClient(t)
	rec := &recorder{}

	require.NoError(t, c.SubscribeToEquipmentUpdates(context.Background(), rec.handle))

	sess := d.session(0)
	assert.Equal(t, 1, sess.active(TopicEquipmentUpdates))
	sent := sess.sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, DestEquipmentSubscribe, sent[0].Destination)
	assert.JSONEq(t, `{"action":"subscribe"}`, sent[0].Body)
}

func TestPublishers(t *testing.T) {
	tests := []struct {
		name     string
		publish  func(context.Context, *Client) error
		wantDest string
		wantBody string
	}{
		{
			name: "equipment status",
			publish: func(ctx context.Context, c *Client) error {
				return c.UpdateEquipmentStatus(ctx, "eq-42", "MAINTENANCE")
			},
			wantDest: "/app/equipment/eq-42/status",
			wantBody: `{"equipmentId":"eq-42","newStatus":"MAINTENANCE"}`,
		},
		{
			name: "checkout",
			publish: func(ctx context.Context, c *Client) error {
				return c.CheckoutEquipment(ctx, model.CheckoutRequest{
					QRCode:             "QR-TRUMPET-01",
					StudentID:          "stu-9",
					ExpectedReturnDate: "2026-11-01",
					Purpose:            "Fall concert",
				})
			},
			wantDest: DestAssignmentCheckout,
			wantBody: `{"qrCode":"QR-TRUMPET-01","studentId":"stu-9","expectedReturnDate":"2026-11-01","purpose":"Fall concert"}`,
		},
		{
			name: "return",
			publish: func(ctx context.Context, c *Client) error {
				return c.ReturnEquipment(ctx, model.ReturnRequest{
					AssignmentID:    "asg-3",
					ReturnCondition: "GOOD",
					ReturnedByID:    "stu-9",
				})
			},
			wantDest: DestAssignmentReturn,
			wantBody: `{"assignmentId":"asg-3","returnCondition":"GOOD","returnedById":"stu-9"}`,
		},
		{
			name: "maintenance",
			publish: func(ctx context.Context, c *Client) error {
				return c.ScheduleMaintenance(ctx, model.MaintenanceRequest{
					EquipmentID:     "eq-42",
					MaintenanceType: "VALVE_OIL",
					ScheduledDate:   "2026-10-20",
					Notes:           "sticky third valve",
				})
			},
			wantDest: DestMaintenanceSchedule,
			wantBody: `{"equipmentId":"eq-42","maintenanceType":"VALVE_OIL","scheduledDate":"2026-10-20","notes":"sticky third valve"}`,
		},
		{
			name: "dashboard refresh",
			publish: func(ctx context.Context, c *Client) error {
				return c.RefreshDashboard(ctx, model.RoleBandDirector)
			},
			wantDest: DestDashboardRefresh,
			wantBody: `{"role":"BAND_DIRECTOR"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, d := newTestClient(t)

			require.NoError(t, tt.publish(context.Background(), c))

			sent := d.session(0).sentFrames()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.wantDest, sent[0].Destination)
			assert.JSONEq(t, tt.wantBody, sent[0].Body)
		})
	}
}

func TestUpdateEquipmentStatus_escapesID(t *testing.T) {
	c, d := newTestClient(t)

	require.NoError(t, c.UpdateEquipmentStatus(context.Background(), "tuba/2", "AVAILABLE"))

	sent := d.session(0).sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, "/app/equipment/tuba%2F2/status", sent[0].Destination)
}

func TestPublishers_validation(t *testing.T) {
	c, d := newTestClient(t)
	ctx := context.Background()

	err := c.CheckoutEquipment(ctx, model.CheckoutRequest{StudentID: "stu-9", Purpose: "rehearsal"})
	require.Error(t, err)
	assert.Equal(t, model.ErrValidationError, model.ErrorCode(err))

	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	fields := make([]string, 0, len(env.Details))
	for _, fe := range env.Details {
		fields = append(fields, fe.Field)
		assert.Equal(t, "REQUIRED", fe.Code)
	}
	assert.ElementsMatch(t, []string{"qrCode", "expectedReturnDate"}, fields)

	err = c.UpdateEquipmentStatus(ctx, "", "AVAILABLE")
	assert.Equal(t, model.ErrValidationError, model.ErrorCode(err))

	err = c.ReturnEquipment(ctx, model.ReturnRequest{AssignmentID: "asg-3"})
	assert.Equal(t, model.ErrValidationError, model.ErrorCode(err))

	err = c.ScheduleMaintenance(ctx, model.MaintenanceRequest{EquipmentID: "eq-1"})
	assert.Equal(t, model.ErrValidationError, model.ErrorCode(err))

	err = c.RefreshDashboard(ctx, "")
	assert.Equal(t, model.ErrValidationError, model.ErrorCode(err))

	// Invalid payloads never reach the broker or trigger a connection.
	assert.Equal(t, 0, d.dials())
}

func TestPublishers_notConnectedBroker(t *testing.T) {
	c, d := newTestClient(t)
	d.setFail(errors.New("connection refused"))

	err := c.RefreshDashboard(context.Background(), model.RoleSupervisor)
	assert.Equal(t, model.ErrPublish, model.ErrorCode(err))
}

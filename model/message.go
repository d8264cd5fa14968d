package model

import (
	"encoding/json"
	"fmt"
)

// RealtimeMessage is the decoded body of a frame pushed by the broker. Only
// JSON-parseability is guaranteed; every field is optional.
type RealtimeMessage struct {
	Type            string          `json:"type,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Equipment       json.RawMessage `json:"equipment,omitempty"`
	Assignment      json.RawMessage `json:"assignment,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
	Message         string          `json:"message,omitempty"`
	Role            string          `json:"role,omitempty"`
	EquipmentID     string          `json:"equipmentId,omitempty"`
	MaintenanceType string          `json:"maintenanceType,omitempty"`
	ScheduledDate   string          `json:"scheduledDate,omitempty"`
	Error           string          `json:"error,omitempty"`

	// Destination the frame was received on.
	Destination string `json:"-"`
	// Raw is the undecoded frame body.
	Raw json.RawMessage `json:"-"`
}

// DecodeRealtimeMessage parses a frame body. The body must be valid JSON;
// a JSON value that is not an object yields a message carrying only Raw.
func DecodeRealtimeMessage(destination string, body []byte) (RealtimeMessage, error) {
	if !json.Valid(body) {
		return RealtimeMessage{}, NewFrameDecodeError(destination, fmt.Errorf("body is not valid JSON (%d bytes)", len(body)))
	}
	var msg RealtimeMessage
	// Non-object bodies are still deliverable through Raw.
	_ = json.Unmarshal(body, &msg)
	msg.Destination = destination
	msg.Raw = append(json.RawMessage(nil), body...)
	return msg, nil
}

// Decode unmarshals the raw body into v.
func (m RealtimeMessage) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// EquipmentStatusUpdate is published to /app/equipment/{id}/status.
type EquipmentStatusUpdate struct {
	EquipmentID string `json:"equipmentId" validate:"required"`
	NewStatus   string `json:"newStatus" validate:"required"`
}

// CheckoutRequest is published to /app/assignment/checkout.
type CheckoutRequest struct {
	QRCode             string `json:"qrCode" validate:"required"`
	StudentID          string `json:"studentId" validate:"required"`
	EventID            string `json:"eventId,omitempty"`
	ExpectedReturnDate string `json:"expectedReturnDate" validate:"required"`
	Purpose            string `json:"purpose" validate:"required"`
}

// ReturnRequest is published to /app/assignment/return.
type ReturnRequest struct {
	AssignmentID    string `json:"assignmentId" validate:"required"`
	ReturnCondition string `json:"returnCondition" validate:"required"`
	DamageNotes     string `json:"damageNotes,omitempty"`
	ReturnedByID    string `json:"returnedById" validate:"required"`
}

// MaintenanceRequest is published to /app/maintenance/schedule.
type MaintenanceRequest struct {
	EquipmentID     string `json:"equipmentId" validate:"required"`
	MaintenanceType string `json:"maintenanceType" validate:"required"`
	ScheduledDate   string `json:"scheduledDate" validate:"required"`
	Notes           string `json:"notes,omitempty"`
}

// DashboardRefreshRequest is published to /app/dashboard/refresh.
type DashboardRefreshRequest struct {
	Role string `json:"role" validate:"required"`
}

// SubscriptionControl announces a topic subscription to the server.
type SubscriptionControl struct {
	Action string `json:"action"`
}

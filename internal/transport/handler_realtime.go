package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/bandflow/internal/realtime"
	"github.com/pitabwire/bandflow/model"
)

// RealtimeService publishes equipment actions to the broker.
type RealtimeService interface {
	Status() realtime.Status
	UpdateEquipmentStatus(ctx context.Context, equipmentID, newStatus string) error
	CheckoutEquipment(ctx context.Context, req model.CheckoutRequest) error
	ReturnEquipment(ctx context.Context, req model.ReturnRequest) error
	ScheduleMaintenance(ctx context.Context, req model.MaintenanceRequest) error
	RefreshDashboard(ctx context.Context, role string) error
}

type equipmentStatusRequest struct {
	NewStatus string `json:"newStatus"`
}

type dashboardRefreshRequest struct {
	Role string `json:"role"`
}

// acceptedResponse acknowledges a publish. Delivery is asynchronous.
type acceptedResponse struct {
	Status      string `json:"status"`
	Destination string `json:"destination"`
}

func handleRealtimeStatus(rt RealtimeService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, rt.Status())
	}
}

func handleEquipmentStatus(rt RealtimeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body equipmentStatusRequest
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		id := chi.URLParam(r, "id")
		if err := rt.UpdateEquipmentStatus(r.Context(), id, body.NewStatus); err != nil {
			WriteError(w, err)
			return
		}
		writeAccepted(w, realtime.EquipmentStatusDestination(id))
	}
}

// handlePublish decodes a payload of type T and hands it to publish.
func handlePublish[T any](destination string, publish func(context.Context, T) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body T
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if err := publish(r.Context(), body); err != nil {
			WriteError(w, err)
			return
		}
		writeAccepted(w, destination)
	}
}

// handleDashboardRefresh defaults the role to the caller's first role.
func handleDashboardRefresh(rt RealtimeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body dashboardRefreshRequest
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, err)
			return
		}
		if body.Role == "" {
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil && len(rctx.Roles) > 0 {
				body.Role = rctx.Roles[0]
			}
		}
		if err := rt.RefreshDashboard(r.Context(), body.Role); err != nil {
			WriteError(w, err)
			return
		}
		writeAccepted(w, realtime.DestDashboardRefresh)
	}
}

func writeAccepted(w http.ResponseWriter, destination string) {
	WriteJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", Destination: destination})
}

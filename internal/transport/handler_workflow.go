package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/bandflow/internal/validation"
	"github.com/pitabwire/bandflow/internal/workflow"
	"github.com/pitabwire/bandflow/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// WorkflowService is the part of the workflow engine the HTTP API drives.
type WorkflowService interface {
	CreateWorkflow(ctx context.Context, workflowType, schemaPath, initiatedBy string, metadata model.WorkflowMetadata, opts ...workflow.CreateOption) (*model.WorkflowInstance, error)
	GetWorkflowByID(ctx context.Context, id string) (*model.WorkflowInstance, error)
	GetWorkflowsByUser(ctx context.Context, email string) ([]model.WorkflowInstance, error)
	ListWorkflows(ctx context.Context, filters workflow.WorkflowFilters) ([]model.WorkflowInstance, error)
	UpdateWorkflowData(ctx context.Context, id string, partial model.FormData) (*model.WorkflowInstance, error)
	CompleteStage(ctx context.Context, id, stage, subStage string, data model.FormData, completedBy string, opts ...workflow.StageOption) (*model.WorkflowInstance, error)
	PauseWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error)
	ResumeWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error)
	CompleteWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error)
	CancelWorkflow(ctx context.Context, id, reason string) (*model.WorkflowInstance, error)
	GetWorkflowProgress(inst model.WorkflowInstance) model.WorkflowProgress
}

type createWorkflowRequest struct {
	WorkflowType string                 `json:"workflowType" validate:"required"`
	SchemaPath   string                 `json:"schemaPath" validate:"required"`
	AssignedTo   string                 `json:"assignedTo,omitempty" validate:"omitempty,email"`
	Metadata     createWorkflowMetadata `json:"metadata"`
}

type createWorkflowMetadata struct {
	EquipmentID string `json:"equipmentId,omitempty"`
	EventID     string `json:"eventId,omitempty"`
	StudentID   string `json:"studentId,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	Priority    string `json:"priority,omitempty" validate:"omitempty,oneof=LOW MEDIUM HIGH URGENT"`
}

type completeStageRequest struct {
	Stage    string         `json:"stage" validate:"required"`
	SubStage string         `json:"subStage,omitempty"`
	Data     model.FormData `json:"data"`
	Notes    string         `json:"notes,omitempty"`
}

type cancelWorkflowRequest struct {
	Reason string `json:"reason"`
}

type progressResponse struct {
	ID       string                 `json:"id"`
	Status   model.WorkflowStatus   `json:"status"`
	Progress model.WorkflowProgress `json:"progress"`
}

func handleWorkflowCreate(engine WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body createWorkflowRequest
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if err := validation.Struct(body); err != nil {
			WriteError(w, err)
			return
		}

		var opts []workflow.CreateOption
		if body.AssignedTo != "" {
			opts = append(opts, workflow.WithAssignee(body.AssignedTo))
		}
		metadata := model.WorkflowMetadata{
			EquipmentID: body.Metadata.EquipmentID,
			EventID:     body.Metadata.EventID,
			StudentID:   body.Metadata.StudentID,
			DueDate:     body.Metadata.DueDate,
			Priority:    model.Priority(body.Metadata.Priority),
		}

		inst, err := engine.CreateWorkflow(r.Context(), body.WorkflowType, body.SchemaPath, rctx.Email, metadata, opts...)
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Location", "/api/workflows/"+inst.ID)
		WriteJSON(w, http.StatusCreated, inst)
	}
}

// handleWorkflowList lists the workflows a user is involved in. Filtering
// by type or status switches to a paginated listing across all users.
func handleWorkflowList(engine WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		q := r.URL.Query()

		if q.Has("type") || q.Has("status") {
			status := model.WorkflowStatus(q.Get("status"))
			if status != "" && !status.Valid() {
				WriteError(w, model.NewBadRequestError("unknown status "+strconv.Quote(string(status))))
				return
			}
			filters := workflow.WorkflowFilters{
				WorkflowType: q.Get("type"),
				Status:       status,
				Limit:        min(max(queryInt(r, "limit", defaultPageSize), 1), maxPageSize),
				Offset:       max(queryInt(r, "offset", 0), 0),
			}
			items, err := engine.ListWorkflows(r.Context(), filters)
			if err != nil {
				WriteError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, map[string]any{
				"data":   items,
				"limit":  filters.Limit,
				"offset": filters.Offset,
			})
			return
		}

		user := q.Get("user")
		if user == "" {
			user = rctx.Email
		}
		items, err := engine.GetWorkflowsByUser(r.Context(), user)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": items})
	}
}

func handleWorkflowGet(engine WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		inst, err := engine.GetWorkflowByID(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		if inst == nil {
			WriteNotFound(w, "workflow "+id+" not found")
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowProgress(engine WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		inst, err := engine.GetWorkflowByID(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		if inst == nil {
			WriteNotFound(w, "workflow "+id+" not found")
			return
		}
		WriteJSON(w, http.StatusOK, progressResponse{
			ID:       inst.ID,
			Status:   inst.Status,
			Progress: engine.GetWorkflowProgress(*inst),
		})
	}
}

func handleWorkflowUpdateData(engine WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var partial model.FormData
		if err := decodeBody(w, r, &partial, false); err != nil {
			WriteError(w, err)
			return
		}
		id := chi.URLParam(r, "id")
		writeInstance(w, id)(engine.UpdateWorkflowData(r.Context(), id, partial))
	}
}

func handleWorkflowCompleteStage(engine WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body completeStageRequest
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if err := validation.Struct(body); err != nil {
			WriteError(w, err)
			return
		}

		var opts []workflow.StageOption
		if body.Notes != "" {
			opts = append(opts, workflow.WithNotes(body.Notes))
		}
		id := chi.URLParam(r, "id")
		writeInstance(w, id)(engine.CompleteStage(r.Context(), id, body.Stage, body.SubStage, body.Data, rctx.Email, opts...))
	}
}

// handleWorkflowLifecycle serves the body-less status transitions.
func handleWorkflowLifecycle(op func(context.Context, string) (*model.WorkflowInstance, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		writeInstance(w, id)(op(r.Context(), id))
	}
}

func handleWorkflowCancel(engine WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body cancelWorkflowRequest
		if err := decodeBody(w, r, &body, true); err != nil {
			WriteError(w, err)
			return
		}
		id := chi.URLParam(r, "id")
		writeInstance(w, id)(engine.CancelWorkflow(r.Context(), id, body.Reason))
	}
}

// writeInstance replies with the outcome of an engine call on instance id.
// A nil instance means the id is unknown.
func writeInstance(w http.ResponseWriter, id string) func(*model.WorkflowInstance, error) {
	return func(inst *model.WorkflowInstance, err error) {
		switch {
		case err != nil:
			WriteError(w, err)
		case inst == nil:
			WriteNotFound(w, "workflow "+id+" not found")
		default:
			WriteJSON(w, http.StatusOK, inst)
		}
	}
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

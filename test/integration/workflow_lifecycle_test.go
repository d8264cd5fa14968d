package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/bandflow/model"
)

// ==========================================================================
// Helper: create a checkout workflow and return the instance
// ==========================================================================

func createCheckout(t *testing.T, h *TestHarness, token string) model.WorkflowInstance {
	t.Helper()

	resp := h.POST("/api/workflows", map[string]any{
		"workflowType": "equipment-checkout",
		"schemaPath":   CheckoutSchemaPath,
		"metadata": map[string]any{
			"equipmentId": "tuba-2",
			"studentId":   "s-1",
			"priority":    "HIGH",
		},
	}, token)

	var inst model.WorkflowInstance
	h.AssertJSON(t, resp, http.StatusCreated, &inst)
	if inst.ID == "" {
		t.Fatal("expected workflow instance ID in create response")
	}
	return inst
}

// ==========================================================================
// Full Checkout Lifecycle
// ==========================================================================

func TestWorkflow_FullCheckoutLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	student := h.GenerateToken(StudentClaims())
	director := h.GenerateToken(DirectorClaims())

	// 1. Student requests an instrument.
	inst := createCheckout(t, h, student)
	assertEqual(t, inst.Status, model.WorkflowStatusNotStarted, "initial status")
	assertEqual(t, inst.CurrentStage, "equipmentCheckout", "initial stage")
	assertEqual(t, inst.AssignedTo, "manager@school.edu", "default assignee")
	assertEqual(t, inst.InitiatedBy, "student@school.edu", "initiator")

	// 2. Student fills in the form.
	resp := h.PATCH("/api/workflows/"+inst.ID+"/data", map[string]any{
		"student": map[string]any{"id": "s-1"},
	}, student)
	var updated model.WorkflowInstance
	h.AssertJSON(t, resp, http.StatusOK, &updated)
	assertEqual(t, updated.Status, model.WorkflowStatusInProgress, "status after data update")

	// 3. Student completes the checkout stage.
	resp = h.POST("/api/workflows/"+inst.ID+"/stages", map[string]any{
		"stage": "equipmentCheckout",
		"data":  map[string]any{"condition": "GOOD"},
		"notes": "picked up before rehearsal",
	}, student)
	h.AssertJSON(t, resp, http.StatusOK, &updated)
	assertEqual(t, len(updated.StageHistory), 1, "stage history length")
	assertEqual(t, updated.StageHistory[0].CompletedBy, "student@school.edu", "completed by")

	// 4. Director approves.
	resp = h.POST("/api/workflows/"+inst.ID+"/stages", map[string]any{
		"stage": "directorApproval",
	}, director)
	h.AssertJSON(t, resp, http.StatusOK, &updated)

	// 5. Progress reflects two of three stages.
	resp = h.GET("/api/workflows/"+inst.ID+"/progress", student)
	var progress struct {
		Progress model.WorkflowProgress `json:"progress"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &progress)
	assertEqual(t, progress.Progress.CompletedStages, 2, "completed stages")

	// 6. Director completes the workflow.
	resp = h.POST("/api/workflows/"+inst.ID+"/complete", nil, director)
	h.AssertJSON(t, resp, http.StatusOK, &updated)
	assertEqual(t, updated.Status, model.WorkflowStatusCompleted, "final status")
	if updated.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}

	// 7. Nothing else may happen to a completed workflow.
	resp = h.POST("/api/workflows/"+inst.ID+"/pause", nil, director)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrInvalidTransition)
}

// ==========================================================================
// Pause, resume, and cancel
// ==========================================================================

func TestWorkflow_PauseResumeCancel(t *testing.T) {
	h := NewTestHarness(t)
	director := h.GenerateToken(DirectorClaims())
	inst := createCheckout(t, h, director)

	var updated model.WorkflowInstance
	h.AssertJSON(t, h.POST("/api/workflows/"+inst.ID+"/pause", nil, director), http.StatusOK, &updated)
	assertEqual(t, updated.Status, model.WorkflowStatusPaused, "paused")

	h.AssertJSON(t, h.POST("/api/workflows/"+inst.ID+"/resume", nil, director), http.StatusOK, &updated)
	assertEqual(t, updated.Status, model.WorkflowStatusInProgress, "resumed")

	resp := h.POST("/api/workflows/"+inst.ID+"/cancel", map[string]any{"reason": "concert moved"}, director)
	h.AssertJSON(t, resp, http.StatusOK, &updated)
	assertEqual(t, updated.Status, model.WorkflowStatusCancelled, "cancelled")
	assertEqual(t, updated.CancelReason, "concert moved", "cancel reason")

	resp = h.POST("/api/workflows/"+inst.ID+"/stages", map[string]any{"stage": "return"}, director)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrInvalidTransition)
}

// ==========================================================================
// Listing
// ==========================================================================

func TestWorkflow_ListByInvolvement(t *testing.T) {
	h := NewTestHarness(t)
	student := h.GenerateToken(StudentClaims())
	manager := h.GenerateToken(ManagerClaims())
	supervisor := h.GenerateToken(SupervisorClaims())

	inst := createCheckout(t, h, student)

	var page struct {
		Data []model.WorkflowInstance `json:"data"`
	}

	// The manager is the default assignee and sees it.
	h.AssertJSON(t, h.GET("/api/workflows", manager), http.StatusOK, &page)
	if len(page.Data) != 1 || page.Data[0].ID != inst.ID {
		t.Errorf("manager list = %+v", page.Data)
	}

	// The supervisor is not involved.
	h.AssertJSON(t, h.GET("/api/workflows", supervisor), http.StatusOK, &page)
	assertEqual(t, len(page.Data), 0, "supervisor list length")

	// Filtering by type sees everything of that type.
	h.AssertJSON(t, h.GET("/api/workflows?type=equipment-checkout", supervisor), http.StatusOK, &page)
	assertEqual(t, len(page.Data), 1, "filtered list length")
}

// ==========================================================================
// Schema handling
// ==========================================================================

func TestWorkflow_SchemaIsCached(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DirectorClaims())

	createCheckout(t, h, token)
	createCheckout(t, h, token)

	assertEqual(t, h.Schemas.Requests(CheckoutSchemaPath), 1, "schema fetches")
	assertEqual(t, h.Schemas.Requests("/schemas/common/student.json"), 1, "referenced schema fetches")
}

func TestWorkflow_UnknownSchema(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DirectorClaims())

	resp := h.POST("/api/workflows", map[string]any{
		"workflowType": "repair",
		"schemaPath":   "/schemas/missing.json",
	}, token)
	h.AssertErrorCode(t, resp, http.StatusBadGateway, model.ErrSchemaLoad)
}

func TestWorkflow_SchemaReferenceCycle(t *testing.T) {
	h := NewTestHarness(t,
		WithSchema("/schemas/loop-a.json", `{"title":"A","x-stages":["a"],"properties":{"b":{"$ref":"/schemas/loop-b.json"}}}`),
		WithSchema("/schemas/loop-b.json", `{"properties":{"a":{"$ref":"/schemas/loop-a.json"}}}`),
	)
	token := h.GenerateToken(DirectorClaims())

	resp := h.POST("/api/workflows", map[string]any{
		"workflowType": "loop",
		"schemaPath":   "/schemas/loop-a.json",
	}, token)
	h.AssertErrorCode(t, resp, http.StatusBadGateway, model.ErrRefResolution)
}

// ==========================================================================
// Idempotent creation
// ==========================================================================

func TestWorkflow_IdempotentCreate(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(StudentClaims())
	body := map[string]any{
		"workflowType": "equipment-checkout",
		"schemaPath":   CheckoutSchemaPath,
	}
	headers := map[string]string{"X-Idempotency-Key": "tuba-request-1"}

	var first, second model.WorkflowInstance
	h.AssertJSON(t, h.POSTWithHeaders("/api/workflows", body, token, headers), http.StatusCreated, &first)

	resp := h.POSTWithHeaders("/api/workflows", body, token, headers)
	assertEqual(t, resp.Header.Get("Idempotent-Replayed"), "true", "replay header")
	h.AssertJSON(t, resp, http.StatusCreated, &second)
	assertEqual(t, second.ID, first.ID, "replayed ID")

	var page struct {
		Data []model.WorkflowInstance `json:"data"`
	}
	h.AssertJSON(t, h.GET("/api/workflows", token), http.StatusOK, &page)
	assertEqual(t, len(page.Data), 1, "workflows created")

	body["workflowType"] = "repair"
	resp = h.POSTWithHeaders("/api/workflows", body, token, headers)
	h.AssertErrorCode(t, resp, http.StatusConflict, model.ErrConflict)
}

func TestWorkflow_IdempotencyEntriesExpire(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(StudentClaims())
	body := map[string]any{
		"workflowType": "equipment-checkout",
		"schemaPath":   CheckoutSchemaPath,
	}
	headers := map[string]string{"X-Idempotency-Key": "k"}

	var first, second model.WorkflowInstance
	h.AssertJSON(t, h.POSTWithHeaders("/api/workflows", body, token, headers), http.StatusCreated, &first)
	h.Redis.FastForward(2 * h.cfg.Idempotency.Store.DefaultTTL)
	h.AssertJSON(t, h.POSTWithHeaders("/api/workflows", body, token, headers), http.StatusCreated, &second)

	if first.ID == second.ID {
		t.Error("an expired key should execute the request again")
	}
}

// ==========================================================================
// Helpers
// ==========================================================================

func assertEqual[T comparable](t *testing.T, got, want T, label string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

// Package workflow implements the lifecycle of schema-driven workflow
// instances: creation, form data updates, stage completion and the
// pause/resume/complete/cancel transitions.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/bandflow/internal/observability"
	"github.com/pitabwire/bandflow/model"
)

// maxUpdateAttempts bounds the read-modify-write retries on version conflicts.
const maxUpdateAttempts = 3

// SchemaLoader loads and resolves a workflow schema.
type SchemaLoader interface {
	Load(ctx context.Context, schemaPath string) (*model.WorkflowSchema, error)
}

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	schemas SchemaLoader
	store   WorkflowStore
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine metrics.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine.
func NewEngine(schemas SchemaLoader, store WorkflowStore, opts ...EngineOption) *Engine {
	e := &Engine{
		schemas: schemas,
		store:   store,
		logger:  zap.NewNop(),
		now:     time.Now,
		newID: func() string {
			return "wf_" + uuid.New().String()
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadSchema fetches and resolves the schema at schemaPath.
func (e *Engine) LoadSchema(ctx context.Context, schemaPath string) (*model.WorkflowSchema, error) {
	return e.schemas.Load(ctx, schemaPath)
}

// CreateOption customizes CreateWorkflow.
type CreateOption func(*createOptions)

type createOptions struct {
	assignee string
}

// WithAssignee assigns the new instance to email instead of the schema's
// default assignee.
func WithAssignee(email string) CreateOption {
	return func(o *createOptions) { o.assignee = email }
}

// CreateWorkflow instantiates a workflow from the schema at schemaPath. The
// instance starts NOT_STARTED at the schema's first stage.
func (e *Engine) CreateWorkflow(
	ctx context.Context,
	workflowType, schemaPath, initiatedBy string,
	metadata model.WorkflowMetadata,
	opts ...CreateOption,
) (*model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrWorkflowType.String(workflowType),
		observability.AttrSchemaPath.String(schemaPath),
	)
	inst, err := e.create(ctx, workflowType, schemaPath, initiatedBy, metadata, opts)
	observability.EndSpanWithError(span, err)
	return inst, err
}

func (e *Engine) create(
	ctx context.Context,
	workflowType, schemaPath, initiatedBy string,
	metadata model.WorkflowMetadata,
	opts []CreateOption,
) (*model.WorkflowInstance, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	schema, err := e.schemas.Load(ctx, schemaPath)
	if err != nil {
		return nil, err
	}

	assignee := o.assignee
	if assignee == "" {
		assignee = schema.DefaultAssigneeUser
	}
	if assignee == "" {
		assignee = initiatedBy
	}

	now := e.now().UTC()
	inst := model.WorkflowInstance{
		ID:           e.newID(),
		WorkflowType: workflowType,
		SchemaPath:   schemaPath,
		Title:        schema.DisplayTitle(),
		Description:  schema.Description,
		Status:       model.WorkflowStatusNotStarted,
		CurrentStage: schema.InitialStage(),
		AssignedTo:   assignee,
		InitiatedBy:  initiatedBy,
		InitiatedAt:  now,
		LastUpdated:  now,
		FormData:     model.FormData{},
		StageHistory: []model.StageRecord{},
		Metadata:     metadata.WithDefaults(),
		Version:      1,
	}

	if err := e.store.Create(ctx, inst); err != nil {
		return nil, err
	}

	e.metrics.RecordWorkflowCreate(workflowType)
	observability.LoggerFrom(ctx, e.logger).Info("workflow created",
		zap.String("workflow_id", inst.ID),
		zap.String("workflow_type", workflowType),
		zap.String("assigned_to", assignee),
	)
	return &inst, nil
}

// GetWorkflowByID returns the instance with id, or nil if there is none.
func (e *Engine) GetWorkflowByID(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, id)
	if model.ErrorCode(err) == model.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetWorkflowsByUser returns the instances email is assigned to or
// initiated, in creation order.
func (e *Engine) GetWorkflowsByUser(ctx context.Context, email string) ([]model.WorkflowInstance, error) {
	return e.store.FindByUser(ctx, email)
}

// ListWorkflows returns instances matching filters, in creation order.
func (e *Engine) ListWorkflows(ctx context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	return e.store.List(ctx, filters)
}

// UpdateWorkflowData merges partial into the instance's form data and marks
// it IN_PROGRESS. A paused instance is resumed by the update.
func (e *Engine) UpdateWorkflowData(ctx context.Context, id string, partial model.FormData) (*model.WorkflowInstance, error) {
	return e.mutate(ctx, id, "update_data", func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if err := requireActive(inst, "update data of"); err != nil {
			return false, err
		}
		inst.FormData = inst.FormData.Merge(partial)
		inst.Status = model.WorkflowStatusInProgress
		inst.LastUpdated = now
		return true, nil
	})
}

// StageOption customizes CompleteStage.
type StageOption func(*model.StageRecord)

// WithNotes attaches free-text notes to the stage record.
func WithNotes(notes string) StageOption {
	return func(r *model.StageRecord) { r.Notes = notes }
}

// CompleteStage records stage (and optional subStage) as completed by
// completedBy. data is kept in the history entry and merged into the form
// data object under the stage name. Status and current stage are left
// unchanged.
func (e *Engine) CompleteStage(
	ctx context.Context,
	id, stage, subStage string,
	data model.FormData,
	completedBy string,
	opts ...StageOption,
) (*model.WorkflowInstance, error) {
	if stage == "" {
		return nil, model.NewBadRequestError("stage is required")
	}
	inst, err := e.mutate(ctx, id, "complete_stage", func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if err := requireActive(inst, "complete a stage of"); err != nil {
			return false, err
		}
		if data == nil {
			data = model.FormData{}
		}
		record := model.StageRecord{
			Stage:       stage,
			SubStage:    subStage,
			CompletedAt: now,
			CompletedBy: completedBy,
			Data:        data.Merge(nil),
		}
		for _, opt := range opts {
			opt(&record)
		}

		inst.StageHistory = append(inst.StageHistory, record)
		inst.FormData = inst.FormData.MergeInto(stage, data)
		inst.LastUpdated = now
		return true, nil
	}, observability.AttrStage.String(stage))
	if inst != nil && err == nil {
		e.metrics.RecordStageCompletion(inst.WorkflowType, stage)
	}
	return inst, err
}

// PauseWorkflow sets a non-terminal instance to PAUSED.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	return e.mutate(ctx, id, "pause", func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if err := requireActive(inst, "pause"); err != nil {
			return false, err
		}
		inst.Status = model.WorkflowStatusPaused
		inst.LastUpdated = now
		return true, nil
	})
}

// ResumeWorkflow sets a non-terminal instance to IN_PROGRESS.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	return e.mutate(ctx, id, "resume", func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if err := requireActive(inst, "resume"); err != nil {
			return false, err
		}
		inst.Status = model.WorkflowStatusInProgress
		inst.LastUpdated = now
		return true, nil
	})
}

// CompleteWorkflow marks the instance COMPLETED. Completing an already
// completed instance returns it unchanged.
func (e *Engine) CompleteWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	return e.mutate(ctx, id, "complete", func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if inst.Status == model.WorkflowStatusCompleted {
			return false, nil
		}
		if err := requireActive(inst, "complete"); err != nil {
			return false, err
		}
		inst.Status = model.WorkflowStatusCompleted
		completedAt := now
		inst.CompletedAt = &completedAt
		inst.LastUpdated = now
		return true, nil
	})
}

// CancelWorkflow marks a non-terminal instance CANCELLED.
func (e *Engine) CancelWorkflow(ctx context.Context, id, reason string) (*model.WorkflowInstance, error) {
	return e.mutate(ctx, id, "cancel", func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if err := requireActive(inst, "cancel"); err != nil {
			return false, err
		}
		inst.Status = model.WorkflowStatusCancelled
		cancelledAt := now
		inst.CancelledAt = &cancelledAt
		inst.CancelReason = reason
		inst.LastUpdated = now
		return true, nil
	})
}

// GetWorkflowProgress summarises how far inst has advanced.
func (e *Engine) GetWorkflowProgress(inst model.WorkflowInstance) model.WorkflowProgress {
	return model.ComputeProgress(inst)
}

// mutateFunc applies a change to inst. It returns false when the instance
// is left as it is and nothing needs to be written.
type mutateFunc func(inst *model.WorkflowInstance, now time.Time) (bool, error)

// mutate runs a read-modify-write of the instance with id, retrying when a
// concurrent writer bumps the version first. A missing instance yields a
// nil instance and a nil error.
func (e *Engine) mutate(ctx context.Context, id, op string, fn mutateFunc, attrs ...attribute.KeyValue) (*model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+op, append(attrs, observability.AttrWorkflowID.String(id))...)
	logger := observability.LoggerFrom(ctx, e.logger)

	var lastErr error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		inst, err := e.store.Get(ctx, id)
		if model.ErrorCode(err) == model.ErrNotFound {
			observability.EndSpanWithError(span, nil)
			return nil, nil
		}
		if err != nil {
			observability.EndSpanWithError(span, err)
			return nil, err
		}

		prevStatus := inst.Status
		changed, err := fn(&inst, e.clock(inst.LastUpdated))
		if err != nil {
			observability.EndSpanWithError(span, err)
			return nil, err
		}
		if !changed {
			observability.EndSpanWithError(span, nil)
			return &inst, nil
		}

		err = e.store.Update(ctx, inst)
		if err == nil {
			inst.Version++
			if inst.Status != prevStatus {
				e.metrics.RecordWorkflowTransition(inst.WorkflowType, string(inst.Status))
			}
			logger.Debug("workflow updated",
				zap.String("workflow_id", id),
				zap.String("op", op),
				zap.String("status", string(inst.Status)),
				zap.Int("version", inst.Version),
			)
			observability.EndSpanWithError(span, nil)
			return &inst, nil
		}
		if model.ErrorCode(err) != model.ErrConflict {
			observability.EndSpanWithError(span, err)
			return nil, err
		}

		lastErr = err
		e.metrics.RecordWorkflowConflict()
		logger.Info("workflow version conflict, retrying",
			zap.String("workflow_id", id),
			zap.String("op", op),
			zap.Int("attempt", attempt),
		)
	}

	observability.EndSpanWithError(span, lastErr)
	return nil, lastErr
}

// clock returns the current time, never earlier than prev.
func (e *Engine) clock(prev time.Time) time.Time {
	now := e.now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

// requireActive rejects changes to COMPLETED and CANCELLED instances.
func requireActive(inst *model.WorkflowInstance, action string) error {
	if inst.Status.Terminal() {
		return model.NewInvalidTransitionError(
			fmt.Sprintf("cannot %s workflow %q: status is %s", action, inst.ID, inst.Status),
		)
	}
	return nil
}

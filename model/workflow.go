package model

import (
	"math"
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow instance.
type WorkflowStatus string

// Workflow instance status constants.
const (
	WorkflowStatusNotStarted WorkflowStatus = "NOT_STARTED"
	WorkflowStatusInProgress WorkflowStatus = "IN_PROGRESS"
	WorkflowStatusCompleted  WorkflowStatus = "COMPLETED"
	WorkflowStatusPaused     WorkflowStatus = "PAUSED"
	WorkflowStatusCancelled  WorkflowStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusNotStarted, WorkflowStatusInProgress, WorkflowStatusCompleted,
		WorkflowStatusPaused, WorkflowStatusCancelled:
		return true
	}
	return false
}

// Priority of a workflow instance.
type Priority string

// Priority constants.
const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// DefaultStage is the current stage of instances whose schema declares no stages.
const DefaultStage = "start"

// WorkflowInstance is a single resumable execution of a multi-stage task.
type WorkflowInstance struct {
	ID              string           `json:"id"`
	WorkflowType    string           `json:"workflowType"`
	SchemaPath      string           `json:"schemaPath"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Status          WorkflowStatus   `json:"status"`
	CurrentStage    string           `json:"currentStage"`
	CurrentSubStage string           `json:"currentSubStage,omitempty"`
	AssignedTo      string           `json:"assignedTo"`
	InitiatedBy     string           `json:"initiatedBy"`
	InitiatedAt     time.Time        `json:"initiatedAt"`
	LastUpdated     time.Time        `json:"lastUpdated"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	CancelledAt     *time.Time       `json:"cancelledAt,omitempty"`
	CancelReason    string           `json:"cancelReason,omitempty"`
	FormData        FormData         `json:"formData"`
	StageHistory    []StageRecord    `json:"stageHistory"`
	Metadata        WorkflowMetadata `json:"metadata"`
	Version         int              `json:"version"`
}

// StageRecord is one entry of a workflow's append-only stage history.
type StageRecord struct {
	Stage       string    `json:"stage"`
	SubStage    string    `json:"subStage,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
	CompletedBy string    `json:"completedBy"`
	Data        FormData  `json:"data"`
	Notes       string    `json:"notes,omitempty"`
}

// WorkflowMetadata links an instance to domain entities.
type WorkflowMetadata struct {
	EquipmentID string   `json:"equipmentId,omitempty"`
	EventID     string   `json:"eventId,omitempty"`
	StudentID   string   `json:"studentId,omitempty"`
	DueDate     string   `json:"dueDate,omitempty"`
	Priority    Priority `json:"priority"`
}

// WithDefaults returns m with an unset priority replaced by MEDIUM.
func (m WorkflowMetadata) WithDefaults() WorkflowMetadata {
	if m.Priority == "" {
		m.Priority = PriorityMedium
	}
	return m
}

// InvolvesUser reports whether email is the assignee or the initiator.
func (w *WorkflowInstance) InvolvesUser(email string) bool {
	return w.AssignedTo == email || w.InitiatedBy == email
}

// WorkflowProgress summarises how far an instance has advanced.
type WorkflowProgress struct {
	CompletedStages int `json:"completedStages"`
	TotalStages     int `json:"totalStages"`
	PercentComplete int `json:"percentComplete"`
}

// ComputeProgress derives progress from the stage history. The in-flight
// stage always counts as exactly one more than the history, independent of
// how many stages the schema declares.
func ComputeProgress(w WorkflowInstance) WorkflowProgress {
	completed := len(w.StageHistory)
	total := completed + 1
	percent := 0
	if total > 0 {
		percent = int(math.Round(float64(completed) / float64(total) * 100))
	}
	return WorkflowProgress{
		CompletedStages: completed,
		TotalStages:     total,
		PercentComplete: percent,
	}
}

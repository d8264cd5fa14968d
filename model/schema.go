package model

// WorkflowSchema is the JSON document that governs a workflow type: its
// form properties, declared stages and UI hints.
type WorkflowSchema struct {
	Schema               string            `json:"$schema"`
	Type                 string            `json:"type"`
	Title                string            `json:"title"`
	Description          string            `json:"description,omitempty"`
	Workflow             string            `json:"x-workflow,omitempty"`
	WorkflowKind         string            `json:"x-type,omitempty"`
	Stages               []string          `json:"x-stages,omitempty"`
	InitiatorGroups      string            `json:"x-workflow-initiator-groups,omitempty"`
	DefaultAssigneeUser  string            `json:"x-default-assignee-user,omitempty"`
	DefaultAssigneeGroup string            `json:"x-default-assignee-group,omitempty"`
	QueueMappings        map[string]string `json:"x-queue-mappings,omitempty"`
	Properties           map[string]any    `json:"properties"`
	UISchema             map[string]any    `json:"ui:schema,omitempty"`
}

// InitialStage returns the first declared stage, or DefaultStage.
func (s *WorkflowSchema) InitialStage() string {
	if len(s.Stages) > 0 && s.Stages[0] != "" {
		return s.Stages[0]
	}
	return DefaultStage
}

// DisplayTitle returns the schema title, or a placeholder when unset.
func (s *WorkflowSchema) DisplayTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return "Untitled Workflow"
}

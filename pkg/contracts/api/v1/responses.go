package api

import "time"

// ReportResponse is a report definition
type ReportResponse struct {
	ID              int64                  `json:"id"`
	ContainerID     string                 `json:"container_id"`
	EntityID        string                 `json:"entity_id"`
	ReportType      string                 `json:"report_type"`
	DescriptorType  string                 `json:"descriptor_type"`
	Name            string                 `json:"name"`
	Category        string                 `json:"category,omitempty"`
	DisplayOrder    int                    `json:"display_order"`
	OwnerID         int64                  `json:"owner_id,omitempty"`
	RunURL          string                 `json:"run_url"`
	Properties      map[string]interface{} `json:"properties"`
	ContentModified time.Time              `json:"content_modified"`
	Created         time.Time              `json:"created"`
	Modified        time.Time              `json:"modified"`
}

// ScriptOutputResponse is one output of an executed script
type ScriptOutputResponse struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
	File  string `json:"file,omitempty"`
	URL   string `json:"url,omitempty"`
}

// ExecuteReportResponse lists the outputs of one run
type ExecuteReportResponse struct {
	ReportID int64                  `json:"report_id"`
	Outputs  []ScriptOutputResponse `json:"outputs"`
}

// ValidateScriptResponse is the result of the validation gate
type ValidateScriptResponse struct {
	State  string   `json:"state"`
	Errors []string `json:"errors,omitempty"`
}

// JobResponse is the state of a background run
type JobResponse struct {
	ID          string                 `json:"id"`
	ReportID    int64                  `json:"report_id"`
	Status      string                 `json:"status"`
	Progress    int                    `json:"progress"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Outputs     []ScriptOutputResponse `json:"outputs,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	PollURL     string                 `json:"poll_url"`
}

// RSessionResponse describes a shared remote R session
type RSessionResponse struct {
	ID        string    `json:"id"`
	RefCount  int       `json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
}

// ContainerResponse describes a container
type ContainerResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	Type     string `json:"type"`
	Path     string `json:"path"`
}

// Package api contains the request and response contracts of the report service.
// Version v1 represents the current stable API version.
package api

// Report API Requests

// CreateReportRequest creates a report definition
type CreateReportRequest struct {
	ReportType   string `json:"report_type" validate:"required,oneof=ReportService.queryReport ReportService.chartReport ReportService.rReport ReportService.javaScriptReport ReportService.scriptEngineReport ReportService.linkReport"`
	ContainerID  string `json:"container_id" validate:"required"`
	Name         string `json:"name" validate:"required,max=200"`
	Description  string `json:"description,omitempty" validate:"max=4000"`
	Category     string `json:"category,omitempty" validate:"max=200"`
	DisplayOrder int    `json:"display_order,omitempty" validate:"min=0"`
	OwnerID      int64  `json:"owner_id,omitempty" validate:"min=0"`

	// Properties holds descriptor properties. Values are strings, or lists
	// of strings for list valued properties such as columnsY.
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// UpdateReportRequest changes a report definition. Only non-nil fields change.
type UpdateReportRequest struct {
	Name         *string                `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Description  *string                `json:"description,omitempty" validate:"omitempty,max=4000"`
	Category     *string                `json:"category,omitempty" validate:"omitempty,max=200"`
	DisplayOrder *int                   `json:"display_order,omitempty" validate:"omitempty,min=0"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// ExecuteReportRequest runs a report and returns its outputs
type ExecuteReportRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

// SubmitJobRequest runs a report in the background
type SubmitJobRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

// ValidateScriptRequest checks a script without running it
type ValidateScriptRequest struct {
	Script     string `json:"script" validate:"required"`
	ReportType string `json:"report_type,omitempty"`
}

// Settings API Requests

// FolderSettingsRequest changes folder settings. Nil fields are left alone
// and empty strings restore inheritance.
type FolderSettingsRequest struct {
	DefaultDateFormat        *string `json:"default_date_format,omitempty" validate:"omitempty,max=100"`
	DefaultDateTimeFormat    *string `json:"default_date_time_format,omitempty" validate:"omitempty,max=100"`
	DefaultNumberFormat      *string `json:"default_number_format,omitempty" validate:"omitempty,max=100"`
	RestrictedColumnsEnabled *bool   `json:"restricted_columns_enabled,omitempty"`
}

// LookAndFeelRequest changes project branding
type LookAndFeelRequest struct {
	SystemName        *string `json:"system_name,omitempty" validate:"omitempty,max=200"`
	SystemDescription *string `json:"system_description,omitempty" validate:"omitempty,max=4000"`
	ThemeName         *string `json:"theme_name,omitempty" validate:"omitempty,max=100"`
	CompanyName       *string `json:"company_name,omitempty" validate:"omitempty,max=200"`
	SupportEmail      *string `json:"support_email,omitempty" validate:"omitempty,email"`
}

// CreateContainerRequest adds a container under a parent
type CreateContainerRequest struct {
	ParentID string `json:"parent_id" validate:"required"`
	Name     string `json:"name" validate:"required,max=255,excludesall=/\\"`
}

// MoveContainerRequest reparents a container
type MoveContainerRequest struct {
	ParentID string `json:"parent_id" validate:"required"`
}

// SetPropertyRequest writes one property value. An empty value removes it.
type SetPropertyRequest struct {
	Value string `json:"value" validate:"max=4000"`
}

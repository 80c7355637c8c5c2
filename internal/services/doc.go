// Package services implements the business logic layer of the report service.
// It sits between the HTTP handlers and the report, settings and job packages,
// so that rules such as container checks and background submission live in one place.
//
// # Available Services
//
//	- ReportService: report definitions, rendering, script outputs, thumbnails,
//	  attachments, background jobs and shared R sessions
//	- SettingsService: the container tree and its inherited settings
//	- HealthService: liveness, readiness and runtime statistics
//
// # Error Handling
//
// Services return errors from the internal/errors package so handlers can map them:
//
//	- Validation errors for invalid input
//	- Not found errors for missing reports, containers and jobs
//	- Script errors for failed validation or execution
//	- Infrastructure errors for unexpected failures
//
// # Background Jobs
//
// ReportService.RunJob is the run function of the operations job queue. A job
// executes in pipeline mode with the job id as its execution id, so its
// working directory survives for later attachment downloads.
package services

// Package http implements the HTTP handlers of the report service. Handlers
// are thin: they decode and validate requests, call the service layer, and
// render JSON, HTML or file responses. Failures are rendered as RFC 7807
// problem documents through errors.ErrorHandler.
//
// # Endpoints
//
//	GET    /api/reports                          list reports (?container=)
//	POST   /api/reports                          create from JSON or descriptor XML
//	POST   /api/reports/validate                 run the validation gate
//	GET    /api/reports/{id}                     definition (?format=xml)
//	PUT    /api/reports/{id}                     update
//	DELETE /api/reports/{id}                     delete
//	GET    /api/reports/{id}/render              HTML fragments (?showSection=)
//	POST   /api/reports/{id}/execute             script outputs as JSON
//	GET    /api/reports/{id}/thumbnail           first image output
//	GET    /api/reports/{id}/attachments/{name}  download an output (?format=xlsx)
//	POST   /api/reports/{id}/jobs                background run
//	GET    /api/jobs/{id}                        poll a background run
//	DELETE /api/jobs/{id}                        cancel a pending run
//	POST   /api/rsessions                        open a shared R session
//	DELETE /api/rsessions/{id}                   release a shared R session
//	GET    /api/containers/{id}/settings/folder  folder settings
//	GET    /api/containers/{id}/settings/lookandfeel
//	GET    /api/health                           health probes
//
// Query parameters other than showSection, container and sessionId are
// passed to the report as run parameters.
package http

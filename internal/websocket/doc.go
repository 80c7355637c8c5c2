// Package websocket streams background job status changes to browsers.
//
// The Hub receives every job update from the job queue and fans it out to
// connected clients as JSON frames:
//
//	{"type":"job:status","data":{...job...},"timestamp":"...","trace_id":"..."}
//
// Clients connect to /api/ws/jobs and may pass ?container=<id> to receive
// only the jobs of one container. A client that cannot keep up is
// disconnected rather than slowing the queue down.
package websocket

// Package api defines the request and response types of the stageflow HTTP API.
//
// # API Overview
//
// stageflow exposes a RESTful API for:
//   - Starting tasks and following their stage-by-stage status
//   - Explicit retry of a blocked stage and cancellation of a task
//   - Reading committed sections, the audit trail and the Markdown export
//   - Health monitoring and metrics
//
// # Authentication
//
// Task endpoints accept either an API key or a bearer token:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <jwt>
//
// The "sub" claim of a bearer token is recorded as the writer of every
// audit record produced by the request.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Routes
//
//	POST /api/v1/tasks
//	GET  /api/v1/tasks
//	GET  /api/v1/tasks/{id}
//	POST /api/v1/tasks/{id}/retry
//	POST /api/v1/tasks/{id}/cancel
//	GET  /api/v1/tasks/{id}/sections/{anchor}
//	GET  /api/v1/tasks/{id}/audit
//	GET  /api/v1/tasks/{id}/document
package api

// Package api serves runs, event logs, capsules and the job queue over
// HTTP.
//
// The surface is read-mostly: runs are submitted and driven by workers,
// not over HTTP. The only writes are the operator actions the engine
// exposes anyway: cancel a run, answer an approval, redrive a
// dead-lettered job.
//
// Errors are JSON bodies of the form {"error":{"code":..., "message":...}}
// where code is the engine error code (NOT_FOUND, INVALID_TRANSITION, ...).
package api

// Package operations runs reports in background (pipeline) mode.
//
// A JobQueue owns a fixed pool of workers reading from a buffered channel.
// Each Job names one report; the worker runs it through a RunFunc and
// records the status, progress, working directory, console log and
// outputs in a JobStore. Callers poll the job instead of waiting on the
// run.
//
// Cancelling only affects pending jobs. Once a worker has started a
// script it runs to completion. Jobs left pending or running when the
// process stopped are queued again by Start.
package operations

// Package app wires the report service together and manages its lifecycle.
//
// # Initialization Flow
//
//	1. Load configuration from the YAML file and environment
//	2. Initialize logging, tracing and metrics
//	3. Build the container tree and open the report, settings and job stores
//	4. Create script engines, the runner, the report cache and the job queue
//	5. Mount the HTTP handlers behind the middleware chain
//	6. Start the job workers and the HTTP server
//
// Stores are in-memory unless the configuration selects the sqlite driver,
// in which case they are closed on shutdown and reported by the readiness
// probe.
//
// # Usage
//
//	app, err := app.NewApplication()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// Run blocks until SIGINT or SIGTERM. Stop then drains the HTTP server,
// waits for running jobs, releases shared R sessions and closes the stores.
//
// Initialization errors are returned to the caller; the package never calls
// os.Exit.
package app

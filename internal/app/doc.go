// Package app wires the gateway together and manages its lifecycle.
//
// All components follow a dependency injection pattern and are assembled at
// startup in a fixed order:
//
//	1. Load configuration from environment and file
//	2. Initialize logging and OpenTelemetry
//	3. Create the license manager, session registry and capacity ledger
//	4. Build the capability catalog and services
//	5. Set up HTTP handlers, middleware and the websocket hub
//	6. Start the HTTP server and the session reaper
//
// Shutdown drains in reverse: the HTTP server stops accepting requests, the
// reaper and websocket hub stop, and the OpenTelemetry providers flush.
// Initialization errors are returned to the caller; the package never calls
// os.Exit itself.
package app

// Package services contains the business logic between the HTTP transport
// and the domain packages. Handlers stay thin: they decode, call a service,
// and render. Services orchestrate the license manager, the capacity ledger,
// the session registry and the capability catalog, and own the logging and
// metrics for those flows.
//
// Service construction follows constructor injection; every service takes
// its dependencies as interfaces so tests can substitute them.
package services

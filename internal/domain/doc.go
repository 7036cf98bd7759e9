// Package domain holds the shared data model for the seat-licensing control
// plane: roles, license grants, principals, live sessions and the staleness
// policy that the capacity ledger and the session reaper both evaluate.
//
// Types in this package carry no behavior beyond pure accessors so that the
// license, session, ledger and capability packages can depend on them without
// import cycles.
package domain

// Package capability implements the permission filter: a static catalog of
// invocable capabilities and the role/feature checks that gate both listing
// and invocation. Listing is a convenience filter; invocation is the security
// boundary and re-checks everything on every call.
package capability

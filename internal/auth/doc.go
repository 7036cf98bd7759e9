// Package auth verifies the signed session tokens clients present on every
// request. The token is the sole source of truth for organization, role and
// licensed features; role claims arriving anywhere else in a request are
// ignored.
package auth

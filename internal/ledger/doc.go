// Package ledger implements the capacity ledger, the atomic check-and-reserve
// step between license validation and session creation. Reservations for the
// same (organization, role) pair are serialized through a keyed lock so that
// the last seat is granted to exactly one of any number of concurrent
// claimants; contended claimants fail fast with a retryable error instead of
// queueing.
package ledger

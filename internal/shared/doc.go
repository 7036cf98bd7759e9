// Package shared holds utilities used across packages that belong to no
// single layer. Currently this is the testutil subpackage: log capture
// helpers and license key fixtures for tests.
package shared

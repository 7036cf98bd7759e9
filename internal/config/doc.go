// Package config loads the gateway configuration from environment variables
// (SNOWGATE_ prefix) merged over an optional YAML file. The session idle
// threshold and the reaper sweep interval are configured here exactly once;
// both the capacity ledger and the reaper consume the same value so the two
// staleness checks can never drift apart.
package config

// Package license implements license key decoding and grant management for
// the seat-licensing control plane.
//
// # Architecture Overview
//
// The license system consists of two components:
//
//	- Codec: parses SNOW- license key strings into typed grants
//	- Manager: holds the active key, caches decoded grants, and answers
//	  validity and renewal questions for the rest of the gateway
//
// # Key Formats
//
// Two wire formats are supported:
//
//	Current: SNOW-TIER-ORG-DEV/STK-YYYYMMDD-CHECKSUM
//	Legacy:  SNOW-TIER-ORG-YYYYMMDD-CHECKSUM
//
// The current format embeds a developer/stakeholder seat pair between the
// organization and expiry segments. Legacy keys decode to an effectively
// unlimited seat sentinel for both roles so that keys issued before seat
// accounting existed keep working without reissue.
//
// # Validation Flow
//
//	1. Structural split and prefix/tier checks
//	2. Checksum verification (fail-closed, no partial parse)
//	3. Seat pair and expiry date decoding
//	4. Expiry freshness is checked at validation time, not parse time,
//	   so cached grants can be re-checked cheaply
package license

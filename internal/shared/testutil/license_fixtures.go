package testutil

import (
	"fmt"
	"hash/crc32"
	"strings"
	"time"
)

// MintKey joins the payload segments and appends the CRC32-IEEE checksum
// segment, producing a structurally valid license key. The segments are the
// caller's responsibility; pass garbage to get a well-checksummed bad key.
func MintKey(segments ...string) string {
	payload := strings.Join(segments, "-")
	sum := fmt.Sprintf("%08X", crc32.ChecksumIEEE([]byte(payload)))
	return payload + "-" + sum
}

// TeamKey mints a TEAM tier key for the given organization with an expiry
// far in the future.
func TeamKey(org string, devSeats, stkSeats int) string {
	return MintKey("SNOW", "TEAM", org, fmt.Sprintf("%d/%d", devSeats, stkSeats), "20991231")
}

// IndividualKey mints an IND tier key with a single developer seat.
func IndividualKey(org string) string {
	return MintKey("SNOW", "IND", org, "1/0", "20991231")
}

// EnterpriseKey mints a legacy five-segment ENT key, which carries
// unlimited seats.
func EnterpriseKey(org string) string {
	return MintKey("SNOW", "ENT", org, "20991231")
}

// ExpiredKey mints a TEAM key whose expiry date is long past.
func ExpiredKey(org string) string {
	return MintKey("SNOW", "TEAM", org, "5/2", "20200101")
}

// KeyExpiringIn mints a TEAM key that expires the given number of days
// from now.
func KeyExpiringIn(org string, days int) string {
	expiry := time.Now().UTC().AddDate(0, 0, days).Format("20060102")
	return MintKey("SNOW", "TEAM", org, "5/2", expiry)
}

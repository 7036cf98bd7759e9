package license

import (
	"fmt"
	"hash/crc32"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"snowgate/internal/domain"
	licenseErrors "snowgate/internal/errors"
)

// Key structure constants
const (
	// KeyPrefix starts every issued license key.
	KeyPrefix = "SNOW"

	// UnlimitedSeats is the sentinel seat limit decoded from legacy keys
	// that carry no seat pair.
	UnlimitedSeats = math.MaxInt32

	expiryLayout = "20060102"
)

// Tier identifiers embedded in license keys.
const (
	TierIndividual = "IND"
	TierTeam       = "TEAM"
	TierEnterprise = "ENT"
)

// Feature tags a grant can carry. Capability descriptors reference these.
const (
	FeatureCore          = "core"
	FeatureCollaboration = "collaboration"
	FeatureAutomation    = "automation"
	FeatureAudit         = "audit"
)

var seatPairPattern = regexp.MustCompile(`^(\d{1,6})/(\d{1,6})$`)

// Grant is the decoded, validated entitlement record produced by parsing a
// license key. Immutable once parsed; callers re-check freshness through
// Valid rather than mutating the grant.
type Grant struct {
	Tier             string    `json:"tier"`
	OrganizationID   string    `json:"organization_id"`
	DeveloperSeats   int       `json:"developer_seats"`
	StakeholderSeats int       `json:"stakeholder_seats"`
	// Expiry is the last calendar day the grant is valid, at UTC midnight.
	Expiry   time.Time `json:"expiry"`
	Features []string  `json:"features"`
	// Raw is the key string this grant was decoded from.
	Raw string `json:"-"`
}

// ParseKey decodes a license key string into a Grant. A checksum mismatch or
// any structurally invalid segment yields ErrMalformedLicense; no partial or
// best-effort grant is ever returned.
func ParseKey(key string) (*Grant, error) {
	key = strings.TrimSpace(key)
	segments := strings.Split(key, "-")

	// Legacy keys have 5 segments, current keys 6.
	var legacy bool
	switch len(segments) {
	case 5:
		legacy = true
	case 6:
		legacy = false
	default:
		return nil, malformed("expected 5 or 6 dash-separated segments, got %d", len(segments))
	}

	if segments[0] != KeyPrefix {
		return nil, malformed("key must start with %q", KeyPrefix)
	}

	tier := segments[1]
	switch tier {
	case TierIndividual, TierTeam, TierEnterprise:
	default:
		return nil, malformed("unknown tier %q", tier)
	}

	org := segments[2]
	if org == "" || !isKeySegment(org) {
		return nil, malformed("invalid organization segment %q", org)
	}

	if err := verifyChecksum(segments); err != nil {
		return nil, err
	}

	grant := &Grant{
		Tier:             tier,
		OrganizationID:   org,
		DeveloperSeats:   UnlimitedSeats,
		StakeholderSeats: UnlimitedSeats,
		Features:         tierFeatures(tier),
		Raw:              key,
	}

	expirySegment := segments[3]
	if !legacy {
		dev, stk, err := parseSeatPair(segments[3])
		if err != nil {
			return nil, err
		}
		grant.DeveloperSeats = dev
		grant.StakeholderSeats = stk
		expirySegment = segments[4]
	}

	expiry, err := time.ParseInLocation(expiryLayout, expirySegment, time.UTC)
	if err != nil {
		return nil, malformed("invalid expiry segment %q", expirySegment)
	}
	grant.Expiry = expiry

	return grant, nil
}

// Valid reports whether the grant is fresh at the given instant. The check
// is fail-closed: a zero expiry is invalid, never unlimited. The grant stays
// valid through the end of its expiry day.
func (g *Grant) Valid(now time.Time) error {
	if g == nil {
		return licenseErrors.ErrLicenseNotActivated
	}
	if g.Expiry.IsZero() {
		return licenseErrors.ErrLicenseExpired
	}
	if !now.Before(g.Expiry.AddDate(0, 0, 1)) {
		return licenseErrors.ErrLicenseExpired
	}
	return nil
}

// SeatLimit returns the seat limit for a role's seat pool.
func (g *Grant) SeatLimit(role domain.Role) int {
	switch role.SeatRole() {
	case domain.RoleDeveloper:
		return g.DeveloperSeats
	case domain.RoleStakeholder:
		return g.StakeholderSeats
	}
	return 0
}

// HasFeature reports whether the grant carries the given feature tag.
func (g *Grant) HasFeature(feature string) bool {
	for _, f := range g.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// DaysLeft returns whole days until expiry, negative once expired.
func (g *Grant) DaysLeft(now time.Time) int {
	end := g.Expiry.AddDate(0, 0, 1)
	return int(end.Sub(now).Hours() / 24)
}

// Checksum computes the checksum segment for a key payload (everything
// before the final dash). Exposed so fixtures and the key issuer agree on
// one implementation.
func Checksum(payload string) string {
	return fmt.Sprintf("%08X", crc32.ChecksumIEEE([]byte(payload)))
}

func verifyChecksum(segments []string) error {
	payload := strings.Join(segments[:len(segments)-1], "-")
	got := segments[len(segments)-1]
	if !strings.EqualFold(got, Checksum(payload)) {
		return malformed("checksum mismatch")
	}
	return nil
}

func parseSeatPair(segment string) (dev, stk int, err error) {
	m := seatPairPattern.FindStringSubmatch(segment)
	if m == nil {
		return 0, 0, malformed("invalid seat segment %q, want DEV/STK", segment)
	}
	dev, err = strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, malformed("invalid developer seat count %q", m[1])
	}
	stk, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, malformed("invalid stakeholder seat count %q", m[2])
	}
	if dev == 0 && stk == 0 {
		return 0, 0, malformed("seat segment %q grants no seats", segment)
	}
	return dev, stk, nil
}

func tierFeatures(tier string) []string {
	features := []string{FeatureCore}
	switch tier {
	case TierTeam:
		features = append(features, FeatureCollaboration)
	case TierEnterprise:
		features = append(features, FeatureCollaboration, FeatureAutomation, FeatureAudit)
	}
	return features
}

func isKeySegment(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{licenseErrors.ErrMalformedLicense}, args...)...)
}

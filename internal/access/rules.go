// Package access implements the IP-based access-control engine that gates
// both SMTP and management traffic: four fixed rule categories, strict
// IP/CIDR validation, a durable rule store, and an append-only audit trail.
package access

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Category identifies the surface a rule applies to.
type Category string

// Subcategory identifies the list within a category.
type Subcategory string

const (
	CategorySMTP       Category = "smtp"
	CategoryManagement Category = "management"
	CategoryBlacklist  Category = "blacklist"

	SubcategoryNoAuth       Subcategory = "no_auth"
	SubcategoryAuthRequired Subcategory = "auth_required"
	SubcategoryAllowed      Subcategory = "allowed"
	SubcategoryGlobal       Subcategory = "global"
)

// maxRuleLength caps accepted input before any parsing happens.
const maxRuleLength = 64

// validPairs is the closed set of (category, subcategory) combinations.
// Anything else is rejected, never stored.
var validPairs = map[Category][]Subcategory{
	CategorySMTP:       {SubcategoryNoAuth, SubcategoryAuthRequired},
	CategoryManagement: {SubcategoryAllowed},
	CategoryBlacklist:  {SubcategoryGlobal},
}

// Rule is one normalized IP or CIDR entry in a category list.
// Rules are append/remove only and never edited in place.
type Rule struct {
	Value   string    `json:"value"`
	AddedBy string    `json:"added_by"`
	AddedAt time.Time `json:"added_at"`
}

// Settings controls enforcement behavior for the management surface and the
// auth-failure handling knobs exposed to the dashboard.
type Settings struct {
	EnforceManagement  bool `json:"enforce_management" yaml:"enforce_management"`
	LogAuthFailures    bool `json:"log_auth_failures" yaml:"log_auth_failures"`
	AutoBlockEnabled   bool `json:"auto_block_enabled" yaml:"auto_block_enabled"`
	AutoBlockThreshold int  `json:"auto_block_threshold" yaml:"auto_block_threshold"`
	AutoBlockWindowSec int  `json:"auto_block_window_sec" yaml:"auto_block_window_sec"`
	AutoBlockDurSec    int  `json:"auto_block_duration_sec" yaml:"auto_block_duration_sec"`
}

// ValidationResult describes a successfully validated rule value.
type ValidationResult struct {
	Type       string // "ip" or "cidr"
	Normalized string
}

// ValidPair reports whether the (category, subcategory) combination is one of
// the four fixed lists.
func ValidPair(cat Category, sub Subcategory) bool {
	subs, ok := validPairs[cat]
	if !ok {
		return false
	}
	for _, s := range subs {
		if s == sub {
			return true
		}
	}
	return false
}

// Validate strictly checks an IP or CIDR literal. Input containing anything
// outside the hex/dot/colon/slash alphabet is rejected before parsing, so
// shell metacharacters never reach the store or the audit log.
func Validate(value string) (*ValidationResult, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty value")
	}
	if len(value) > maxRuleLength {
		return nil, fmt.Errorf("value exceeds %d characters", maxRuleLength)
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		case r == '.' || r == ':' || r == '/':
		default:
			return nil, fmt.Errorf("invalid character %q in %q", r, value)
		}
	}

	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", value, err)
		}
		return &ValidationResult{Type: "cidr", Normalized: prefix.Masked().String()}, nil
	}

	addr, err := netip.ParseAddr(value)
	if err != nil {
		return nil, fmt.Errorf("invalid IP %q: %w", value, err)
	}
	return &ValidationResult{Type: "ip", Normalized: addr.String()}, nil
}

func nowUTC() time.Time { return time.Now().UTC() }

// prefixFor converts a normalized rule value into a matchable prefix.
// Bare addresses become single-address prefixes.
func prefixFor(value string) (netip.Prefix, error) {
	if strings.Contains(value, "/") {
		return netip.ParsePrefix(value)
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// matchAny reports whether addr falls inside any of the prefixes.
func matchAny(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

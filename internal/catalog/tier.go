package catalog

import (
	"fmt"
	"strings"
)

// Tier is an ordered subscription level. The zero value is TierBase.
type Tier uint8

const (
	TierBase Tier = iota
	TierPro
	TierEnterprise
)

var tierNames = [...]string{"base", "pro", "enterprise"}

// ParseTier converts a tier name into a Tier.
func ParseTier(raw string) (Tier, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range tierNames {
		if n == name {
			return Tier(i), nil
		}
	}
	return TierBase, fmt.Errorf("catalog: unknown plan tier %q", raw)
}

// String returns the tier name.
func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return int(t) < len(tierNames)
}

// Covers reports whether a tenant on tier t may use a permission requiring min.
func (t Tier) Covers(min Tier) bool {
	return min <= t
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("catalog: invalid plan tier %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SettlementProfile is a named policy profile loaded from YAML. Profiles let
// operators run different issuance limits per deployment without rebuilding.
type SettlementProfile struct {
	Name          string `yaml:"name" json:"name"`
	Code          string `yaml:"code" json:"code"`
	MinFeeBps     int64  `yaml:"min_fee_bps" json:"min_fee_bps"`
	MaxFeeBps     int64  `yaml:"max_fee_bps" json:"max_fee_bps"`
	MaxOfferSats  int64  `yaml:"max_offer_sats" json:"max_offer_sats"`
	MaxOfferTTLs  int64  `yaml:"max_offer_ttl_seconds" json:"max_offer_ttl_seconds"`
	BudgetMsats   int64  `yaml:"budget_msats,omitempty" json:"budget_msats,omitempty"`
	RequireProofs bool   `yaml:"require_proofs,omitempty" json:"require_proofs,omitempty"`
}

// LoadProfile loads a settlement profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*SettlementProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile SettlementProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", code, err)
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*SettlementProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*SettlementProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile SettlementProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// MaxOfferTTL is the profile's offer TTL as a duration.
func (p *SettlementProfile) MaxOfferTTL() time.Duration {
	return time.Duration(p.MaxOfferTTLs) * time.Second
}

// Validate checks the profile's limits for internal consistency.
func (p *SettlementProfile) Validate() error {
	if p.MinFeeBps < 0 {
		return fmt.Errorf("min_fee_bps must be non-negative, got %d", p.MinFeeBps)
	}
	if p.MaxFeeBps < p.MinFeeBps {
		return fmt.Errorf("max_fee_bps %d below min_fee_bps %d", p.MaxFeeBps, p.MinFeeBps)
	}
	if p.MaxOfferSats <= 0 {
		return fmt.Errorf("max_offer_sats must be positive, got %d", p.MaxOfferSats)
	}
	if p.MaxOfferTTLs <= 0 {
		return fmt.Errorf("max_offer_ttl_seconds must be positive, got %d", p.MaxOfferTTLs)
	}
	return nil
}

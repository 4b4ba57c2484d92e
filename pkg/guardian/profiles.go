package guardian

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultProfile is used when no profile is configured.
const DefaultProfile = "moderate"

// Limits are the thresholds a profile supplies. All values are fractions in (0, 1].
type Limits struct {
	MaxPositionPct  float64 `yaml:"max_position_pct" json:"max_position_pct"`
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct" json:"max_daily_loss_pct"`
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
}

// Validate checks that every threshold is a usable fraction.
func (l Limits) Validate() error {
	for name, v := range map[string]float64{
		"max_position_pct":   l.MaxPositionPct,
		"max_daily_loss_pct": l.MaxDailyLossPct,
		"max_drawdown_pct":   l.MaxDrawdownPct,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %g", name, v)
		}
	}
	return nil
}

// Profiles maps profile names (lowercase) to limits.
type Profiles map[string]Limits

// DefaultProfiles returns the built-in profiles.
func DefaultProfiles() Profiles {
	return Profiles{
		"conservative": {MaxPositionPct: 0.02, MaxDailyLossPct: 0.03, MaxDrawdownPct: 0.05},
		"moderate":     {MaxPositionPct: 0.05, MaxDailyLossPct: 0.05, MaxDrawdownPct: 0.10},
		"aggressive":   {MaxPositionPct: 0.10, MaxDailyLossPct: 0.08, MaxDrawdownPct: 0.20},
	}
}

// Lookup returns the limits for name.
func (p Profiles) Lookup(name string) (Limits, error) {
	l, ok := p[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Limits{}, fmt.Errorf("unknown risk profile %q", name)
	}
	return l, nil
}

// profileFile is the YAML layout of RISK_PROFILES_FILE.
type profileFile struct {
	Profiles map[string]Limits `yaml:"profiles"`
}

// LoadProfiles reads a YAML profile file and merges it over the built-in
// profiles. Entries in the file replace built-ins of the same name.
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load risk profiles: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse risk profiles %q: %w", path, err)
	}

	profiles := DefaultProfiles()
	for name, limits := range file.Profiles {
		if err := limits.Validate(); err != nil {
			return nil, fmt.Errorf("risk profile %q: %w", name, err)
		}
		profiles[strings.ToLower(name)] = limits
	}
	return profiles, nil
}

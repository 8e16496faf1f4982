package policy

import (
	"os"
	"strconv"
	"strings"
)

// Mode defines the policy engine operating mode.
type Mode string

const (
	// ModeOff disables policy evaluation entirely; requests are allowed.
	ModeOff Mode = "off"
	// ModeDryRun evaluates the rule table but always allows, logging what
	// would have happened.
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces decisions.
	ModeEnforce Mode = "enforce"
)

// CanaryConfig stages OPA-backed enforcement behind a percentage rollout so
// a policy change can be observed in dry-run before it denies real traffic.
type CanaryConfig struct {
	Enabled bool

	// EnforcePercentage of tenants that get enforce mode; the remainder runs
	// dry-run. Range 0-100.
	EnforcePercentage int

	// EnforceTenants always get enforce mode regardless of percentage.
	EnforceTenants []string
	// DryRunTenants always get dry-run, overriding the percentage rollout.
	DryRunTenants []string
}

// Config holds policy engine configuration.
type Config struct {
	// Enabled controls whether the OPA-backed engine is active. When false,
	// an OPAEngine answers every request with its default decision.
	Enabled bool

	Mode Mode

	// Path to the directory containing .rego policy files.
	Path string

	// FailClosed determines behavior when the OPA engine can't load
	// policies or evaluation errors out: true denies, false allows.
	FailClosed bool

	Environment string

	Canary CanaryConfig

	// EmergencyKillSwitch forces dry-run regardless of other settings.
	EmergencyKillSwitch bool
}

// LoadConfig loads the policy engine configuration from the environment.
func LoadConfig() *Config {
	cfg := &Config{
		Enabled:             getEnvBool("POLICY_OPA_ENABLED", false),
		Mode:                Mode(getEnvString("POLICY_MODE", "enforce")),
		Path:                getEnvString("POLICY_OPA_PATH", "/app/config/opa/policies"),
		FailClosed:          getEnvBool("POLICY_FAIL_CLOSED", true),
		Environment:         getEnvString("ENVIRONMENT", "dev"),
		EmergencyKillSwitch: getEnvBool("POLICY_EMERGENCY_KILL_SWITCH", false),
		Canary: CanaryConfig{
			Enabled:           getEnvBool("POLICY_CANARY_ENABLED", false),
			EnforcePercentage: getEnvInt("POLICY_CANARY_ENFORCE_PERCENTAGE", 0),
			EnforceTenants:    getEnvStringSlice("POLICY_CANARY_ENFORCE_TENANTS"),
			DryRunTenants:     getEnvStringSlice("POLICY_CANARY_DRYRUN_TENANTS"),
		},
	}

	switch cfg.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		cfg.Mode = ModeEnforce
	}
	if cfg.Mode == ModeOff {
		cfg.Enabled = false
	}
	return cfg
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
		return defaultValue
	}
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if parsed, err := strconv.Atoi(v); err == nil {
		return parsed
	}
	return defaultValue
}

func getEnvStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return []string{}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

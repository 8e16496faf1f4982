// Package ratecontrol supplies the per-upstream-provider rate ceiling that
// internal/admission combines with a tenant's own RateLimitPerMinute (spec
// §4.4's admission check C4) before dispatch. Ceilings are a courtesy to
// the upstream, not a tenant-facing control: domain.Tenant carries its own
// per-tenant RPM, so there is no tenant tier here for a ceiling to key off.
package ratecontrol

import (
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llmgatewayd/llmgatewayd/internal/provider"
)

type config struct {
	RateLimits struct {
		DefaultRPM        int `yaml:"default_rpm"`
		DefaultTPM        int `yaml:"default_tpm"`
		ProviderOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit is a requests-per-minute / tokens-per-minute ceiling.
type RateLimit struct {
	RPM int
	TPM int
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("RATECONTROL_CONFIG_PATH"),
	"/app/config/ratecontrol.yaml",
	"./config/ratecontrol.yaml",
	"../../config/ratecontrol.yaml",
	"../../../config/ratecontrol.yaml",
}

func loadLocked() {
	var cfg config
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal rate ceiling config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("loaded rate ceiling overrides from %s", p)
		break
	}
	if cfg.RateLimits.DefaultRPM == 0 && cfg.RateLimits.DefaultTPM == 0 && len(cfg.RateLimits.ProviderOverrides) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("loaded rate ceiling overrides from %s", path)
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "ratecontrol.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// LimitForProvider returns the dispatch ceiling for an upstream provider,
// preferring an operator-supplied override over the built-in table.
func LimitForProvider(name string) RateLimit {
	cfg := get()
	key := strings.ToLower(strings.TrimSpace(name))
	if cfg != nil && cfg.RateLimits.ProviderOverrides != nil {
		if override, ok := cfg.RateLimits.ProviderOverrides[key]; ok {
			return RateLimit{RPM: override.RPM, TPM: override.TPM}
		}
	}
	if limit, ok := builtInProviderLimits[key]; ok {
		return limit
	}
	if cfg != nil {
		return RateLimit{RPM: cfg.RateLimits.DefaultRPM, TPM: cfg.RateLimits.DefaultTPM}
	}
	return RateLimit{}
}

// builtInProviderLimits are conservative per-minute ceilings for the three
// providers internal/provider can actually dispatch to (spec §4's
// OpenAI/Anthropic/Google adapters). An operator without published account
// limits can raise these via provider_overrides without a deploy.
var builtInProviderLimits = map[string]RateLimit{
	string(provider.OpenAI):    {RPM: 30, TPM: 60000},
	string(provider.Anthropic): {RPM: 20, TPM: 40000},
	string(provider.Google):    {RPM: 40, TPM: 80000},
}

// CombineLimits takes the tighter of two ceilings component-wise, falling
// back to whichever side is set when the other is zero (unbounded).
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.TPM = minPositive(a.TPM, b.TPM)
	if limit.RPM == 0 {
		limit.RPM = max(a.RPM, b.RPM)
	}
	if limit.TPM == 0 {
		limit.TPM = max(a.TPM, b.TPM)
	}
	return limit
}

// DelayForLimit returns how long a caller should wait before a request
// sized at estimatedTokens would stay within limit, given the combined
// RPM/TPM ceiling. A negative estimate or an unbounded limit means no
// delay; a zero estimate still waits the per-request RPM interval.
func DelayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Reload discards any cached override file and re-reads it on next use,
// picking up operator edits to ratecontrol.yaml without a restart.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

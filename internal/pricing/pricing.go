// Package pricing implements the cost model (C6): given a model and its
// current ModelPricing row, compute the decimal USD cost of a request.
// Pricing rows are cached in-process from a YAML file, with the same
// search-path and upward directory search as the teacher's pricing loader,
// and can be hot-reloaded via fsnotify when the file changes on disk.
package pricing

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	pmetrics "github.com/llmgatewayd/llmgatewayd/internal/metrics"
	"github.com/llmgatewayd/llmgatewayd/internal/provider"
)

// modelConfig is one model's pricing row as it appears in config/models.yaml.
// Prices are per 1,000,000 tokens, matching spec §4.6's formula.
type modelConfig struct {
	Provider         string  `yaml:"provider"`
	VersionTag       string  `yaml:"version_tag"`
	InputPricePerM   float64 `yaml:"input_price_per_million"`
	CachedInputPerM  float64 `yaml:"cached_input_price_per_million"`
	OutputPricePerM  float64 `yaml:"output_price_per_million"`
}

type config struct {
	Models map[string]modelConfig `yaml:"models"`
}

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
	watcher     *fsnotify.Watcher
)

var defaultPaths = []string{
	os.Getenv("MODELS_CONFIG_PATH"),
	"/app/config/models.yaml",
	"./config/models.yaml",
	"../../config/models.yaml",
	"../../../config/models.yaml",
}

// findUpConfig searches parent directories for config/models.yaml starting
// at the current working directory, up to 6 levels.
func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func loadLocked() {
	var cfg config
	paths := append([]string{os.Getenv("MODELS_CONFIG_PATH")}, defaultPaths[1:]...)
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: failed to unmarshal pricing config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("loaded pricing configuration from %s", p)
		loaded = &cfg
		initialized = true
		return
	}
	if path, ok := findUpConfig(); ok {
		if data, err := os.ReadFile(path); err == nil {
			var tmp config
			if err := yaml.Unmarshal(data, &tmp); err == nil {
				cfg = tmp
				log.Printf("loaded pricing configuration from %s", path)
			}
		}
	}
	loaded = &cfg
	initialized = true
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

// Reload forces a re-read of the pricing configuration.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// WatchForChanges starts an fsnotify watcher on the active config path and
// calls Reload whenever it changes, so operator edits to per-model pricing
// take effect without a restart. Best-effort: a watch failure only logs.
func WatchForChanges() {
	var path string
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	if path == "" {
		if p, ok := findUpConfig(); ok {
			path = p
		}
	}
	if path == "" {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("WARNING: pricing watcher unavailable: %v", err)
		return
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		log.Printf("WARNING: pricing watcher could not watch %s: %v", path, err)
		w.Close()
		return
	}
	watcher = w
	go func() {
		for event := range w.Events {
			if filepath.Clean(event.Name) == filepath.Clean(path) {
				Reload()
			}
		}
	}()
}

func perMillion(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// RowFor returns the current ModelPricing-shaped row for a model, and
// whether it is configured.
func RowFor(model string) (input, cachedInput, output decimal.Decimal, found bool) {
	cfg := get()
	m, ok := cfg.Models[model]
	if !ok {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	return perMillion(m.InputPricePerM), perMillion(m.CachedInputPerM), perMillion(m.OutputPricePerM), true
}

// ProviderFor returns the upstream provider a model routes to, per its
// config/models.yaml row. This is the admission pipeline's sole source of
// truth for dispatch routing: a model absent from pricing config cannot be
// priced either, so both concerns fail together rather than drifting apart.
func ProviderFor(model string) (provider.Name, bool) {
	cfg := get()
	m, ok := cfg.Models[model]
	if !ok || m.Provider == "" {
		return "", false
	}
	return provider.Name(m.Provider), true
}

// million is the per-spec §4.6 token divisor.
var million = decimal.NewFromInt(1_000_000)

// CostForSplit computes the decimal cost for (promptTokens,
// cachedPromptTokens, completionTokens) against model's current pricing,
// per spec §4.6's formula exactly. Negative token counts are treated as 0.
// An unknown model returns cost 0 and found=false — the caller must emit a
// warning event in that case.
func CostForSplit(model string, promptTokens, cachedPromptTokens, completionTokens int64) (decimal.Decimal, bool) {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if cachedPromptTokens < 0 {
		cachedPromptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}

	input, cachedInput, output, found := RowFor(model)
	if !found {
		pmetrics.PricingFallbacks.WithLabelValues(fallbackReason(model)).Inc()
		return decimal.Zero, false
	}

	cost := decimal.NewFromInt(promptTokens).Mul(input).Div(million).
		Add(decimal.NewFromInt(cachedPromptTokens).Mul(cachedInput).Div(million)).
		Add(decimal.NewFromInt(completionTokens).Mul(output).Div(million))
	return cost, true
}

func fallbackReason(model string) string {
	if model == "" {
		return "missing_model"
	}
	return "unknown_model"
}

package pricing

// Package pricing loads per-provider pricing tables and turns token counts
// into monetary cost.
//
// Responsibilities:
//   - Load per-provider YAML pricing files from a directory
//   - Cache the loaded catalog with a TTL, reloading on expiry
//   - Normalize model names so prefixed and bare forms resolve the same entry
//   - Compute per-bucket costs (input / cache write / cache read / output)
//   - Answer case-insensitive substring searches over model names
//
// Rates are expressed per one million tokens in the provider file's currency.
// A malformed file degrades that provider to an empty table; the rest of the
// catalog still loads.

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultTTL is how long a loaded catalog is served before re-reading disk.
const DefaultTTL = 5 * time.Minute

// tokensPerUnit is the denominator for all rates.
const tokensPerUnit = 1_000_000

// ModelPricing is the rate card for one model, per million tokens.
// CacheWrite/CacheRead are nil when the provider does not price those
// buckets. The Anthropic-style aliases are folded in during normalization.
type ModelPricing struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`

	CacheWrite *float64 `yaml:"cache_write,omitempty" json:"cache_write,omitempty"`
	CacheRead  *float64 `yaml:"cache_read,omitempty" json:"cache_read,omitempty"`

	// Anthropic publishes distinct 5-minute and 1-hour cache-write rates.
	// They are collapsed into CacheWrite (5-minute preferred) on load.
	FiveMinCacheWrite *float64 `yaml:"5m_cache_write,omitempty" json:"-"`
	OneHourCacheWrite *float64 `yaml:"1h_cache_write,omitempty" json:"-"`
}

// normalize folds provider-specific field aliases into the generic buckets.
func (p *ModelPricing) normalize() {
	if p.CacheWrite == nil {
		if p.FiveMinCacheWrite != nil {
			p.CacheWrite = p.FiveMinCacheWrite
		} else if p.OneHourCacheWrite != nil {
			p.CacheWrite = p.OneHourCacheWrite
		}
	}
	p.FiveMinCacheWrite = nil
	p.OneHourCacheWrite = nil
}

// Metadata is the provenance block of a pricing file.
type Metadata struct {
	LastUpdated string `yaml:"last_updated" json:"last_updated"`
	Source      string `yaml:"source" json:"source"`
	Version     string `yaml:"version" json:"version"`
}

// Config is one provider's pricing file.
type Config struct {
	Provider string                  `yaml:"provider" json:"provider"`
	Currency string                  `yaml:"currency" json:"currency"`
	Unit     string                  `yaml:"unit" json:"unit"`
	Models   map[string]ModelPricing `yaml:"models" json:"models"`
	Metadata Metadata                `yaml:"metadata" json:"metadata"`
}

// Cost is the result of a cost calculation. Bucket costs sum to TotalCost
// within 6-decimal rounding.
type Cost struct {
	InputCost      float64 `json:"input_cost"`
	CacheWriteCost float64 `json:"cache_write_cost"`
	CacheReadCost  float64 `json:"cache_read_cost"`
	OutputCost     float64 `json:"output_cost"`
	TotalCost      float64 `json:"total_cost"`
	Currency       string  `json:"currency"`
	Unit           string  `json:"unit"`
}

// SearchResult is one row of a catalog search.
type SearchResult struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Pricing  ModelPricing `json:"pricing"`
}

// Catalog serves pricing lookups backed by YAML files in a directory.
// Safe for concurrent use.
type Catalog struct {
	dir    string
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.RWMutex
	loaded   map[string]*Config
	loadedAt time.Time
}

// NewCatalog creates a catalog over the given directory. The catalog is
// loaded lazily on first use.
func NewCatalog(dir string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		dir:    dir,
		ttl:    DefaultTTL,
		logger: logger,
	}
}

// SetTTL overrides the reload interval. Zero or negative disables caching.
func (c *Catalog) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Invalidate drops the cached catalog so the next read reloads from disk.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.loaded = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// LoadAll returns the pricing config for every provider, reloading from disk
// when the cache has expired.
func (c *Catalog) LoadAll() (map[string]*Config, error) {
	c.mu.RLock()
	if c.loaded != nil && c.ttl > 0 && time.Since(c.loadedAt) < c.ttl {
		snapshot := c.loaded
		c.mu.RUnlock()
		return snapshot, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded != nil && c.ttl > 0 && time.Since(c.loadedAt) < c.ttl {
		return c.loaded, nil
	}

	loaded, err := c.loadDir()
	if err != nil {
		return nil, err
	}
	c.loaded = loaded
	c.loadedAt = time.Now()
	return loaded, nil
}

// loadDir reads every *.yaml/*.yml file in the pricing directory. A file
// that fails to parse yields an empty config for that provider and a warning.
func (c *Catalog) loadDir() (map[string]*Config, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read pricing dir %q: %w", c.dir, err)
	}

	loaded := make(map[string]*Config)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(c.dir, e.Name())
		cfg, err := loadFile(path)
		if err != nil {
			provider := strings.TrimSuffix(e.Name(), ext)
			c.logger.Warn("malformed pricing file, provider degraded to empty table",
				zap.String("file", path),
				zap.String("provider", provider),
				zap.Error(err),
			)
			loaded[provider] = &Config{Provider: provider, Models: map[string]ModelPricing{}}
			continue
		}
		if cfg.Provider == "" {
			cfg.Provider = strings.TrimSuffix(e.Name(), ext)
		}
		loaded[cfg.Provider] = cfg
	}
	return loaded, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	for name, mp := range cfg.Models {
		mp.normalize()
		cfg.Models[name] = mp
	}
	if cfg.Models == nil {
		cfg.Models = map[string]ModelPricing{}
	}
	return cfg, nil
}

// ─── Lookup ──────────────────────────────────────────────────────────────────

// NormalizeModel strips a provider prefix ("anthropic/claude-..." →
// "claude-...") and well-known tag suffixes (":latest") from a model name.
func NormalizeModel(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.Index(model, ":"); i >= 0 {
		model = model[:i]
	}
	return model
}

// GetModelPricing resolves the rate card for (provider, model). Both the
// raw and normalized model names are consulted: aggregator catalogs key by
// the prefixed form, native catalogs by the bare form.
func (c *Catalog) GetModelPricing(provider, model string) (*ModelPricing, error) {
	all, err := c.LoadAll()
	if err != nil {
		return nil, err
	}
	cfg, ok := all[provider]
	if !ok {
		return nil, nil
	}
	if p, ok := cfg.Models[model]; ok {
		return &p, nil
	}
	if p, ok := cfg.Models[NormalizeModel(model)]; ok {
		return &p, nil
	}
	return nil, nil
}

// ProviderConfig returns the loaded config for one provider, or nil.
func (c *Catalog) ProviderConfig(provider string) (*Config, error) {
	all, err := c.LoadAll()
	if err != nil {
		return nil, err
	}
	return all[provider], nil
}

// ─── Cost ────────────────────────────────────────────────────────────────────

// CalculateCost prices a request. Returns (nil, nil) when no pricing is
// known for the model; callers record usage with zero cost in that case.
func (c *Catalog) CalculateCost(provider, model string, inputTokens, outputTokens, cacheWriteTokens, cacheReadTokens int) (*Cost, error) {
	p, err := c.GetModelPricing(provider, model)
	if err != nil {
		return nil, err
	}
	if p == nil {
		c.logger.Warn("no pricing for model, cost recorded as zero",
			zap.String("provider", provider),
			zap.String("model", model),
		)
		return nil, nil
	}

	cfg, err := c.ProviderConfig(provider)
	if err != nil {
		return nil, err
	}

	cost := &Cost{
		InputCost:  float64(inputTokens) / tokensPerUnit * p.Input,
		OutputCost: float64(outputTokens) / tokensPerUnit * p.Output,
		Currency:   cfg.Currency,
		Unit:       cfg.Unit,
	}
	if p.CacheWrite != nil {
		cost.CacheWriteCost = float64(cacheWriteTokens) / tokensPerUnit * *p.CacheWrite
	}
	if p.CacheRead != nil {
		cost.CacheReadCost = float64(cacheReadTokens) / tokensPerUnit * *p.CacheRead
	}

	cost.InputCost = round6(cost.InputCost)
	cost.CacheWriteCost = round6(cost.CacheWriteCost)
	cost.CacheReadCost = round6(cost.CacheReadCost)
	cost.OutputCost = round6(cost.OutputCost)
	cost.TotalCost = round6(cost.InputCost + cost.CacheWriteCost + cost.CacheReadCost + cost.OutputCost)
	return cost, nil
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// ─── Search ──────────────────────────────────────────────────────────────────

// Search returns every model whose name contains the query, case-insensitive,
// ordered by provider then model name.
func (c *Catalog) Search(query string) ([]SearchResult, error) {
	all, err := c.LoadAll()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)

	var results []SearchResult
	for provider, cfg := range all {
		for model, p := range cfg.Models {
			if q != "" && !strings.Contains(strings.ToLower(model), q) {
				continue
			}
			results = append(results, SearchResult{Provider: provider, Model: model, Pricing: p})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Provider != results[j].Provider {
			return results[i].Provider < results[j].Provider
		}
		return results[i].Model < results[j].Model
	})
	return results, nil
}

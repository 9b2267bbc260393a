package catalog

// Package catalog enumerates the models reachable through each endpoint
// dialect.
//
// Responsibilities:
//   - Load the per-dialect model lists from JSON files on disk
//   - Source aggregator ("openrouter") models from the live pricing map
//     instead of the static file
//   - Attach pricing to each entry via normalized model-name lookup
//   - Serve filtered, paginated listings with a TTL cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/pricing"
)

// Endpoint dialects and their catalog file names.
const (
	EndpointChatCompletions = "chat_completions"
	EndpointMessages        = "messages"
	EndpointResponses       = "responses"
)

var endpointFiles = map[string]string{
	EndpointChatCompletions: "chat_completions.json",
	EndpointMessages:        "messages.json",
	EndpointResponses:       "responses.json",
}

// DefaultTTL is how long a loaded catalog is served before re-reading disk.
const DefaultTTL = 5 * time.Minute

// maxLimit caps one page of results.
const maxLimit = 500

// aggregatorProvider sources its model list from pricing, not the file.
const aggregatorProvider = "openrouter"

// Entry is one model reachable through one endpoint dialect.
type Entry struct {
	ID       string                `json:"id"`
	Provider string                `json:"provider"`
	Endpoint string                `json:"endpoint"`
	Pricing  *pricing.ModelPricing `json:"pricing,omitempty"`
	Source   string                `json:"source"`
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	Provider string
	Endpoint string
	Search   string
	Limit    int
	Offset   int
}

// Page is one page of catalog entries.
type Page struct {
	Total int     `json:"total"`
	Items []Entry `json:"items"`
}

// catalogFile is the on-disk shape of a per-dialect model list.
type catalogFile struct {
	Providers []struct {
		Provider string   `json:"provider"`
		Models   []string `json:"models"`
	} `json:"providers"`
}

// Catalog serves model listings. Safe for concurrent use.
type Catalog struct {
	dir     string
	pricing *pricing.Catalog
	ttl     time.Duration
	logger  *zap.Logger

	mu       sync.RWMutex
	entries  []Entry
	loadedAt time.Time
}

// NewCatalog creates a model catalog over the given directory, using the
// pricing catalog for aggregator model lists and per-entry rates.
func NewCatalog(dir string, pc *pricing.Catalog, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		dir:     dir,
		pricing: pc,
		ttl:     DefaultTTL,
		logger:  logger,
	}
}

// SetTTL overrides the reload interval.
func (c *Catalog) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Invalidate drops the cached entries so the next read reloads.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// List returns the entries matching the filter, paginated.
func (c *Catalog) List(f Filter) (*Page, error) {
	entries, err := c.load()
	if err != nil {
		return nil, err
	}

	var matched []Entry
	search := strings.ToLower(f.Search)
	for _, e := range entries {
		if f.Provider != "" && e.Provider != f.Provider {
			continue
		}
		if f.Endpoint != "" && e.Endpoint != f.Endpoint {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.ID), search) {
			continue
		}
		matched = append(matched, e)
	}

	limit := f.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	page := &Page{Total: len(matched)}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = matched[offset:end]
	}
	return page, nil
}

// load returns the full entry list, reloading when the cache has expired.
func (c *Catalog) load() ([]Entry, error) {
	c.mu.RLock()
	if c.entries != nil && c.ttl > 0 && time.Since(c.loadedAt) < c.ttl {
		snapshot := c.entries
		c.mu.RUnlock()
		return snapshot, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries != nil && c.ttl > 0 && time.Since(c.loadedAt) < c.ttl {
		return c.entries, nil
	}

	entries, err := c.loadAll()
	if err != nil {
		return nil, err
	}
	c.entries = entries
	c.loadedAt = time.Now()
	return entries, nil
}

func (c *Catalog) loadAll() ([]Entry, error) {
	var entries []Entry
	for endpoint, file := range endpointFiles {
		eps, err := c.loadEndpoint(endpoint, filepath.Join(c.dir, file))
		if err != nil {
			c.logger.Warn("model catalog file unreadable, endpoint skipped",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, eps...)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Endpoint != entries[j].Endpoint {
			return entries[i].Endpoint < entries[j].Endpoint
		}
		if entries[i].Provider != entries[j].Provider {
			return entries[i].Provider < entries[j].Provider
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (c *Catalog) loadEndpoint(endpoint, path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}

	var entries []Entry
	for _, p := range file.Providers {
		if p.Provider == aggregatorProvider {
			entries = append(entries, c.aggregatorEntries(endpoint)...)
			continue
		}
		for _, model := range p.Models {
			entries = append(entries, c.entry(p.Provider, model, endpoint, "static"))
		}
	}
	return entries, nil
}

// aggregatorEntries lists the aggregator's models from its pricing table,
// which tracks the live upstream catalog more closely than a static file.
func (c *Catalog) aggregatorEntries(endpoint string) []Entry {
	cfg, err := c.pricing.ProviderConfig(aggregatorProvider)
	if err != nil || cfg == nil {
		return nil
	}
	entries := make([]Entry, 0, len(cfg.Models))
	for model := range cfg.Models {
		entries = append(entries, c.entry(aggregatorProvider, model, endpoint, "pricing"))
	}
	return entries
}

func (c *Catalog) entry(provider, model, endpoint, source string) Entry {
	e := Entry{ID: model, Provider: provider, Endpoint: endpoint, Source: source}
	if p, err := c.pricing.GetModelPricing(provider, model); err == nil && p != nil {
		e.Pricing = p
	}
	return e
}

package router

// Package router selects the upstream provider for a model.
//
// Responsibilities:
//   - Own the provider plugin list and lazily instantiate clients
//   - Match models against provider selection rules (first match wins)
//   - Fall back to the cheapest configured provider that prices the model
//   - Fail with NoProvider when nothing configured can serve the model
//
// Instances are created once on first use and memoized; IsConfigured on
// the instance is authoritative for availability.

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/provider"
	"github.com/ekailabs/ekai-gateway-sub002/internal/pricing"
)

// Plugin describes one registerable provider. Matches is nil for
// providers without a selection rule (price-only candidates).
type Plugin struct {
	ID      string
	Create  func() provider.AIProvider
	Matches func(model string) bool
}

// Registry owns the plugins and their memoized instances.
type Registry struct {
	plugins []Plugin
	pricing *pricing.Catalog
	logger  *zap.Logger

	mu        sync.Mutex
	instances map[string]provider.AIProvider
}

// NewRegistry creates a registry with an explicit plugin list, in
// rule-precedence order.
func NewRegistry(plugins []Plugin, catalog *pricing.Catalog, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		plugins:   plugins,
		pricing:   catalog,
		logger:    logger,
		instances: make(map[string]provider.AIProvider),
	}
}

// DefaultPlugins builds the standard plugin set. Order fixes rule
// precedence and the price tie-break.
func DefaultPlugins(deps provider.Deps, customBaseURL string) []Plugin {
	return []Plugin{
		{
			ID:      provider.ProviderAnthropic,
			Create:  func() provider.AIProvider { return provider.NewAnthropicClient(deps) },
			Matches: func(model string) bool { return strings.HasPrefix(model, "claude-") },
		},
		{
			ID:      provider.ProviderOpenAI,
			Create:  func() provider.AIProvider { return provider.NewOpenAIClient(deps) },
			Matches: matchOpenAI,
		},
		{
			ID:      provider.ProviderOpenRouter,
			Create:  func() provider.AIProvider { return provider.NewOpenRouterClient(deps) },
			Matches: func(model string) bool { return strings.Contains(model, "/") },
		},
		{
			ID:      provider.ProviderXAI,
			Create:  func() provider.AIProvider { return provider.NewXAIClient(deps) },
			Matches: func(model string) bool { return strings.HasPrefix(model, "grok") },
		},
		{
			ID:      provider.ProviderZAI,
			Create:  func() provider.AIProvider { return provider.NewZAIClient(deps) },
			Matches: func(model string) bool { return strings.HasPrefix(model, "glm") },
		},
		{
			ID:      provider.ProviderGoogle,
			Create:  func() provider.AIProvider { return provider.NewGoogleClient(deps) },
			Matches: func(model string) bool { return strings.HasPrefix(model, "gemini") },
		},
		{
			ID:     provider.ProviderOllama,
			Create: func() provider.AIProvider { return provider.NewOllamaClient(deps) },
		},
		{
			ID:     provider.ProviderCustom,
			Create: func() provider.AIProvider { return provider.NewCustomClient(customBaseURL, deps) },
		},
	}
}

func matchOpenAI(model string) bool {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "chatgpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return true
	}
	return false
}

// GetOrCreate returns the memoized instance for a plugin id, creating it
// on first use.
func (r *Registry) GetOrCreate(id string) (provider.AIProvider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		return inst, true
	}
	for _, p := range r.plugins {
		if p.ID == id {
			inst := p.Create()
			r.instances[id] = inst
			return inst, true
		}
	}
	return nil, false
}

// SelectProvider picks the provider for a model:
//  1. first configured plugin whose rule matches, in registration order;
//  2. otherwise the cheapest configured provider (input+output rate) whose
//     pricing covers the model, registration order breaking ties;
//  3. otherwise NoProvider.
func (r *Registry) SelectProvider(ctx context.Context, model string) (provider.AIProvider, error) {
	for _, p := range r.plugins {
		if p.Matches == nil || !p.Matches(model) {
			continue
		}
		inst, ok := r.GetOrCreate(p.ID)
		if ok && inst.IsConfigured(ctx) {
			r.logger.Debug("provider selected by rule",
				zap.String("provider", p.ID), zap.String("model", model))
			return inst, nil
		}
	}

	var best provider.AIProvider
	var bestRate float64
	for _, p := range r.plugins {
		inst, ok := r.GetOrCreate(p.ID)
		if !ok || !inst.IsConfigured(ctx) {
			continue
		}
		mp := r.modelPricing(p.ID, model)
		if mp == nil {
			continue
		}
		rate := mp.Input + mp.Output
		if best == nil || rate < bestRate {
			best = inst
			bestRate = rate
		}
	}
	if best == nil {
		return nil, &provider.NoProviderError{Model: model}
	}
	r.logger.Debug("provider selected by price",
		zap.String("provider", best.Name()),
		zap.String("model", model),
		zap.Float64("rate", bestRate))
	return best, nil
}

func (r *Registry) modelPricing(providerID, model string) *pricing.ModelPricing {
	if r.pricing == nil {
		return nil
	}
	mp, err := r.pricing.GetModelPricing(providerID, model)
	if err != nil {
		return nil
	}
	return mp
}

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/pricing"
)

const chatCompletionsJSON = `{
  "providers": [
    {"provider": "openai", "models": ["gpt-4o", "gpt-4o-mini"]},
    {"provider": "xai", "models": ["grok-3"]},
    {"provider": "openrouter", "models": []}
  ]
}`

const messagesJSON = `{
  "providers": [
    {"provider": "anthropic", "models": ["claude-3-5-sonnet-20241022"]}
  ]
}`

const responsesJSON = `{
  "providers": [
    {"provider": "openai", "models": ["gpt-4o"]}
  ]
}`

const openaiPricingYAML = `provider: openai
currency: USD
unit: per_1m_tokens
models:
  gpt-4o:
    input: 2.5
    output: 10.0
`

const openrouterPricingYAML = `provider: openrouter
currency: USD
unit: per_1m_tokens
models:
  meta-llama/llama-3.1-70b-instruct:
    input: 0.6
    output: 0.6
  openai/gpt-4o:
    input: 2.6
    output: 10.4
`

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	pricingDir := t.TempDir()
	for name, content := range map[string]string{
		"openai.yaml":     openaiPricingYAML,
		"openrouter.yaml": openrouterPricingYAML,
	} {
		if err := os.WriteFile(filepath.Join(pricingDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	modelsDir := t.TempDir()
	for name, content := range map[string]string{
		"chat_completions.json": chatCompletionsJSON,
		"messages.json":         messagesJSON,
		"responses.json":        responsesJSON,
	} {
		if err := os.WriteFile(filepath.Join(modelsDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	pc := pricing.NewCatalog(pricingDir, zap.NewNop())
	return NewCatalog(modelsDir, pc, zap.NewNop())
}

func TestListAll(t *testing.T) {
	c := newTestCatalog(t)

	page, err := c.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// 3 static chat_completions + 2 openrouter-from-pricing + 1 messages + 1 responses.
	if page.Total != 7 {
		t.Fatalf("total = %d, want 7", page.Total)
	}
}

func TestListFilters(t *testing.T) {
	c := newTestCatalog(t)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by provider", Filter{Provider: "openai"}, 2},
		{"by endpoint", Filter{Endpoint: EndpointMessages}, 1},
		{"by search", Filter{Search: "GROK"}, 1},
		{"provider and endpoint", Filter{Provider: "openai", Endpoint: EndpointResponses}, 1},
		{"no match", Filter{Provider: "nope"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := c.List(tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if page.Total != tt.want {
				t.Errorf("total = %d, want %d", page.Total, tt.want)
			}
		})
	}
}

func TestListPagination(t *testing.T) {
	c := newTestCatalog(t)

	first, err := c.List(Filter{Limit: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(first.Items) != 3 || first.Total != 7 {
		t.Fatalf("page 1: items=%d total=%d, want 3/7", len(first.Items), first.Total)
	}

	rest, err := c.List(Filter{Limit: 10, Offset: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rest.Items) != 4 {
		t.Errorf("page 2 items = %d, want 4", len(rest.Items))
	}

	past, err := c.List(Filter{Offset: 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(past.Items) != 0 || past.Total != 7 {
		t.Errorf("past-end page: items=%d total=%d, want 0/7", len(past.Items), past.Total)
	}
}

func TestAggregatorModelsComeFromPricing(t *testing.T) {
	c := newTestCatalog(t)

	page, err := c.List(Filter{Provider: "openrouter"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("openrouter models = %d, want 2 (from pricing map)", page.Total)
	}
	for _, e := range page.Items {
		if e.Source != "pricing" {
			t.Errorf("entry %q source = %q, want pricing", e.ID, e.Source)
		}
		if e.Pricing == nil {
			t.Errorf("entry %q has no pricing attached", e.ID)
		}
	}
}

func TestPricingAttachedToStaticEntries(t *testing.T) {
	c := newTestCatalog(t)

	page, err := c.List(Filter{Provider: "openai", Endpoint: EndpointChatCompletions, Search: "gpt-4o"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found bool
	for _, e := range page.Items {
		if e.ID == "gpt-4o" {
			found = true
			if e.Pricing == nil || e.Pricing.Input != 2.5 {
				t.Errorf("gpt-4o pricing = %+v, want input 2.5", e.Pricing)
			}
		}
	}
	if !found {
		t.Fatal("gpt-4o not listed")
	}
}

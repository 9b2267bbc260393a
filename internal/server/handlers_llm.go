package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/auth"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/adapter"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/provider"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/stream"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/types"
	"github.com/ekailabs/ekai-gateway-sub002/internal/metrics"
	"github.com/ekailabs/ekai-gateway-sub002/internal/middleware"
	"github.com/ekailabs/ekai-gateway-sub002/internal/usage"
)

// maxBodyBytes caps an inbound completion request body.
const maxBodyBytes = 10 << 20

// defaultOutputEstimate is the assumed completion length for budget
// estimation when the caller sets no max_tokens.
const defaultOutputEstimate = 1024

// handleChatCompletions serves the OpenAI Chat Completions dialect.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleCompletion(w, r, adapter.FormatOpenAI)
}

// handleMessages serves the Anthropic Messages dialect.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.handleCompletion(w, r, adapter.FormatAnthropic)
}

// handleResponses serves the OpenAI Responses dialect.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	s.handleCompletion(w, r, adapter.FormatResponses)
}

// handleCompletion is the shared completion flow: parse the dialect,
// authorize, enforce budget, dispatch upstream, account usage, and render
// the response back in the caller's dialect.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request, dialect string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write(errorBody(dialect, "validation_failed", "method not allowed"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, dialect, validationFailed("request body unreadable: "+err.Error()))
		return
	}

	ingress, err := s.adapters.Format(dialect)
	if err != nil {
		s.writeError(w, dialect, err)
		return
	}

	req, err := ingress.ClientToCanonical(body)
	if err != nil {
		s.writeError(w, dialect, validationFailed(err.Error()))
		return
	}
	if req.Model == "" {
		s.writeError(w, dialect, validationFailed("model is required"))
		return
	}

	ctx := r.Context()

	// Identity attaches before routing: when the authorizer is the key
	// source, provider selection probes key availability for this caller.
	var id auth.Identity
	if s.auth != nil {
		id, err = callerIdentity(r)
		if err != nil {
			s.writeError(w, dialect, err)
			return
		}
		ctx = auth.WithIdentity(ctx, id)
	}

	prov, err := s.router.SelectProvider(ctx, req.Model)
	if err != nil {
		s.writeError(w, dialect, err)
		return
	}

	// Requests that arrived on the Responses endpoint and route to OpenAI
	// go upstream on the Responses API rather than Chat Completions.
	if dialect == adapter.FormatResponses && prov.Name() == provider.ProviderOpenAI && s.responses != nil {
		prov = s.responses
	}

	// Authorization runs before any upstream traffic; a denial issues no
	// upstream call and writes no usage record.
	if s.auth != nil {
		if err := s.auth.Authorize(ctx, id, prov.Name(), req.Model); err != nil {
			switch err.(type) {
			case *auth.DelegateNotPermittedError:
				metrics.AuthDeniedTotal.WithLabelValues("delegate").Inc()
			case *auth.ModelNotAllowedError:
				metrics.AuthDeniedTotal.WithLabelValues("model").Inc()
			}
			s.writeError(w, dialect, err)
			return
		}
	}

	if err := s.tracker.EnforceBudget(ctx, s.estimateCost(prov.Name(), req, len(body))); err != nil {
		if _, ok := err.(*usage.BudgetExceededError); ok {
			metrics.BudgetBlockedTotal.Inc()
		}
		s.writeError(w, dialect, err)
		return
	}

	if req.Stream {
		s.streamCompletion(ctx, w, dialect, ingress, prov, req)
		return
	}
	s.completeOnce(ctx, w, dialect, ingress, prov, req)
}

// completeOnce dispatches one non-streaming completion.
func (s *Server) completeOnce(ctx context.Context, w http.ResponseWriter, dialect string, ingress adapter.FormatAdapter, prov provider.AIProvider, req *types.Request) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := prov.ChatCompletion(ctx, req)
	metrics.RequestDuration.WithLabelValues(prov.Name(), req.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(prov.Name(), req.Model, "error").Inc()
		s.writeError(w, dialect, err)
		return
	}
	metrics.RequestsTotal.WithLabelValues(prov.Name(), req.Model, "ok").Inc()

	s.recordUsage(ctx, prov.Name(), req.Model, resp.Usage)

	out, err := ingress.CanonicalToClient(resp)
	if err != nil {
		s.writeError(w, dialect, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// streamCompletion proxies one streaming completion through the canonical
// event pipeline. The request runs until upstream termination or inbound
// cancellation; there is no timeout.
func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, dialect string, ingress adapter.FormatAdapter, prov provider.AIProvider, req *types.Request) {
	upstream, err := prov.GetStreamingResponse(ctx, req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(prov.Name(), req.Model, "error").Inc()
		s.writeError(w, dialect, err)
		return
	}
	defer upstream.Close()

	// Clients that know their upstream wire dialect supply the translator
	// themselves; the registry lookup covers the rest by provider id.
	var translator stream.Translator
	if st, ok := prov.(provider.StreamTranslating); ok {
		translator = st.NewStreamTranslator(s.logger)
	} else {
		egress, err := s.adapters.ForProvider(prov.Name())
		if err != nil {
			s.writeError(w, dialect, err)
			return
		}
		translator = egress.NewStreamTranslator(s.logger)
	}
	translator = &countingTranslator{inner: translator, provider: prov.Name()}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	start := time.Now()
	pipe := stream.NewPipeline(translator, ingress.NewStreamEncoder(req.Model), s.logger)
	runErr := pipe.Run(ctx, upstream, w)
	metrics.RequestDuration.WithLabelValues(prov.Name(), req.Model).Observe(time.Since(start).Seconds())

	if runErr != nil {
		// Headers are long gone; all that is left is to log and drop.
		metrics.RequestsTotal.WithLabelValues(prov.Name(), req.Model, "aborted").Inc()
		s.logger.Warn("stream aborted",
			zap.String("provider", prov.Name()),
			zap.String("model", req.Model),
			zap.Error(runErr),
		)
		return
	}
	metrics.RequestsTotal.WithLabelValues(prov.Name(), req.Model, "ok").Inc()

	s.recordUsage(ctx, prov.Name(), req.Model, pipe.Usage())
}

// countingTranslator wraps a dialect translator and counts every canonical
// event it yields, labelled by provider and event type.
type countingTranslator struct {
	inner    stream.Translator
	provider string
}

func (c *countingTranslator) Translate(payload string) ([]types.StreamEvent, error) {
	events, err := c.inner.Translate(payload)
	c.count(events)
	return events, err
}

func (c *countingTranslator) Done() []types.StreamEvent {
	events := c.inner.Done()
	c.count(events)
	return events
}

func (c *countingTranslator) count(events []types.StreamEvent) {
	for _, ev := range events {
		metrics.StreamEventsTotal.WithLabelValues(c.provider, string(ev.Type)).Inc()
	}
}

// recordUsage persists one request's token counts and emits the usage
// receipt. The write is detached from the request context so a client
// disconnect after stream completion cannot lose the record.
func (s *Server) recordUsage(ctx context.Context, providerID, model string, u *types.Usage) {
	if u == nil {
		s.logger.Debug("no usage reported by upstream",
			zap.String("provider", providerID), zap.String("model", model))
		return
	}

	input := u.InputTokens
	if input == 0 {
		input = u.PromptTokens
	}
	output := u.OutputTokens
	if output == 0 {
		output = u.CompletionTokens
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	rec, err := s.tracker.Record(writeCtx, usage.RecordParams{
		Provider:         providerID,
		Model:            model,
		InputTokens:      input,
		OutputTokens:     output,
		CacheWriteTokens: u.CacheWriteTokens,
		CacheReadTokens:  u.CacheReadTokens,
	})
	if err != nil {
		s.logger.Error("usage record write failed",
			zap.String("provider", providerID),
			zap.String("model", model),
			zap.Error(err),
		)
		return
	}

	metrics.TokensTotal.WithLabelValues(providerID, model, "input").Add(float64(input))
	metrics.TokensTotal.WithLabelValues(providerID, model, "output").Add(float64(output))
	if u.CacheReadTokens > 0 {
		metrics.TokensTotal.WithLabelValues(providerID, model, "cache_read").Add(float64(u.CacheReadTokens))
	}
	if u.CacheWriteTokens > 0 {
		metrics.TokensTotal.WithLabelValues(providerID, model, "cache_write").Add(float64(u.CacheWriteTokens))
	}
	metrics.CostUSD.WithLabelValues(providerID, model).Add(rec.TotalCost)

	if s.auth != nil {
		s.auth.ReportUsage(writeCtx, middleware.RequestIDFromContext(ctx), providerID, model, input, output)
	}
}

// estimateCost produces the rough pre-dispatch cost estimate for budget
// enforcement: body length over four as input tokens, max_tokens (or a
// fixed default) as output. Models without pricing estimate to zero.
func (s *Server) estimateCost(providerID string, req *types.Request, bodyLen int) float64 {
	inputTokens := bodyLen / 4
	outputTokens := defaultOutputEstimate
	if req.Generation != nil && req.Generation.MaxTokens != nil {
		outputTokens = *req.Generation.MaxTokens
	}
	cost, err := s.pricing.CalculateCost(providerID, req.Model, inputTokens, outputTokens, 0, 0)
	if err != nil || cost == nil {
		return 0
	}
	return cost.TotalCost
}

// callerIdentity reads the owner/delegate identity headers. The delegate
// defaults to the owner acting for itself.
func callerIdentity(r *http.Request) (auth.Identity, error) {
	owner := r.Header.Get("X-Owner-Id")
	if owner == "" {
		return auth.Identity{}, &authMissingError{}
	}
	delegate := r.Header.Get("X-Delegate-Id")
	if delegate == "" {
		delegate = owner
	}
	return auth.Identity{Owner: owner, Delegate: delegate}, nil
}

// parseIntParam parses a positive integer query parameter with a default.
func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

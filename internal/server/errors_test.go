package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/ekailabs/ekai-gateway-sub002/internal/auth"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/adapter"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/provider"
	"github.com/ekailabs/ekai-gateway-sub002/internal/usage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"validation", validationFailed("bad shape"), http.StatusBadRequest, "validation_failed"},
		{"identity missing", &authMissingError{}, http.StatusUnauthorized, "auth_missing"},
		{"key missing", &provider.AuthMissingError{Provider: "openai"}, http.StatusUnauthorized, "auth_missing"},
		{"budget", &usage.BudgetExceededError{Limit: 10, Spent: 9.5, Estimated: 1}, http.StatusPaymentRequired, "budget_exceeded"},
		{"delegate", &auth.DelegateNotPermittedError{Owner: "a", Delegate: "b"}, http.StatusForbidden, "delegate_not_permitted"},
		{"model", &auth.ModelNotAllowedError{Owner: "a", Model: "m"}, http.StatusForbidden, "model_not_allowed"},
		{"secret", &auth.SecretNotFoundError{Owner: "a", Provider: "openai"}, http.StatusNotFound, "secret_not_found"},
		{"format", &adapter.NotRegisteredError{Name: "nope"}, http.StatusNotFound, "not_registered"},
		{"timeout", fmt.Errorf("do request: %w", context.DeadlineExceeded), http.StatusRequestTimeout, "upstream_timeout"},
		{"rate limited", &provider.Error{Provider: "openai", Status: 429}, http.StatusTooManyRequests, "rate_limited"},
		{"upstream 500", &provider.Error{Provider: "openai", Status: 500}, http.StatusBadGateway, "provider_error"},
		{"no provider", &provider.NoProviderError{Model: "m"}, http.StatusBadGateway, "no_provider"},
		{"decryption", &auth.DecryptionFailedError{Reason: "nope"}, http.StatusInternalServerError, "decryption_failed"},
		{"trust root", &auth.TrustRootUnavailableError{Err: errors.New("down")}, http.StatusServiceUnavailable, "trust_root_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := classify(tt.err)
			if status != tt.wantStatus || kind != tt.wantKind {
				t.Errorf("classify() = (%d, %q), want (%d, %q)", status, kind, tt.wantStatus, tt.wantKind)
			}
		})
	}
}

func TestErrorBodyShapes(t *testing.T) {
	openai := string(errorBody(adapter.FormatOpenAI, "validation_failed", "bad"))
	if openai != `{"error":{"message":"bad","type":"validation_failed"}}` {
		t.Errorf("openai shape = %s", openai)
	}

	anthropic := string(errorBody(adapter.FormatAnthropic, "validation_failed", "bad"))
	if anthropic != `{"error":{"code":"validation_failed","message":"bad"},"type":"error"}` {
		t.Errorf("anthropic shape = %s", anthropic)
	}
}

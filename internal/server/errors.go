package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekailabs/ekai-gateway-sub002/internal/auth"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/adapter"
	"github.com/ekailabs/ekai-gateway-sub002/internal/llm/provider"
	"github.com/ekailabs/ekai-gateway-sub002/internal/usage"
)

// validationError reports a malformed request. Maps to HTTP 400.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func validationFailed(msg string) error { return &validationError{msg: msg} }

// authMissingError reports a missing caller credential. Maps to HTTP 401.
type authMissingError struct{}

func (e *authMissingError) Error() string { return "caller identity headers missing" }

// classify maps any gateway error to (status, kind). Unknown errors are
// internal.
func classify(err error) (int, string) {
	var (
		validation  *validationError
		callerAuth  *authMissingError
		keyMissing  *provider.AuthMissingError
		budget      *usage.BudgetExceededError
		delegate    *auth.DelegateNotPermittedError
		model       *auth.ModelNotAllowedError
		secret      *auth.SecretNotFoundError
		registered  *adapter.NotRegisteredError
		upstream    *provider.Error
		noProvider  *provider.NoProviderError
		decryption  *auth.DecryptionFailedError
		unavailable *auth.TrustRootUnavailableError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "validation_failed"
	case errors.As(err, &callerAuth), errors.As(err, &keyMissing):
		return http.StatusUnauthorized, "auth_missing"
	case errors.As(err, &budget):
		return http.StatusPaymentRequired, "budget_exceeded"
	case errors.As(err, &delegate):
		return http.StatusForbidden, "delegate_not_permitted"
	case errors.As(err, &model):
		return http.StatusForbidden, "model_not_allowed"
	case errors.As(err, &secret):
		return http.StatusNotFound, "secret_not_found"
	case errors.As(err, &registered):
		return http.StatusNotFound, "not_registered"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "upstream_timeout"
	case errors.As(err, &upstream):
		if upstream.Status == http.StatusTooManyRequests {
			return http.StatusTooManyRequests, "rate_limited"
		}
		return http.StatusBadGateway, "provider_error"
	case errors.As(err, &noProvider):
		return http.StatusBadGateway, "no_provider"
	case errors.As(err, &decryption):
		return http.StatusInternalServerError, "decryption_failed"
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, "trust_root_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// errorBody renders the wire shape of one error for a dialect. Anthropic
// callers get the Messages error wrapper; everyone else the OpenAI shape.
func errorBody(dialect, kind, message string) []byte {
	var body any
	if dialect == adapter.FormatAnthropic {
		body = map[string]any{
			"type": "error",
			"error": map[string]any{
				"message": message,
				"code":    kind,
			},
		}
	} else {
		body = map[string]any{
			"error": map[string]any{
				"type":    kind,
				"message": message,
			},
		}
	}
	out, _ := json.Marshal(body)
	return out
}

// writeError maps err to its HTTP status and dialect wire shape.
func (s *Server) writeError(w http.ResponseWriter, dialect string, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("kind", kind), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("kind", kind), zap.Error(err))
	}

	message := err.Error()
	if kind == "internal_error" {
		// Do not leak internals to the caller.
		message = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(errorBody(dialect, kind, message))
}

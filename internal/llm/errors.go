package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
)

// ProviderError is a transport or protocol failure reported by a model
// backend. Retryable marks failures the agent loop may re-issue.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider failure worth retrying.
// Unknown errors default to retryable; context errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// retryableStatus maps HTTP status codes to retry semantics.
func retryableStatus(code int) bool {
	switch code {
	case 400, 401, 403, 404, 413, 422:
		return false
	case 408, 409, 429, 500, 502, 503, 504:
		return true
	default:
		return code >= 500 || code == 0
	}
}

// wrapError classifies a raw SDK error for provider.
func wrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	out := &ProviderError{Provider: provider, Err: err, Retryable: true}

	var oaiErr *openai.Error
	var antErr *anthropic.Error
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Retryable = false
	case errors.As(err, &oaiErr):
		out.StatusCode = oaiErr.StatusCode
		out.Retryable = retryableStatus(oaiErr.StatusCode)
	case errors.As(err, &antErr):
		out.StatusCode = antErr.StatusCode
		out.Retryable = retryableStatus(antErr.StatusCode)
	case errors.As(err, &netErr):
		out.Retryable = true
	}
	return out
}

// protocolError reports a malformed or failed stream that carried no status.
func protocolError(provider, format string, args ...any) error {
	return &ProviderError{Provider: provider, Retryable: true, Err: fmt.Errorf(format, args...)}
}

package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderError wraps a provider API failure with enough context to log
// and to decide whether the caller should surface it to the user. Rate
// limit and auth failures are never swallowed; they propagate through the
// loop as-is.
type ProviderError struct {
	Provider  string
	Model     string
	Status    int
	RequestID string
	Cause     error
}

// NewProviderError creates a provider error wrapping cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Cause: cause}
}

// WithStatus records the HTTP status code.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	return e
}

// WithRequestID records the provider's request ID for support escalation.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " request_id=%s", e.RequestID)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

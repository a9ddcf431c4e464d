package provider

import (
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// StatusError carries the HTTP status of a failed completion call.
type StatusError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func wrapAPIError(name string, err error) error {
	var oe *openai.Error
	if errors.As(err, &oe) {
		return &StatusError{Provider: name, StatusCode: oe.StatusCode, Err: err}
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return &StatusError{Provider: name, StatusCode: ae.StatusCode, Err: err}
	}
	return fmt.Errorf("%s: %w", name, err)
}

// normalizeFinish maps provider stop reasons onto "stop" and "length".
func normalizeFinish(reason string) string {
	switch reason {
	case "length", "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return "stop"
	}
}

package conversation

import "fmt"

// ValidationError reports malformed input or a duplicate id. It is returned
// to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GatewayError wraps a failure of an external service (speech synthesis,
// OCR upload, LLM provider). Core components recover from it locally.
type GatewayError struct {
	Gateway string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s gateway: %v", e.Gateway, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

package modelgateway

import "fmt"

// ErrorKind classifies a model-call failure so callers in pipeline/tasks
// can decide whether to retry, fail the stage permanently, or surface a
// user-facing error.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindRateLimited ErrorKind = "rate_limited"
	KindInvalidInput ErrorKind = "invalid_input"
	KindUnavailable ErrorKind = "unavailable"
)

// ModelError wraps a failed call to an embedding or VLM backend with a
// classification used for retry/backoff decisions.
type ModelError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("modelgateway: %s %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("modelgateway: %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Retryable reports whether the classification warrants a retry with
// backoff, as opposed to failing the pipeline stage outright.
func (e *ModelError) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

func newModelError(op string, kind ErrorKind, err error) *ModelError {
	return &ModelError{Op: op, Kind: kind, Err: err}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindInvalidInput
	default:
		return KindTransient
	}
}

package types

import "fmt"

type GenErrorKind string

const (
	// ErrUnreachable means the backend could not be reached at all.
	ErrUnreachable GenErrorKind = "unreachable"
	// ErrProvider is a structured error reported by an otherwise-successful
	// transport response, or a non-2xx status with a parseable body.
	ErrProvider GenErrorKind = "provider"
	// ErrEmptyResult means the provider returned nothing usable.
	ErrEmptyResult GenErrorKind = "empty_result"
	// ErrOther covers internal failures.
	ErrOther GenErrorKind = "other"
)

// GenError is the uniform error shape every provider failure is normalized
// into, so the orchestrator's error path is provider-agnostic.
type GenError struct {
	Kind   GenErrorKind `json:"kind"`
	Status int          `json:"status,omitempty"`
	Msg    string       `json:"message"`
}

func (e *GenError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func NewGenError(kind GenErrorKind, msg string) *GenError {
	return &GenError{Kind: kind, Msg: msg}
}

// Package fault classifies errors crossing component boundaries so the
// orchestrator can branch on them: validation faults are rejected at the
// surface, attestation faults terminate a pipeline, transient faults are
// retried inside the owning component, permanent faults surface immediately,
// and internal faults are treated as bugs.
package fault

import (
	"errors"
	"fmt"
)

// Kind partitions errors by their propagation rule.
type Kind int

const (
	// Validation marks malformed input rejected before a pipeline exists.
	Validation Kind = iota
	// Attestation marks a failed check (GNSS, event, consensus) that
	// terminates the pipeline at its stage.
	Attestation
	// Transient marks a dependency fault worth retrying with backoff.
	Transient
	// Permanent marks a dependency fault that retrying cannot fix.
	Permanent
	// Internal marks an invariant violation; fatal for the request.
	Internal
)

var kindNames = map[Kind]string{
	Validation:  "validation",
	Attestation: "attestation",
	Transient:   "transient",
	Permanent:   "permanent",
	Internal:    "internal",
}

func (k Kind) String() string { return kindNames[k] }

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf creates a classified error with a formatted detail message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are treated
// as Internal: an unlabelled failure deep in a component is a bug until
// proven otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

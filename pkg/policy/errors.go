package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDirective indicates a malformed Cache-Control value.
	ErrInvalidDirective = errors.New("invalid cache-control directive")

	// ErrInvalidPattern indicates a malformed path pattern.
	ErrInvalidPattern = errors.New("invalid path pattern")

	// ErrPolicyAmbiguity indicates two rules that match the same paths.
	ErrPolicyAmbiguity = errors.New("ambiguous cache-control policy")
)

// AmbiguityError reports two rules that cannot be told apart by the matcher.
type AmbiguityError struct {
	Pattern string
	First   int
	Second  int
}

// Error implements the error interface.
func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("%v: pattern %q declared by rules %d and %d",
		ErrPolicyAmbiguity, e.Pattern, e.First, e.Second)
}

// Unwrap implements error unwrapping for errors.Is.
func (e *AmbiguityError) Unwrap() error {
	return ErrPolicyAmbiguity
}

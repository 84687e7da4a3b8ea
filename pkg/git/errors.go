package git

import (
	"fmt"

	"github.com/pkg/errors"
)

// TagExistsError means the candidate tag is already published
// upstream. It usually signals a re-trigger for an already-completed
// change, so callers treat it as "outcome already satisfied" rather
// than a failure.
type TagExistsError struct {
	Tag string
}

func (e TagExistsError) Error() string {
	return fmt.Sprintf("tag %s already exists upstream", e.Tag)
}

// IsTagExists reports whether err (or its cause) is a TagExistsError.
func IsTagExists(err error) bool {
	_, ok := errors.Cause(err).(TagExistsError)
	return ok
}

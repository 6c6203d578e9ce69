package collector

import (
	"errors"
	"fmt"
)

// CollectionError indicates a single test source failed to parse. The file
// is skipped and the rest of the collection proceeds.
type CollectionError struct {
	File string
	Err  error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("failed to collect tests from %s: %v", e.File, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

// IsCollectionError checks if the error is or wraps a CollectionError.
func IsCollectionError(err error) bool {
	var collErr *CollectionError
	return err != nil && errors.As(err, &collErr)
}

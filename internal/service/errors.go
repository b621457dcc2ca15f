package service

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("validation failed")
	ErrNotRetryable = errors.New("field is not in a retryable state")

	// ErrRetryScheduled is an ErrNotRetryable for fields the queue will retry on its own.
	ErrRetryScheduled = fmt.Errorf("%w: automatic retry already scheduled", ErrNotRetryable)
)

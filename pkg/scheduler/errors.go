package scheduler

import "errors"

// ErrRetryExhausted wraps the last fetch error once every retry has failed.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

package store

import "errors"

var (
	ErrNotFound       = errors.New("document not found")
	ErrInvalidKey     = errors.New("invalid document key")
	ErrInvalidPayload = errors.New("invalid document payload")
	ErrQueueConflict  = errors.New("request already queued")
)

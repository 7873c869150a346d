package apperrors

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrAlreadyRunning = errors.New("pipeline already running")
	ErrUnknownMode    = errors.New("unknown pipeline mode")
	ErrValidation     = errors.New("validation failed")
)

package investigation

import "errors"

var (
	ErrNotFound          = errors.New("investigation not found")
	ErrForbidden         = errors.New("requester does not own investigation")
	ErrConflict          = errors.New("investigation id already exists")
	ErrVersionConflict   = errors.New("stale expected version")
	ErrInvalidTransition = errors.New("invalid lifecycle or status transition")
	ErrInvalidSettings   = errors.New("settings failed schema validation")
	ErrInvalidProgress   = errors.New("progress failed schema validation")
	// ErrStorage wraps backend I/O failures, including timeouts. Retryable.
	ErrStorage = errors.New("storage failure")
)

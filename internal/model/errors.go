package model

import (
	"errors"
)

var (
	ErrConfigDocuments  = errors.New("config must hold a header and a task document")
	ErrMissingParameter = errors.New("missing required parameter")

	// ErrInvalidTransition is returned when a status change is refused by
	// TaskStatus.CanTransition.
	ErrInvalidTransition = errors.New("invalid status transition")
)

package storage

import (
	"errors"

	"metered_gateway/internal/jobs"
)

var (
	// ErrJobNotFound is returned when a job is not found
	ErrJobNotFound = jobs.ErrJobNotFound

	// ErrLotNotFound is returned when a credit lot is not found
	ErrLotNotFound = errors.New("credit lot not found")
)

package scan

import (
	"context"
	"errors"

	"github.com/cqdev-co/signalrun/internal/domain"
)

// Failure classes the report aggregates per-symbol errors into.
const (
	FailUpstream   = "upstream"
	FailNoData     = "no_data"
	FailValidation = "validation_failed"
	FailStore      = "store"
	FailTimeout    = "timeout"
	FailOther      = "other"
)

// classify maps an error onto its report failure class.
func classify(err error) string {
	var (
		upstream *domain.UpstreamError
		store    *domain.StoreError
	)
	switch {
	case errors.Is(err, domain.ErrNoData):
		return FailNoData
	case errors.Is(err, domain.ErrValidationFailed):
		return FailValidation
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case errors.As(err, &upstream):
		return FailUpstream
	case errors.As(err, &store):
		return FailStore
	default:
		return FailOther
	}
}

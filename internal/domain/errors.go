package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Callers classify with errors.Is
// and errors.As; wrap with %w so the chain survives.
var (
	// ErrNoData means the provider answered but had nothing for the key.
	ErrNoData = errors.New("no data")

	// ErrRateLimited marks a provider throttle response. The fetch layer
	// absorbs it via backoff; it never reaches the orchestrator.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidationFailed marks a symbol rejected by the quality gate.
	ErrValidationFailed = errors.New("validation failed")
)

// ConfigError reports an invalid or missing configuration value. The process
// refuses to start on one.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// UpstreamError wraps a provider failure after retries are exhausted.
type UpstreamError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

package service

import "errors"

// DefaultPolicy is served from environment configuration when no stored
// policy overrides it.
const DefaultPolicy = "default"

// Storage key formats
const (
	PolicyKeyFormat   = "%s:policy:%s"
	MetadataKeyFormat = "%s:policy-meta:%s"
	LimiterKeyFormat  = "%s:%s"
)

// Generated prefixes look like nextlimit-1a2b3c
const (
	GeneratedPrefixBase   = "nextlimit-"
	GeneratedPrefixLength = 6
)

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// Validation error messages
const (
	ErrStrategyRequired      = "strategy is required"
	ErrInvalidStrategy       = "invalid strategy: %s"
	ErrLimitMustBePositive   = "limit must be greater than 0"
	ErrWindowMsMissing       = "window_ms must be greater than 0"
	ErrInvalidPolicyName     = "policy name must be 1-64 characters of letters, digits, '.', '_' or '-': %q"
	ErrIdentifierRequired    = "identifier is required"
	ErrConfigurationNotFound = "policy not found"
)

// Custom error types
var (
	ErrNotFound      = errors.New(ErrConfigurationNotFound)
	ErrInvalidPolicy = errors.New("invalid policy")
)

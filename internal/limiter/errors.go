package limiter

import "errors"

// ErrInvalidConfig is returned at construction time for a non-positive window or limit.
var ErrInvalidConfig = errors.New("limiter: invalid config")

package limiter

import (
	"fmt"
	"time"

	"github.com/jaevor/go-nanoid"
)

const nonceLength = 12

// NonceFunc returns a value that tells apart requests admitted in the same millisecond.
type NonceFunc func() string

// Option configures a strategy or a Limiter.
type Option func(*options)

type options struct {
	now   func() time.Time
	nonce NonceFunc
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithNonce overrides the sliding window member tie-breaker generator.
func WithNonce(nonce NonceFunc) Option {
	return func(o *options) { o.nonce = nonce }
}

func buildOptions(opts []Option) (options, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if o.nonce == nil {
		gen, err := nanoid.Standard(nonceLength)
		if err != nil {
			return o, fmt.Errorf("create nonce generator: %w", err)
		}
		o.nonce = NonceFunc(gen)
	}
	return o, nil
}

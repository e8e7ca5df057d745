// Package config holds the speech pipeline's configuration: a flat
// string-keyed map of primitive values with lenient coercion. Keys are
// dash-separated strings ("sample-rate", "wake-filter-path"); values
// may arrive as any primitive type and are coerced on read, so callers
// can populate the map from flags, env vars, or JSON without caring
// about exact types.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/cast"
)

// ErrInvalid marks configuration errors: missing required keys or
// values that cannot be coerced to the requested type. Surfaced at
// component construction only; never at runtime.
var ErrInvalid = errors.New("invalid configuration")

// SpeechConfig is a mutable bag of pipeline settings. It is written
// during pipeline assembly and read-only afterwards; it is not safe for
// concurrent mutation.
type SpeechConfig struct {
	params map[string]any
}

// New creates an empty configuration.
func New() *SpeechConfig {
	return &SpeechConfig{params: make(map[string]any)}
}

// From creates a configuration pre-populated with the given values.
func From(values map[string]any) *SpeechConfig {
	c := New()
	for k, v := range values {
		c.params[k] = v
	}
	return c
}

// Set stores a value for key, replacing any previous value.
func (c *SpeechConfig) Set(key string, value any) *SpeechConfig {
	c.params[key] = value
	return c
}

// Has reports whether key is present.
func (c *SpeechConfig) Has(key string) bool {
	_, ok := c.params[key]
	return ok
}

// Int returns the value for key coerced to int. Missing or uncoercible
// values are configuration errors.
func (c *SpeechConfig) Int(key string) (int, error) {
	v, ok := c.params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing key %q", ErrInvalid, key)
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q: %v", ErrInvalid, key, err)
	}
	return n, nil
}

// IntDefault returns the value for key coerced to int, or def when the
// key is absent or uncoercible.
func (c *SpeechConfig) IntDefault(key string, def int) int {
	v, ok := c.params[key]
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// Float returns the value for key coerced to float64.
func (c *SpeechConfig) Float(key string) (float64, error) {
	v, ok := c.params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing key %q", ErrInvalid, key)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q: %v", ErrInvalid, key, err)
	}
	return f, nil
}

// FloatDefault returns the value for key coerced to float64, or def.
func (c *SpeechConfig) FloatDefault(key string, def float64) float64 {
	v, ok := c.params[key]
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// String returns the value for key coerced to string.
func (c *SpeechConfig) String(key string) (string, error) {
	v, ok := c.params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing key %q", ErrInvalid, key)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf("%w: key %q: %v", ErrInvalid, key, err)
	}
	return s, nil
}

// StringDefault returns the value for key coerced to string, or def.
func (c *SpeechConfig) StringDefault(key, def string) string {
	v, ok := c.params[key]
	if !ok {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// BoolDefault returns the value for key coerced to bool, or def.
func (c *SpeechConfig) BoolDefault(key string, def bool) bool {
	v, ok := c.params[key]
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

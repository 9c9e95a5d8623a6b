// Package timeutil provides a small clock abstraction so components that
// reason about deadlines can be tested with a controlled time source.
package timeutil

import "time"

// Provider supplies the current time. Production code uses Default; tests
// substitute a fixed or stepping implementation.
type Provider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by time.Now.
func Default() Provider { return realTimeProvider{} }

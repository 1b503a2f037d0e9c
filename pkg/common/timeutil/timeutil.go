// Package timeutil provides a small clock abstraction so components that
// stamp state changes can be tested deterministically.
package timeutil

import "time"

// Provider supplies the current time.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by time.Now.
func Default() Provider { return realProvider{} }

//go:build !linux || !go1.23 || go1.27

package threadctl

import (
	"go.uber.org/zap"
)

// WorldStopper is unavailable on this platform or toolchain.
type WorldStopper struct{}

// NewWorldStopper always fails here.
func NewWorldStopper(*zap.Logger) (*WorldStopper, error) {
	return nil, ErrUnsupported
}

func (*WorldStopper) Freeze() (Frozen, error) {
	return nil, ErrUnsupported
}

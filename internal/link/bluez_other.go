//go:build !linux

package link

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// BlueZ is only available on Linux
type BlueZ struct{}

// NewBlueZ returns a transport that always fails to connect
func NewBlueZ(zerolog.Logger) *BlueZ {
	return &BlueZ{}
}

// Connect implements Transport
func (b *BlueZ) Connect(context.Context, string, func()) (Conn, error) {
	return nil, errors.New("bluetooth transport requires BlueZ on linux")
}

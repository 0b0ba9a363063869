package link

import (
	"fmt"
	"unicode/utf8"
)

// OversizePolicy decides what happens to payloads above the link limit
type OversizePolicy string

const (
	OversizeTruncate OversizePolicy = "truncate"
	OversizeReject   OversizePolicy = "reject"
)

// DefaultMaxPayload is the usable payload of the minimum ATT MTU (23 - 3)
const DefaultMaxPayload = 20

// attHeader is the ATT write header subtracted from the MTU
const attHeader = 3

// payloadLimit resolves the per-write byte limit
func payloadLimit(configured, mtu int) int {
	if configured > 0 {
		return configured
	}
	if mtu > attHeader {
		return mtu - attHeader
	}
	return DefaultMaxPayload
}

// fitPayload applies the oversize policy to p
func fitPayload(p []byte, limit int, policy OversizePolicy) ([]byte, error) {
	if limit <= 0 || len(p) <= limit {
		return p, nil
	}
	if policy == OversizeReject {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(p), limit)
	}

	// Cut on a rune boundary so the display never sees half a character
	cut := limit
	for cut > 0 && !utf8.RuneStart(p[cut]) {
		cut--
	}
	if cut == 0 {
		return nil, fmt.Errorf("%w: first character needs more than %d bytes", ErrPayloadTooLarge, limit)
	}
	return p[:cut], nil
}

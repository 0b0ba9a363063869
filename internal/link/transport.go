package link

import "context"

// Transport opens connections to BLE peripherals
type Transport interface {
	// Connect connects to address. onDisconnect is invoked at most once
	// when the established connection drops.
	Connect(ctx context.Context, address string, onDisconnect func()) (Conn, error)
}

// Conn is an established connection
type Conn interface {
	DiscoverService(ctx context.Context, uuid string) (Service, error)
	Disconnect() error
}

// Service is a discovered GATT service
type Service interface {
	DiscoverCharacteristic(ctx context.Context, uuid string) (Characteristic, error)
}

// Characteristic is a writable GATT characteristic
type Characteristic interface {
	Write(ctx context.Context, p []byte) error
	// MTU returns the negotiated ATT MTU
	MTU() (int, error)
}

//go:build linux

package link

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

// BlueZ is a Transport backed by the system BlueZ daemon
type BlueZ struct {
	adapter *bluetooth.Adapter
	logger  zerolog.Logger

	mu       sync.Mutex
	enabled  bool
	watchers map[string]func() // by upper-case MAC
}

// NewBlueZ returns a transport using the default adapter
func NewBlueZ(logger zerolog.Logger) *BlueZ {
	return &BlueZ{
		adapter:  bluetooth.DefaultAdapter,
		logger:   logger.With().Str("component", "bluez").Logger(),
		watchers: make(map[string]func()),
	}
}

func (b *BlueZ) enable() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.enabled {
		return nil
	}
	if err := b.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}
	b.adapter.SetConnectHandler(b.connectChanged)
	b.enabled = true
	return nil
}

func (b *BlueZ) connectChanged(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	key := strings.ToUpper(device.Address.String())

	b.mu.Lock()
	cb := b.watchers[key]
	delete(b.watchers, key)
	b.mu.Unlock()

	if cb != nil {
		b.logger.Debug().Str("address", key).Msg("Peripheral disconnected")
		cb()
	}
}

// Connect implements Transport
func (b *BlueZ) Connect(ctx context.Context, address string, onDisconnect func()) (Conn, error) {
	if err := b.enable(); err != nil {
		return nil, err
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(address))
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}
	key := strings.ToUpper(mac.String())

	dev, err := await(ctx, func() (bluetooth.Device, error) {
		return b.adapter.Connect(addr, bluetooth.ConnectionParams{})
	}, func(d bluetooth.Device) {
		// Connect finished after we gave up on it
		_ = d.Disconnect()
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.watchers[key] = onDisconnect
	b.mu.Unlock()

	return &bluezConn{transport: b, device: dev, key: key}, nil
}

func (b *BlueZ) unwatch(key string) {
	b.mu.Lock()
	delete(b.watchers, key)
	b.mu.Unlock()
}

type bluezConn struct {
	transport *BlueZ
	device    bluetooth.Device
	key       string
}

func (c *bluezConn) DiscoverService(ctx context.Context, uuid string) (Service, error) {
	u, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid service uuid %q: %w", uuid, err)
	}

	services, err := await(ctx, func() ([]bluetooth.DeviceService, error) {
		return c.device.DiscoverServices([]bluetooth.UUID{u})
	}, nil)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil || len(services) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrServiceNotFound, uuid, err)
	}
	return &bluezService{service: services[0]}, nil
}

func (c *bluezConn) Disconnect() error {
	c.transport.unwatch(c.key)
	return c.device.Disconnect()
}

type bluezService struct {
	service bluetooth.DeviceService
}

func (s *bluezService) DiscoverCharacteristic(ctx context.Context, uuid string) (Characteristic, error) {
	u, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic uuid %q: %w", uuid, err)
	}

	chars, err := await(ctx, func() ([]bluetooth.DeviceCharacteristic, error) {
		return s.service.DiscoverCharacteristics([]bluetooth.UUID{u})
	}, nil)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil || len(chars) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrCharacteristicNotFound, uuid, err)
	}
	return &bluezCharacteristic{char: chars[0]}, nil
}

type bluezCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *bluezCharacteristic) Write(ctx context.Context, p []byte) error {
	_, err := await(ctx, func() (int, error) {
		return c.char.WriteWithoutResponse(p)
	}, nil)
	return err
}

func (c *bluezCharacteristic) MTU() (int, error) {
	mtu, err := c.char.GetMTU()
	if err != nil {
		return 0, err
	}
	return int(mtu), nil
}

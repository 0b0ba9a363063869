package observer

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// SessionBus implements Bus over a godbus connection
type SessionBus struct {
	conn *dbus.Conn
}

// NewSessionBus wraps an open session bus connection
func NewSessionBus(conn *dbus.Conn) *SessionBus {
	return &SessionBus{conn: conn}
}

// ListNames returns every name currently owned on the bus
func (b *SessionBus) ListNames() ([]string, error) {
	var names []string
	if err := b.conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, err
	}
	return names, nil
}

// NameOwner resolves a well-known name to its unique connection name
func (b *SessionBus) NameOwner(name string) (string, error) {
	var owner string
	if err := b.conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner); err != nil {
		return "", err
	}
	return owner, nil
}

// Metadata reads the player's current Metadata property
func (b *SessionBus) Metadata(name string) (map[string]dbus.Variant, error) {
	return getProperty[map[string]dbus.Variant](b.conn, name, mprisPlayerInterface, "Metadata")
}

// Identity reads the player's Identity property
func (b *SessionBus) Identity(name string) (string, error) {
	return getProperty[string](b.conn, name, mprisRootInterface, "Identity")
}

// AddMatch registers a match rule with the bus daemon
func (b *SessionBus) AddMatch(rule string) error {
	return b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err
}

// RemoveMatch removes a match rule added by AddMatch
func (b *SessionBus) RemoveMatch(rule string) error {
	return b.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err
}

// Signals registers a buffered signal channel on the connection
func (b *SessionBus) Signals() (<-chan *dbus.Signal, func()) {
	ch := make(chan *dbus.Signal, 64)
	b.conn.Signal(ch)
	return ch, func() { b.conn.RemoveSignal(ch) }
}

// getProperty reads a property from an MPRIS object
func getProperty[T any](conn *dbus.Conn, dest, iface, property string) (T, error) {
	var zero T
	obj := conn.Object(dest, mprisPath)

	variant, err := obj.GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}

	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}

package observer

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/maskelog/esp32-music-info/internal/music"
)

const (
	notificationsInterface = "org.freedesktop.Notifications"

	// Pending Notify calls kept while waiting for their reply
	maxPendingCalls = 256
)

// monitorRules select the notification traffic on the session bus.
// Replies are needed to learn the id the server assigned to a Notify call.
var monitorRules = []string{
	"type='method_call',interface='org.freedesktop.Notifications',member='Notify'",
	"type='method_return'",
	"type='signal',interface='org.freedesktop.Notifications',member='NotificationClosed'",
}

// notifyCall is a decoded org.freedesktop.Notifications.Notify call
type notifyCall struct {
	sender       string
	serial       uint32
	appName      string
	replacesID   uint32
	summary      string
	body         string
	desktopEntry string
}

// notifyReturn is a method return that may answer a Notify call
type notifyReturn struct {
	destination string
	replySerial uint32
	id          uint32
}

// notifyClosed is a NotificationClosed signal
type notifyClosed struct {
	id uint32
}

type callKey struct {
	sender string
	serial uint32
}

// Notifications observes desktop notifications posted by music players.
// It monitors the session bus passively; no notification server is
// replaced.
type Notifications struct {
	filter *Filter
	logger zerolog.Logger

	// Owned by Run
	calls   map[callKey]notifyCall
	tracked map[uint32]string // notification id -> app name
}

// NewNotifications creates a notification observer
func NewNotifications(filter *Filter, logger zerolog.Logger) *Notifications {
	return &Notifications{
		filter:  filter,
		logger:  logger.With().Str("component", "notifications").Logger(),
		calls:   make(map[callKey]notifyCall),
		tracked: make(map[uint32]string),
	}
}

// Name implements Observer
func (n *Notifications) Name() string {
	return string(music.SourceNotification)
}

// Run implements Observer
func (n *Notifications) Run(ctx context.Context, out chan<- music.RawEvent) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("%w: session bus: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	call := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.Monitoring.BecomeMonitor", 0, monitorRules, uint32(0))
	if call.Err != nil {
		return fmt.Errorf("%w: become monitor: %v", ErrUnavailable, call.Err)
	}

	msgs := make(chan *dbus.Message, 64)
	conn.Eavesdrop(msgs)

	n.logger.Info().Msg("Listening for player notifications")
	return n.consume(ctx, msgs, out)
}

func (n *Notifications) consume(ctx context.Context, msgs <-chan *dbus.Message, out chan<- music.RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("%w: monitor connection closed", ErrUnavailable)
			}
			ev, emit := n.handle(decodeMessage(msg))
			if emit && !send(ctx, out, ev) {
				return ctx.Err()
			}
		}
	}
}

// handle updates id tracking and returns the event to emit, if any
func (n *Notifications) handle(m any) (music.RawEvent, bool) {
	switch m := m.(type) {
	case notifyCall:
		if !n.filter.AllowsNotification(m.appName, m.desktopEntry) {
			return music.RawEvent{}, false
		}
		if m.replacesID != 0 {
			n.tracked[m.replacesID] = m.appName
		}
		if len(n.calls) >= maxPendingCalls {
			// Replies we never saw; start over
			n.calls = make(map[callKey]notifyCall)
		}
		n.calls[callKey{m.sender, m.serial}] = m

		n.logger.Debug().
			Str("app", m.appName).
			Str("summary", m.summary).
			Msg("Player notification")

		return music.RawEvent{
			Source: music.SourceNotification,
			Player: m.appName,
			Title:  m.summary,
			Artist: m.body,
		}, true

	case notifyReturn:
		key := callKey{m.destination, m.replySerial}
		call, ok := n.calls[key]
		if !ok {
			return music.RawEvent{}, false
		}
		delete(n.calls, key)
		n.tracked[m.id] = call.appName

	case notifyClosed:
		app, ok := n.tracked[m.id]
		if !ok {
			return music.RawEvent{}, false
		}
		delete(n.tracked, m.id)
		n.logger.Debug().Str("app", app).Uint32("id", m.id).Msg("Player notification removed")
		return music.RawEvent{Source: music.SourceNotification, Player: app, Ended: true}, true
	}

	return music.RawEvent{}, false
}

// decodeMessage turns monitored bus traffic into notifyCall, notifyReturn
// or notifyClosed. Anything else decodes to nil.
func decodeMessage(msg *dbus.Message) any {
	if msg == nil {
		return nil
	}

	switch msg.Type {
	case dbus.TypeMethodCall:
		if headerString(msg, dbus.FieldInterface) != notificationsInterface ||
			headerString(msg, dbus.FieldMember) != "Notify" || len(msg.Body) < 5 {
			return nil
		}
		call := notifyCall{
			sender: headerString(msg, dbus.FieldSender),
			serial: msg.Serial(),
		}
		call.appName, _ = msg.Body[0].(string)
		call.replacesID, _ = msg.Body[1].(uint32)
		call.summary, _ = msg.Body[3].(string)
		call.body, _ = msg.Body[4].(string)
		if len(msg.Body) >= 7 {
			if hints, ok := msg.Body[6].(map[string]dbus.Variant); ok {
				call.desktopEntry, _ = hints["desktop-entry"].Value().(string)
			}
		}
		return call

	case dbus.TypeMethodReply:
		if len(msg.Body) != 1 {
			return nil
		}
		id, ok := msg.Body[0].(uint32)
		if !ok {
			return nil
		}
		serial, ok := msg.Headers[dbus.FieldReplySerial].Value().(uint32)
		if !ok {
			return nil
		}
		return notifyReturn{
			destination: headerString(msg, dbus.FieldDestination),
			replySerial: serial,
			id:          id,
		}

	case dbus.TypeSignal:
		if headerString(msg, dbus.FieldInterface) != notificationsInterface ||
			headerString(msg, dbus.FieldMember) != "NotificationClosed" || len(msg.Body) < 1 {
			return nil
		}
		id, ok := msg.Body[0].(uint32)
		if !ok {
			return nil
		}
		return notifyClosed{id: id}
	}

	return nil
}

func headerString(msg *dbus.Message, field dbus.HeaderField) string {
	v, ok := msg.Headers[field]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

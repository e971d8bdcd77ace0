package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vaultroom/vaultroom/globals"
)

const (
	subjectChanged  = "vaultroom.room.changed"
	subjectDeleted  = "vaultroom.room.deleted"
	subjectTopology = "vaultroom.room.topology"
	subjectAll      = "vaultroom.room.>"

	reconnectWait = 2 * time.Second
)

type natsPayload struct {
	RoomID string `json:"roomId"`
}

// NATSNotifier carries change events between gateway processes. Transient
// network drops are retried by the client library, which also re-establishes
// subscriptions on reconnect. A server-initiated close terminates the
// connection for good, so that path dials a fresh connection and manually
// resubscribes every handler.
type NATSNotifier struct {
	url string

	mu       sync.Mutex
	conn     *nats.Conn
	handlers []func(Event)
	subs     []*nats.Subscription
	closed   bool
}

func NewNATSNotifier(url string) (*NATSNotifier, error) {
	n := &NATSNotifier{url: url}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *NATSNotifier) connect() error {
	conn, err := nats.Connect(n.url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			globals.AppLogger.Warn("nats disconnected, automatic retry", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			globals.AppLogger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			n.onServerClose(c)
		}),
	)
	if err != nil {
		return fmt.Errorf("storage: nats connect: %w", err)
	}
	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	return nil
}

// onServerClose handles the connection having been torn down for good, e.g.
// the server told the client to go away. Resubscription is not automatic on
// this path.
func (n *NATSNotifier) onServerClose(c *nats.Conn) {
	n.mu.Lock()
	if n.closed || c != n.conn {
		n.mu.Unlock()
		return
	}
	handlers := append(([]func(Event))(nil), n.handlers...)
	n.handlers = nil
	n.subs = nil
	n.mu.Unlock()

	globals.AppLogger.Warn("nats connection closed by server, resubscribing manually", "error", c.LastError())
	for {
		if err := n.connect(); err != nil {
			globals.AppLogger.Error("nats redial failed", "error", err)
			time.Sleep(reconnectWait)
			continue
		}
		break
	}
	for _, fn := range handlers {
		if err := n.Subscribe(fn); err != nil {
			globals.AppLogger.Error("nats manual resubscribe failed", "error", err)
		}
	}
}

func (n *NATSNotifier) Publish(ev Event) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("storage: nats not connected")
	}
	data, err := json.Marshal(natsPayload{RoomID: ev.RoomID})
	if err != nil {
		return err
	}
	subject := subjectChanged
	switch ev.Type {
	case KeyDeleted:
		subject = subjectDeleted
	case TopologyChanged:
		subject = subjectTopology
	}
	return conn.Publish(subject, data)
}

func (n *NATSNotifier) Subscribe(fn func(Event)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return fmt.Errorf("storage: nats not connected")
	}
	sub, err := n.conn.Subscribe(subjectAll, func(msg *nats.Msg) {
		var payload natsPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			globals.AppLogger.Error("could not decode nats payload", "subject", msg.Subject, "error", err)
			return
		}
		ev := Event{Type: ContentChanged, RoomID: payload.RoomID}
		switch msg.Subject {
		case subjectDeleted:
			ev.Type = KeyDeleted
		case subjectTopology:
			ev.Type = TopologyChanged
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("storage: nats subscribe: %w", err)
	}
	n.handlers = append(n.handlers, fn)
	n.subs = append(n.subs, sub)
	return nil
}

func (n *NATSNotifier) Close() error {
	n.mu.Lock()
	n.closed = true
	conn := n.conn
	n.conn = nil
	n.mu.Unlock()
	if conn != nil {
		conn.Drain()
	}
	return nil
}

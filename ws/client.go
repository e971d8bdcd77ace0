package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/vaultroom/vaultroom/globals"
	"github.com/vaultroom/vaultroom/session"
	"github.com/vaultroom/vaultroom/types"
)

const sendChannelSize = 256

// Client is a middleman between the websocket connection and the hub. A
// client is created only after its session credential verified, so claims is
// always populated.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	claims *session.Claims
	token  string

	// member identity, assigned on join; guarded by the hub lock
	member *types.Member
	roomID string

	doneChan chan struct{}

	// WaitGroup which keeps track of running read/write loops and write
	// access to Send. If the WaitGroup is done, it is safe to close all
	// channels.
	sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, claims *session.Claims, token string, doneChan chan struct{}) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		claims:   claims,
		token:    token,
		doneChan: doneChan,
	}
}

// CloseAfterSend lets the write loop flush what is queued and then drops the
// transport. Used when the room a connection belongs to was deleted.
func (c *Client) CloseAfterSend() {
	go func() {
		deadline := time.Now().Add(writeWait)
		for len(c.Send) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		c.conn.Close()
	}()
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
		c.Done()
	}()
	c.conn.SetReadLimit(int64(c.hub.Cfg.LimitsConfig.MaxMessageBytes + readLimitSlack))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				globals.AppLogger.Debug("ws closed unexpectedly", "error", err)
			}
			return
		}

		envelope := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			globals.AppLogger.Warn("could not unmarshal ws message", "error", err)
			continue
		}

		switch envelope.Event {
		case types.WireEventJoinRoom:
			payload := types.JoinRoomPayload{}
			if err := c.decodePayload(envelope.Data, &payload); err != nil {
				continue
			}
			userName := payload.UserName
			if userName == "" {
				userName = c.claims.UserName
			}
			c.hub.Enqueue("joinRoom", func() error { return c.hub.joinRoom(c, userName) })

		case types.WireEventLeaveRoom:
			c.hub.Enqueue("leaveRoom", func() error {
				c.hub.removeFromRoom(c)
				return nil
			})

		case types.WireEventMessage:
			payload := types.MessagePayload{}
			if err := c.decodePayload(envelope.Data, &payload); err != nil {
				continue
			}
			if payload.EncryptedBody == "" {
				globals.AppLogger.Warn("message without body, ignored")
				continue
			}
			// oversize is rejected here, before any state is touched;
			// the sender stays connected and retries client-side
			if len(payload.EncryptedBody) > c.hub.Cfg.LimitsConfig.MaxMessageBytes {
				globals.AppLogger.Warn("oversize message rejected", "size", len(payload.EncryptedBody))
				c.hub.metrics.RecordOversize()
				continue
			}
			c.hub.Enqueue("postMessage", func() error { return c.hub.postMessage(c, payload) })

		default:
			globals.AppLogger.Warn("unknown ws event", "event", envelope.Event)
		}
	}
}

func (c *Client) decodePayload(raw json.RawMessage, out interface{}) error {
	payloadMap := make(map[string]interface{})
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payloadMap); err != nil {
			globals.AppLogger.Warn("could not unmarshal payload", "error", err)
			return err
		}
	}
	if err := mapstructure.WeakDecode(payloadMap, out); err != nil {
		globals.AppLogger.Warn("could not decode payload", "error", err)
		return err
	}
	return nil
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Done()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}

package types

import "encoding/json"

// Client -> server events.
const (
	WireEventJoinRoom  = "joinRoom"
	WireEventLeaveRoom = "leaveRoom"
	WireEventMessage   = "message"
)

// Server -> client events.
const (
	WireEventCurrentUser  = "getCurrentUser"
	WireEventRoomStatus   = "getRoomStatus"
	WireEventRoomUsers    = "getRoomUsers"
	WireEventUserJoined   = "newUserJoinedToRoom"
	WireEventUsersUpdated = "usersUpdatedInRoom"
	WireEventMessages     = "messages"
	WireEventDeleteRoom   = "deleteRoom"
)

// WebsocketMessage is the envelope actually sent over the websocket
// connection, JSON-serialized as {"event": ..., "data": ...}.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWireMessage marshals data into a WebsocketMessage envelope.
func NewWireMessage(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: raw})
}

// JoinRoomPayload is sent by a client requesting to join its room.
type JoinRoomPayload struct {
	UserName string `json:"userName" mapstructure:"userName"`
}

// MessagePayload carries an already-encrypted message body plus the client's
// idempotency token.
type MessagePayload struct {
	EncryptedBody string `json:"encryptedBody" mapstructure:"encryptedBody"`
	ClientId      string `json:"clientId" mapstructure:"clientId"`
}

// RoomStatusPayload describes the room to a freshly joined client.
type RoomStatusPayload struct {
	RoomId        string `json:"roomId"`
	EncryptedName string `json:"encryptedName,omitempty"`
	MessageCount  int    `json:"messageCount"`
	MemberCount   int    `json:"memberCount"`
}

// LeaveRoomPayload lists the members that left, broadcast to the remaining
// occupants.
type LeaveRoomPayload struct {
	MemberIds []string `json:"memberIds"`
}

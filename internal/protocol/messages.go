// Package protocol defines the WebSocket frames exchanged between chat
// clients and the server. All frames are JSON objects with a "type"
// discriminator. Every client request is answered by a "gn_<type>" response
// carrying an HTTP-style status code; activities pushed by the server use
// the event name as their type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeMessage     = "message"
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeCreate      = "create"
	TypeKick        = "kick"
	TypeReceived    = "received"
	TypeDelete      = "delete"
	TypeHistory     = "history"
	TypeSetACL      = "set_acl"
	TypeGetACL      = "get_acl"
	TypeListRooms   = "list_rooms"
	TypeUsersInRoom = "users_in_room"
	TypeStatus      = "status"
	TypePing        = "ping"
)

// Server -> Client message types. Responses use ResponseType.
const (
	TypeConnected   = "gn_connect"
	TypeUnacked     = "unacked"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// Status codes carried by responses.
const (
	StatusOK           = 200
	StatusBadRequest   = 400
	StatusForbidden    = 403
	StatusNotFound     = 404
	StatusServerError  = 500
	StatusRateLimited  = 429
	StatusUnauthorized = 401
)

// ResponseType returns the response frame type for a request type.
func ResponseType(requestType string) string {
	return "gn_" + requestType
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatMsg sends text into a room. FromRoom is set when the client posts
// from one room into another.
type ChatMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	Text     string `json:"text"`
	FromRoom string `json:"from_room,omitempty"`
}

// JoinMsg and LeaveMsg change room membership.
type JoinMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type LeaveMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// CreateMsg creates a room in a channel.
type CreateMsg struct {
	Type      string   `json:"type"`
	ChannelID string   `json:"channel_id"`
	RoomName  string   `json:"room_name"`
	Private   bool     `json:"private"`
	Owners    []string `json:"owners,omitempty"`
}

// KickMsg removes a user from a room.
type KickMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// ReceivedMsg acknowledges delivery of private-room messages.
type ReceivedMsg struct {
	Type       string   `json:"type"`
	RoomID     string   `json:"room_id"`
	MessageIDs []string `json:"message_ids"`
}

// DeleteMsg removes a message from a room's history.
type DeleteMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// HistoryMsg requests the history of a room.
type HistoryMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SetACLMsg replaces the rules of one action on a room or channel.
type SetACLMsg struct {
	Type   string            `json:"type"`
	Target string            `json:"target"` // room | channel
	ID     string            `json:"id"`
	Action string            `json:"action"`
	Rules  map[string]string `json:"rules"`
}

// GetACLMsg lists the rules of a room or channel.
type GetACLMsg struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	ID     string `json:"id"`
}

// ListRoomsMsg lists the rooms of a channel.
type ListRoomsMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// UsersInRoomMsg lists the members of a room.
type UsersInRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// StatusMsg changes the sender's presence: online, offline or invisible.
type StatusMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection is registered.
type ConnectedMsg struct {
	Type       string `json:"type"`
	StatusCode int    `json:"status_code"`
	UserID     string `json:"user_id"`
}

// UnackedMsg lists, per room, private messages the user has not
// acknowledged yet. It is sent after gn_connect.
type UnackedMsg struct {
	Type  string              `json:"type"`
	Rooms map[string][]string `json:"rooms"`
}

// ResponseMsg answers a client request. Data is set on success and Error on
// failure.
type ResponseMsg struct {
	Type       string      `json:"type"`
	StatusCode int         `json:"status_code"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case TypeMessage:
		msg = &ChatMsg{}
	case TypeJoin:
		msg = &JoinMsg{}
	case TypeLeave:
		msg = &LeaveMsg{}
	case TypeCreate:
		msg = &CreateMsg{}
	case TypeKick:
		msg = &KickMsg{}
	case TypeReceived:
		msg = &ReceivedMsg{}
	case TypeDelete:
		msg = &DeleteMsg{}
	case TypeHistory:
		msg = &HistoryMsg{}
	case TypeSetACL:
		msg = &SetACLMsg{}
	case TypeGetACL:
		msg = &GetACLMsg{}
	case TypeListRooms:
		msg = &ListRoomsMsg{}
	case TypeUsersInRoom:
		msg = &UsersInRoomMsg{}
	case TypeStatus:
		msg = &StatusMsg{}
	case TypePing:
		msg = &PingMsg{}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key, overriding
// whatever the payload carried there.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewResponse builds the gn_<requestType> answer to a client request.
func NewResponse(requestType string, statusCode int, data interface{}, errText string) ([]byte, error) {
	return NewServerMessage(ResponseType(requestType), ResponseMsg{
		StatusCode: statusCode,
		Data:       data,
		Error:      errText,
	})
}

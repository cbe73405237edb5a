package ws

import (
	"context"
	"log"
	"time"

	"github.com/gridchat/chat-server/internal/protocol"
	"github.com/gridchat/chat-server/internal/ratelimit"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the pointer returned by protocol.ParseClientMessage
// (e.g., *protocol.ChatMsg, *protocol.JoinMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally, throttles chat messages per user and sends structured error
// responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	limiter  Limiter
}

// NewMessageDispatcher creates a MessageDispatcher. limiter may be nil.
func NewMessageDispatcher(limiter Limiter) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		limiter:  limiter,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error user=%s conn=%s: %v", conn.UserID, conn.ID, err)
		sendError(conn, "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler, answered without registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	if msgType == protocol.TypeMessage && !d.allow(conn) {
		return
	}

	handler(conn, msg)
}

// allow applies the per-user message rate limit. Limiter errors fail open.
func (d *MessageDispatcher) allow(conn *Connection) bool {
	if d.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, _ := d.limiter.Allow(ctx, conn.UserID, ratelimit.RuleMessage)
	if ok {
		return true
	}
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(ratelimit.RuleMessage.Window.Seconds()),
	})
	if err == nil {
		_ = conn.WriteMessage(data)
	}
	log.Printf("ws: rate limited user=%s conn=%s", conn.UserID, conn.ID)
	return false
}

// Respond sends the gn_<requestType> response to a client request.
func Respond(conn *Connection, requestType string, statusCode int, data interface{}, errText string) {
	msg, err := protocol.NewResponse(requestType, statusCode, data, errText)
	if err != nil {
		log.Printf("ws: failed to build %s response conn=%s: %v", requestType, conn.ID, err)
		return
	}
	if err := conn.WriteMessage(msg); err != nil {
		log.Printf("ws: failed to send %s response conn=%s: %v", requestType, conn.ID, err)
	}
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong answers an application-level ping.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}

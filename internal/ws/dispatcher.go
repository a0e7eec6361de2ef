package ws

import (
	"errors"
	"log"
	"time"

	"github.com/kindred/chat-app/internal/protocol"
)

// FrameHandler is the callback signature for handling a parsed client frame.
// The payload parameter is the concrete struct returned by
// protocol.ParseClientFrame (e.g., protocol.SendMessagePayload).
type FrameHandler func(conn *Connection, payload interface{})

// Dispatcher routes incoming WebSocket frames to registered handlers based
// on the frame type. The ping/pong keepalive is handled internally — it only
// touches the connection itself, never coordinator state, so it can run on
// the read worker without entering the hub. Malformed or unsupported frames
// get a structured error response.
type Dispatcher struct {
	handlers map[string]FrameHandler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]FrameHandler)}
}

// Register associates a FrameHandler with a frame type. A handler already
// registered for the type is silently replaced.
func (d *Dispatcher) Register(frameType string, handler FrameHandler) {
	d.handlers[frameType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed payload, answers pings directly, and routes everything else to
// the registered handler.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	frameType, payload, err := protocol.ParseClientFrame(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("ws: unsupported frame type=%q conn=%s user=%s", frameType, conn.ID, conn.User)
			d.sendError(conn, protocol.CodeUnsupportedType, "unsupported frame type")
			return
		}
		log.Printf("ws: dispatch parse error conn=%s user=%s: %v", conn.ID, conn.User, err)
		d.sendError(conn, protocol.CodeParseError, "invalid frame format")
		return
	}

	if frameType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[frameType]
	if !ok {
		log.Printf("ws: unsupported frame type=%q conn=%s user=%s", frameType, conn.ID, conn.User)
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported frame type")
		return
	}

	handler(conn, payload)
}

// sendError sends a structured error frame back to the client. Errors during
// construction or transmission are logged but not propagated.
func (d *Dispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewFrame(protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error frame conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteFrame(data); err != nil {
		log.Printf("ws: failed to send error frame conn=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client ping and refreshes the connection's LastPing so
// the heartbeat monitor keeps it alive.
func (d *Dispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewFrame(protocol.TypePong, protocol.PongPayload{})
	if err != nil {
		log.Printf("ws: failed to build pong frame conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteFrame(data); err != nil {
		log.Printf("ws: failed to send pong frame conn=%s: %v", conn.ID, err)
	}
}

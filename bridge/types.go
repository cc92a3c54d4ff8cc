// This file contains type definitions for the bridge package including stream
// event structures, decoded message helpers, configuration options, and the
// JSON-RPC shapes sent to the submission endpoint.
package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Stream event names recognised by the receive loop.
const (
	eventEndpoint = "endpoint"
	eventMessage  = "message"
	eventProgress = "progress"
	eventError    = "error"
)

const methodToolsCall = "tools/call"

// StreamEvent is a single named event read from the push stream.
// Data holds the raw, undecoded event body.
type StreamEvent struct {
	Name string `json:"event"`
	Data string `json:"data"`
}

// ToolMessage is the decoded JSON body of a message or progress event.
type ToolMessage map[string]interface{}

// RequestID returns the correlation identifier carried by the message.
// JSON-RPC allows string or numeric identifiers; numeric identifiers are
// normalised to their decimal string form. Returns "" when the message
// carries no identifier.
func (m ToolMessage) RequestID() string {
	switch id := m["id"].(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

// RPCError returns the remote-reported error carried by the message, or nil
// if the message does not contain an "error" member.
func (m ToolMessage) RPCError() *Error {
	raw, ok := m["error"].(map[string]interface{})
	if !ok {
		return nil
	}
	e := &Error{
		RequestID: m.RequestID(),
		Message:   "remote error",
	}
	if msg, ok := raw["message"].(string); ok && msg != "" {
		e.Message = msg
	}
	if code, ok := raw["code"].(float64); ok {
		e.Code = int(code)
	}
	return e
}

// Result returns the payload a waiter should observe: the "result" member
// when it is a JSON object, otherwise the whole message. Progress-style
// notifications typically have no "result" member, so the full payload is
// surfaced instead.
func (m ToolMessage) Result() ToolMessage {
	if result, ok := m["result"].(map[string]interface{}); ok {
		return ToolMessage(result)
	}
	return m
}

// EventHandler consumes every stream message correlated with a subscribed
// request identifier, in arrival order.
type EventHandler func(msg ToolMessage)

// rpcRequest is the JSON-RPC 2.0 envelope POSTed to the submission endpoint.
type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Config configures a Transport instance.
type Config struct {
	// StreamURL is the long-lived GET endpoint delivering server-push events.
	StreamURL string

	// PostURL is the fallback submission URL, used until (or without) the
	// endpoint handshake. Servers that never announce an endpoint are driven
	// entirely through this URL.
	PostURL string

	// RequestTimeout bounds each HTTP submission. It does not bound the
	// stream connection, which stays open until Disconnect.
	RequestTimeout time.Duration

	// DisconnectWait bounds how long Disconnect waits for the receive loop
	// to exit before resetting state anyway.
	DisconnectWait time.Duration

	// EventBuffer is the per-subscription channel buffer. In-order delivery
	// of every event holds only while a subscriber stays within this buffer:
	// once it falls more than EventBuffer events behind, further events are
	// dropped for it rather than blocking the receive loop.
	EventBuffer int

	// HTTPClient performs both the streaming GET and the submissions. It
	// must not carry a global Timeout or the stream would be cut short.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// DefaultConfig returns sensible default configuration. StreamURL and
// PostURL must still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 30 * time.Second,
		DisconnectWait: 2 * time.Second,
		EventBuffer:    100,
	}
}

// This file contains the HTTP handlers: the stream route performing the
// endpoint handshake and forwarding bus envelopes to the client, and the
// submission route ingesting JSON-RPC requests and running tools in the
// background.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

var errServerRunning = errors.New("toolserver: server is already running")

// JSON-RPC error codes published for failed invocations.
const (
	codeMethodNotFound = -32601
	codeInternalError  = -32603
	codeToolError      = -32000
)

// envelope is the bus payload: the stream event name plus the raw body to
// write on the client's stream.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

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

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolContext carries one invocation's arguments and lets the handler emit
// progress events back to the caller's stream mid-run.
type ToolContext struct {
	RequestID string
	Args      map[string]interface{}

	ctx     context.Context
	publish func(event string, data []byte) error
}

// Context returns the invocation context, cancelled when the server stops.
func (tc *ToolContext) Context() context.Context {
	return tc.ctx
}

// Progress publishes a progress event correlated with this invocation. The
// payload travels as the whole event body next to the request identifier.
func (tc *ToolContext) Progress(payload interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"id":       tc.RequestID,
		"progress": payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode progress payload: %w", err)
	}
	return tc.publish("progress", body)
}

// handleStream serves the long-lived push stream: it registers a session,
// announces the submission endpoint, then forwards every envelope published
// to the session's topic until the client goes away or the server stops.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := uuid.NewString()
	sess, err := newSession(w, id, s.config.KeepAliveInterval, s.logger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.registerSession(sess)
	defer s.unregisterSession(id)

	topic := sessionTopic(id)
	if err := s.bus.Subscribe(topic, func(_ string, data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("dropping malformed bus envelope", "sessionId", id, "error", err)
			return
		}
		if err := sess.sendEvent(env.Event, env.Data); err != nil {
			s.logger.Debug("failed to forward event", "sessionId", id, "error", err)
		}
	}); err != nil {
		s.logger.Warn("failed to subscribe session topic", "sessionId", id, "error", err)
		return
	}
	defer s.bus.Unsubscribe(topic)

	handshake := fmt.Sprintf("%s?sessionId=%s", s.config.MessagePath, id)
	if err := sess.sendEvent("endpoint", []byte(handshake)); err != nil {
		return
	}
	s.logger.Debug("session opened", "sessionId", id)

	go sess.runKeepAlive()

	select {
	case <-r.Context().Done():
	case <-sess.closed():
	case <-s.ctx.Done():
	}
	sess.close()
}

// handleMessage ingests one JSON-RPC submission. A well-formed request is
// acknowledged with 202 Accepted and an empty body; the result is published
// to the session's stream once the tool finishes.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID != "" && s.lookupSession(sessionID) == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if sessionID == "" {
		// Fallback submissions carry no session. With exactly one session
		// connected the intent is unambiguous; route it there.
		s.sessionsMu.RLock()
		if len(s.sessions) == 1 {
			for id := range s.sessions {
				sessionID = id
			}
		}
		s.sessionsMu.RUnlock()
		if sessionID == "" {
			http.Error(w, "sessionId is required", http.StatusBadRequest)
			return
		}
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON-RPC request", http.StatusBadRequest)
		return
	}
	if req.Method != "tools/call" {
		http.Error(w, fmt.Sprintf("unsupported method %q", req.Method), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	go s.runTool(sessionID, req)
}

// runTool executes one invocation and publishes its result or error to the
// session's stream. Panics are converted to internal JSON-RPC errors so a
// misbehaving tool cannot take the server down.
func (s *Server) runTool(sessionID string, req rpcRequest) {
	topic := sessionTopic(sessionID)

	publish := func(event string, data []byte) error {
		env, err := json.Marshal(envelope{Event: event, Data: data})
		if err != nil {
			return err
		}
		return s.bus.Publish(topic, env)
	}

	respond := func(resp rpcResponse) {
		body, err := json.Marshal(resp)
		if err != nil {
			s.logger.Warn("failed to encode response", "requestId", req.ID, "error", err)
			return
		}
		if err := publish("message", body); err != nil {
			s.logger.Warn("failed to publish response", "requestId", req.ID, "error", err)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Warn("tool panicked", "tool", req.Params.Name, "panic", rec)
			respond(rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: codeInternalError, Message: fmt.Sprintf("tool %q panicked", req.Params.Name)},
			})
		}
	}()

	s.toolsMu.RLock()
	handler := s.tools[req.Params.Name]
	s.toolsMu.RUnlock()

	if handler == nil {
		respond(rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("tool %q not found", req.Params.Name)},
		})
		return
	}

	tc := &ToolContext{
		RequestID: req.ID,
		Args:      req.Params.Arguments,
		ctx:       s.ctx,
		publish:   publish,
	}

	result, err := handler(tc)
	if err != nil {
		respond(rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeToolError, Message: err.Error()},
		})
		return
	}

	respond(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

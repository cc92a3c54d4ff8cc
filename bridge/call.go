// This file contains the synchronous and asynchronous call facades and the
// subscription/cancellation surface.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// CallTool submits a tools/call request and blocks until the correlated
// stream event arrives or timeout elapses. The submission response carries no
// payload; the result only ever arrives on the stream.
//
// Callers are expected to have confirmed readiness (IsReady or
// WaitUntilReady) first; an unready transport submits to the fallback URL
// without waiting. A remote-reported error, a timeout, and a disconnection
// while waiting are all surfaced as *Error.
func (t *Transport) CallTool(name string, args map[string]interface{}, timeout time.Duration) (ToolMessage, error) {
	if timeout <= 0 {
		timeout = t.config.RequestTimeout
	}

	requestID := uuid.NewString()

	// Register before submitting so an event racing the submission response
	// still finds its waiter.
	call := t.calls.register(requestID)
	defer t.calls.expire(requestID)

	status, err := t.submit(requestID, name, args)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		return call.result, nil
	case <-timer.C:
		return nil, timeoutError(requestID, timeout, status)
	}
}

// CallToolAsync submits a tools/call request and returns the request
// identifier immediately without waiting for any response. An empty
// requestID is replaced by a generated one. Register a subscription for the
// identifier (Subscribe, or use CallToolWithHandler) to receive results.
func (t *Transport) CallToolAsync(name string, args map[string]interface{}, requestID string) (string, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if _, err := t.submit(requestID, name, args); err != nil {
		return "", err
	}
	return requestID, nil
}

// CallToolWithHandler registers handler for a generated request identifier
// and then submits the request, so no event can slip through before the
// subscription exists. The subscription stays registered until Unsubscribe.
func (t *Transport) CallToolWithHandler(name string, args map[string]interface{}, handler EventHandler) (string, error) {
	requestID := uuid.NewString()
	t.calls.subscribe(requestID, handler)
	if _, err := t.submit(requestID, name, args); err != nil {
		t.calls.unsubscribe(requestID)
		return "", err
	}
	return requestID, nil
}

// Subscribe registers (or overwrites) a handler receiving every stream
// message whose identifier matches requestID, in arrival order. Handlers run
// on their own goroutine, never on the receive loop. Subscriptions survive
// disconnects; the caller decides whether to keep listening across
// reconnects.
func (t *Transport) Subscribe(requestID string, handler EventHandler) {
	t.calls.subscribe(requestID, handler)
}

// Unsubscribe removes the handler for requestID. Idempotent if absent.
func (t *Transport) Unsubscribe(requestID string) {
	t.calls.unsubscribe(requestID)
}

// Cancel suppresses further local delivery for requestID. This is advisory:
// it does not notify the remote side, and an event already mid-dispatch may
// still be delivered.
func (t *Transport) Cancel(requestID string) {
	t.calls.cancel(requestID)
}

// submit POSTs one JSON-RPC request to the resolved endpoint (or the
// fallback URL) and returns the HTTP status line of the submission response.
// An accepted submission has no meaningful body.
func (t *Transport) submit(requestID, name string, args map[string]interface{}) (string, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      requestID,
		Method:  methodToolsCall,
		Params:  rpcParams{Name: name, Arguments: args},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", internal(requestID, fmt.Sprintf("failed to encode request: %v", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.submissionURL(), bytes.NewReader(body))
	if err != nil {
		return "", wrapF(err, "failed to build request %s", requestID)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", wrapF(err, "failed to submit request %s", requestID)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		rejection := badRequest(requestID, fmt.Sprintf("submission rejected with status %s", resp.Status))
		if resp.StatusCode == http.StatusNotFound {
			// An unknown session or endpoint is distinguishable from a
			// malformed request.
			rejection.Code = StatusNotFound
		}
		return resp.Status, rejection
	}
	return resp.Status, nil
}

func timeoutError(requestID string, d time.Duration, status string) *Error {
	msg := fmt.Sprintf("no result within %s", d)
	if status != "" {
		msg = fmt.Sprintf("%s (submission status: %s)", msg, status)
	}
	return timeout(requestID, msg)
}

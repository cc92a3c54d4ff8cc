// Package bridge implements a client-side transport for invoking remote tools
// over JSON-RPC while receiving results asynchronously over a server-push
// event stream.
//
// A Transport owns exactly one stream connection. The server announces the
// submission endpoint through a handshake event at stream start; requests are
// POSTed there (or to a caller-configured fallback) and their results arrive
// only on the stream, correlated by request identifier. Callers may block for
// a result (CallTool) or subscribe to every matching event (CallToolAsync
// plus Subscribe).
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Transport is the bridge between callers and one remote tool server. All
// methods are safe for concurrent use.
type Transport struct {
	config     *Config
	httpClient *http.Client
	streamURL  *url.URL
	logger     *slog.Logger

	mu         sync.RWMutex
	connected  bool
	ready      bool
	endpoint   *url.URL
	lastEvent  *StreamEvent
	loopActive bool
	loopGen    uint64
	cancelLoop func()
	loopDone   chan struct{}

	calls *correlator
}

// NewTransport creates a transport reading events from streamURL and
// submitting requests to the handshake-announced endpoint, falling back to
// postURL until one is announced.
func NewTransport(streamURL, postURL string) (*Transport, error) {
	config := DefaultConfig()
	config.StreamURL = streamURL
	config.PostURL = postURL
	return NewTransportWithConfig(config)
}

// NewTransportWithConfig creates a transport with custom configuration.
func NewTransportWithConfig(config *Config) (*Transport, error) {
	if config == nil {
		return nil, badRequest("", "config is required")
	}
	cfgCopy := *config
	config = &cfgCopy

	parsed, err := url.Parse(config.StreamURL)
	if err != nil {
		return nil, wrapF(err, "invalid stream URL %q", config.StreamURL)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return nil, badRequest("", fmt.Sprintf("unsupported stream URL scheme: %q", parsed.Scheme))
	}

	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.DisconnectWait <= 0 {
		config.DisconnectWait = 2 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		// No global Timeout: it would sever the long-lived stream read.
		httpClient = &http.Client{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		config:     config,
		httpClient: httpClient,
		streamURL:  parsed,
		logger:     logger,
		calls:      newCorrelator(config.EventBuffer, logger),
	}, nil
}

// Connect starts the background receive loop against the stream URL. Calling
// Connect while a loop is already running is a no-op. The returned error only
// reflects loop startup; whether the stream actually opened is observed
// through IsConnected and LastEvent, and readiness through IsReady.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected || t.loopActive {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.loopGen++
	t.loopActive = true
	t.ready = false
	t.endpoint = nil
	t.cancelLoop = cancel
	t.loopDone = done

	go t.receiveLoop(ctx, done, t.loopGen)

	return nil
}

// Disconnect signals the receive loop to stop, waits (bounded) for it to
// exit, and resets connection state. Every pending synchronous call is
// released with a disconnection error. Calling Disconnect on an idle
// transport is harmless; Connect may be called again afterwards.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	cancel := t.cancelLoop
	done := t.loopDone
	gen := t.loopGen
	t.cancelLoop = nil
	t.loopDone = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(t.config.DisconnectWait):
			t.logger.Warn("receive loop did not exit in time")
		}
	}

	t.teardown(gen)
}

// IsConnected reports whether the stream socket is open and being read.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// IsReady reports whether the endpoint handshake has completed and requests
// can be submitted to the announced URL.
func (t *Transport) IsReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready && t.endpoint != nil
}

// WaitUntilReady polls IsReady up to tries times, sleeping interval between
// attempts. Non-positive arguments fall back to 20 tries of 150ms. Returns
// false if the handshake never completed within the attempt budget.
func (t *Transport) WaitUntilReady(tries int, interval time.Duration) bool {
	if tries <= 0 {
		tries = 20
	}
	if interval <= 0 {
		interval = 150 * time.Millisecond
	}
	for i := 0; i < tries; i++ {
		if t.IsReady() {
			return true
		}
		time.Sleep(interval)
	}
	return t.IsReady()
}

// LastEvent returns a copy of the most recent raw stream event, for
// diagnostics. Returns nil if no event has been received.
func (t *Transport) LastEvent() *StreamEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastEvent == nil {
		return nil
	}
	ev := *t.lastEvent
	return &ev
}

// receiveLoop opens the stream and routes events until the stream ends, a
// read fails, or stop is signalled. Loop exit always tears the connection
// down, releasing every pending synchronous call.
func (t *Transport) receiveLoop(ctx context.Context, done chan struct{}, gen uint64) {
	defer close(done)
	defer t.teardown(gen)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.streamURL.String(), nil)
	if err != nil {
		t.recordFailure(err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.recordFailure(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.recordFailure(fmt.Errorf("stream request returned status %s", resp.Status))
		return
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	reader := newEventReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Debug("stream read ended", "error", err)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		t.handleEvent(ev)
	}
}

// handleEvent classifies one stream event, records it as the last event, and
// routes it: the handshake to the endpoint resolver, messages and progress to
// the correlator. Other event names are retained for diagnostics only.
func (t *Transport) handleEvent(ev StreamEvent) {
	t.mu.Lock()
	t.lastEvent = &StreamEvent{Name: ev.Name, Data: ev.Data}
	t.mu.Unlock()

	switch ev.Name {
	case eventEndpoint:
		t.resolveEndpoint(strings.TrimSpace(ev.Data))
	case eventMessage, eventProgress:
		t.calls.dispatch([]byte(ev.Data))
	}
}

// resolveEndpoint combines the stream URL's origin with the announced path
// and flips readiness. The announced path is expected to be absolute on the
// stream's own origin but any valid reference resolves.
func (t *Transport) resolveEndpoint(path string) {
	ref, err := url.Parse(path)
	if err != nil {
		t.logger.Warn("ignoring unparseable endpoint path", "path", path, "error", err)
		return
	}
	resolved := t.streamURL.ResolveReference(ref)

	// Stringify before publishing: once resolved is stored it is shared with
	// readers and must not be touched outside the lock.
	endpoint := resolved.String()

	t.mu.Lock()
	t.endpoint = resolved
	t.ready = true
	t.mu.Unlock()

	t.logger.Debug("submission endpoint resolved", "url", endpoint)
}

// teardown resets connection state and releases all pending synchronous
// calls. It runs on explicit Disconnect and on every receive loop exit, and
// is safe to run more than once. A teardown carrying a stale generation is
// ignored: a Connect racing a Disconnect may have already started a fresh
// loop, whose state must not be reset by the old loop's exit.
func (t *Transport) teardown(gen uint64) {
	t.mu.Lock()
	if gen != t.loopGen {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.ready = false
	t.endpoint = nil
	t.loopActive = false
	t.mu.Unlock()

	t.calls.failAll(unavailable("", "stream disconnected"))
}

// recordFailure surfaces a stream open/read failure through the last-event
// diagnostic, mirroring how received events are retained.
func (t *Transport) recordFailure(err error) {
	t.logger.Warn("stream connection failed", "error", err)
	t.mu.Lock()
	t.lastEvent = &StreamEvent{Name: eventError, Data: err.Error()}
	t.mu.Unlock()
}

// submissionURL returns the handshake-resolved endpoint when ready, otherwise
// the configured fallback URL.
func (t *Transport) submissionURL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.endpoint != nil {
		return t.endpoint.String()
	}
	return t.config.PostURL
}

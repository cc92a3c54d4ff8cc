// This file contains the per-connection stream session: it writes named
// text events to the client, starting with the endpoint handshake, and keeps
// the connection alive with comment lines.
package toolserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

type session struct {
	id        string
	writer    http.ResponseWriter
	flusher   http.Flusher
	logger    *slog.Logger
	keepAlive time.Duration

	mu        sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
}

func newSession(w http.ResponseWriter, id string, keepAlive time.Duration, logger *slog.Logger) (*session, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	s := &session{
		id:        id,
		writer:    w,
		flusher:   flusher,
		logger:    logger,
		keepAlive: keepAlive,
		closeChan: make(chan struct{}),
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return s, nil
}

// sendEvent writes one named event. Multi-line bodies are split across data
// lines per the wire format.
func (s *session) sendEvent(name string, data []byte) error {
	if !s.isActive() {
		return fmt.Errorf("session %s is closed", s.id)
	}

	var b strings.Builder
	if name != "" {
		b.WriteString("event: ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closeChan:
		return fmt.Errorf("session %s is closed", s.id)
	default:
	}

	if _, err := s.writer.Write([]byte(b.String())); err != nil {
		go s.close()
		return fmt.Errorf("failed to write event to session %s: %w", s.id, err)
	}
	s.flusher.Flush()
	return nil
}

// runKeepAlive writes comment lines on an interval until the session closes.
// A write failure closes the session, letting the handler unwind.
func (s *session) runKeepAlive() {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			_, err := s.writer.Write([]byte(": keepalive\n\n"))
			if err != nil {
				s.mu.Unlock()
				s.close()
				return
			}
			s.flusher.Flush()
			s.mu.Unlock()
		case <-s.closeChan:
			return
		}
	}
}

func (s *session) isActive() bool {
	select {
	case <-s.closeChan:
		return false
	default:
		return true
	}
}

// close marks the session closed under the write lock, so it blocks until an
// in-flight sendEvent has finished with the response writer and every later
// sendEvent sees the closed channel before touching it.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closeChan)
		s.mu.Unlock()
		s.logger.Debug("session closed", "sessionId", s.id)
	})
}

func (s *session) closed() <-chan struct{} {
	return s.closeChan
}

package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// pushChannel is one open server-push event stream. All writes go through
// send, which serializes frames under the mutex; concurrent writers
// (dispatch result, catalog push, heartbeat) never interleave.
type pushChannel struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool

	sessionID string
}

// newPushChannel prepares w as an event stream and writes the stream
// headers. Returns nil when w cannot stream.
func newPushChannel(w http.ResponseWriter, sessionID string) *pushChannel {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &pushChannel{
		w:         w,
		flusher:   flusher,
		sessionID: sessionID,
	}
}

// send writes one data frame. Sending on a closed channel is a no-op
// returning an error, never a panic.
func (c *pushChannel) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("push channel closed")
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		c.closed = true
		return fmt.Errorf("writing event: %w", err)
	}
	c.flusher.Flush()
	return nil
}

// heartbeat writes a comment frame to keep intermediaries from timing the
// connection out.
func (c *pushChannel) heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("push channel closed")
	}
	if _, err := fmt.Fprint(c.w, ": keepalive\n\n"); err != nil {
		c.closed = true
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	c.flusher.Flush()
	return nil
}

func (c *pushChannel) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// pushRegistry remembers which one-shot events each RPC session has already
// received, so two connections presenting the same session id do not both
// get the catalog. Markers clear on disconnect: a reconnect for the same
// session gets a fresh push.
type pushRegistry struct {
	mu     sync.Mutex
	pushed map[string]map[string]bool
}

// mark records that name went out for sessionID and reports whether this
// was the first time.
func (p *pushRegistry) mark(sessionID, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushed == nil {
		p.pushed = make(map[string]map[string]bool)
	}
	events := p.pushed[sessionID]
	if events == nil {
		events = make(map[string]bool)
		p.pushed[sessionID] = events
	}
	if events[name] {
		return false
	}
	events[name] = true
	return true
}

func (p *pushRegistry) clear(sessionID string) {
	p.mu.Lock()
	delete(p.pushed, sessionID)
	p.mu.Unlock()
}

package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/XYGo/internal/logic/motion"
)

// StatusEvent represents a single status message for SSE.
// Move events carry the axis and resulting target so the page can update
// positions without polling.
type StatusEvent struct {
	Time   string `json:"t"`
	Level  string `json:"l,omitempty"`
	Msg    string `json:"msg"`
	Axis   string `json:"axis,omitempty"`
	Target *int64 `json:"target,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
}

// Emit implements motion.EventSink: each commanded move is pushed to SSE
// clients with level "move".
func (b *StatusBroadcaster) Emit(e motion.Event) {
	target := e.Target
	b.publish(StatusEvent{
		Time:   time.Now().Format(time.RFC3339),
		Level:  "move",
		Msg:    FormatEvent(e),
		Axis:   e.Axis.String(),
		Target: &target,
	})
}

// FormatEvent renders a move event as a short human-readable line.
func FormatEvent(e motion.Event) string {
	name := e.Command
	if name == "" {
		name = e.Direction.String()
	}
	return fmt.Sprintf("%s %s x%d (%s) -> %d", e.Axis, strings.ToUpper(name), e.Steps, e.Profile, e.Target)
}

func (b *StatusBroadcaster) publish(evt StatusEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}

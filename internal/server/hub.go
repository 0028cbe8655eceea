package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"bandalign/internal/pipeline"
)

// Event is the wire form of a pipeline result.
type Event struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Status     string   `json:"status"`
	Output     string   `json:"output,omitempty"`
	Verified   bool     `json:"verified"`
	Methods    []string `json:"methods,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Index      int      `json:"index"`
	Total      int      `json:"total"`
}

func NewEvent(res pipeline.Result) Event {
	ev := Event{
		Name:       res.Job.Name(),
		Kind:       string(res.Job.Kind),
		Status:     string(res.Status),
		Output:     res.OutputPath,
		Verified:   res.Verified,
		Methods:    res.Methods,
		DurationMS: res.Duration.Milliseconds(),
		Index:      res.Index,
		Total:      res.Total,
	}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

// hub fans encoded events out to websocket connections and SSE streams.
type hub struct {
	log       *slog.Logger
	mu        sync.Mutex
	conns     map[*websocket.Conn]bool
	streams   map[int]chan []byte
	nextID    int
	broadcast chan []byte
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:       log,
		conns:     make(map[*websocket.Conn]bool),
		streams:   make(map[int]chan []byte),
		broadcast: make(chan []byte, 16),
	}
}

func (h *hub) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.log.Warn("event dropped, hub is busy", "name", ev.Name)
	}
}

func (h *hub) register(c *websocket.Conn) {
	h.mu.Lock()
	h.conns[c] = true
	n := len(h.conns)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", "clients", n)
}

func (h *hub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (h *hub) subscribe() (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan []byte, 8)
	h.streams[id] = ch
	return ch, func() {
		h.mu.Lock()
		if c, ok := h.streams[id]; ok {
			close(c)
			delete(h.streams, id)
		}
		h.mu.Unlock()
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.conns {
				c.Close()
				delete(h.conns, c)
			}
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.conns {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(h.conns, c)
					c.Close()
				}
			}
			for _, ch := range h.streams {
				select {
				case ch <- msg:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

// Package hub bridges the internal event bus to websocket clients. It
// is the in-process reference for the external push channel; the core
// never depends on it.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chronod/internal/events"
	"chronod/pkg/logx"
)

// frame is what goes over the wire for every bus event.
type frame struct {
	Type string         `json:"type"`
	Time string         `json:"time"`
	Data events.Payload `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type Hub struct {
	bus events.Bus
	log logx.Logger

	mu      sync.Mutex
	clients map[*client]bool

	upgrader websocket.Upgrader

	server *http.Server
	unsub  func()
}

func New(bus events.Bus, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		bus:     bus,
		log:     log,
		clients: map[*client]bool{},
		upgrader: websocket.Upgrader{
			// The push channel carries no credentials and the consumer
			// dashboard terminates its own auth in front of us.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start listens on addr and streams bus events to every connected
// client until Stop is called. Empty addr disables the hub.
func (h *Hub) Start(addr string) error {
	if addr == "" {
		return nil
	}

	stream, unsub := h.bus.Subscribe(256)
	h.unsub = unsub
	go h.pump(stream)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.handleConnect)
	h.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error("hub listener failed", logx.Err(err))
		}
	}()
	h.log.Info("hub listening", logx.String("addr", addr))
	return nil
}

func (h *Hub) Stop(ctx context.Context) {
	if h.unsub != nil {
		h.unsub()
	}
	if h.server != nil {
		_ = h.server.Shutdown(ctx)
	}
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// pump fans bus events out to clients. A client that cannot keep up is
// dropped rather than allowed to stall the others.
func (h *Hub) pump(stream <-chan events.Event) {
	for e := range stream {
		data, err := json.Marshal(frame{
			Type: e.Kind,
			Time: e.Time.UTC().Format(time.RFC3339Nano),
			Data: e.Payload,
		})
		if err != nil {
			h.log.Warn("event not serializable", logx.String("kind", e.Kind), logx.Err(err))
			continue
		}

		h.mu.Lock()
		for c := range h.clients {
			select {
			case c.send <- data:
			default:
				close(c.send)
				delete(h.clients, c)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", logx.Err(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

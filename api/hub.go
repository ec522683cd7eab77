// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxfi/positions/defi"
)

// Message is the envelope of every WebSocket frame.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// HandledEvent announces an event that changed the ledger.
type HandledEvent struct {
	Kind     defi.EventKind `json:"kind"`
	Market   string         `json:"market"`
	Block    uint64         `json:"block"`
	TxHash   string         `json:"txHash"`
	LogIndex uint64         `json:"logIndex"`
}

// Hub streams handled events to WebSocket subscribers.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan interface{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stop       sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewHub creates a hub; call Run to start delivering.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan interface{}, 256),
		register:   make(chan *websocket.Conn, 16),
		unregister: make(chan *websocket.Conn, 16),
		done:       make(chan struct{}),
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Run delivers messages until ctx is cancelled. Connections arriving after
// that are closed immediately.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()
	defer h.stop.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.send(c, Message{Type: "connected", Timestamp: time.Now().UnixMilli()})
		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				h.send(c, msg)
			}
			h.mu.RUnlock()
		case <-heartbeat.C:
			h.mu.RLock()
			for c := range h.clients {
				h.send(c, Message{Type: "heartbeat", Timestamp: time.Now().UnixMilli()})
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) send(c *websocket.Conn, msg interface{}) {
	_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.WriteJSON(msg); err != nil {
		go h.drop(c)
	}
}

// drop hands c to Run for removal, or closes it if Run has stopped.
func (h *Hub) drop(c *websocket.Conn) {
	if h.stopped() {
		c.Close()
		return
	}
	select {
	case h.unregister <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
		delete(h.clients, c)
	}
}

// Publish queues ev for every subscriber. It never blocks the indexer; when
// the queue is full the message is dropped.
func (h *Hub) Publish(ev defi.Event) {
	meta := ev.Meta()
	msg := Message{
		Type: "event_handled",
		Data: HandledEvent{
			Kind:     ev.Kind(),
			Market:   meta.MarketID(),
			Block:    meta.Block.Number,
			TxHash:   defi.HashID(meta.Tx.Hash),
			LogIndex: meta.Tx.LogIndex,
		},
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// HandleWebSocket upgrades the request and subscribes the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.stopped() {
		conn.Close()
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

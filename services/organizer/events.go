// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package organizer

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/recall/services/organizer/routing"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	eventClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "organizer",
		Name:      "event_clients_connected",
		Help:      "Connected websocket decision-stream clients",
	})

	eventClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "organizer",
		Name:      "event_clients_dropped_total",
		Help:      "Clients disconnected because their send buffer filled",
	})
)

const (
	// eventBufferSize is the per-client send buffer. A client that falls
	// this far behind is dropped rather than backpressuring the router.
	eventBufferSize = 64

	eventWriteTimeout = 10 * time.Second
	pingInterval      = 30 * time.Second
)

// DecisionEvent is the wire format of the /events stream.
type DecisionEvent struct {
	Type     string                   `json:"type"`
	Decision *routing.RoutingDecision `json:"decision"`
}

// EventHub fans routing decisions out to websocket subscribers.
//
// # Thread Safety
//
// Safe for concurrent use. Broadcast never blocks: slow clients lose their
// connection, not the hub.
type EventHub struct {
	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
	logger  *slog.Logger
}

type eventClient struct {
	conn *websocket.Conn
	send chan DecisionEvent
}

// NewEventHub builds an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		clients: make(map[*eventClient]struct{}),
		logger:  logger,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-host tooling only; the server binds loopback by default.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Subscribe upgrades the request and serves the client until it leaves.
func (h *EventHub) Subscribe(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := &eventClient{conn: conn, send: make(chan DecisionEvent, eventBufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	eventClientsConnected.Inc()

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

// Broadcast queues the decision for every subscriber. Full buffers drop
// the subscriber.
func (h *EventHub) Broadcast(d *routing.RoutingDecision) {
	event := DecisionEvent{Type: "decision", Decision: d}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			h.logger.Warn("dropping slow event client")
			eventClientsDropped.Inc()
			h.removeLocked(client)
		}
	}
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		h.removeLocked(client)
	}
}

// removeLocked closes the client's channel so its write pump exits.
// Caller holds h.mu.
func (h *EventHub) removeLocked(client *eventClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	eventClientsConnected.Dec()
}

func (h *EventHub) remove(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

// writePump serializes all writes for one connection.
func (h *EventHub) writePump(client *eventClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(eventWriteTimeout))
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := client.conn.WriteJSON(event); err != nil {
				h.remove(client)
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				h.remove(client)
				return
			}
		}
	}
}

// readPump discards inbound frames and notices disconnects.
func (h *EventHub) readPump(client *eventClient) {
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}

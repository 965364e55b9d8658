package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/mal/internal/events"
	"github.com/dohr-michael/mal/internal/supervisor"
	"github.com/dohr-michael/mal/internal/tasks"
)

const stopTimeout = 30 * time.Second

// Backend is what the WebSocket hub needs from the engine.
type Backend interface {
	Observe() *events.Subscription
	ListActive() []tasks.Task
	Cancel(id string) error
	Dismiss(id string) error
	Stop(ctx context.Context, id string) error
	Statuses() []supervisor.ManagedEnvironment
}

// Client represents a connected WebSocket observer.
type Client struct {
	conn *websocket.Conn
	sub  *events.Subscription
	send chan []byte
	hub  *Hub
}

// Hub manages WebSocket clients. Every client owns its own hub
// subscription, so a slow client never holds back the others.
type Hub struct {
	backend        Backend
	originPatterns []string

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub creates a WebSocket hub over backend. Empty originPatterns accept
// any origin.
func NewHub(backend Backend, originPatterns []string) *Hub {
	return &Hub{
		backend:        backend,
		originPatterns: originPatterns,
		clients:        make(map[*Client]struct{}),
	}
}

// register adds a client to the hub. It fails once the hub is closed.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients))
	return true
}

// unregister removes a client from the hub and ends its subscription.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		slog.Info("ws client disconnected", "clients", len(h.clients))
	}
	c.sub.Unsubscribe()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
// The first frame a client receives is the initial_state event.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns,
		InsecureSkipVerify: len(h.originPatterns) == 0,
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		sub:  h.backend.Observe(),
		send: make(chan []byte, 64),
		hub:  h,
	}
	if !h.register(client) {
		client.sub.Unsubscribe()
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		client.writePump(ctx)
		cancel()
	}()
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

// handleFrame processes an incoming WS frame.
func (c *Client) handleFrame(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameTypeRequest:
		c.handleRequest(ctx, frame)
	default:
		slog.Debug("ws unknown frame type", "type", frame.Type)
	}
}

// handleRequest processes a request frame (method dispatch).
func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	backend := c.hub.backend

	switch Method(frame.Method) {
	case MethodListTasks:
		c.sendOK(frame.ID, backend.ListActive())

	case MethodEnvironmentStatus:
		c.sendOK(frame.ID, backend.Statuses())

	case MethodCancelTask, MethodDismissTask, MethodStopEnvironment:
		var params TaskParams
		if err := json.Unmarshal(frame.Params, &params); err != nil || params.TaskID == "" {
			c.sendError(frame.ID, "invalid params: task_id is required")
			return
		}

		var err error
		switch Method(frame.Method) {
		case MethodCancelTask:
			err = backend.Cancel(params.TaskID)
		case MethodDismissTask:
			err = backend.Dismiss(params.TaskID)
		case MethodStopEnvironment:
			// Stopping waits for the process exit; do not block the read loop.
			go func() {
				stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
				defer cancel()
				if err := backend.Stop(stopCtx, params.TaskID); err != nil {
					c.sendError(frame.ID, err.Error())
					return
				}
				c.sendOK(frame.ID, params)
			}()
			return
		}
		if err != nil {
			c.sendError(frame.ID, err.Error())
			return
		}
		c.sendOK(frame.ID, params)

	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
	}
}

// writePump forwards hub events and queued responses to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case e, ok := <-c.sub.C():
			if !ok {
				// The hub drops observers whose queue overflowed.
				slog.Debug("ws client event stream ended")
				c.conn.Close(websocket.StatusTryAgainLater, "event stream ended")
				return
			}
			frame, err := NewEventFrame(string(e.Type), e)
			if err != nil {
				slog.Error("marshal event frame", "error", err)
				continue
			}
			if err := c.write(ctx, frame); err != nil {
				return
			}
		case msg := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, f Frame) error {
	data, err := MarshalFrame(f)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) sendOK(id string, payload any) {
	f, err := NewResponseFrame(id, true, payload, "")
	if err != nil {
		return
	}
	c.queue(f)
}

func (c *Client) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	c.queue(f)
}

func (c *Client) queue(f Frame) {
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Debug("ws response dropped, client queue full", "id", f.ID)
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.sub.Unsubscribe()
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

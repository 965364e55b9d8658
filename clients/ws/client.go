// Package ws provides a WebSocket client for the MAL gateway event stream.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/dohr-michael/mal/internal/events"
	wsprotocol "github.com/dohr-michael/mal/internal/gateway/ws"
)

// Client is a WebSocket observer of the MAL gateway.
type Client struct {
	conn   *websocket.Conn
	reqSeq uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// URL turns a gateway base URL (http://host:port) into its WebSocket endpoint.
func URL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}

// Dial connects to the gateway at base. The first frame read is the
// initial_state event.
func Dial(ctx context.Context, base string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, URL(base), nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	// Status payloads list every environment; lift the default 32KiB cap.
	conn.SetReadLimit(4 << 20)

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// Request sends a request frame and returns its id. The response arrives
// as a frame of type res with the same id.
func (c *Client) Request(method wsprotocol.Method, params any) (string, error) {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	id := fmt.Sprintf("req-%d", seq)

	frame, err := wsprotocol.NewRequestFrame(id, method, params)
	if err != nil {
		return "", err
	}
	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return "", err
	}
	return id, c.conn.Write(c.ctx, websocket.MessageText, data)
}

// CancelTask asks the gateway to cancel a task.
func (c *Client) CancelTask(taskID string) (string, error) {
	return c.Request(wsprotocol.MethodCancelTask, wsprotocol.TaskParams{TaskID: taskID})
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// ReadEvent reads frames until the next event and decodes it.
func (c *Client) ReadEvent() (events.Event, error) {
	for {
		f, err := c.ReadFrame()
		if err != nil {
			return events.Event{}, err
		}
		if f.Type != wsprotocol.FrameTypeEvent {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			return events.Event{}, fmt.Errorf("decode event %s: %w", f.Event, err)
		}
		return e, nil
	}
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}

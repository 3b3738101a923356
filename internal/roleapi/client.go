package roleapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// OpError is a failed operation as reported by the bridge.
type OpError struct {
	Op        string
	Message   string
	Retryable bool
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Client is a worker-side connection to the role API bridge. Calls are
// serialized; the protocol allows one request in flight per connection.
type Client struct {
	conn *websocket.Conn

	callMu    sync.Mutex
	responses chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the bridge at url using token.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	header.Set(tokenHeader, token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial role API: token rejected")
		}
		return nil, fmt.Errorf("dial role API: %w", err)
	}

	c := &Client{
		conn:      conn,
		responses: make(chan []byte, 1),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// DialFromEnv connects using the launch-contract environment variables.
func DialFromEnv(ctx context.Context) (*Client, error) {
	url := os.Getenv(EnvAddr)
	if url == "" {
		return nil, fmt.Errorf("%s not set", EnvAddr)
	}
	token := os.Getenv(EnvToken)
	if token == "" {
		return nil, fmt.Errorf("%s not set", EnvToken)
	}
	return Dial(ctx, url, token)
}

// readLoop keeps a read pending at all times so server pings get
// answered even while the worker is thinking between calls.
func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.done) })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.responses <- data:
		case <-c.done:
			return
		}
	}
}

// Call invokes op with params and decodes the result into result when
// result is non-nil. A failed operation returns *OpError.
func (c *Client) Call(ctx context.Context, op string, params, result any) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	req := Request{Op: op}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = data
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}

	var data []byte
	select {
	case data = <-c.responses:
	case <-c.done:
		return fmt.Errorf("%s: connection closed", op)
	case <-ctx.Done():
		return ctx.Err()
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	if !resp.OK {
		return &OpError{Op: op, Message: resp.Error, Retryable: resp.Retryable}
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", op, err)
		}
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

package transport

import (
	"context"
	"sync"

	cws "github.com/coder/websocket"
)

// WSChannel adapts a coder/websocket.Conn to the jrpc2 Channel interface.
// Each websocket connection gets one WSChannel. Done is closed once the
// connection stops delivering messages.
type WSChannel struct {
	conn *cws.Conn
	ctx  context.Context

	once sync.Once
	done chan struct{}
	err  error
}

// NewWSChannel wraps conn for use with jrpc2.NewServer or jrpc2.NewClient.
func NewWSChannel(ctx context.Context, conn *cws.Conn) *WSChannel {
	return &WSChannel{conn: conn, ctx: ctx, done: make(chan struct{})}
}

// Send writes a JSON-RPC message to the websocket connection.
func (c *WSChannel) Send(data []byte) error {
	return c.conn.Write(c.ctx, cws.MessageText, data)
}

// Recv reads a JSON-RPC message from the websocket connection.
func (c *WSChannel) Recv() ([]byte, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		c.finish(err)
	}
	return data, err
}

// Close shuts down the websocket connection with a normal closure status.
func (c *WSChannel) Close() error {
	c.finish(nil)
	return c.conn.Close(cws.StatusNormalClosure, "")
}

// Done is closed when the connection has ended.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the connection, if any.
func (c *WSChannel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *WSChannel) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

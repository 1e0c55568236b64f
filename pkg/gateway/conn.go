package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tandem/pkg/protocol"
)

// Conn is one client connection as the gateway sees it. Receive returns a
// *protocol.Error with CodeInvalidFrame for a frame that fails validation;
// the connection stays usable. Any other error means the peer is gone.
type Conn interface {
	Receive(ctx context.Context) (protocol.Inbound, error)
	Send(ctx context.Context, evt protocol.Outbound) error
	Close() error
}

type connConfig struct {
	readLimit    int64
	writeTimeout time.Duration
	pingInterval time.Duration
}

// wsConn adapts a gorilla websocket to Conn. Writes are serialized; reads
// happen only on the serving goroutine.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, cfg connConfig) *wsConn {
	c := &wsConn{
		ws:           ws,
		writeTimeout: cfg.writeTimeout,
		done:         make(chan struct{}),
	}
	if cfg.readLimit > 0 {
		ws.SetReadLimit(cfg.readLimit)
	}
	if cfg.pingInterval > 0 {
		// A peer that misses two pings is treated as gone.
		wait := 2 * cfg.pingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
		go c.keepalive(cfg.pingInterval)
	}
	return c
}

func (c *wsConn) Receive(_ context.Context) (protocol.Inbound, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Inbound{}, fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	if msgType != websocket.TextMessage {
		return protocol.Inbound{}, protocol.NewError(protocol.CodeInvalidFrame, "only text frames are accepted")
	}
	return protocol.DecodeInbound(data)
}

func (c *wsConn) Send(ctx context.Context, evt protocol.Outbound) error {
	select {
	case <-c.done:
		return protocol.ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)

	if err := c.ws.WriteJSON(evt); err != nil {
		_ = c.Close()
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return nil
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once and from any goroutine.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(interval)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

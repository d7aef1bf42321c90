package socket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established push connection. ReadMessage returns a net timeout
// error when the peer stops answering pings.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials gorilla/websocket connections.
type WebsocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// PingTimeout bounds the silence tolerated on a connection before reads
	// fail. Zero uses DefaultPingTimeout.
	PingTimeout time.Duration
	// WriteTimeout bounds each write. Zero uses DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// Connection liveness defaults.
const (
	DefaultPingInterval     = 25 * time.Second
	DefaultPingTimeout      = 45 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dblive: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dblive: dial %s: %w", url, err)
	}
	pingTimeout := d.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = DefaultPingTimeout
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	c := &wsConn{ws: ws, pingTimeout: pingTimeout, writeTimeout: writeTimeout}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pingTimeout))
	})
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	pingTimeout  time.Duration
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.pingTimeout)); err != nil {
		return nil, err
	}
	_, msg, err := c.ws.ReadMessage()
	return msg, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

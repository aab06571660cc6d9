package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live transport handle. ReadMessage blocks until a frame
// arrives or the connection ends; after Close it returns an error.
// WriteMessage is only ever called from the client loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transport handles.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the status endpoint with gorilla/websocket.
type WebSocketDialer struct {
	// Dialer is the underlying dialer; websocket.DefaultDialer when nil.
	Dialer *websocket.Dialer
	// Header is sent with the opening handshake.
	Header http.Header
	// WriteTimeout bounds each frame write. Zero means 10s.
	WriteTimeout time.Duration
}

// Dial opens a WebSocket connection to url.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("handshake rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	timeout := d.WriteTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: timeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// ReadMessage returns text and binary frames alike. Control frames never
// surface here.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame on a best-effort basis, then drops the socket.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// EndpointURL builds the status endpoint for a console origin:
// <ws|wss>://<host>/ws/<clientID>. An https origin selects wss.
func EndpointURL(origin, clientID string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}

	var scheme string
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
		scheme = "ws"
	default:
		return "", fmt.Errorf("invalid origin %q: scheme must be http or https", origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid origin %q: missing host", origin)
	}
	if clientID == "" {
		return "", errors.New("client id is required")
	}

	endpoint := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws/" + clientID}
	return endpoint.String(), nil
}

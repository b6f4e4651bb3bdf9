// Package transport connects sessions to a segmentation service over websockets.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/menta2k/image-segmenter/pkg/session"
)

// DefaultURL is where the segmentation service listens by default
const DefaultURL = "ws://localhost:9000"

// Dialer opens websocket connections to the segmentation service
type Dialer struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadLimit        int64 // maximum size of an incoming frame, 0 for no limit
	Header           http.Header
	Logger           *slog.Logger
}

// NewDialer creates a dialer for the given ws:// or wss:// URL
func NewDialer(url string, logger *slog.Logger) *Dialer {
	if url == "" {
		url = DefaultURL
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dialer{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		ReadLimit:        64 << 20,
		Logger:           logger,
	}
}

// Dial opens a connection. It satisfies session.Dialer.
func (d *Dialer) Dial(ctx context.Context) (session.Conn, error) {
	return d.DialConn(ctx)
}

// DialConn opens a connection and returns the concrete type
func (d *Dialer) DialConn(ctx context.Context) (*Conn, error) {
	wsd := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	ws, resp, err := wsd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	c := &Conn{ID: uuid.NewString(), ws: ws, logger: d.Logger}
	c.logger.Debug("websocket connected", "conn", c.ID, "url", d.URL)
	return c, nil
}

// Conn is a websocket connection carrying one JSON text frame per message
type Conn struct {
	ID string

	ws      *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
	once    sync.Once
	err     error
}

// Send writes v as a single JSON text frame
func (c *Conn) Send(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("write frame: %w", err)
	}
	c.logger.Debug("frame sent", "conn", c.ID, "bytes", len(data))
	return nil
}

// Receive reads the next frame and returns its payload as text
func (c *Conn) Receive(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	// control frames are handled inside ReadMessage
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", fmt.Errorf("read frame: %w", context.DeadlineExceeded)
		}
		return "", fmt.Errorf("read frame: %w", err)
	}
	c.logger.Debug("frame received", "conn", c.ID, "bytes", len(data))
	return string(data), nil
}

// Close sends a close frame and closes the socket. Only the first call has any effect.
func (c *Conn) Close() error {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.err = c.ws.Close()
		c.logger.Debug("websocket closed", "conn", c.ID)
	})
	return c.err
}

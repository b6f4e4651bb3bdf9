package session

import (
	"context"
	"sync"
)

// Conn is one connection to the segmentation service.
// Close must be safe to call more than once.
type Conn interface {
	Send(ctx context.Context, v any) error
	Receive(ctx context.Context) (string, error)
	Close() error
}

// Dialer opens connections to the segmentation service.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// exchange owns the connection of one submission and any refinements sent on it.
type exchange struct {
	id string

	mu     sync.Mutex
	conn   Conn
	cancel context.CancelFunc
	closed bool
}

// attach binds the dialed connection. It reports false if the exchange was
// already closed, in which case the caller owns conn.
func (e *exchange) attach(conn Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.conn = conn
	return true
}

// setCancel replaces the cancel func of the operation in flight.
func (e *exchange) setCancel(cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.cancel = cancel
	return true
}

func (e *exchange) connection() Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// close cancels the operation in flight and closes the connection, once.
func (e *exchange) close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn, cancel := e.conn, e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Package server is a development segmentation service. It speaks the same
// websocket protocol as the real model server but answers every selection
// with a rectangular mask, refined by the strokes it receives.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/menta2k/image-segmenter/pkg/dataurl"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// DefaultAddr matches the default client URL
const DefaultAddr = "127.0.0.1:9000"

// Server represents the development segmentation server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	// per-connection message rate
	limit rate.Limit
	burst int

	clients   map[*websocket.Conn]struct{}
	clientsMu sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit limits messages per second on each connection. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limit = rate.Inf
		} else {
			s.limit = rate.Limit(perSecond)
		}
		if burst < 1 {
			burst = 1
		}
		s.burst = burst
	}
}

// New creates a server listening on addr once Serve is called.
func New(addr string, logger *slog.Logger, opts ...Option) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger,
		limit:   rate.Inf,
		burst:   1,
		clients: make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/", s.handleWebSocket)
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Serve listens until ctx is done, then shuts down and closes open connections.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("segmentation server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "running",
		"connections": s.Connections(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.track(conn)
	defer s.untrack(conn)

	logger := s.logger.With("peer", r.RemoteAddr)
	logger.Info("client connected")

	limiter := rate.NewLimiter(s.limit, s.burst)
	state := &segmentation{}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read ended", "error", err)
			}
			logger.Info("client disconnected")
			return
		}
		if err := limiter.Wait(r.Context()); err != nil {
			return
		}

		reply, err := state.handle(payload)
		if err != nil {
			logger.Warn("rejecting message", "error", err)
			msg := websocket.FormatCloseMessage(websocket.CloseUnsupportedData, err.Error())
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		if reply == "" {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			logger.Warn("write failed", "error", err)
			return
		}
	}
}

func (s *Server) track(conn *websocket.Conn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[conn] = struct{}{}
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.clientsMu.Lock()
	delete(s.clients, conn)
	s.clientsMu.Unlock()
	_ = conn.Close()
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		_ = conn.Close()
	}
}

// message is any frame a client may send. A frame may carry an image, a
// selection, both, or a refinement stroke.
type message struct {
	Image     *string     `json:"image,omitempty"`
	Selection *types.Rect `json:"selection,omitempty"`
	Action    string      `json:"action,omitempty"`
	Path      string      `json:"path,omitempty"`
	Left      float64     `json:"left,omitempty"`
	Top       float64     `json:"top,omitempty"`
}

// segmentation is the state of one connection.
type segmentation struct {
	bounds image.Rectangle
	mask   *image.Gray
}

// handle processes one frame and returns the mask data URL to send, if any.
func (st *segmentation) handle(payload []byte) (string, error) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Image != nil {
		img, _, err := dataurl.Decode(*msg.Image)
		if err != nil {
			return "", fmt.Errorf("image: %w", err)
		}
		st.bounds = image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy())
		st.mask = nil
	}

	switch {
	case msg.Selection != nil:
		if st.bounds.Empty() {
			return "", errors.New("selection received before image")
		}
		st.mask = RectMask(st.bounds, *msg.Selection)
	case msg.Action != "":
		if st.mask == nil {
			return "", errors.New("refinement received before selection")
		}
		var value uint8
		switch msg.Action {
		case types.ActionAdd:
			value = 255
		case types.ActionRemove:
			value = 0
		default:
			return "", fmt.Errorf("unknown action %q", msg.Action)
		}
		stroke, _, err := dataurl.Decode(msg.Path)
		if err != nil {
			return "", fmt.Errorf("path: %w", err)
		}
		ApplyStroke(st.mask, stroke, int(msg.Left), int(msg.Top), value)
	default:
		return "", nil
	}

	return dataurl.EncodePNG(st.mask)
}

// RectMask returns a mask of the given bounds that is 255 inside r and 0 elsewhere.
func RectMask(bounds image.Rectangle, r types.Rect) *image.Gray {
	mask := image.NewGray(bounds)
	area := image.Rect(
		int(math.Round(r.Left)), int(math.Round(r.Top)),
		int(math.Round(r.Right())), int(math.Round(r.Bottom())),
	).Intersect(bounds)
	if !area.Empty() {
		draw.Draw(mask, area, image.White, image.Point{}, draw.Src)
	}
	return mask
}

// ApplyStroke sets every mask pixel covered by a non-transparent stroke pixel
// to value. The stroke's top-left corner is placed at (left, top).
func ApplyStroke(mask *image.Gray, stroke image.Image, left, top int, value uint8) {
	sb := stroke.Bounds()
	mb := mask.Bounds()
	for y := sb.Min.Y; y < sb.Max.Y; y++ {
		for x := sb.Min.X; x < sb.Max.X; x++ {
			if _, _, _, a := stroke.At(x, y).RGBA(); a == 0 {
				continue
			}
			p := image.Pt(left+x-sb.Min.X, top+y-sb.Min.Y)
			if p.In(mb) {
				mask.SetGray(p.X, p.Y, color.Gray{Y: value})
			}
		}
	}
}

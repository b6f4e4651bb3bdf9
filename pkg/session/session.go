// Package session implements the interactive segmentation workflow: a loaded
// target image, a normalized selection kept in sync with its on-screen
// rectangle, and at most one exchange with the segmentation service.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/image-segmenter/pkg/dataurl"
	"github.com/menta2k/image-segmenter/pkg/geometry"
	"github.com/menta2k/image-segmenter/pkg/types"
)

// DefaultTimeout bounds a submission whose context carries no deadline.
const DefaultTimeout = 60 * time.Second

// Session is a single editing session.
type Session struct {
	dialer   Dialer
	logger   *slog.Logger
	timeout  time.Duration
	encoding dataurl.Options

	mu        sync.Mutex
	state     State
	target    image.Image
	original  types.Size
	viewport  types.Size
	fit       types.FitResult
	selection types.Selection
	display   types.Rect
	mask      image.Image
	ex        *exchange
	listeners []Listener
	pending   []transition
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTimeout sets the timeout applied to submissions without a deadline.
// Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithViewport sets the initial viewport size.
func WithViewport(width, height float64) Option {
	return func(s *Session) { s.viewport = types.Size{Width: width, Height: height} }
}

// WithEncoding sets how the target image is encoded for the service.
func WithEncoding(opts dataurl.Options) Option {
	return func(s *Session) { s.encoding = opts }
}

// Result is the outcome of a successful submission or refinement.
type Result struct {
	ExchangeID string
	Mask       image.Image
	Selection  types.Selection
	Rect       types.Rect
	Elapsed    time.Duration
}

// New creates a session in the idle state.
func New(dialer Dialer, opts ...Option) *Session {
	s := &Session{
		dialer:    dialer,
		timeout:   DefaultTimeout,
		encoding:  dataurl.DefaultOptions(),
		selection: geometry.DefaultSelection(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// AddListener registers a transition listener.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// State returns the current workflow state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Target returns the loaded image, or nil.
func (s *Session) Target() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Mask returns the received mask while in mask review, or nil.
func (s *Session) Mask() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask
}

// OriginalSize returns the pixel size of the loaded image.
func (s *Session) OriginalSize() types.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.original
}

// Fit returns how the target (and mask) are placed in the viewport.
func (s *Session) Fit() types.FitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fit
}

// Selection returns the normalized selection.
func (s *Session) Selection() types.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// DisplayRect returns the selection projected onto the displayed image.
func (s *Session) DisplayRect() types.Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

// OriginalRect returns the selection in original image pixels.
func (s *Session) OriginalRect() types.Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return geometry.ToOriginalRect(s.selection, s.original)
}

// Load sets a new target image and starts rectangle selection.
// A pending exchange is abandoned and the selection reset to the default.
func (s *Session) Load(img image.Image) error {
	if img == nil {
		return newError(KindDecode, "no image", nil)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return newError(KindDecode, fmt.Sprintf("image has no pixels (%dx%d)", b.Dx(), b.Dy()), nil)
	}

	s.mu.Lock()
	prev := s.detach()
	s.target = img
	s.original = types.Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
	s.mask = nil
	s.selection = geometry.DefaultSelection()
	s.refit()
	s.setState(StateRectangleSelection)
	s.logger.Info("image loaded", "width", b.Dx(), "height", b.Dy(), "scale", s.fit.Scale)
	s.unlock()

	closeExchange(prev, s.logger)
	return nil
}

// Resize re-fits the target to a new viewport. The selection is unchanged.
func (s *Session) Resize(width, height float64) types.FitResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = types.Size{Width: width, Height: height}
	s.refit()
	return s.fit
}

// SetDisplayRect updates the selection from a rectangle moved or scaled on screen.
func (s *Session) SetDisplayRect(rect types.Rect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRectangleSelection {
		return invalidState("moving the selection", s.state)
	}
	if s.fit.Width <= 0 || s.fit.Height <= 0 {
		return newError(KindInvalidState, "moving the selection: no viewport, call Resize first", nil)
	}
	s.selection = geometry.FromDisplayRect(rect, s.fit.Size())
	s.display = rect
	return nil
}

// SetSelection replaces the normalized selection.
func (s *Session) SetSelection(sel types.Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRectangleSelection {
		return invalidState("setting the selection", s.state)
	}
	s.selection = sel
	s.display = geometry.ToDisplayRect(sel, s.fit.Size())
	return nil
}

// Back leaves mask review, discarding the mask and its exchange.
func (s *Session) Back() error {
	s.mu.Lock()
	if s.state != StateMaskReview {
		err := invalidState("back", s.state)
		s.mu.Unlock()
		return err
	}
	prev := s.detach()
	s.mask = nil
	s.setState(StateRectangleSelection)
	s.unlock()

	closeExchange(prev, s.logger)
	return nil
}

// Cancel abandons the exchange in flight and returns to rectangle selection.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.state != StateWaiting {
		err := invalidState("cancel", s.state)
		s.mu.Unlock()
		return err
	}
	prev := s.detach()
	s.mask = nil
	s.setState(StateRectangleSelection)
	s.unlock()

	closeExchange(prev, s.logger)
	return nil
}

// Close ends the session, closing any connection.
func (s *Session) Close() error {
	s.mu.Lock()
	prev := s.detach()
	s.target = nil
	s.mask = nil
	s.original = types.Size{}
	s.fit = types.FitResult{}
	s.display = types.Rect{}
	s.selection = geometry.DefaultSelection()
	s.setState(StateIdle)
	s.unlock()

	if prev != nil {
		return prev.close()
	}
	return nil
}

// Submit sends the current selection to the segmentation service and waits
// for the mask. Submitting from mask review discards the current mask first.
// A submission still in flight is superseded: its connection is closed before
// the new one is opened and it returns a KindSuperseded error.
func (s *Session) Submit(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		err := invalidState("submit", s.state)
		s.mu.Unlock()
		return nil, err
	case StateMaskReview:
		s.mask = nil
		s.setState(StateRectangleSelection)
	}

	prev := s.detach()
	ctx, cancel := s.withTimeout(ctx)
	ex := &exchange{id: uuid.NewString(), cancel: cancel}
	s.ex = ex
	target := s.target
	sel := s.selection
	rect := geometry.ToOriginalRect(sel, s.original)
	s.setState(StateWaiting)
	s.unlock()
	defer cancel()

	closeExchange(prev, s.logger)

	logger := s.logger.With("exchange", ex.id)
	logger.Info("submitting selection",
		"left", rect.Left, "top", rect.Top, "width", rect.Width, "height", rect.Height)
	start := time.Now()

	payload, err := dataurl.Encode(target, s.encoding)
	if err != nil {
		return nil, s.fail(ex, logger, newError(KindDecode, "encoding target image", err))
	}

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, s.fail(ex, logger, s.classify(ctx, ex, "connecting to segmentation service", err))
	}
	if !ex.attach(conn) {
		_ = conn.Close()
		return nil, s.superseded(logger)
	}

	if err := conn.Send(ctx, types.SegmentRequest{Image: payload, Selection: rect}); err != nil {
		return nil, s.fail(ex, logger, s.classify(ctx, ex, "sending selection", err))
	}

	mask, rerr := s.receiveMask(ctx, ex, conn)
	if rerr != nil {
		return nil, s.fail(ex, logger, rerr)
	}

	s.mu.Lock()
	if s.ex != ex {
		s.mu.Unlock()
		return nil, s.superseded(logger)
	}
	s.mask = mask
	s.setState(StateMaskReview)
	s.unlock()

	elapsed := time.Since(start)
	logger.Info("mask received", "width", mask.Bounds().Dx(), "height", mask.Bounds().Dy(), "elapsed", elapsed)
	return &Result{ExchangeID: ex.id, Mask: mask, Selection: sel, Rect: rect, Elapsed: elapsed}, nil
}

// Refine sends a stroke on the open exchange marking pixels as foreground
// (types.ActionAdd) or background (types.ActionRemove). The stroke's
// non-transparent pixels are applied at (left, top) in original image pixels.
func (s *Session) Refine(ctx context.Context, action string, stroke image.Image, left, top float64) (*Result, error) {
	if action != types.ActionAdd && action != types.ActionRemove {
		return nil, newError(KindInvalidState, fmt.Sprintf("unknown refinement action %q", action), nil)
	}
	if stroke == nil {
		return nil, newError(KindDecode, "no stroke image", nil)
	}

	s.mu.Lock()
	if s.state != StateMaskReview || s.ex == nil || s.ex.connection() == nil {
		err := invalidState("refine", s.state)
		s.mu.Unlock()
		return nil, err
	}
	ex := s.ex
	conn := ex.connection()
	sel := s.selection
	rect := geometry.ToOriginalRect(sel, s.original)
	ctx, cancel := s.withTimeout(ctx)
	ex.setCancel(cancel)
	s.setState(StateWaiting)
	s.unlock()
	defer cancel()

	logger := s.logger.With("exchange", ex.id)
	logger.Info("refining mask", "action", action, "left", left, "top", top)
	start := time.Now()

	path, err := dataurl.EncodePNG(stroke)
	if err != nil {
		return nil, s.fail(ex, logger, newError(KindDecode, "encoding stroke", err))
	}
	req := types.RefineRequest{Action: action, Path: path, Left: left, Top: top}
	if err := conn.Send(ctx, req); err != nil {
		return nil, s.fail(ex, logger, s.classify(ctx, ex, "sending refinement", err))
	}

	mask, rerr := s.receiveMask(ctx, ex, conn)
	if rerr != nil {
		return nil, s.fail(ex, logger, rerr)
	}

	s.mu.Lock()
	if s.ex != ex {
		s.mu.Unlock()
		return nil, s.superseded(logger)
	}
	s.mask = mask
	s.setState(StateMaskReview)
	s.unlock()

	return &Result{ExchangeID: ex.id, Mask: mask, Selection: sel, Rect: rect, Elapsed: time.Since(start)}, nil
}

func (s *Session) receiveMask(ctx context.Context, ex *exchange, conn Conn) (image.Image, *Error) {
	frame, err := conn.Receive(ctx)
	if err != nil {
		return nil, s.classify(ctx, ex, "waiting for mask", err)
	}
	mask, _, err := dataurl.Decode(frame)
	if err != nil {
		return nil, newError(KindMalformedResponse, "decoding mask", err)
	}
	return mask, nil
}

// fail ends the exchange and returns to rectangle selection unless the
// exchange has already been superseded.
func (s *Session) fail(ex *exchange, logger *slog.Logger, err *Error) error {
	s.mu.Lock()
	if s.ex != ex {
		s.mu.Unlock()
		return s.superseded(logger)
	}
	s.ex = nil
	s.mask = nil
	s.setState(StateRectangleSelection)
	s.unlock()

	closeExchange(ex, logger)
	logger.Error("segmentation failed", "kind", string(err.Kind), "error", err)
	return err
}

func (s *Session) superseded(logger *slog.Logger) error {
	logger.Info("exchange superseded")
	return newError(KindSuperseded, "submission replaced by a newer one", nil)
}

func (s *Session) classify(ctx context.Context, ex *exchange, msg string, err error) *Error {
	s.mu.Lock()
	stale := s.ex != ex
	s.mu.Unlock()
	switch {
	case stale:
		return newError(KindSuperseded, msg, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, msg, err)
	default:
		return newError(KindTransport, msg, err)
	}
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// detach removes the current exchange; the caller closes it after unlocking.
// Must hold s.mu.
func (s *Session) detach() *exchange {
	ex := s.ex
	s.ex = nil
	return ex
}

// refit recomputes the fit and display rectangle. Must hold s.mu.
func (s *Session) refit() {
	if s.target == nil {
		return
	}
	s.fit = geometry.FitSizeIntoArea(s.original, s.viewport.Width, s.viewport.Height)
	s.display = geometry.ToDisplayRect(s.selection, s.fit.Size())
}

// setState records a transition to be announced on unlock. Must hold s.mu.
func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.pending = append(s.pending, transition{prev: s.state, next: next})
	s.state = next
}

// unlock releases s.mu and notifies listeners of recorded transitions.
func (s *Session) unlock() {
	pending := s.pending
	s.pending = nil
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, t := range pending {
		s.logger.Debug("session state transition", "from", t.prev.String(), "to", t.next.String())
		for _, l := range listeners {
			l(t.prev, t.next)
		}
	}
}

func closeExchange(ex *exchange, logger *slog.Logger) {
	if ex == nil {
		return
	}
	if err := ex.close(); err != nil {
		logger.Warn("closing exchange", "exchange", ex.id, "error", err)
	}
}

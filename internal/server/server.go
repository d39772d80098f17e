// Package server is the WebSocket bridge to the browser extension. The
// daemon calls browser APIs through it, and the extension pushes browser
// events, intercepted navigations and bus messages back.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/browser"
	"github.com/lotas/tabgruppen/internal/bus"
)

// ErrNotConnected is returned by calls made while no extension is connected.
var ErrNotConnected = errors.New("extension not connected")

// DefaultCallTimeout bounds a call whose context has no deadline.
const DefaultCallTimeout = 10 * time.Second

// Frame types.
const (
	TypeCall     = "call"     // daemon -> extension, expects a result
	TypeCast     = "cast"     // daemon -> extension, no reply
	TypeResult   = "result"   // extension -> daemon, answers a call
	TypeEvent    = "event"    // extension -> daemon
	TypeMessage  = "message"  // extension -> daemon bus request
	TypeNavigate = "navigate" // extension -> daemon intercepted navigation
	TypeReply    = "reply"    // daemon -> extension, answers message/navigate
)

// CodeNotFound marks a result whose target tab or window is gone.
const CodeNotFound = "not-found"

// Frame is one WebSocket message in either direction. Only the fields
// relevant to Type are set.
type Frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Event      *browser.Event  `json:"event,omitempty"`
	Message    *bus.Message    `json:"message,omitempty"`
	Navigation *NavigationWire `json:"navigation,omitempty"`
}

// NavigationWire is an intercepted navigation as the extension sends it.
type NavigationWire struct {
	RequestID     string `json:"requestId"`
	TabID         int    `json:"tabId"`
	URL           string `json:"url"`
	CookieStoreID string `json:"cookieStoreId"`
}

// Dispatcher answers bus messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg bus.Message) bus.Response
}

// Navigator decides whether an intercepted navigation is cancelled.
type Navigator interface {
	Navigate(ctx context.Context, nav browser.Navigation) bool
}

// RemoteError is a failure reported by the extension.
type RemoteError struct {
	Action  string
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

func (e *RemoteError) Unwrap() error {
	if e.Code == CodeNotFound {
		return browser.ErrNotFound
	}
	return nil
}

// Server manages the WebSocket connection to the extension.
type Server struct {
	port    int
	timeout time.Duration
	events  chan browser.Event

	mu         sync.Mutex
	conn       *websocket.Conn
	ready      chan struct{}
	gone       chan struct{}
	pending    map[string]chan Frame
	dispatcher Dispatcher
	navigator  Navigator

	qmu    sync.Mutex
	queue  []browser.Event
	signal chan struct{}
}

// New creates a new Server. Port 0 means the caller manages the listener.
func New(port int) *Server {
	gone := make(chan struct{})
	close(gone)
	s := &Server{
		port:    port,
		timeout: DefaultCallTimeout,
		events:  make(chan browser.Event),
		ready:   make(chan struct{}),
		gone:    gone,
		pending: make(map[string]chan Frame),
		signal:  make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

// SetCallTimeout changes the bound applied to calls without a deadline.
func (s *Server) SetCallTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// SetHandlers installs the receivers of bus messages and navigations.
func (s *Server) SetHandlers(d Dispatcher, n Navigator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
	s.navigator = n
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Events returns browser events in the order the extension sent them.
func (s *Server) Events() <-chan browser.Event {
	return s.events
}

// Connected reports whether an extension is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// WaitConnected blocks until an extension connects or ctx is done.
func (s *Server) WaitConnected(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnected returns a channel closed when the current connection ends.
// It is already closed while no extension is connected.
func (s *Server) Disconnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}

// Call invokes a browser API in the extension and decodes its result into
// result, which may be nil.
func (s *Server) Call(ctx context.Context, action string, params, result any) error {
	s.mu.Lock()
	conn := s.conn
	timeout := s.timeout
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", action, ErrNotConnected)
	}
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	f := Frame{Type: TypeCall, ID: uuid.NewString(), Action: action}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: encode params: %w", action, err)
		}
		f.Params = raw
	}

	ch := make(chan Frame, 1)
	s.mu.Lock()
	s.pending[f.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
	}()

	if err := s.write(ctx, conn, f); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	applog.Debug("ws.call", "action", action, "id", f.ID)

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", action, ctx.Err())
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", action, ErrNotConnected)
		}
		if !res.OK {
			return &RemoteError{Action: action, Message: res.Error, Code: res.Code}
		}
		if result == nil || len(res.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", action, err)
		}
		return nil
	}
}

// Cast sends a one-way command. It is dropped when no extension is connected.
func (s *Server) Cast(ctx context.Context, action string, params any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	f := Frame{Type: TypeCast, Action: action}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		f.Params = raw
	}
	return s.write(ctx, conn, f)
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Handler returns an http.Handler that accepts WebSocket upgrades.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			applog.Error("ws.accept", err)
			return
		}

		conn.SetReadLimit(16 << 20) // thumbnails make tab lists large

		ctx := r.Context()
		s.mu.Lock()
		if s.conn != nil {
			applog.Info("ws.replaced")
			s.conn.CloseNow()
			close(s.gone)
			s.failPending()
		} else {
			close(s.ready)
		}
		s.gone = make(chan struct{})
		s.conn = conn
		s.mu.Unlock()

		// Events still queued from an earlier connection refer to its tabs.
		s.qmu.Lock()
		if n := len(s.queue); n > 0 {
			applog.Info("ws.queue.dropped", "events", n)
		}
		s.queue = nil
		s.qmu.Unlock()

		applog.Info("ws.connected", "remote", r.RemoteAddr)

		defer func() {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.ready = make(chan struct{})
				close(s.gone)
				s.failPending()
			}
			s.mu.Unlock()
			conn.CloseNow()
			applog.Info("ws.disconnected")
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				applog.Error("ws.parse", err)
				continue
			}
			s.receive(ctx, conn, f)
		}
	})
}

// failPending ends every outstanding call with ErrNotConnected. Callers
// hold mu.
func (s *Server) failPending() {
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

// receive routes one inbound frame. Requests from the extension run on
// their own goroutine so they can make calls back while the read loop keeps
// delivering results.
func (s *Server) receive(ctx context.Context, conn *websocket.Conn, f Frame) {
	switch f.Type {
	case TypeResult:
		s.mu.Lock()
		ch, ok := s.pending[f.ID]
		delete(s.pending, f.ID)
		if ok {
			ch <- f
		}
		s.mu.Unlock()
		if !ok {
			applog.Info("ws.result.orphan", "id", f.ID)
		}
	case TypeEvent:
		if f.Event == nil {
			return
		}
		s.enqueue(*f.Event)
	case TypeMessage:
		if f.Message == nil {
			return
		}
		go s.answerMessage(ctx, conn, f.ID, *f.Message)
	case TypeNavigate:
		if f.Navigation == nil {
			return
		}
		go s.answerNavigation(ctx, conn, f.ID, *f.Navigation)
	default:
		applog.Info("ws.recv.unknown", "type", f.Type)
	}
}

func (s *Server) answerMessage(ctx context.Context, conn *websocket.Conn, id string, msg bus.Message) {
	s.mu.Lock()
	d := s.dispatcher
	s.mu.Unlock()
	resp := bus.Response{Error: "not ready"}
	if d != nil {
		resp = d.Dispatch(ctx, msg)
	}
	s.reply(ctx, conn, id, resp)
}

func (s *Server) answerNavigation(ctx context.Context, conn *websocket.Conn, id string, nav NavigationWire) {
	s.mu.Lock()
	n := s.navigator
	s.mu.Unlock()
	cancel := false
	if n != nil {
		cancel = n.Navigate(ctx, browser.Navigation{
			RequestID:     nav.RequestID,
			TabID:         nav.TabID,
			URL:           nav.URL,
			CookieStoreID: nav.CookieStoreID,
		})
	}
	s.reply(ctx, conn, id, map[string]bool{"cancel": cancel})
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, id string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		applog.Error("ws.reply", err, "id", id)
		return
	}
	if err := s.write(ctx, conn, Frame{Type: TypeReply, ID: id, OK: true, Result: raw}); err != nil {
		applog.Error("ws.reply", err, "id", id)
	}
}

// enqueue buffers an event without blocking the read loop; pump hands them
// to Events in order.
func (s *Server) enqueue(ev browser.Event) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Server) pump() {
	for range s.signal {
		for {
			s.qmu.Lock()
			if len(s.queue) == 0 {
				s.qmu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.qmu.Unlock()
			s.events <- ev
		}
	}
}

// ListenAndServe starts the WebSocket server on the configured port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	applog.Info("server.start", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

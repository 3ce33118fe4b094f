package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"palaver/internal/metrics"
	"palaver/internal/models"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = time.Second
)

type Options struct {
	// MaxRetries bounds reconnect attempts after a failed dial or a dropped
	// connection.
	MaxRetries int
	// RetryDelay is the fixed pause before every reconnect attempt.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// link is one run of the connection loop, from Connect to Disconnect or
// until the retry budget is spent.
type link struct {
	cancel  context.CancelFunc
	done    chan struct{}
	closing bool
}

// Session owns the single realtime connection of an authenticated client.
// Components share it by reference; nothing else dials the server.
type Session struct {
	dialer Dialer
	opts   Options
	log    *slog.Logger

	mu      sync.Mutex
	link    *link
	conn    Conn
	state   State
	retries int

	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string]*Listeners[Handler]

	connected    Listeners[func()]
	disconnected Listeners[func(Reason)]
	connectErr   Listeners[func(error)]
}

func NewSession(dialer Dialer, opts Options) *Session {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		dialer:   dialer,
		opts:     opts,
		log:      log.With("component", "transport"),
		handlers: make(map[string]*Listeners[Handler]),
	}
}

// Connect starts the connection loop unless one is already running. It
// returns immediately; progress is reported through the lifecycle
// notifications. The loop ends on Disconnect, when ctx is cancelled or when
// the retry budget is spent.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &link{cancel: cancel, done: make(chan struct{})}
	s.link = l
	go s.run(ctx, l)
}

// Disconnect closes the connection without reconnecting and waits for the
// loop to exit. It is a no-op when not connected. It must not be called from
// a handler or a lifecycle notification.
func (s *Session) Disconnect() {
	s.mu.Lock()
	l := s.link
	if l == nil {
		s.mu.Unlock()
		return
	}
	l.closing = true
	s.link = nil
	conn := s.conn
	s.mu.Unlock()

	l.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-l.done
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Retries is the number of failed attempts in the current reconnect cycle.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// On registers a handler for an inbound event type. Handlers run one at a
// time on the read goroutine, in delivery order.
func (s *Session) On(event string, h Handler) (off func()) {
	s.hmu.Lock()
	l, ok := s.handlers[event]
	if !ok {
		l = &Listeners[Handler]{}
		s.handlers[event] = l
	}
	s.hmu.Unlock()
	return l.Add(h)
}

// Listening returns the number of handlers registered for event.
func (s *Session) Listening(event string) int {
	s.hmu.RLock()
	l, ok := s.handlers[event]
	s.hmu.RUnlock()
	if !ok {
		return 0
	}
	return l.Len()
}

func (s *Session) OnConnected(fn func()) (off func()) {
	return s.connected.Add(fn)
}

func (s *Session) OnDisconnected(fn func(Reason)) (off func()) {
	return s.disconnected.Add(fn)
}

func (s *Session) OnConnectError(fn func(error)) (off func()) {
	return s.connectErr.Add(fn)
}

// Emit sends one event. It returns ErrNotConnected while there is no live
// connection.
func (s *Session) Emit(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return s.EmitEnvelope(env)
}

func (s *Session) EmitEnvelope(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", env.Type, err)
	}

	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || state != StateConnected {
		metrics.EmitsTotal.WithLabelValues(env.Type, "deferred").Inc()
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		metrics.EmitsTotal.WithLabelValues(env.Type, "failed").Inc()
		return fmt.Errorf("failed to emit %s: %w", env.Type, err)
	}
	metrics.EmitsTotal.WithLabelValues(env.Type, "sent").Inc()
	return nil
}

func (s *Session) run(ctx context.Context, l *link) {
	defer func() {
		s.mu.Lock()
		if s.link == l {
			s.link = nil
		}
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		l.cancel()
		close(l.done)
	}()

	budget, delay := s.opts.MaxRetries, time.Duration(0)
	for {
		conn, ok := s.dial(ctx, budget, delay)
		if !ok {
			return
		}

		reason, attached := s.serve(ctx, l, conn)
		if !attached {
			return
		}
		metrics.Disconnects.WithLabelValues(string(reason)).Inc()
		s.log.Info("realtime session disconnected", "reason", reason)
		for _, fn := range s.disconnected.Snapshot() {
			fn(reason)
		}

		switch reason {
		case ReasonClient:
			return
		case ReasonServer:
			// The server dropped us on purpose: one immediate attempt only.
			budget, delay = 0, 0
		default:
			budget, delay = s.opts.MaxRetries, s.opts.RetryDelay
		}
	}
}

// dial makes up to budget+1 attempts, waiting delay before the first one and
// RetryDelay between the rest.
func (s *Session) dial(ctx context.Context, budget int, delay time.Duration) (Conn, bool) {
	for attempt := 0; ; attempt++ {
		if delay > 0 && !sleep(ctx, delay) {
			return nil, false
		}

		s.mu.Lock()
		s.retries = attempt
		s.setStateLocked(StateConnecting)
		s.mu.Unlock()

		conn, err := s.dialer.Dial(ctx)
		if err == nil {
			metrics.ConnectAttempts.WithLabelValues("ok").Inc()
			return conn, true
		}
		if ctx.Err() != nil {
			return nil, false
		}

		metrics.ConnectAttempts.WithLabelValues("error").Inc()
		s.mu.Lock()
		s.retries = attempt + 1
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()

		s.log.Warn("realtime connect failed", "attempt", attempt+1, "error", err)
		for _, fn := range s.connectErr.Snapshot() {
			fn(err)
		}

		if attempt >= budget {
			s.log.Error("realtime reconnect budget spent", "attempts", attempt+1)
			return nil, false
		}
		delay = s.opts.RetryDelay
	}
}

// serve runs one established connection until it ends. It reports false when
// the session was torn down before the connection could be used.
func (s *Session) serve(ctx context.Context, l *link, conn Conn) (Reason, bool) {
	s.mu.Lock()
	if l.closing || ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return ReasonClient, false
	}
	s.conn = conn
	s.retries = 0
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.log.Info("realtime session connected")
	for _, fn := range s.connected.Snapshot() {
		fn()
	}

	reason := s.readLoop(ctx, l, conn)

	s.mu.Lock()
	s.conn = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
	_ = conn.Close()

	return reason, true
}

func (s *Session) readLoop(ctx context.Context, l *link, conn Conn) Reason {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := l.closing
			s.mu.Unlock()

			switch {
			case closing || ctx.Err() != nil:
				return ReasonClient
			case errors.Is(err, ErrServerClosed):
				return ReasonServer
			default:
				s.log.Warn("realtime read failed", "error", err)
				return ReasonTransport
			}
		}
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		metrics.EventsTotal.WithLabelValues("malformed").Inc()
		s.log.Warn("dropping malformed frame", "size", len(data), "error", err)
		return
	}

	s.hmu.RLock()
	l, ok := s.handlers[env.Type]
	s.hmu.RUnlock()
	if !ok {
		metrics.EventsTotal.WithLabelValues("unhandled").Inc()
		return
	}

	metrics.EventsTotal.WithLabelValues(env.Type).Inc()
	for _, h := range l.Snapshot() {
		s.call(env.Type, h, env.Data)
	}
}

// call keeps a panicking handler from tearing down the connection.
func (s *Session) call(event string, h Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked", "event", event, "panic", r)
		}
	}()
	h(data)
}

func (s *Session) setStateLocked(state State) {
	s.state = state
	metrics.ConnectionState.Set(float64(state))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package transporttest provides an in-memory stand-in for transport.Session
// so components can be tested without a connection loop.
package transporttest

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"

	"palaver/internal/models"
	"palaver/internal/transport"
)

// Emitted is one frame recorded by Session.Emit.
type Emitted struct {
	Type string
	Data json.RawMessage
}

// Decode unmarshals the recorded payload into v.
func (e Emitted) Decode(t testing.TB, v any) {
	t.Helper()
	if err := json.Unmarshal(e.Data, v); err != nil {
		t.Fatalf("failed to decode %s payload: %v", e.Type, err)
	}
}

type registration struct {
	id    int
	event string
	fn    transport.Handler
}

// Session records emitted frames and lets tests deliver inbound events and
// lifecycle transitions synchronously.
type Session struct {
	mu        sync.Mutex
	connected bool
	seq       int
	handlers  []registration
	onConn    transport.Listeners[func()]
	onDisc    transport.Listeners[func(transport.Reason)]
	emitted   []Emitted
	// EmitErr, when set, is returned by Emit while connected.
	EmitErr error
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) Emit(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return s.EmitEnvelope(env)
}

func (s *Session) EmitEnvelope(env models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return transport.ErrNotConnected
	}
	if s.EmitErr != nil {
		return s.EmitErr
	}
	s.emitted = append(s.emitted, Emitted{Type: env.Type, Data: env.Data})
	return nil
}

func (s *Session) On(event string, fn transport.Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := s.seq
	s.handlers = append(s.handlers, registration{id: id, event: event, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handlers = slices.DeleteFunc(s.handlers, func(r registration) bool { return r.id == id })
	}
}

func (s *Session) OnConnected(fn func()) func() {
	return s.onConn.Add(fn)
}

func (s *Session) OnDisconnected(fn func(transport.Reason)) func() {
	return s.onDisc.Add(fn)
}

// Connect marks the session connected.
func (s *Session) Connect(context.Context) {
	s.SetConnected(true)
}

// Disconnect marks the session disconnected by the client.
func (s *Session) Disconnect() {
	s.setConnected(false, transport.ReasonClient)
}

// SetConnected flips the connection state and runs the matching
// notifications, like the real session's loop does. A drop is reported as a
// transport close.
func (s *Session) SetConnected(connected bool) {
	s.setConnected(connected, transport.ReasonTransport)
}

func (s *Session) setConnected(connected bool, reason transport.Reason) {
	s.mu.Lock()
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.mu.Unlock()

	if connected {
		for _, fn := range s.onConn.Snapshot() {
			fn()
		}
		return
	}
	for _, fn := range s.onDisc.Snapshot() {
		fn(reason)
	}
}

// Deliver runs the handlers registered for event with payload marshalled to
// JSON. A []byte or json.RawMessage payload is delivered verbatim.
func (s *Session) Deliver(t testing.TB, event string, payload any) {
	t.Helper()
	var data json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal %s payload: %v", event, err)
		}
		data = raw
	}

	s.mu.Lock()
	var fns []transport.Handler
	for _, r := range s.handlers {
		if r.event == event {
			fns = append(fns, r.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

// Emitted returns a copy of every recorded frame.
func (s *Session) Emitted() []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.emitted)
}

// Types returns the recorded frame types in order.
func (s *Session) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.emitted))
	for i, e := range s.emitted {
		types[i] = e.Type
	}
	return types
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = nil
}

// Listening returns the number of handlers registered for event.
func (s *Session) Listening(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.handlers {
		if r.event == event {
			n++
		}
	}
	return n
}

// Package membership keeps the client attached to exactly one conversation.
package membership

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"palaver/internal/models"
	"palaver/internal/transport"
)

// Session is the part of transport.Session the manager needs.
type Session interface {
	Emit(event string, payload any) error
	OnConnected(fn func()) (off func())
	OnDisconnected(fn func(transport.Reason)) (off func())
}

// Subscription is the conversation the client is attached to and the user it
// joined as.
type Subscription struct {
	ConversationID string
	UserID         string
}

// Manager issues join/leave control messages as the active conversation
// changes. Every emission happens under one lock, so a join for a new
// conversation is never written before the leave for the previous one.
type Manager struct {
	session Session
	log     *slog.Logger

	mu      sync.Mutex
	current *Subscription
	// joined reports whether the server saw the join for current on the
	// live connection.
	joined bool
	offs   []func()
}

func New(session Session, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		session: session,
		log:     log.With("component", "membership"),
	}
	m.offs = []func(){
		session.OnConnected(m.rejoin),
		session.OnDisconnected(func(transport.Reason) {
			m.mu.Lock()
			m.joined = false
			m.mu.Unlock()
		}),
	}
	return m
}

// SwitchTo attaches to conversationID, leaving the previous conversation
// first. Switching to the current conversation is a no-op. While
// disconnected the local state still changes and the join is sent on the
// next connected notification.
func (m *Manager) SwitchTo(conversationID, userID string) error {
	if conversationID == "" {
		return errors.New("membership: conversation id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.ConversationID == conversationID {
		return nil
	}

	err := m.leaveLocked()
	m.current = &Subscription{ConversationID: conversationID, UserID: userID}
	if err != nil {
		// Without a confirmed leave the join waits for the next connection.
		return err
	}
	return m.joinLocked()
}

// Release leaves the current conversation, if any, and clears the local
// subscription. Views call it on teardown.
func (m *Manager) Release(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	if userID != "" {
		m.current.UserID = userID
	}
	return m.leaveLocked()
}

// Current returns the active subscription.
func (m *Manager) Current() (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Subscription{}, false
	}
	return *m.current, true
}

// Close releases the current conversation and stops following the session's
// lifecycle.
func (m *Manager) Close() error {
	err := m.Release("")
	for _, off := range m.offs {
		off()
	}
	return err
}

func (m *Manager) rejoin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.joined {
		return
	}
	if err := m.joinLocked(); err != nil {
		m.log.Warn("failed to rejoin conversation", "conversation_id", m.current.ConversationID, "error", err)
	}
}

func (m *Manager) joinLocked() error {
	err := m.session.Emit(models.ClientEventJoinConversation, models.ConversationControl{
		ConversationID: m.current.ConversationID,
		UserID:         m.current.UserID,
	})
	switch {
	case err == nil:
		m.joined = true
		return nil
	case errors.Is(err, transport.ErrNotConnected):
		m.joined = false
		m.log.Debug("join deferred until connected", "conversation_id", m.current.ConversationID)
		return nil
	default:
		m.joined = false
		return fmt.Errorf("join conversation %s: %w", m.current.ConversationID, err)
	}
}

// leaveLocked always clears the subscription; a leave the server can't
// receive is not needed because a fresh connection starts with none.
func (m *Manager) leaveLocked() error {
	if m.current == nil {
		return nil
	}
	prev := *m.current
	wasJoined := m.joined
	m.current = nil
	m.joined = false

	if !wasJoined {
		return nil
	}
	err := m.session.Emit(models.ClientEventLeaveConversation, models.ConversationControl{
		ConversationID: prev.ConversationID,
		UserID:         prev.UserID,
	})
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return fmt.Errorf("leave conversation %s: %w", prev.ConversationID, err)
	}
	return nil
}

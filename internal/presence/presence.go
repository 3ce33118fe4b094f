// Package presence tracks which users of a workspace are online.
package presence

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"palaver/internal/metrics"
	"palaver/internal/models"
	"palaver/internal/transport"
)

type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// Session is the part of transport.Session the tracker needs.
type Session interface {
	Emit(event string, payload any) error
	On(event string, fn transport.Handler) (off func())
	OnConnected(fn func()) (off func())
	OnDisconnected(fn func(transport.Reason)) (off func())
	Connected() bool
}

// Tracker holds the online set of one workspace at a time.
type Tracker struct {
	session Session
	log     *slog.Logger

	mu          sync.Mutex
	state       State
	workspaceID string
	userID      string
	joined      bool
	online      map[string]struct{}
	offs        []func()

	listeners transport.Listeners[func(online []string)]
}

func New(session Session, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		session: session,
		log:     log.With("component", "presence"),
	}
}

// Subscribe starts tracking workspaceID as userID. A previous workspace is
// dropped first. The join-workspace-online message goes out now if the
// session is connected, otherwise on the next connected notification, and
// again after every reconnect.
func (t *Tracker) Subscribe(workspaceID, userID string) error {
	if workspaceID == "" || userID == "" {
		return errors.New("presence: workspace and user ids are required")
	}

	t.mu.Lock()
	if t.state != StateUnsubscribed && t.workspaceID == workspaceID && t.userID == userID {
		t.mu.Unlock()
		return nil
	}
	t.unsubscribeLocked()

	t.workspaceID = workspaceID
	t.userID = userID
	t.online = make(map[string]struct{})
	t.state = StateSubscribing
	t.offs = []func(){
		t.session.On(models.ServerEventUsersOnline, t.handleSnapshot),
		t.session.On(models.ServerEventUserOnline, t.handleOnline),
		t.session.On(models.ServerEventUserOffline, t.handleOffline),
		t.session.OnConnected(t.join),
		t.session.OnDisconnected(func(transport.Reason) {
			t.mu.Lock()
			t.joined = false
			t.mu.Unlock()
		}),
	}
	t.mu.Unlock()

	if t.session.Connected() {
		t.join()
	}
	return nil
}

// Unsubscribe removes every handler and clears the online set.
func (t *Tracker) Unsubscribe() {
	t.mu.Lock()
	wasTracking := t.state != StateUnsubscribed
	t.unsubscribeLocked()
	t.mu.Unlock()

	if wasTracking {
		t.notify()
	}
}

func (t *Tracker) unsubscribeLocked() {
	for _, off := range t.offs {
		off()
	}
	t.offs = nil
	t.state = StateUnsubscribed
	t.workspaceID = ""
	t.userID = ""
	t.joined = false
	t.online = nil
	metrics.OnlineUsers.Set(0)
}

func (t *Tracker) join() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateUnsubscribed || t.joined {
		return
	}
	err := t.session.Emit(models.ClientEventJoinWorkspace, models.WorkspaceControl{
		WorkspaceID: t.workspaceID,
		UserID:      t.userID,
	})
	switch {
	case err == nil:
		t.joined = true
	case errors.Is(err, transport.ErrNotConnected):
		// Retried from the connected notification.
	default:
		t.log.Warn("failed to join workspace presence", "workspace_id", t.workspaceID, "error", err)
	}
}

func (t *Tracker) handleSnapshot(data json.RawMessage) {
	var ids models.PresenceSnapshot
	if err := json.Unmarshal(data, &ids); err != nil {
		t.log.Warn("dropping malformed presence snapshot", "error", err)
		return
	}

	t.mu.Lock()
	if t.state == StateUnsubscribed {
		t.mu.Unlock()
		return
	}
	t.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			t.online[id] = struct{}{}
		}
	}
	t.state = StateSubscribed
	metrics.OnlineUsers.Set(float64(len(t.online)))
	t.mu.Unlock()

	t.notify()
}

func (t *Tracker) handleOnline(data json.RawMessage) {
	t.apply(data, func(id string) bool {
		if _, ok := t.online[id]; ok {
			return false
		}
		t.online[id] = struct{}{}
		return true
	})
}

func (t *Tracker) handleOffline(data json.RawMessage) {
	t.apply(data, func(id string) bool {
		if _, ok := t.online[id]; !ok {
			return false
		}
		delete(t.online, id)
		return true
	})
}

func (t *Tracker) apply(data json.RawMessage, mutate func(id string) bool) {
	var change models.PresenceChange
	if err := json.Unmarshal(data, &change); err != nil || change.UserID == "" {
		t.log.Warn("dropping malformed presence change", "error", err)
		return
	}

	t.mu.Lock()
	if t.state == StateUnsubscribed {
		t.mu.Unlock()
		return
	}
	changed := mutate(change.UserID)
	metrics.OnlineUsers.Set(float64(len(t.online)))
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// OnChange registers fn to receive the sorted online set after each change.
func (t *Tracker) OnChange(fn func(online []string)) (off func()) {
	return t.listeners.Add(fn)
}

func (t *Tracker) notify() {
	online := t.Online()
	for _, fn := range t.listeners.Snapshot() {
		fn(online)
	}
}

// Online returns the online user ids in sorted order.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) WorkspaceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workspaceID
}

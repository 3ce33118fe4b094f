// Package chat reconciles realtime message events into the ordered timeline of
// one conversation.
package chat

import (
	"log/slog"
	"slices"
	"sync"

	"palaver/internal/metrics"
	"palaver/internal/models"
)

// Outcome reports what a reconciliation step did with an event.
type Outcome int

const (
	// Applied means the timeline changed.
	Applied Outcome = iota
	// Duplicate means a receive for an id already in the timeline.
	Duplicate
	// NotLoaded means an edit, delete or react for a message outside the
	// loaded window.
	NotLoaded
	// Filtered means the event belongs to another conversation.
	Filtered
	// Malformed means a required identifier was missing.
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case NotLoaded:
		return "not_loaded"
	case Filtered:
		return "filtered"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Op names a reconciliation operation.
type Op string

const (
	OpReceive Op = "receive"
	OpEdit    Op = "edit"
	OpDelete  Op = "delete"
	OpReact   Op = "react"
	OpLoad    Op = "load"
	OpPrepend Op = "prepend"
)

// Change describes an applied mutation.
type Change struct {
	Op        Op
	MessageID string
}

type Config struct {
	ConversationID string
	Logger         *slog.Logger
	ChangeCallback func(change Change)
}

// Timeline holds the loaded messages of one conversation in display order.
type Timeline struct {
	ConversationID string

	ChangeCallback func(change Change)

	log      *slog.Logger
	messages []models.Message
	mux      sync.RWMutex
}

func New(config Config) *Timeline {
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Timeline{
		ConversationID: config.ConversationID,
		ChangeCallback: config.ChangeCallback,
		log:            log.With("component", "timeline", "conversation_id", config.ConversationID),
	}
}

// Receive appends msg unless a message with the same id is already present.
// Replayed deliveries after a reconnect land here as duplicates.
func (t *Timeline) Receive(msg models.Message) Outcome {
	if o, ok := t.check(OpReceive, msg.ID, msg.ConversationID); !ok {
		return o
	}

	t.mux.Lock()
	if t.indexLocked(msg.ID) >= 0 {
		t.mux.Unlock()
		return t.record(OpReceive, msg.ID, Duplicate)
	}
	t.messages = append(t.messages, msg.Clone())
	t.mux.Unlock()

	return t.record(OpReceive, msg.ID, Applied)
}

// Edit replaces content and update time of the matching message in place.
func (t *Timeline) Edit(msg models.Message) Outcome {
	if o, ok := t.check(OpEdit, msg.ID, msg.ConversationID); !ok {
		return o
	}

	t.mux.Lock()
	i := t.indexLocked(msg.ID)
	if i < 0 {
		t.mux.Unlock()
		return t.record(OpEdit, msg.ID, NotLoaded)
	}
	t.messages[i].Content = msg.Content
	if !msg.UpdatedAt.IsZero() {
		t.messages[i].UpdatedAt = msg.UpdatedAt
	}
	t.mux.Unlock()

	return t.record(OpEdit, msg.ID, Applied)
}

// Delete removes the matching message.
func (t *Timeline) Delete(msg models.Message) Outcome {
	if o, ok := t.check(OpDelete, msg.ID, msg.ConversationID); !ok {
		return o
	}

	t.mux.Lock()
	i := t.indexLocked(msg.ID)
	if i < 0 {
		t.mux.Unlock()
		return t.record(OpDelete, msg.ID, NotLoaded)
	}
	t.messages = slices.Delete(t.messages, i, i+1)
	t.mux.Unlock()

	return t.record(OpDelete, msg.ID, Applied)
}

// React toggles ev.UserID in the ev.Emoji reaction of the target message.
// Count always follows the user set and a reaction left without users is
// removed. New reactions go to the end of the list.
func (t *Timeline) React(ev models.ReactEvent) Outcome {
	if ev.Emoji == "" || ev.UserID == "" {
		t.log.Warn("dropping malformed react event", "message_id", ev.MessageID, "emoji", ev.Emoji, "user_id", ev.UserID)
		return t.record(OpReact, ev.MessageID, Malformed)
	}
	if o, ok := t.check(OpReact, ev.MessageID, ev.ConversationID); !ok {
		return o
	}

	t.mux.Lock()
	i := t.indexLocked(ev.MessageID)
	if i < 0 {
		t.mux.Unlock()
		return t.record(OpReact, ev.MessageID, NotLoaded)
	}
	t.messages[i].Reactions = toggle(t.messages[i].Reactions, ev.Emoji, ev.UserID)
	t.mux.Unlock()

	return t.record(OpReact, ev.MessageID, Applied)
}

func toggle(reactions []models.Reaction, emoji, userID string) []models.Reaction {
	ri := slices.IndexFunc(reactions, func(r models.Reaction) bool { return r.Emoji == emoji })
	if ri < 0 {
		return append(reactions, models.Reaction{Emoji: emoji, Count: 1, Users: []string{userID}})
	}

	r := &reactions[ri]
	if ui := slices.Index(r.Users, userID); ui >= 0 {
		r.Users = slices.Delete(r.Users, ui, ui+1)
	} else {
		r.Users = append(r.Users, userID)
	}
	r.Count = len(r.Users)

	if r.Count == 0 {
		return slices.Delete(reactions, ri, ri+1)
	}
	return reactions
}

// Load replaces the timeline with page. Messages of other conversations,
// messages without an id and repeated ids are skipped.
func (t *Timeline) Load(page []models.Message) int {
	t.mux.Lock()
	loaded := t.mergeLocked(nil, page)
	t.messages = loaded
	t.mux.Unlock()

	t.record(OpLoad, "", Applied)
	return len(loaded)
}

// Prepend puts an older page in front of the loaded messages, skipping ids
// already present. It returns the number of messages added.
func (t *Timeline) Prepend(page []models.Message) int {
	t.mux.Lock()
	older := t.mergeLocked(t.messages, page)
	added := len(older)
	t.messages = append(older, t.messages...)
	t.mux.Unlock()

	if added > 0 {
		t.record(OpPrepend, "", Applied)
	}
	return added
}

// mergeLocked returns clones of the page entries that belong here and are not
// in existing or earlier in page.
func (t *Timeline) mergeLocked(existing, page []models.Message) []models.Message {
	seen := make(map[string]struct{}, len(existing)+len(page))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}

	out := make([]models.Message, 0, len(page))
	for _, m := range page {
		if m.ID == "" || m.ConversationID != t.ConversationID {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m.Clone())
	}
	return out
}

// Messages returns a deep copy of the timeline.
func (t *Timeline) Messages() []models.Message {
	t.mux.RLock()
	defer t.mux.RUnlock()

	out := make([]models.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// Get returns a copy of the message with id.
func (t *Timeline) Get(id string) (models.Message, bool) {
	t.mux.RLock()
	defer t.mux.RUnlock()

	i := t.indexLocked(id)
	if i < 0 {
		return models.Message{}, false
	}
	return t.messages[i].Clone(), true
}

func (t *Timeline) Len() int {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return len(t.messages)
}

func (t *Timeline) indexLocked(id string) int {
	return slices.IndexFunc(t.messages, func(m models.Message) bool { return m.ID == id })
}

// check drops events without a message id or addressed to another
// conversation.
func (t *Timeline) check(op Op, messageID, conversationID string) (Outcome, bool) {
	if messageID == "" {
		t.log.Warn("dropping event without message id", "op", op)
		return t.record(op, "", Malformed), false
	}
	if conversationID != t.ConversationID {
		t.log.Debug("dropping event for another conversation", "op", op, "message_id", messageID, "event_conversation_id", conversationID)
		return t.record(op, messageID, Filtered), false
	}
	return Applied, true
}

func (t *Timeline) record(op Op, messageID string, o Outcome) Outcome {
	metrics.ReconcileTotal.WithLabelValues(string(op), o.String()).Inc()
	if o == Applied && t.ChangeCallback != nil {
		t.ChangeCallback(Change{Op: op, MessageID: messageID})
	}
	return o
}

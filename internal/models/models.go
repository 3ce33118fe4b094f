package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// Profile is the display-ready identity of a user.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Sender references the author of a message. On the wire it is either a bare
// user identifier ("u5") or a full profile object.
type Sender struct {
	ID      string
	Profile *Profile
}

// BareSender returns an unresolved sender reference.
func BareSender(id string) Sender {
	return Sender{ID: id}
}

// ProfileSender returns a sender that is already enriched.
func ProfileSender(p Profile) Sender {
	return Sender{ID: p.ID, Profile: &p}
}

// Resolved reports whether the sender carries a profile.
func (s Sender) Resolved() bool {
	return s.Profile != nil
}

// DisplayName falls back to the identifier when the profile is unknown.
func (s Sender) DisplayName() string {
	if s.Profile != nil && s.Profile.DisplayName != "" {
		return s.Profile.DisplayName
	}
	return s.ID
}

func (s Sender) MarshalJSON() ([]byte, error) {
	if s.Profile != nil {
		return json.Marshal(s.Profile)
	}
	return json.Marshal(s.ID)
}

func (s *Sender) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = Sender{}
		return nil
	}

	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return fmt.Errorf("invalid sender id: %w", err)
		}
		*s = BareSender(id)
		return nil
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid sender profile: %w", err)
	}
	*s = ProfileSender(p)
	return nil
}

// Reaction aggregates every user that reacted to a message with one emoji.
// Count always equals len(Users).
type Reaction struct {
	ID    string   `json:"id,omitempty"`
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one element of a conversation timeline.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         Sender       `json:"sender"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Clone returns a deep copy so callers can't mutate timeline state.
func (m Message) Clone() Message {
	if m.Sender.Profile != nil {
		p := *m.Sender.Profile
		m.Sender.Profile = &p
	}
	if m.Reactions != nil {
		reactions := make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			r.Users = append([]string(nil), r.Users...)
			reactions[i] = r
		}
		m.Reactions = reactions
	}
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// ReactEvent toggles a user's reaction on a message.
type ReactEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Emoji          string `json:"emoji"`
	UserID         string `json:"userId"`
}

// Envelope is a single realtime frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a frame of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Data: data}, nil
}

// ConversationControl is the payload of join-conversation and leave-conversation.
type ConversationControl struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// WorkspaceControl is the payload of join-workspace-online.
type WorkspaceControl struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

// PresenceSnapshot is the payload of users-online: every online user id.
type PresenceSnapshot []string

// PresenceChange is the payload of user-online and user-offline. Servers send
// either the bare id or an object with a userId field.
type PresenceChange struct {
	UserID string `json:"userId"`
}

func (p *PresenceChange) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.UserID)
	}
	type alias PresenceChange
	return json.Unmarshal(data, (*alias)(p))
}

// ClientEvent names frames sent by the client.
type ClientEvent = string

const (
	ClientEventJoinConversation  ClientEvent = "join-conversation"
	ClientEventLeaveConversation ClientEvent = "leave-conversation"
	ClientEventJoinWorkspace     ClientEvent = "join-workspace-online"
	ClientEventSendMessage       ClientEvent = "send-message"
	ClientEventEditMessage       ClientEvent = "edit-message"
	ClientEventDeleteMessage     ClientEvent = "delete-message"
	ClientEventReactMessage      ClientEvent = "react-message"
)

// ServerEvent names frames received from the server.
type ServerEvent = string

const (
	ServerEventReceiveMessage ServerEvent = "receive-message"
	ServerEventEditMessage    ServerEvent = "receive-edit-message"
	ServerEventDeleteMessage  ServerEvent = "receive-delete-message"
	ServerEventReactMessage   ServerEvent = "receive-react-message"
	ServerEventUsersOnline    ServerEvent = "users-online"
	ServerEventUserOnline     ServerEvent = "user-online"
	ServerEventUserOffline    ServerEvent = "user-offline"
)

// Package client wires the realtime session, presence, membership, sender
// enrichment and the outbox into one handle per authenticated user.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"palaver/internal/chat"
	"palaver/internal/membership"
	"palaver/internal/models"
	"palaver/internal/presence"
	"palaver/internal/transport"
)

var ErrNoView = errors.New("no conversation open")

const (
	DefaultViewBuffer   = 64
	enrichConcurrency   = 8
	defaultOpenDeadline = 10 * time.Second
)

// Session is the part of transport.Session the client needs.
type Session interface {
	presence.Session
	EmitEnvelope(env models.Envelope) error
	Connect(ctx context.Context)
	Disconnect()
}

// Resolver enriches bare senders with profiles.
type Resolver interface {
	Resolve(ctx context.Context, s models.Sender) models.Sender
}

// Outbox queues frames published while disconnected.
type Outbox interface {
	Push(env models.Envelope) error
	Drain(send func(models.Envelope) error) (int, error)
	Len() (int, error)
}

type Config struct {
	UserID string
	// Profile of the authenticated user, used as the sender of local
	// messages. Optional.
	Profile *models.Profile
	// ViewBuffer is the number of inbound events a view queues before the
	// read loop waits for it.
	ViewBuffer int
	Logger     *slog.Logger
}

type Client struct {
	session    Session
	resolver   Resolver
	outbox     Outbox
	presence   *presence.Tracker
	membership *membership.Manager

	userID     string
	profile    *models.Profile
	viewBuffer int
	log        *slog.Logger

	mu   sync.Mutex
	view *View

	// pubMu keeps direct emits from overtaking frames still in the outbox.
	pubMu sync.Mutex

	offs []func()
}

func New(session Session, resolver Resolver, outbox Outbox, cfg Config) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("client: user id is required")
	}
	if cfg.ViewBuffer <= 0 {
		cfg.ViewBuffer = DefaultViewBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		session:    session,
		resolver:   resolver,
		outbox:     outbox,
		presence:   presence.New(session, log),
		membership: membership.New(session, log),
		userID:     cfg.UserID,
		profile:    cfg.Profile,
		viewBuffer: cfg.ViewBuffer,
		log:        log.With("component", "client", "user_id", cfg.UserID),
	}
	// Registered after membership so a queued message follows the rejoin.
	c.offs = append(c.offs, session.OnConnected(c.flush))
	return c, nil
}

// Start opens the realtime connection.
func (c *Client) Start(ctx context.Context) {
	c.session.Connect(ctx)
}

// Close tears down the open view, presence and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	v := c.view
	c.view = nil
	c.mu.Unlock()

	var errs []error
	if v != nil {
		errs = append(errs, v.close(true))
	}
	c.presence.Unsubscribe()
	errs = append(errs, c.membership.Close())
	for _, off := range c.offs {
		off()
	}
	c.session.Disconnect()
	return errors.Join(errs...)
}

func (c *Client) UserID() string {
	return c.userID
}

// Presence exposes the online set of the open workspace.
func (c *Client) Presence() *presence.Tracker {
	return c.presence
}

func (c *Client) OpenWorkspace(workspaceID string) error {
	return c.presence.Subscribe(workspaceID, c.userID)
}

func (c *Client) CloseWorkspace() {
	c.presence.Unsubscribe()
}

// Open switches to conversationID and returns a view seeded with page, the
// latest loaded messages in display order. The previous view is closed.
func (c *Client) Open(ctx context.Context, conversationID string, page []models.Message) (*View, error) {
	if conversationID == "" {
		return nil, errors.New("client: conversation id is required")
	}

	page = append([]models.Message(nil), page...)
	c.enrich(ctx, page)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.view != nil {
		// Membership moves in SwitchTo below, leave first then join.
		_ = c.view.close(false)
		c.view = nil
	}

	v := newView(c, conversationID)
	v.timeline.Load(page)

	if err := c.membership.SwitchTo(conversationID, c.userID); err != nil {
		c.log.Warn("conversation join will be retried on reconnect", "conversation_id", conversationID, "error", err)
	}
	v.start()
	c.view = v
	return v, nil
}

// View returns the open view, if any.
func (c *Client) View() *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *Client) detach(v *View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view == v {
		c.view = nil
	}
}

// enrich resolves the senders of page in place. Distinct senders are looked
// up concurrently.
func (c *Client) enrich(ctx context.Context, page []models.Message) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultOpenDeadline)
		defer cancel()
	}

	var bare []string
	seen := make(map[string]struct{})
	for _, m := range page {
		if m.Sender.Resolved() || m.Sender.ID == "" {
			continue
		}
		if _, ok := seen[m.Sender.ID]; !ok {
			seen[m.Sender.ID] = struct{}{}
			bare = append(bare, m.Sender.ID)
		}
	}
	if len(bare) == 0 {
		return
	}

	var mu sync.Mutex
	resolved := make(map[string]models.Sender, len(bare))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for _, id := range bare {
		g.Go(func() error {
			s := c.resolver.Resolve(gctx, models.BareSender(id))
			mu.Lock()
			resolved[id] = s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i := range page {
		if s, ok := resolved[page[i].Sender.ID]; ok && !page[i].Sender.Resolved() {
			page[i].Sender = s
		}
	}
}

func (c *Client) self() models.Sender {
	if c.profile != nil {
		return models.ProfileSender(*c.profile)
	}
	return models.BareSender(c.userID)
}

func (c *Client) currentView() (*View, error) {
	v := c.View()
	if v == nil {
		return nil, ErrNoView
	}
	return v, nil
}

// Send posts a new message to the open conversation. The message shows up in
// the view immediately and the server echo is absorbed as a duplicate.
func (c *Client) Send(text string, attachments ...models.Attachment) (models.Message, error) {
	v, err := c.currentView()
	if err != nil {
		return models.Message{}, err
	}

	now := time.Now().UTC()
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: v.ConversationID,
		Sender:         c.self(),
		Content:        text,
		CreatedAt:      now,
		UpdatedAt:      now,
		Attachments:    attachments,
	}
	v.timeline.Receive(msg)
	return msg, c.publish(models.ClientEventSendMessage, msg)
}

// Edit replaces the text of messageID.
func (c *Client) Edit(messageID, text string) error {
	v, err := c.currentView()
	if err != nil {
		return err
	}

	msg, ok := v.timeline.Get(messageID)
	if !ok {
		msg = models.Message{ID: messageID, ConversationID: v.ConversationID}
	}
	msg.Content = text
	msg.UpdatedAt = time.Now().UTC()
	v.timeline.Edit(msg)
	return c.publish(models.ClientEventEditMessage, msg)
}

func (c *Client) Delete(messageID string) error {
	v, err := c.currentView()
	if err != nil {
		return err
	}

	msg := models.Message{ID: messageID, ConversationID: v.ConversationID}
	v.timeline.Delete(msg)
	return c.publish(models.ClientEventDeleteMessage, msg)
}

// React toggles the authenticated user's emoji reaction on messageID. The
// server's broadcast of the toggle is absorbed by the view.
func (c *Client) React(messageID, emoji string) error {
	v, err := c.currentView()
	if err != nil {
		return err
	}

	ev := models.ReactEvent{
		MessageID:      messageID,
		ConversationID: v.ConversationID,
		Emoji:          emoji,
		UserID:         c.userID,
	}
	switch v.timeline.React(ev) {
	case chat.Malformed:
		return fmt.Errorf("invalid reaction %q on %q", emoji, messageID)
	case chat.Applied:
		v.expectEcho(ev)
	}
	return c.publish(models.ClientEventReactMessage, ev)
}

// publish emits a local action, or queues it when the connection is down or
// older frames are still waiting.
func (c *Client) publish(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if n, _ := c.outbox.Len(); n == 0 {
		err := c.session.EmitEnvelope(env)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrNotConnected) {
			c.log.Warn("emit failed, queueing", "event", event, "error", err)
		}
	}

	if err := c.outbox.Push(env); err != nil {
		return fmt.Errorf("failed to queue %s: %w", event, err)
	}
	c.log.Debug("queued until connected", "event", event)
	return nil
}

// flush sends queued frames after a (re)connect.
func (c *Client) flush() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	n, err := c.outbox.Drain(c.session.EmitEnvelope)
	if n > 0 {
		c.log.Info("flushed queued frames", "count", n)
	}
	if err != nil {
		c.log.Warn("outbox flush stopped", "error", err)
	}
}

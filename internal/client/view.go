package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"palaver/internal/chat"
	"palaver/internal/content"
	"palaver/internal/metrics"
	"palaver/internal/models"
	"palaver/internal/transport"
)

// reactKey identifies a local reaction toggle awaiting its server echo.
type reactKey struct {
	messageID string
	emoji     string
	userID    string
}

type inbound struct {
	op   chat.Op
	data json.RawMessage
}

// View is one open conversation. Inbound events are applied by a single
// worker in delivery order; only sender enrichment waits on the network.
type View struct {
	ConversationID string

	client   *Client
	timeline *chat.Timeline
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan inbound
	done   chan struct{}
	offs   []func()

	closeOnce sync.Once
	closeErr  error

	pmu     sync.Mutex
	pending map[reactKey]int

	listeners transport.Listeners[func(chat.Change)]
}

func newView(c *Client, conversationID string) *View {
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		ConversationID: conversationID,
		client:         c,
		log:            c.log.With("conversation_id", conversationID),
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan inbound, c.viewBuffer),
		done:           make(chan struct{}),
		pending:        make(map[reactKey]int),
	}
	v.timeline = chat.New(chat.Config{
		ConversationID: conversationID,
		Logger:         c.log,
		ChangeCallback: v.notify,
	})
	return v
}

func (v *View) start() {
	s := v.client.session
	v.offs = []func(){
		s.On(models.ServerEventReceiveMessage, v.enqueue(chat.OpReceive)),
		s.On(models.ServerEventEditMessage, v.enqueue(chat.OpEdit)),
		s.On(models.ServerEventDeleteMessage, v.enqueue(chat.OpDelete)),
		s.On(models.ServerEventReactMessage, v.enqueue(chat.OpReact)),
	}
	go v.run()
}

func (v *View) enqueue(op chat.Op) func(json.RawMessage) {
	return func(data json.RawMessage) {
		select {
		case v.events <- inbound{op: op, data: data}:
		case <-v.ctx.Done():
		}
	}
}

func (v *View) run() {
	defer close(v.done)
	for {
		select {
		case <-v.ctx.Done():
			return
		case ev := <-v.events:
			v.apply(ev)
		}
	}
}

func (v *View) apply(ev inbound) {
	if ev.op == chat.OpReact {
		var react models.ReactEvent
		if err := json.Unmarshal(ev.data, &react); err != nil {
			v.malformed(ev.op, err)
			return
		}
		if react.ConversationID == v.ConversationID && v.absorbEcho(react) {
			metrics.ReconcileTotal.WithLabelValues(string(chat.OpReact), chat.Duplicate.String()).Inc()
			return
		}
		v.timeline.React(react)
		return
	}

	var msg models.Message
	if err := json.Unmarshal(ev.data, &msg); err != nil {
		v.malformed(ev.op, err)
		return
	}

	switch ev.op {
	case chat.OpReceive:
		msg = content.SanitizeMessage(msg)
		if msg.ID != "" && msg.ConversationID == v.ConversationID {
			msg.Sender = v.client.resolver.Resolve(v.ctx, msg.Sender)
		}
		if v.ctx.Err() != nil {
			// Torn down while enriching.
			return
		}
		v.timeline.Receive(msg)
	case chat.OpEdit:
		msg.Content = content.Sanitize(msg.Content)
		v.timeline.Edit(msg)
	case chat.OpDelete:
		v.timeline.Delete(msg)
	}
}

// expectEcho records a toggle already applied locally so the server's
// broadcast of it is not applied a second time.
func (v *View) expectEcho(ev models.ReactEvent) {
	v.pmu.Lock()
	defer v.pmu.Unlock()
	v.pending[reactKey{ev.MessageID, ev.Emoji, ev.UserID}]++
}

func (v *View) absorbEcho(ev models.ReactEvent) bool {
	if ev.UserID != v.client.userID {
		return false
	}
	key := reactKey{ev.MessageID, ev.Emoji, ev.UserID}

	v.pmu.Lock()
	defer v.pmu.Unlock()
	n := v.pending[key]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(v.pending, key)
	} else {
		v.pending[key] = n - 1
	}
	return true
}

func (v *View) malformed(op chat.Op, err error) {
	metrics.ReconcileTotal.WithLabelValues(string(op), chat.Malformed.String()).Inc()
	v.log.Warn("dropping undecodable event", "op", op, "error", err)
}

// Messages returns a snapshot of the conversation in display order.
func (v *View) Messages() []models.Message {
	return v.timeline.Messages()
}

// Get returns a copy of one loaded message.
func (v *View) Get(id string) (models.Message, bool) {
	return v.timeline.Get(id)
}

func (v *View) Len() int {
	return v.timeline.Len()
}

// LoadOlder puts an older page in front of the loaded messages.
func (v *View) LoadOlder(ctx context.Context, page []models.Message) int {
	page = slices.Clone(page)
	v.client.enrich(ctx, page)
	return v.timeline.Prepend(page)
}

// OnChange registers fn to run after every applied change. It runs on the
// goroutine that made the change.
func (v *View) OnChange(fn func(chat.Change)) (off func()) {
	return v.listeners.Add(fn)
}

func (v *View) notify(change chat.Change) {
	for _, fn := range v.listeners.Snapshot() {
		fn(change)
	}
}

// Close leaves the conversation, stops applying events and drops results of
// lookups still in flight.
func (v *View) Close() error {
	v.client.detach(v)
	return v.close(true)
}

func (v *View) close(release bool) error {
	v.closeOnce.Do(func() {
		for _, off := range v.offs {
			off()
		}
		v.cancel()
		if v.offs != nil {
			<-v.done
		}
		if release {
			v.closeErr = v.client.membership.Release(v.client.userID)
		}
	})
	return v.closeErr
}

// Done is closed when the view is closed.
func (v *View) Done() <-chan struct{} {
	return v.ctx.Done()
}

package commands

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"palaver/internal/client"
	"palaver/internal/models"
	"palaver/internal/storage"
	"palaver/internal/transport/transporttest"
)

type passthrough struct{}

func (passthrough) Resolve(_ context.Context, s models.Sender) models.Sender { return s }

type stubHistory struct {
	page []models.Message
	err  error
}

func (h stubHistory) Messages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	return h.page, h.err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newShell(t *testing.T, history History) (*Shell, *transporttest.Session, *syncBuffer) {
	t.Helper()
	session := transporttest.NewSession()
	c, err := client.New(session, passthrough{}, storage.NewMemoryOutbox(), client.Config{UserID: "me"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	c.Start(context.Background())

	out := &syncBuffer{}
	return NewShell(c, history, 20, out), session, out
}

func TestShell_OpenAndSend(t *testing.T) {
	history := stubHistory{page: []models.Message{
		{ID: "m1", ConversationID: "c1", Sender: models.BareSender("u5"), Content: "earlier"},
	}}
	sh, session, out := newShell(t, history)
	ctx := context.Background()

	require.NoError(t, sh.Execute(ctx, "/open c1"))
	require.Contains(t, out.String(), "joined c1 (1 messages)")

	require.NoError(t, sh.Execute(ctx, "hello world"))
	require.Equal(t, []string{models.ClientEventJoinConversation, models.ClientEventSendMessage}, session.Types())
	require.Contains(t, out.String(), "me: hello world")

	session.Deliver(t, models.ServerEventReceiveMessage, models.Message{ID: "m2", ConversationID: "c1", Sender: models.BareSender("u6"), Content: "hey"})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "m2 u6: hey")
	}, time.Second, 5*time.Millisecond)
}

func TestShell_Commands(t *testing.T) {
	sh, session, out := newShell(t, nil)
	ctx := context.Background()

	require.NoError(t, sh.Execute(ctx, "/open c1"))
	require.NoError(t, sh.Execute(ctx, "/react m1 👍"))
	require.NoError(t, sh.Execute(ctx, "/edit m1 new text"))
	require.NoError(t, sh.Execute(ctx, "/delete m1"))
	require.NoError(t, sh.Execute(ctx, "/workspace w1"))
	require.NoError(t, sh.Execute(ctx, "   "))

	require.Equal(t, []string{
		models.ClientEventJoinConversation,
		models.ClientEventReactMessage,
		models.ClientEventEditMessage,
		models.ClientEventDeleteMessage,
		models.ClientEventJoinWorkspace,
	}, session.Types())

	session.Deliver(t, models.ServerEventUsersOnline, []string{"u2", "u1"})
	require.NoError(t, sh.Execute(ctx, "/online"))
	require.Contains(t, out.String(), "online: u1, u2")
}

func TestShell_Errors(t *testing.T) {
	sh, _, out := newShell(t, stubHistory{err: errors.New("api down")})
	ctx := context.Background()

	require.ErrorIs(t, sh.Execute(ctx, "hello"), client.ErrNoView)
	require.ErrorIs(t, sh.Execute(ctx, "/history"), client.ErrNoView)
	require.ErrorIs(t, sh.Execute(ctx, "/quit"), ErrQuit)
	require.Error(t, sh.Execute(ctx, "/react m1"))
	require.Error(t, sh.Execute(ctx, "/open"))
	require.Error(t, sh.Execute(ctx, "/dance"))

	require.NoError(t, sh.Execute(ctx, "/open c1"))
	require.Contains(t, out.String(), "history unavailable: api down")
}

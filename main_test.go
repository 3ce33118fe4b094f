package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"palaver/internal/models"
)

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

// newBackend serves the directory API and a chat socket that echoes every
// sent message back to the sender.
func newBackend(t *testing.T, sent chan<- models.Message) *httptest.Server {
	t.Helper()
	profiles := map[string]models.Profile{
		"me": {ID: "me", DisplayName: "Me Myself"},
		"u5": {ID: "u5", DisplayName: "Ada"},
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, ok := profiles[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	})
	mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.Message{{
			ID:             "m1",
			ConversationID: r.PathValue("id"),
			Sender:         models.BareSender("u5"),
			Content:        "earlier",
			CreatedAt:      time.Now(),
		}})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer func() { _ = ws.Close() }()

		for {
			var env models.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != models.ClientEventSendMessage {
				continue
			}
			var m models.Message
			if err := json.Unmarshal(env.Data, &m); err != nil {
				t.Errorf("bad send-message payload: %v", err)
				return
			}
			sent <- m
			echo, err := models.NewEnvelope(models.ServerEventReceiveMessage, m)
			if err != nil {
				return
			}
			if err := ws.WriteJSON(echo); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = busy.Close() }()

	tests := []struct {
		name        string
		metricsAddr string
	}{
		{"MetricsPortInUse", busy.Addr().String()},
		{"MetricsDisabled", ""},
		{"MetricsEnabled", "127.0.0.1:0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testRunSession(t, tt.metricsAddr)
		})
	}
}

func testRunSession(t *testing.T, metricsAddr string) {
	sent := make(chan models.Message, 8)
	srv := newBackend(t, sent)

	t.Setenv("PALAVER_WS_URL", "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/chat")
	t.Setenv("PALAVER_API_URL", srv.URL)
	t.Setenv("PALAVER_TOKEN", "secret")
	t.Setenv("PALAVER_USER_ID", "me")
	t.Setenv("PALAVER_CONVERSATION_ID", "c1")
	t.Setenv("PALAVER_OUTBOX_DB", filepath.Join(t.TempDir(), "outbox.db"))
	t.Setenv("PALAVER_METRICS_ADDR", metricsAddr)
	t.Setenv("PALAVER_RETRY_DELAY", "10ms")
	t.Setenv("LOG_LEVEL", "error")

	in, input := io.Pipe()
	t.Cleanup(func() { _ = input.Close() })
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), in, out)
	}()

	_, err := io.WriteString(input, "hello there\n")
	require.NoError(t, err)

	select {
	case m := <-sent:
		require.Equal(t, "hello there", m.Content)
		require.Equal(t, "c1", m.ConversationID)
		require.Equal(t, "Me Myself", m.Sender.DisplayName())
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for send-message")
	}

	_, err = io.WriteString(input, "/history\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "m1 Ada: earlier")
	}, 2*time.Second, 10*time.Millisecond)

	output := out.String()
	require.Contains(t, output, "joined c1 (1 messages)")
	require.Contains(t, output, "Me Myself: hello there")

	_, err = io.WriteString(input, "/quit\n")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after /quit")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("PALAVER_USER_ID", "")
	err := run(context.Background(), strings.NewReader(""), io.Discard)
	require.ErrorContains(t, err, "PALAVER_USER_ID")
}

package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newWSServer(t *testing.T, handle func(ws *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer func() { _ = ws.Close() }()
		handle(ws, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	tokens := make(chan string, 1)
	url := newWSServer(t, func(ws *websocket.Conn, r *http.Request) {
		tokens <- r.Header.Get("token")
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, data)
		_, _, _ = ws.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := (&WebSocketDialer{URL: url, Token: "secret"}).Dial(ctx)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Equal(t, "secret", <-tokens)
	require.NoError(t, conn.WriteMessage([]byte(`{"type":"ping"}`)))

	data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestWebSocketDialer_ServerClose(t *testing.T) {
	url := newWSServer(t, func(ws *websocket.Conn, r *http.Request) {
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		_, _, _ = ws.ReadMessage()
	})

	conn, err := (&WebSocketDialer{URL: url}).Dial(context.Background())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.ReadMessage()
	require.True(t, errors.Is(err, ErrServerClosed), "expected ErrServerClosed, got %v", err)
}

func TestWebSocketDialer_Refused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := (&WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}).Dial(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 401")
}

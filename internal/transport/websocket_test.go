package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer wraps every accepted connection in a WebSocket and echoes frames back.
func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(conn, WebSocketConfig{})
		go func() {
			for frame := range ws.Frames() {
				_ = ws.Send(context.Background(), frame)
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocket_Echo(t *testing.T) {
	srv := echoServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, `{"type":"ping"}`, string(msg))
}

func TestWebSocket_PeerCloseClosesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	accepted := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- NewWebSocket(conn, WebSocketConfig{PongWait: time.Second})
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	ws := <-accepted
	client.Close()

	select {
	case _, ok := <-ws.Frames():
		require.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("frames channel not closed after peer went away")
	}
	require.Eventually(t, func() bool { return !ws.Open() }, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, ws.Send(context.Background(), []byte("x")), ErrClosed)
}

package cluster

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedClient_SubscribesAndDelivers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeCommand, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd subscribeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"request_id":"r1","kind":"compare","matched":true}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewFeedClient(url, "0xowner", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	select {
	case cmd := <-subscribed:
		assert.Equal(t, "subscribe", cmd.Type)
		assert.Equal(t, "0xowner", cmd.Owner)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe command")
	}

	select {
	case msg := <-c.Messages():
		var ev map[string]any
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, "r1", ev["request_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, open := <-c.Messages()
	assert.False(t, open)
}

package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/veilbook/internal/cache/local"
	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingGauge struct{ n atomic.Int64 }

func (g *countingGauge) Inc() { g.n.Add(1) }
func (g *countingGauge) Dec() { g.n.Add(-1) }

func startHub(t *testing.T) (*local.Bus, *countingGauge, string) {
	t.Helper()
	bus := local.NewBus()
	gauge := &countingGauge{}
	hub := NewHub(bus, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))).WithGauge(gauge)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		srv.Close()
	})
	return bus, gauge, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestHub_RelaysBusMessages(t *testing.T) {
	bus, gauge, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readFrame(t, conn)
	assert.Equal(t, "hello", hello["type"])
	assert.NotEmpty(t, hello["client_id"])
	assert.Eventually(t, func() bool { return gauge.n.Load() == 1 }, time.Second, 10*time.Millisecond)

	ev := domain.ProgressEvent{RequestID: "r1", Pipeline: "order", State: domain.ProgressEncrypting}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), domain.ChannelProgress, payload))

	frame := readFrame(t, conn)
	assert.Equal(t, domain.ChannelProgress, frame["channel"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, "r1", data["request_id"])
	assert.Equal(t, string(domain.ProgressEncrypting), data["state"])
}

func TestClient_HandleSubscription(t *testing.T) {
	c := &client{subs: map[string]bool{domain.ChannelOrders: true, domain.ChannelProgress: true}}

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelOrders}})
	assert.False(t, c.isSubscribed(domain.ChannelOrders))
	assert.True(t, c.isSubscribed(domain.ChannelProgress))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{domain.ChannelComputations, "ch:unknown"}})
	assert.True(t, c.isSubscribed(domain.ChannelComputations))
	assert.False(t, c.isSubscribed("ch:unknown"))
}

func TestRawJSON(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(rawJSON([]byte(`{"a":1}`))))
	assert.Equal(t, `"plain text"`, string(rawJSON([]byte("plain text"))))
}

// Package cluster consumes the matching cluster's computation result feed.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

type subscribeCommand struct {
	Type  string `json:"type"`
	Owner string `json:"owner"`
}

// FeedClient streams raw result events for one owner. Messages are delivered
// on the channel returned by Messages; the connection is re-established with
// exponential backoff until the context passed to Run is cancelled.
type FeedClient struct {
	url    string
	owner  string
	out    chan []byte
	dialer websocket.Dialer
	logger *slog.Logger
}

// NewFeedClient creates a client for the feed at url.
func NewFeedClient(url, owner string, logger *slog.Logger) *FeedClient {
	return &FeedClient{
		url:    url,
		owner:  owner,
		out:    make(chan []byte, 256),
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger: logger.With(slog.String("component", "cluster_feed")),
	}
}

// Messages returns the channel of raw event payloads. It is closed when Run
// returns.
func (c *FeedClient) Messages() <-chan []byte {
	return c.out
}

// Run connects and pumps messages until ctx is cancelled.
func (c *FeedClient) Run(ctx context.Context) error {
	defer close(c.out)

	delay := reconnectDelay
	for {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// A session that lived for a while resets the backoff.
		if time.Since(start) > maxReconnectDelay {
			delay = reconnectDelay
		}
		c.logger.Warn("result feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection to completion.
func (c *FeedClient) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("cluster: connect: %w", err)
	}
	defer conn.Close()

	sub, err := json.Marshal(subscribeCommand{Type: "subscribe", Owner: c.owner})
	if err != nil {
		return fmt.Errorf("cluster: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("cluster: subscribe: %w", err)
	}
	c.logger.Info("result feed connected", slog.String("url", c.url))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(ctx, conn, done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("cluster: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		select {
		case c.out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// keepAlive pings the peer and closes conn when ctx ends so the blocked
// read returns.
func (c *FeedClient) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug("result feed ping failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/atmx/ledger-engine/internal/metrics"
)

func newWSServer(t *testing.T) (*WSHub, *httptest.Server) {
	t.Helper()
	hub := NewWSHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/api/v1/ws", hub.HandleWS)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dialWS(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?user_id=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", userID, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_UpgradeThroughMetricsMiddleware(t *testing.T) {
	hub, srv := newWSServer(t)
	dialWS(t, srv, "u1")
	waitForClients(t, hub, 1)
}

func TestWSHub_DeliversOnlyToSubscribedUser(t *testing.T) {
	hub, srv := newWSServer(t)
	c1 := dialWS(t, srv, "u1")
	c2 := dialWS(t, srv, "u2")
	waitForClients(t, hub, 2)

	evt := NewEvent(EntityBalance, "u1", "USDT")
	if err := hub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c1.ReadMessage()
	if err != nil {
		t.Fatalf("u1 read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != evt.ID || got.UserID != "u1" {
		t.Errorf("unexpected event: %+v", got)
	}

	c2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := c2.ReadMessage(); err == nil {
		t.Error("u2 received an event for u1")
	}
}

func TestWSHub_PublishDropsWhenBufferFull(t *testing.T) {
	// Run is not started, so nothing drains the buffer.
	hub := NewWSHub(zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			if err := hub.Publish(context.Background(), NewEvent(EntityBalance, "u1", "USDT")); err != nil {
				t.Errorf("publish %d: %v", i, err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full buffer")
	}
}

func TestWSHub_HandleWSAfterShutdownDoesNotBlock(t *testing.T) {
	hub := NewWSHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	r := chi.NewRouter()
	r.Get("/api/v1/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialWS(t, srv, "u1")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the hub to close the connection after shutdown")
	}
}

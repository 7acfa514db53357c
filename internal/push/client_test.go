package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func TestClientDeliversEventsAndSends(t *testing.T) {
	outbound := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message_received","data":{"conversation_id":"c1"}}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message_received","data":{"wa_message_id":"w1","conversation_id":"c1","content":"hi","timestamp":5}}`))
		_, data, err := conn.Read(ctx)
		if err == nil {
			outbound <- data
		}
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	events := make(chan Event, 4)
	live := make(chan bool, 4)
	m := metrics.New()
	c := NewClient(Options{URL: wsURL(srv), MinBackoff: 10 * time.Millisecond, OnLive: func(r bool) { live <- r }},
		func(e Event) { events <- e }, nil, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	if resumed := waitFor(t, live, "live"); resumed {
		t.Error("first connection reported resumed")
	}
	evt := waitFor(t, events, "event")
	if got, ok := evt.(MessageReceived); !ok || got.Message.ID != "w1" {
		t.Errorf("event = %#v", evt)
	}
	if got := testutil.ToFloat64(m.PushParseErrors); got != 1 {
		t.Errorf("parse errors = %v, want 1", got)
	}

	if err := c.Send(ctx, SendMessage(message.Message{TempID: "t1", ConversationID: "c1", Text: "yo"})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame := waitFor(t, outbound, "outbound frame")
	if !strings.Contains(string(frame), `"type":"send_message"`) || !strings.Contains(string(frame), `"temp_id":"t1"`) {
		t.Errorf("outbound frame = %s", frame)
	}

	cancel()
	if err := waitFor(t, done, "Run to return"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if c.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", c.State())
	}
}

func TestClientReconnectsAndReportsResume(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		defer func() { _ = conn.CloseNow() }()
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	live := make(chan bool, 4)
	c := NewClient(Options{URL: wsURL(srv), MinBackoff: 5 * time.Millisecond, OnLive: func(r bool) { live <- r }}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	if waitFor(t, live, "first live") {
		t.Error("first connection reported resumed")
	}
	if !waitFor(t, live, "second live") {
		t.Error("reconnection should report resumed")
	}
}

func TestClientGoesOfflineAfterRepeatedFailures(t *testing.T) {
	machine := status.NewMachine(nil)
	c := NewClient(Options{URL: "ws://unused", MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxFailures: 2}, nil, machine, nil, nil)
	var dials atomic.Int32
	c.dial = func(ctx context.Context) (wsConn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != status.Offline {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s after %d dials, want OFFLINE", c.State(), dials.Load())
		}
		time.Sleep(time.Millisecond)
	}
	if dials.Load() < 2 {
		t.Errorf("dials = %d, want at least 2", dials.Load())
	}
}

func TestSendWhenNotLive(t *testing.T) {
	c := NewClient(Options{URL: "ws://unused"}, nil, nil, nil, nil)
	err := c.Send(context.Background(), SendMessage(message.Message{TempID: "t"}))
	if !errors.Is(err, api.ErrNetworkUnavailable) {
		t.Errorf("err = %v, want ErrNetworkUnavailable", err)
	}
}

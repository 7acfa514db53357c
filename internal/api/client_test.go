package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matheus3301/inbox/internal/message"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", 5*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFetchMessagesQueryParams(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		want string
	}{
		{"snapshot", Query{Limit: 50}, "limit=50"},
		{"since", Query{Since: 100, Limit: 50}, "limit=50&since=100"},
		{"before", Query{Before: 200, Limit: 20}, "before=200&limit=20"},
		{"cursor beats offset", Query{Before: 200, Offset: 40}, "before=200"},
		{"offset", Query{Offset: 40, Limit: 20}, "limit=20&offset=40"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotQuery string
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
				_, _ = io.WriteString(w, `{"messages":[],"has_more":false}`)
			})
			if _, err := c.FetchMessages(context.Background(), "c 1", tt.q); err != nil {
				t.Fatal(err)
			}
			if gotPath != "/messages/c 1" {
				t.Errorf("path = %q", gotPath)
			}
			if gotQuery != tt.want {
				t.Errorf("query = %q, want %q", gotQuery, tt.want)
			}
		})
	}
}

func TestFetchMessagesDecodesPage(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"messages":[{"wa_message_id":"w1","content":"hi","timestamp":1000,"status":"delivered","from_me":true}],"has_more":true}`)
	})
	page, err := c.FetchMessages(context.Background(), "c1", Query{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	want := &Page{HasMore: true, Messages: []message.Message{{
		ID: "w1", ConversationID: "c1", Text: "hi", ServerTime: 1000, Status: message.StatusDelivered, FromMe: true,
	}}}
	if diff := cmp.Diff(want, page); diff != "" {
		t.Errorf("page (-want +got):\n%s", diff)
	}
}

func TestServerErrorIsNetworkUnavailable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.FetchMessages(context.Background(), "c1", Query{})
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Errorf("err = %v, want ErrNetworkUnavailable", err)
	}
}

func TestTransportErrorIsNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.MarkRead(context.Background(), "c1"); !errors.Is(err, ErrNetworkUnavailable) {
		t.Errorf("err = %v, want ErrNetworkUnavailable", err)
	}
}

func TestClientErrorIsHTTPError(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such conversation", http.StatusNotFound)
	})
	err := c.MarkRead(context.Background(), "c1")
	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if he.StatusCode != http.StatusNotFound || he.Body != "no such conversation" {
		t.Errorf("HTTPError = %+v", he)
	}
	if errors.Is(err, ErrNetworkUnavailable) {
		t.Error("4xx must not be reported as network unavailable")
	}
}

func TestCancelledContextIsNotNetworkUnavailable(t *testing.T) {
	block := make(chan struct{})
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.FetchMessages(ctx, "c1", Query{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSendMessageFillsEcho(t *testing.T) {
	var got message.Message
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"wa_message_id":"w9","timestamp":2000,"status":"sent"}`)
	})

	out, err := c.SendMessage(context.Background(), message.Message{
		TempID: "t1", ConversationID: "c1", Text: "hello", FromMe: true, Status: message.StatusSending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.TempID != "t1" || got.Text != "hello" {
		t.Errorf("request body = %+v", got)
	}
	if out.ID != "w9" || out.TempID != "t1" || out.ConversationID != "c1" || out.Status != message.StatusSent {
		t.Errorf("echo = %+v", out)
	}
}

func TestUploadMedia(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("content type = %q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		if string(b) != "PNGDATA" {
			t.Errorf("body = %q", b)
		}
		_, _ = io.WriteString(w, `{"url":"https://cdn/x.png"}`)
	})
	u, err := c.UploadMedia(context.Background(), "image/png", strings.NewReader("PNGDATA"))
	if err != nil {
		t.Fatal(err)
	}
	if u != "https://cdn/x.png" {
		t.Errorf("url = %q", u)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("ftp://example.com", time.Second, nil); err == nil {
		t.Error("expected error for non-http scheme")
	}
}

package outbox

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/push"
	"github.com/matheus3301/inbox/internal/store"
	"github.com/matheus3301/inbox/internal/timeline"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type testTarget struct {
	tl      *timeline.Timeline
	clock   *message.Clock
	uploads *semaphore.Weighted
	bus     *bus.Bus
}

func newTarget() *testTarget {
	b := bus.New()
	return &testTarget{
		tl:      timeline.New("c1", b),
		clock:   message.NewClock(),
		uploads: semaphore.NewWeighted(3),
		bus:     b,
	}
}

func (t *testTarget) ConversationID() string       { return "c1" }
func (t *testTarget) Timeline() *timeline.Timeline { return t.tl }
func (t *testTarget) Clock() *message.Clock        { return t.clock }
func (t *testTarget) Uploads() *semaphore.Weighted { return t.uploads }
func (t *testTarget) Bus() *bus.Bus                { return t.bus }

// mockPush records frames and returns err.
type mockPush struct {
	mu     sync.Mutex
	frames []push.OutboundEnvelope
	err    error
}

func (m *mockPush) Send(_ context.Context, env push.OutboundEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.frames = append(m.frames, env)
	return nil
}

// mockHTTP echoes sends and hands out upload URLs.
type mockHTTP struct {
	mu        sync.Mutex
	sendErr   error
	uploadErr error
	sent      []message.Message
	uploads   []string

	// uploadGate, when set, blocks each upload until it is closed.
	uploadGate chan struct{}
	active     atomic.Int32
	peak       atomic.Int32
}

func (m *mockHTTP) SendMessage(_ context.Context, msg message.Message) (message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return message.Message{}, m.sendErr
	}
	m.sent = append(m.sent, msg)
	return message.Message{ID: "srv-" + msg.TempID, ServerTime: 5000}, nil
}

func (m *mockHTTP) UploadMedia(_ context.Context, contentType string, body io.Reader) (string, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.uploadGate != nil {
		<-m.uploadGate
	}
	_, _ = io.Copy(io.Discard, body)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.uploads = append(m.uploads, contentType)
	return "https://cdn/" + contentType, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSendOverPushStaysSending(t *testing.T) {
	tgt := newTarget()
	events, unsub := tgt.bus.Subscribe("send.", 10)
	defer unsub()
	p := &mockPush{}
	db := testDB(t)
	logger, _ := zap.NewDevelopment()
	s := NewSender(p, &mockHTTP{}, db, nil, logger)

	m, err := s.Send(context.Background(), tgt, Draft{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if m.TempID == "" || m.ClientTime == 0 || !m.FromMe {
		t.Errorf("optimistic message = %+v", m)
	}

	got, ok := tgt.tl.Get(message.TempKey(m.TempID))
	if !ok || got.Status != message.StatusSending {
		t.Errorf("timeline entry = %+v, %v; want sending until the server confirms", got, ok)
	}
	if len(p.frames) != 1 || p.frames[0].Type != push.TypeSendMessage {
		t.Errorf("frames = %+v", p.frames)
	}

	for _, want := range []string{bus.SendQueued, bus.SendAcked} {
		select {
		case evt := <-events:
			if evt.Kind != want {
				t.Errorf("event = %s, want %s", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	entries, err := db.ListOutbox(context.Background(), "c1", store.OutboxSent)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Attempts != 1 {
		t.Errorf("outbox = %+v", entries)
	}
}

func TestSendFallsBackToHTTP(t *testing.T) {
	tgt := newTarget()
	h := &mockHTTP{}
	s := NewSender(&mockPush{err: api.ErrNetworkUnavailable}, h, nil, nil, nil)

	m, err := s.Send(context.Background(), tgt, Draft{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.sent) != 1 || h.sent[0].TempID != m.TempID {
		t.Fatalf("http sends = %+v", h.sent)
	}

	rows := tgt.tl.Rows()
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want the echo merged into the optimistic row", len(rows))
	}
	if rows[0].Key != message.TempKey(m.TempID) {
		t.Errorf("row key = %q, want %q", rows[0].Key, message.TempKey(m.TempID))
	}
	if got := rows[0].Message; got.ID != "srv-"+m.TempID || got.Status != message.StatusSent || got.ServerTime != 5000 {
		t.Errorf("merged = %+v", got)
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	tgt := newTarget()
	h := &mockHTTP{sendErr: api.ErrNetworkUnavailable}
	met := metrics.New()
	db := testDB(t)
	s := NewSender(nil, h, db, met, nil)
	ctx := context.Background()

	m, err := s.Send(ctx, tgt, Draft{Text: "hello"})
	var sfe *SendFailedError
	if !errors.As(err, &sfe) || sfe.TempID != m.TempID {
		t.Fatalf("err = %v, want *SendFailedError for %s", err, m.TempID)
	}
	if !errors.Is(err, api.ErrNetworkUnavailable) {
		t.Errorf("err should wrap the transport error: %v", err)
	}
	got, _ := tgt.tl.Get(message.TempKey(m.TempID))
	if got.Status != message.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if v := testutil.ToFloat64(met.SendFailures); v != 1 {
		t.Errorf("send failures = %v, want 1", v)
	}
	failed, _ := db.ListOutbox(ctx, "c1", store.OutboxFailed)
	if len(failed) != 1 {
		t.Errorf("failed outbox rows = %d, want 1", len(failed))
	}

	h.sendErr = nil
	if _, err := s.Retry(ctx, tgt, m.TempID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	got, _ = tgt.tl.Get(message.TempKey(m.TempID))
	if got.Status != message.StatusSent {
		t.Errorf("status after retry = %s, want sent", got.Status)
	}
	if tgt.tl.Len() != 1 {
		t.Errorf("retry duplicated the message: %d rows", tgt.tl.Len())
	}
	sent, _ := db.ListOutbox(ctx, "c1", store.OutboxSent)
	if len(sent) != 1 || sent[0].Attempts != 2 {
		t.Errorf("sent outbox rows = %+v", sent)
	}

	if _, err := s.Retry(ctx, tgt, m.TempID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry of a sent message = %v, want ErrNotRetryable", err)
	}
}

func TestSendMediaUploadsWithSniffedType(t *testing.T) {
	tgt := newTarget()
	h := &mockHTTP{}
	p := &mockPush{}
	s := NewSender(p, h, nil, nil, nil)

	m, err := s.Send(context.Background(), tgt, Draft{Kind: message.KindImage, Text: "caption", Media: pngBytes})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.uploads) != 1 || h.uploads[0] != "image/png" {
		t.Errorf("uploads = %v, want one image/png", h.uploads)
	}
	got, _ := tgt.tl.Get(message.TempKey(m.TempID))
	if got.PreviewURL != "" {
		t.Errorf("preview = %q, want it dropped once the upload landed", got.PreviewURL)
	}
	if got.MediaURL != "https://cdn/image/png" {
		t.Errorf("media url = %q", got.MediaURL)
	}
	frame := p.frames[0].Data.(message.Message)
	if frame.MediaURL == "" {
		t.Error("frame sent before the upload finished")
	}
}

func TestSendMediaKindMismatchFails(t *testing.T) {
	tgt := newTarget()
	h := &mockHTTP{}
	s := NewSender(&mockPush{}, h, nil, nil, nil)

	m, err := s.Send(context.Background(), tgt, Draft{Kind: message.KindVideo, Media: pngBytes})
	if err == nil {
		t.Fatal("expected failure for an image payload sent as video")
	}
	if len(h.uploads) != 0 {
		t.Errorf("mismatched payload was uploaded: %v", h.uploads)
	}
	got, _ := tgt.tl.Get(message.TempKey(m.TempID))
	if got.Status != message.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestUploadPoolNeverExceedsSlots(t *testing.T) {
	tgt := newTarget()
	h := &mockHTTP{uploadGate: make(chan struct{})}
	s := NewSender(&mockPush{}, h, nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Send(context.Background(), tgt, Draft{Kind: message.KindImage, Media: pngBytes}); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.active.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(h.uploadGate)
	wg.Wait()

	if peak := h.peak.Load(); peak > 3 {
		t.Errorf("peak concurrent uploads = %d, want <= 3", peak)
	}
	if len(h.uploads) != 8 {
		t.Errorf("uploads = %d, want 8", len(h.uploads))
	}
}

func TestRecoverRestoresInterruptedSends(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	pending := message.Message{TempID: "t-old", ConversationID: "c1", ClientTime: 10, FromMe: true, Text: "hi", Status: message.StatusSending}
	if err := db.QueueOutbox(ctx, pending); err != nil {
		t.Fatal(err)
	}

	tgt := newTarget()
	s := NewSender(nil, &mockHTTP{}, db, nil, nil)
	n, err := s.Recover(ctx, tgt)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	got, ok := tgt.tl.Get("tmp:t-old")
	if !ok || got.Status != message.StatusFailed {
		t.Errorf("recovered message = %+v, %v", got, ok)
	}
	if _, err := s.Retry(ctx, tgt, "t-old"); err != nil {
		t.Errorf("Retry of recovered message: %v", err)
	}
}

func TestSendRejectsEmptyDraft(t *testing.T) {
	s := NewSender(nil, &mockHTTP{}, nil, nil, nil)
	tgt := newTarget()
	for _, d := range []Draft{{Text: "  "}, {Kind: message.KindImage}, {Kind: "sticker", Text: "x"}} {
		if _, err := s.Send(context.Background(), tgt, d); err == nil {
			t.Errorf("Send(%+v) should fail", d)
		}
	}
	if tgt.tl.Len() != 0 {
		t.Errorf("rejected drafts reached the timeline")
	}
}

// Package outbox sends messages optimistically: the message appears in the
// timeline at once as "sending" and is resolved by the server's echo or
// status updates, or marked failed locally.
package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/push"
	"github.com/matheus3301/inbox/internal/store"
	"github.com/matheus3301/inbox/internal/timeline"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// PreviewPrefix marks a locally held media preview of an unsent message.
const PreviewPrefix = "blob:"

var (
	// ErrNotRetryable is returned by Retry for messages that are not failed.
	ErrNotRetryable = errors.New("message is not in a failed state")
	// ErrEmptyDraft is returned for drafts with nothing to send.
	ErrEmptyDraft = errors.New("empty draft")
	// ErrMediaUnavailable is returned when retrying a media message whose
	// payload is no longer held.
	ErrMediaUnavailable = errors.New("media payload no longer available")
)

// SendFailedError reports that an optimistic message ended in failed.
type SendFailedError struct {
	TempID string
	Err    error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send %s: %v", e.TempID, e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// Target is the conversation session a message is sent into.
type Target interface {
	ConversationID() string
	Timeline() *timeline.Timeline
	Clock() *message.Clock
	Uploads() *semaphore.Weighted
	Bus() *bus.Bus
}

// PushSender writes frames to the push channel. *push.Client satisfies it.
type PushSender interface {
	Send(ctx context.Context, env push.OutboundEnvelope) error
}

// HTTPSender is the HTTP fallback and media upload surface. *api.Client
// satisfies it.
type HTTPSender interface {
	SendMessage(ctx context.Context, m message.Message) (message.Message, error)
	UploadMedia(ctx context.Context, contentType string, body io.Reader) (string, error)
}

// Draft is what the user composed.
type Draft struct {
	Kind    message.Kind
	Text    string
	ReplyTo string
	Media   []byte
}

// Sender turns drafts into optimistic messages and transmits them.
type Sender struct {
	push    PushSender
	http    HTTPSender
	db      *store.DB
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	media map[string][]byte
}

// NewSender creates a sender. push, db, m and logger may be nil; without a
// push channel every message goes over HTTP.
func NewSender(p PushSender, h HTTPSender, db *store.DB, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		push:    p,
		http:    h,
		db:      db,
		metrics: m,
		logger:  logger,
		media:   make(map[string][]byte),
	}
}

// Send inserts the draft into the target's timeline as "sending" and
// transmits it. A transmission failure leaves the message "failed" and
// returns a *SendFailedError; the returned message is the optimistic one.
func (s *Sender) Send(ctx context.Context, t Target, d Draft) (message.Message, error) {
	if d.Kind == "" {
		d.Kind = message.KindText
	}
	if !d.Kind.Valid() {
		return message.Message{}, fmt.Errorf("unknown kind %q", d.Kind)
	}
	if d.Kind.IsMedia() && len(d.Media) == 0 || !d.Kind.IsMedia() && strings.TrimSpace(d.Text) == "" {
		return message.Message{}, ErrEmptyDraft
	}

	tempID := uuid.NewString()
	m := message.Message{
		TempID:         tempID,
		ConversationID: t.ConversationID(),
		FromMe:         true,
		Kind:           d.Kind,
		Text:           d.Text,
		ReplyTo:        d.ReplyTo,
		ClientTime:     t.Clock().Next(),
		Status:         message.StatusSending,
	}
	if len(d.Media) > 0 {
		m.PreviewURL = PreviewPrefix + tempID
		s.mu.Lock()
		s.media[tempID] = d.Media
		s.mu.Unlock()
	}

	t.Timeline().Merge([]message.Message{m}, message.SourceLocal)
	s.publish(t, bus.SendQueued, m)
	if s.db != nil {
		if err := s.db.QueueOutbox(ctx, m); err != nil {
			s.logger.Warn("outbox write failed", zap.String("temp_id", tempID), zap.Error(err))
		}
	}

	return s.transmit(ctx, t, m)
}

// Retry re-sends a failed message under its original temp id.
func (s *Sender) Retry(ctx context.Context, t Target, tempID string) (message.Message, error) {
	m, ok := t.Timeline().ResetForRetry(tempID)
	if !ok {
		return message.Message{}, fmt.Errorf("retry %s: %w", tempID, ErrNotRetryable)
	}
	if s.db != nil {
		if err := s.db.QueueOutbox(ctx, m); err != nil {
			s.logger.Warn("outbox write failed", zap.String("temp_id", tempID), zap.Error(err))
		}
	}
	s.logger.Info("retrying send", zap.String("temp_id", tempID))
	return s.transmit(ctx, t, m)
}

// Recover restores sends a previous process left unconfirmed as failed
// messages, so they can be retried. It returns how many were restored.
func (s *Sender) Recover(ctx context.Context, t Target) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	entries, err := s.db.RecoverOutbox(ctx, t.ConversationID())
	if err != nil {
		return 0, err
	}
	msgs := make([]message.Message, 0, len(entries))
	for _, e := range entries {
		m := e.Message
		m.Status = message.StatusFailed
		msgs = append(msgs, m)
	}
	t.Timeline().Merge(msgs, message.SourceLocal)
	return len(msgs), nil
}

func (s *Sender) transmit(ctx context.Context, t Target, m message.Message) (message.Message, error) {
	if s.db != nil {
		if err := s.db.MarkOutboxSending(ctx, m.TempID); err != nil {
			s.logger.Warn("outbox write failed", zap.String("temp_id", m.TempID), zap.Error(err))
		}
	}

	if m.Kind.IsMedia() && m.MediaURL == "" {
		url, err := s.upload(ctx, t, m)
		if err != nil {
			return m, s.fail(ctx, t, m, err)
		}
		m.MediaURL = url
		t.Timeline().Update(message.Message{TempID: m.TempID, MediaURL: url}, message.SourceLocal)
	}

	serverID, err := s.deliver(ctx, t, m)
	if err != nil {
		return m, s.fail(ctx, t, m, err)
	}

	s.mu.Lock()
	delete(s.media, m.TempID)
	s.mu.Unlock()
	if s.db != nil {
		if err := s.db.MarkOutboxSent(ctx, m.TempID, serverID); err != nil {
			s.logger.Warn("outbox write failed", zap.String("temp_id", m.TempID), zap.Error(err))
		}
	}
	s.publish(t, bus.SendAcked, m)
	s.logger.Info("message sent", zap.String("temp_id", m.TempID), zap.String("server_msg_id", serverID))
	return m, nil
}

// deliver prefers the push channel and falls back to HTTP when it is down.
// It returns the server id when the transport reported one.
func (s *Sender) deliver(ctx context.Context, t Target, m message.Message) (string, error) {
	if s.push != nil {
		err := s.push.Send(ctx, push.SendMessage(m))
		if err == nil {
			return "", nil
		}
		if !errors.Is(err, api.ErrNetworkUnavailable) {
			return "", err
		}
		s.logger.Debug("push unavailable, sending over http", zap.String("temp_id", m.TempID))
	}

	echo, err := s.http.SendMessage(ctx, m)
	if err != nil {
		return "", err
	}
	if echo.Status == "" {
		echo.Status = message.StatusSent
	}
	echo.TempID = m.TempID
	echo.FromMe = true
	t.Timeline().Merge([]message.Message{echo}, message.SourceNetwork)
	return echo.ID, nil
}

func (s *Sender) upload(ctx context.Context, t Target, m message.Message) (string, error) {
	s.mu.Lock()
	payload, ok := s.media[m.TempID]
	s.mu.Unlock()
	if !ok {
		return "", ErrMediaUnavailable
	}

	mt := mimetype.Detect(payload)
	if !strings.HasPrefix(mt.String(), string(m.Kind)+"/") {
		return "", fmt.Errorf("payload is %s, not %s", mt.String(), m.Kind)
	}

	pool := t.Uploads()
	if err := pool.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer pool.Release(1)

	s.logger.Debug("uploading media", zap.String("temp_id", m.TempID), zap.String("mime", mt.String()), zap.Int("bytes", len(payload)))
	return s.http.UploadMedia(ctx, mt.String(), bytes.NewReader(payload))
}

func (s *Sender) fail(ctx context.Context, t Target, m message.Message, err error) error {
	t.Timeline().MarkFailed(m.TempID)
	if s.db != nil {
		if dbErr := s.db.MarkOutboxFailed(context.WithoutCancel(ctx), m.TempID, err.Error()); dbErr != nil {
			s.logger.Warn("outbox write failed", zap.String("temp_id", m.TempID), zap.Error(dbErr))
		}
	}
	if s.metrics != nil {
		s.metrics.SendFailures.Inc()
	}
	s.logger.Error("send failed", zap.String("temp_id", m.TempID), zap.Error(err))
	s.publish(t, bus.SendFailed, m)
	return &SendFailedError{TempID: m.TempID, Err: err}
}

func (s *Sender) publish(t Target, kind string, m message.Message) {
	if b := t.Bus(); b != nil {
		b.Publish(bus.Event{Kind: kind, Payload: m})
	}
}

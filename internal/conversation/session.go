// Package conversation owns the per-conversation sessions of the client and
// routes push events to them.
package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/push"
	intsync "github.com/matheus3301/inbox/internal/sync"
	"github.com/matheus3301/inbox/internal/timeline"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Typing is the payload of bus.TimelineTyping events.
type Typing struct {
	ConversationID string
	Active         bool
}

// Unseen is the payload of bus.TimelineUnseen events.
type Unseen struct {
	ConversationID string
	Count          int
}

// Session is the state of the one open conversation: its timeline, sync
// protocol, bus and upload pool. Closing it cancels every request it made.
type Session struct {
	id       string
	epoch    uint64
	ctx      context.Context
	cancel   context.CancelFunc
	bus      *bus.Bus
	timeline *timeline.Timeline
	protocol *intsync.Protocol
	clock    *message.Clock
	uploads  *semaphore.Weighted
	ready    chan struct{}
	metrics  *metrics.Metrics
	logger   *zap.Logger

	typingTTL time.Duration
	loaded    atomic.Bool

	mu          sync.Mutex
	unseen      int
	atBottom    bool
	typing      bool
	typingTimer *time.Timer
	typingGen   uint64
	closed      bool
}

func (s *Session) ConversationID() string       { return s.id }
func (s *Session) Epoch() uint64                { return s.epoch }
func (s *Session) Timeline() *timeline.Timeline { return s.timeline }
func (s *Session) Clock() *message.Clock        { return s.clock }
func (s *Session) Uploads() *semaphore.Weighted { return s.uploads }
func (s *Session) Bus() *bus.Bus                { return s.bus }
func (s *Session) State() intsync.State         { return s.protocol.State() }
func (s *Session) Context() context.Context     { return s.ctx }
func (s *Session) Rows() []timeline.Row         { return s.timeline.Rows() }
func (s *Session) Ready() <-chan struct{}       { return s.ready }

// Unseen returns how many inbound messages arrived while the reader was
// scrolled away from the bottom.
func (s *Session) Unseen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unseen
}

// SetAtBottom records whether the newest message is in view. Reaching the
// bottom clears the unseen counter.
func (s *Session) SetAtBottom(atBottom bool) {
	s.mu.Lock()
	s.atBottom = atBottom
	cleared := atBottom && s.unseen > 0
	if cleared {
		s.unseen = 0
	}
	s.mu.Unlock()
	if cleared {
		s.publishUnseen(0)
	}
}

// Typing reports whether the remote party is typing.
func (s *Session) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// LoadOlder fetches the previous history page. The request is cancelled
// when either ctx or the session ends.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.protocol.LoadOlder(ctx)
}

// bind derives a context that also ends with the session.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// apply folds one push event addressed to this conversation into the
// session.
func (s *Session) apply(evt push.Event) {
	switch e := evt.(type) {
	case push.MessageReceived:
		res := s.merge([]message.Message{e.Message})
		if !e.Message.FromMe {
			s.setTyping(false)
		}
		if res.AddedInbound > 0 {
			s.noteInbound(res.AddedInbound)
		}
	case push.RecentMessages:
		s.mergeBatch(e.Messages)
	case push.ConversationHistory:
		s.mergeBatch(e.Messages)
	case push.MarkedRead:
		s.clearUnseen()
	case push.Typing:
		s.setTyping(e.Active)
	default:
		if res, ok := applyTo(s.timeline, evt); ok {
			s.countMerges(res)
		}
	}
}

// mergeBatch merges a pushed page. Backfilled history is not news: only
// inbound records past the newest one held count as unseen.
func (s *Session) mergeBatch(msgs []message.Message) {
	newest := s.timeline.NewestServerTime()
	res := s.merge(msgs)
	if n := min(res.AddedInbound, newerInbound(msgs, newest)); n > 0 {
		s.noteInbound(n)
	}
}

func newerInbound(msgs []message.Message, newest int64) int {
	n := 0
	for i := range msgs {
		if !msgs[i].FromMe && (msgs[i].ServerTime == 0 || msgs[i].ServerTime > newest) {
			n++
		}
	}
	return n
}

func (s *Session) merge(msgs []message.Message) timeline.Result {
	res := s.timeline.Merge(msgs, message.SourceNetwork)
	s.countMerges(res)
	return res
}

func (s *Session) countMerges(res timeline.Result) {
	if s.metrics != nil && res.Changed() {
		s.metrics.Merges.WithLabelValues(message.SourceNetwork.String()).Add(float64(res.Added + res.Updated))
	}
}

func (s *Session) noteInbound(n int) {
	s.mu.Lock()
	if s.atBottom {
		s.mu.Unlock()
		return
	}
	s.unseen += n
	count := s.unseen
	s.mu.Unlock()
	s.publishUnseen(count)
}

func (s *Session) clearUnseen() {
	s.mu.Lock()
	had := s.unseen > 0
	s.unseen = 0
	s.mu.Unlock()
	if had {
		s.publishUnseen(0)
	}
}

func (s *Session) setTyping(active bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingGen++
	changed := s.typing != active
	s.typing = active
	if active {
		gen := s.typingGen
		s.typingTimer = time.AfterFunc(s.typingTTL, func() { s.expireTyping(gen) })
	}
	s.mu.Unlock()

	if changed {
		s.publishTyping(active)
	}
}

// expireTyping clears the indicator unless a newer typing event arrived
// after the timer for gen was armed.
func (s *Session) expireTyping(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.typingGen || !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.typingTimer = nil
	s.mu.Unlock()
	s.publishTyping(false)
}

func (s *Session) publishTyping(active bool) {
	s.bus.Publish(bus.Event{Kind: bus.TimelineTyping, Payload: Typing{ConversationID: s.id, Active: active}})
}

func (s *Session) publishUnseen(count int) {
	s.bus.Publish(bus.Event{Kind: bus.TimelineUnseen, Payload: Unseen{ConversationID: s.id, Count: count}})
}

// close cancels in-flight requests, stops the typing timer and detaches
// every bus subscriber.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.bus.Close()
}

// applyTo folds the timeline-bearing push events into tl. It reports false
// for events that carry no messages.
func applyTo(tl *timeline.Timeline, evt push.Event) (timeline.Result, bool) {
	switch e := evt.(type) {
	case push.RecentMessages:
		return tl.Merge(e.Messages, message.SourceNetwork), true
	case push.ConversationHistory:
		return tl.Merge(e.Messages, message.SourceNetwork), true
	case push.MessageSent:
		return tl.Merge([]message.Message{e.Message}, message.SourceNetwork), true
	case push.MessageReceived:
		return tl.Merge([]message.Message{e.Message}, message.SourceNetwork), true
	case push.StatusUpdate:
		if tl.Update(e.Partial(), message.SourceNetwork) {
			return timeline.Result{Updated: 1}, true
		}
		return timeline.Result{}, true
	case push.ReactionUpdate:
		if tl.ApplyReaction(e.TargetID, e.Emoji, e.Add) {
			return timeline.Result{Updated: 1}, true
		}
		return timeline.Result{}, true
	}
	return timeline.Result{}, false
}

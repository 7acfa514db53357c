// Package feed is the presentation contract between a conversation session
// and whatever renders it: ordered rows with stable keys, an unseen
// counter, a near-top pagination hook and coalesced redraw signals.
package feed

import (
	"context"
	"sync"

	"github.com/matheus3301/inbox/internal/bus"
	intsync "github.com/matheus3301/inbox/internal/sync"
	"github.com/matheus3301/inbox/internal/timeline"
	"go.uber.org/zap"
)

// Source is the session a feed renders. *conversation.Session satisfies
// it.
type Source interface {
	ConversationID() string
	Rows() []timeline.Row
	LoadOlder(ctx context.Context) (bool, error)
	SetAtBottom(atBottom bool)
	Unseen() int
	Typing() bool
	State() intsync.State
	Bus() *bus.Bus
}

// Status is what a status line shows about the feed.
type Status struct {
	ConversationID string
	Unseen         int
	Typing         bool
	Offline        bool
	HasMoreOlder   bool
	LoadingOlder   bool
}

// Feed adapts a Source for rendering.
type Feed struct {
	src     Source
	logger  *zap.Logger
	changes chan struct{}
	unsub   func()
	done    chan struct{}

	mu       sync.Mutex
	atBottom bool
}

// New subscribes to every event of src's bus. The channel returned by
// Changes closes when the source's bus closes or Close is called.
func New(src Source, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	events, unsub := src.Bus().Subscribe("", 64)
	f := &Feed{
		src:      src,
		logger:   logger.With(zap.String("conversation_id", src.ConversationID())),
		changes:  make(chan struct{}, 1),
		unsub:    unsub,
		done:     make(chan struct{}),
		atBottom: true,
	}
	go f.run(events)
	return f
}

func (f *Feed) run(events <-chan bus.Event) {
	defer close(f.done)
	defer close(f.changes)
	for range events {
		select {
		case f.changes <- struct{}{}:
		default:
		}
	}
}

// Changes signals that the feed should be redrawn. Bursts of events
// collapse into one pending signal.
func (f *Feed) Changes() <-chan struct{} { return f.changes }

// Rows returns the merged, sorted rows.
func (f *Feed) Rows() []timeline.Row { return f.src.Rows() }

// NearTop is called when the oldest row comes into view. It requests the
// previous page, or does nothing once history is exhausted.
func (f *Feed) NearTop(ctx context.Context) (bool, error) {
	st := f.src.State()
	if !st.HasMoreOlder || st.LoadingOlder {
		return false, nil
	}
	f.logger.Debug("near top, loading older")
	return f.src.LoadOlder(ctx)
}

// SetAtBottom forwards the scroll position. Repeated values are ignored.
func (f *Feed) SetAtBottom(atBottom bool) {
	f.mu.Lock()
	changed := f.atBottom != atBottom
	f.atBottom = atBottom
	f.mu.Unlock()
	if changed {
		f.src.SetAtBottom(atBottom)
	}
}

// AtBottom reports the last scroll position passed to SetAtBottom.
func (f *Feed) AtBottom() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.atBottom
}

func (f *Feed) Unseen() int { return f.src.Unseen() }

// Status snapshots the session state for a status line.
func (f *Feed) Status() Status {
	st := f.src.State()
	return Status{
		ConversationID: f.src.ConversationID(),
		Unseen:         f.src.Unseen(),
		Typing:         f.src.Typing(),
		Offline:        st.Offline,
		HasMoreOlder:   st.HasMoreOlder,
		LoadingOlder:   st.LoadingOlder,
	}
}

// Close detaches the feed from its source.
func (f *Feed) Close() {
	f.unsub()
	<-f.done
}

package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/push"
	"github.com/matheus3301/inbox/internal/store"
	intsync "github.com/matheus3301/inbox/internal/sync"
	"github.com/matheus3301/inbox/internal/timeline"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNoActive is returned by operations that need an open conversation.
	ErrNoActive = errors.New("no conversation open")
	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("registry closed")
	// ErrReadOnly is returned by Send and Retry when no sender is wired.
	ErrReadOnly = errors.New("sending not configured")
)

const (
	DefaultUploadSlots = 3
	DefaultTypingTTL   = 6 * time.Second
)

// Marker posts read receipts. *api.Client satisfies it.
type Marker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Options wires a Registry. Fetcher is required; the rest may be nil or
// zero.
type Options struct {
	Fetcher     intsync.Fetcher
	Marker      Marker
	Cache       *store.Cache
	Writer      *store.Writer
	Checkpoints *intsync.Checkpoints
	Sender      *outbox.Sender

	PageSize    int
	UploadSlots int
	TypingTTL   time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Registry owns the active conversation session. Opening a conversation
// tears the previous session down and bumps the epoch, so responses that
// raced past the teardown are discarded.
type Registry struct {
	opts   Options
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	epoch  uint64
	active *Session
	closed bool
}

// NewRegistry creates a registry with no open conversation.
func NewRegistry(opts Options) *Registry {
	if opts.UploadSlots <= 0 {
		opts.UploadSlots = DefaultUploadSlots
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Epoch returns the epoch of the newest session.
func (r *Registry) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Active returns the open session, or nil.
func (r *Registry) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Open makes conversationID the active conversation. The previous session
// is closed first; the new one loads in the background and its Ready
// channel closes when the initial load is done. The session keeps the
// values of ctx but not its cancellation.
func (r *Registry) Open(ctx context.Context, conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, errors.New("empty conversation id")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	old := r.active
	r.epoch++
	s := r.newSession(ctx, conversationID, r.epoch)
	r.active = s
	r.mu.Unlock()

	if old != nil {
		old.close()
		old.logger.Debug("session closed")
	}

	changes, _ := s.bus.Subscribe(bus.TimelineChanged, 16)
	r.wg.Add(2)
	go r.persist(s, changes)
	go r.load(s)

	s.logger.Info("conversation opened")
	return s, nil
}

func (r *Registry) newSession(ctx context.Context, id string, epoch uint64) *Session {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := bus.New()
	tl := timeline.New(id, b)
	logger := r.logger.With(zap.String("conversation_id", id), zap.Uint64("epoch", epoch))

	s := &Session{
		id:        id,
		epoch:     epoch,
		ctx:       sctx,
		cancel:    cancel,
		bus:       b,
		timeline:  tl,
		clock:     message.NewClock(),
		uploads:   semaphore.NewWeighted(int64(r.opts.UploadSlots)),
		ready:     make(chan struct{}),
		metrics:   r.opts.Metrics,
		logger:    logger,
		typingTTL: r.opts.TypingTTL,
		atBottom:  true,
	}

	cfg := intsync.Config{
		ConversationID: id,
		Timeline:       tl,
		Fetcher:        r.opts.Fetcher,
		Checkpoints:    r.opts.Checkpoints,
		PageSize:       r.opts.PageSize,
		Epoch:          epoch,
		CurrentEpoch:   r.Epoch,
		Bus:            b,
		Metrics:        r.opts.Metrics,
		Logger:         r.logger,
	}
	if r.opts.Cache != nil {
		cfg.Cache = r.opts.Cache
	}
	s.protocol = intsync.New(cfg)
	return s
}

// load restores interrupted sends and runs the initial sync.
func (r *Registry) load(s *Session) {
	defer r.wg.Done()
	defer close(s.ready)

	if r.opts.Sender != nil {
		n, err := r.opts.Sender.Recover(s.ctx, s)
		if err != nil {
			s.logger.Warn("outbox recovery failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("restored interrupted sends", zap.Int("count", n))
		}
	}

	err := s.protocol.Open(s.ctx)
	switch {
	case err == nil:
		s.loaded.Store(true)
		r.save(s.id, s.timeline)
	case errors.Is(err, intsync.ErrStaleResponse), errors.Is(err, context.Canceled):
		s.logger.Debug("initial load abandoned", zap.Error(err))
	default:
		s.logger.Warn("initial load failed", zap.Error(err))
	}
}

// persist writes the session's timeline to the cache after every change
// once the initial load has merged the cached copy, and once more when the
// session's bus closes.
func (r *Registry) persist(s *Session, changes <-chan bus.Event) {
	defer r.wg.Done()
	for range changes {
		if s.loaded.Load() {
			r.save(s.id, s.timeline)
		}
	}
	if s.loaded.Load() {
		r.save(s.id, s.timeline)
	}
}

func (r *Registry) save(id string, tl *timeline.Timeline) {
	if r.opts.Cache == nil {
		return
	}
	msgs := tl.Tail(r.opts.Cache.Cap())
	if len(msgs) == 0 {
		return
	}
	if r.opts.Writer != nil {
		r.opts.Writer.Enqueue(id, msgs)
		return
	}
	if err := r.opts.Cache.Save(r.ctx, id, msgs); err != nil {
		r.logger.Warn("cache write failed", zap.String("conversation_id", id), zap.Error(err))
	}
}

// Dispatch routes a decoded push event. Events for the active conversation
// go to its session; message events for any other conversation are merged
// into that conversation's cached copy.
func (r *Registry) Dispatch(evt push.Event) {
	id := evt.Conversation()
	if id == "" {
		r.logger.Debug("dropping push event without conversation", zap.String("type", string(evt.Type())))
		return
	}
	if s := r.Active(); s != nil && s.id == id {
		s.apply(evt)
		return
	}
	r.applyBackground(id, evt)
}

func (r *Registry) applyBackground(id string, evt push.Event) {
	if r.opts.Cache == nil {
		return
	}
	var (
		base []message.Message
		ok   bool
	)
	if r.opts.Writer != nil {
		base, ok = r.opts.Writer.Snapshot(id)
	}
	if !ok {
		var err error
		base, err = r.opts.Cache.Load(r.ctx, id)
		if err != nil {
			r.logger.Warn("cache load failed", zap.String("conversation_id", id), zap.Error(err))
			return
		}
	}

	tl := timeline.New(id, nil)
	tl.Merge(base, message.SourceCache)
	res, ok := applyTo(tl, evt)
	if !ok || !res.Changed() {
		return
	}
	r.save(id, tl)
	r.logger.Debug("background conversation updated",
		zap.String("conversation_id", id),
		zap.String("type", string(evt.Type())),
		zap.Int("added", res.Added),
	)
}

// OnLive is called by the push client when the connection goes live. A
// reconnect, or a first connect after an offline initial load, resumes the
// active session from its last known server time.
func (r *Registry) OnLive(resumed bool) {
	s := r.Active()
	if s == nil {
		return
	}
	if !resumed && !s.State().Offline {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-s.ready:
		case <-s.ctx.Done():
			return
		}
		err := s.protocol.Resume(s.ctx)
		switch {
		case err == nil:
			s.logger.Info("conversation resumed")
		case errors.Is(err, intsync.ErrStaleResponse), errors.Is(err, context.Canceled):
		default:
			s.logger.Warn("resume failed", zap.Error(err))
		}
	}()
}

// MarkRead clears the unseen counter of the active conversation and posts
// a read receipt.
func (r *Registry) MarkRead(ctx context.Context) error {
	s := r.Active()
	if s == nil {
		return ErrNoActive
	}
	s.clearUnseen()
	if r.opts.Marker == nil {
		return nil
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return r.opts.Marker.MarkRead(ctx, s.id)
}

// LoadOlder pages the active conversation backwards.
func (r *Registry) LoadOlder(ctx context.Context) (bool, error) {
	s := r.Active()
	if s == nil {
		return false, ErrNoActive
	}
	return s.LoadOlder(ctx)
}

// Send composes d into the active conversation.
func (r *Registry) Send(ctx context.Context, d outbox.Draft) (message.Message, error) {
	s := r.Active()
	if s == nil {
		return message.Message{}, ErrNoActive
	}
	if r.opts.Sender == nil {
		return message.Message{}, ErrReadOnly
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return r.opts.Sender.Send(ctx, s, d)
}

// Retry re-sends a failed message of the active conversation.
func (r *Registry) Retry(ctx context.Context, tempID string) (message.Message, error) {
	s := r.Active()
	if s == nil {
		return message.Message{}, ErrNoActive
	}
	if r.opts.Sender == nil {
		return message.Message{}, ErrReadOnly
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return r.opts.Sender.Retry(ctx, s, tempID)
}

// Close tears the active session down and waits for its goroutines.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.epoch++
	s := r.active
	r.active = nil
	r.mu.Unlock()

	if s != nil {
		s.close()
	}
	r.cancel()
	r.wg.Wait()
}

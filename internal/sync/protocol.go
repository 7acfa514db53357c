// Package sync loads a conversation's history from the network and the
// local cache and keeps it current across reconnects and pagination.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"

	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/timeline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStaleResponse is returned when a fetch completed after its session was
// replaced. The result has been discarded.
var ErrStaleResponse = errors.New("stale response")

// DefaultPageSize is the history page size.
const DefaultPageSize = 50

// maxGapPages bounds the forward pages Open fetches to close the range
// between the previous high-water mark and a fresh snapshot. Whatever is
// left is reached by LoadOlder.
const maxGapPages = 20

// Fetcher loads history pages. *api.Client satisfies it.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string, q api.Query) (*api.Page, error)
}

// CacheLoader reads a cached conversation. *store.Cache satisfies it.
type CacheLoader interface {
	Load(ctx context.Context, conversationID string) ([]message.Message, error)
}

// State is the pagination and freshness state of one conversation.
type State struct {
	HasMoreOlder        bool
	LastKnownServerTime int64
	ActiveFetchEpoch    uint64
	LoadingOlder        bool
	// Offline is set when the last network attempt failed and the
	// timeline is rendered from cache only.
	Offline bool
}

// Config wires a Protocol. Cache, Checkpoints, Bus, Metrics and Logger are
// optional.
type Config struct {
	ConversationID string
	Timeline       *timeline.Timeline
	Fetcher        Fetcher
	Cache          CacheLoader
	Checkpoints    *Checkpoints
	PageSize       int

	// Epoch is the session epoch; CurrentEpoch reports the registry's.
	// Results are applied only while they are equal.
	Epoch        uint64
	CurrentEpoch func() uint64

	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Protocol runs the snapshot, resume and backward pagination requests of
// one conversation session.
type Protocol struct {
	cfg    Config
	logger *zap.Logger

	mu    stdsync.Mutex
	state State
	// floor is the oldest server time known to be contiguous with the
	// newest network data. LoadOlder pages from it; 0 means everything
	// held is contiguous.
	floor int64
}

// New creates a protocol for cfg.ConversationID.
func New(cfg Config) *Protocol {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		cfg:    cfg,
		logger: logger.With(zap.String("conversation_id", cfg.ConversationID), zap.Uint64("epoch", cfg.Epoch)),
		state:  State{ActiveFetchEpoch: cfg.Epoch},
	}
}

// State returns a copy of the current state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Open hydrates the timeline from the cache and the network snapshot
// concurrently; both results are merged. When the snapshot does not reach
// back to the previous high-water mark, the range in between is fetched
// forward from that mark. If the snapshot fails the timeline stays on
// cached data, HasMoreOlder is cleared and Offline is set, and Open
// returns nil.
func (p *Protocol) Open(ctx context.Context) error {
	var base int64
	if p.cfg.Checkpoints != nil {
		ts, err := p.cfg.Checkpoints.LastServerTime(ctx, p.cfg.ConversationID)
		if err != nil {
			p.logger.Warn("read resume checkpoint", zap.Error(err))
		}
		base = ts
	}
	p.advance(base)

	var snapshot *api.Page

	var g errgroup.Group
	if p.cfg.Cache != nil {
		g.Go(func() error {
			cached, err := p.cfg.Cache.Load(ctx, p.cfg.ConversationID)
			if err != nil {
				p.logger.Warn("cache load failed", zap.Error(err))
				return nil
			}
			if p.stale() {
				return ErrStaleResponse
			}
			p.merge(cached, message.SourceCache)
			p.logger.Debug("cache hydrated", zap.Int("messages", len(cached)))
			return nil
		})
	}
	g.Go(func() error {
		page, err := p.cfg.Fetcher.FetchMessages(ctx, p.cfg.ConversationID, api.Query{Limit: p.cfg.PageSize})
		if p.stale() {
			return ErrStaleResponse
		}
		if err != nil {
			return err
		}
		p.merge(page.Messages, message.SourceNetwork)
		p.mu.Lock()
		p.state.HasMoreOlder = page.HasMore
		p.state.Offline = false
		p.mu.Unlock()
		snapshot = page
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = p.fillGap(ctx, base, snapshot)
	}
	switch {
	case err == nil:
		p.checkpoint(ctx)
		p.publish(bus.SyncLoaded)
		return nil
	case errors.Is(err, ErrStaleResponse):
		return p.dropStale("open")
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		p.fallback(err, "snapshot")
		p.publish(bus.SyncLoaded)
		return nil
	}
}

// fillGap sets the pagination floor after a snapshot and, when the snapshot
// starts above the previous high-water mark base, pages forward from base
// until it meets the snapshot.
func (p *Protocol) fillGap(ctx context.Context, base int64, snapshot *api.Page) error {
	if snapshot == nil {
		return nil
	}
	oldest := oldestServerTime(snapshot.Messages)
	if !snapshot.HasMore || oldest == 0 || (base > 0 && oldest <= base) {
		p.setFloor(0)
		return nil
	}
	p.setFloor(oldest)
	if base == 0 {
		// Nothing to resume from; LoadOlder walks down from the snapshot.
		return nil
	}

	since := base
	for i := 0; i < maxGapPages; i++ {
		page, err := p.cfg.Fetcher.FetchMessages(ctx, p.cfg.ConversationID, api.Query{Since: since, Limit: p.cfg.PageSize})
		if p.stale() {
			return ErrStaleResponse
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("gap fill failed, older pages will cover it", zap.Int64("since", since), zap.Error(err))
			return nil
		}
		p.merge(page.Messages, message.SourceNetwork)
		next := newestServerTime(page.Messages)
		if !page.HasMore || next >= oldest {
			p.setFloor(0)
			p.logger.Debug("gap closed", zap.Int64("from", base), zap.Int64("to", oldest))
			return nil
		}
		if next <= since {
			return nil
		}
		since = next
	}
	p.logger.Debug("gap not closed within page budget", zap.Int64("from", base), zap.Int64("to", oldest))
	return nil
}

// Resume fetches everything newer than LastKnownServerTime, page by page
// until the server reports no more. Running it twice is harmless.
func (p *Protocol) Resume(ctx context.Context) error {
	since := p.State().LastKnownServerTime
	if since == 0 {
		return p.Open(ctx)
	}

	for {
		page, err := p.cfg.Fetcher.FetchMessages(ctx, p.cfg.ConversationID, api.Query{Since: since, Limit: p.cfg.PageSize})
		if p.stale() {
			return p.dropStale("resume")
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.fallback(err, "resume")
			return fmt.Errorf("resume %s: %w", p.cfg.ConversationID, err)
		}
		p.merge(page.Messages, message.SourceNetwork)

		next := newestServerTime(page.Messages)
		if !page.HasMore || next <= since {
			break
		}
		since = next
	}

	p.mu.Lock()
	if p.state.Offline {
		// Pagination was disabled by the fallback; let the next LoadOlder ask.
		p.state.HasMoreOlder = true
	}
	p.state.Offline = false
	p.mu.Unlock()

	p.checkpoint(ctx)
	p.publish(bus.SyncResumed)
	return nil
}

// LoadOlder fetches the page before the oldest message held. It reports
// false without a request when there is nothing older or a request is
// already in flight.
func (p *Protocol) LoadOlder(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if !p.state.HasMoreOlder || p.state.LoadingOlder {
		p.mu.Unlock()
		return false, nil
	}
	p.state.LoadingOlder = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.state.LoadingOlder = false
		p.mu.Unlock()
	}()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PaginationRequests.Inc()
	}
	p.mu.Lock()
	before := p.floor
	p.mu.Unlock()
	if before == 0 {
		before = p.cfg.Timeline.OldestServerTime()
	}
	page, err := p.cfg.Fetcher.FetchMessages(ctx, p.cfg.ConversationID, api.Query{Before: before, Limit: p.cfg.PageSize})
	if p.stale() {
		return true, p.dropStale("load older")
	}
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		p.fallback(err, "load older")
		return true, fmt.Errorf("load older %s: %w", p.cfg.ConversationID, err)
	}

	p.merge(page.Messages, message.SourceNetwork)
	p.mu.Lock()
	p.state.HasMoreOlder = page.HasMore
	if p.floor > 0 {
		if oldest := oldestServerTime(page.Messages); oldest > 0 && oldest < p.floor {
			p.floor = oldest
		}
	}
	p.mu.Unlock()
	p.publish(bus.SyncPageDone)
	return true, nil
}

func (p *Protocol) stale() bool {
	return p.cfg.CurrentEpoch != nil && p.cfg.CurrentEpoch() != p.cfg.Epoch
}

func (p *Protocol) dropStale(op string) error {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.StaleResponses.Inc()
	}
	p.logger.Debug("dropping stale response", zap.String("op", op))
	return ErrStaleResponse
}

func (p *Protocol) fallback(err error, op string) {
	p.mu.Lock()
	p.state.HasMoreOlder = false
	p.state.Offline = true
	p.mu.Unlock()
	p.logger.Warn("network unavailable, using cached history", zap.String("op", op), zap.Error(err))
	p.publish(bus.SyncOffline)
}

func (p *Protocol) merge(msgs []message.Message, src message.Source) {
	if len(msgs) == 0 {
		return
	}
	res := p.cfg.Timeline.Merge(msgs, src)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.Merges.WithLabelValues(src.String()).Add(float64(res.Added + res.Updated))
	}
	if res.Rejected > 0 {
		p.logger.Debug("rejected records", zap.Int("count", res.Rejected), zap.Stringer("source", src))
	}
	// Cached records may include pushed messages newer than a gap the
	// server has not been asked about yet.
	if src == message.SourceNetwork {
		p.advance(newestServerTime(msgs))
	}
}

func (p *Protocol) advance(ts int64) {
	p.mu.Lock()
	if ts > p.state.LastKnownServerTime {
		p.state.LastKnownServerTime = ts
	}
	p.mu.Unlock()
}

func (p *Protocol) setFloor(ts int64) {
	p.mu.Lock()
	p.floor = ts
	p.mu.Unlock()
}

func (p *Protocol) checkpoint(ctx context.Context) {
	if p.cfg.Checkpoints == nil {
		return
	}
	ts := p.State().LastKnownServerTime
	if ts == 0 {
		return
	}
	if err := p.cfg.Checkpoints.AdvanceServerTime(ctx, p.cfg.ConversationID, ts); err != nil {
		p.logger.Warn("write resume checkpoint", zap.Error(err))
	}
}

func (p *Protocol) publish(kind string) {
	if p.cfg.Bus == nil {
		return
	}
	p.cfg.Bus.Publish(bus.Event{Kind: kind, Payload: p.State()})
}

func newestServerTime(msgs []message.Message) int64 {
	var newest int64
	for i := range msgs {
		if msgs[i].ServerTime > newest {
			newest = msgs[i].ServerTime
		}
	}
	return newest
}

func oldestServerTime(msgs []message.Message) int64 {
	var oldest int64
	for i := range msgs {
		if ts := msgs[i].ServerTime; ts > 0 && (oldest == 0 || ts < oldest) {
			oldest = ts
		}
	}
	return oldest
}

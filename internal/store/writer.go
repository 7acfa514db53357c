package store

import (
	"context"
	"sync"

	"github.com/matheus3301/inbox/internal/message"
	"github.com/matheus3301/inbox/internal/metrics"
	"go.uber.org/zap"
)

// Writer persists conversation snapshots in the background. Enqueue never
// blocks the caller; pending snapshots are coalesced per conversation so
// only the latest one is written.
type Writer struct {
	cache   *Cache
	logger  *zap.Logger
	metrics *metrics.Metrics

	flushMu sync.Mutex

	mu       sync.Mutex
	pending  map[string][]message.Message
	order    []string
	inflight map[string][]message.Message

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a writer for c. logger and m may be nil.
func NewWriter(c *Cache, logger *zap.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		cache:   c,
		logger:  logger,
		metrics: m,
		pending:  make(map[string][]message.Message),
		inflight: make(map[string][]message.Message),
		wake:     make(chan struct{}, 1),
	}
}

// Start runs the flush loop until ctx is cancelled or Stop is called. A
// flush already running when that happens completes its batch.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	writeCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(w.done)
		for {
			select {
			case <-w.wake:
				w.Flush(writeCtx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the flush loop and writes whatever is still pending.
func (w *Writer) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.Flush(context.Background())
}

// Enqueue schedules a snapshot of msgs for conversationID.
func (w *Writer) Enqueue(conversationID string, msgs []message.Message) {
	snapshot := make([]message.Message, len(msgs))
	for i := range msgs {
		snapshot[i] = msgs[i].Clone()
	}

	w.mu.Lock()
	if _, ok := w.pending[conversationID]; !ok {
		w.order = append(w.order, conversationID)
	}
	w.pending[conversationID] = snapshot
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the not yet written snapshot of conversationID, including
// one whose write is in progress.
func (w *Writer) Snapshot(conversationID string) ([]message.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs, ok := w.pending[conversationID]
	if !ok {
		msgs, ok = w.inflight[conversationID]
	}
	if !ok {
		return nil, false
	}
	out := make([]message.Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out, true
}

// Pending returns the number of conversations waiting to be written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush writes every pending snapshot now. A failed write is put back
// unless a newer snapshot was enqueued meanwhile, and retried by the next
// flush.
func (w *Writer) Flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch, order := w.pending, w.order
	w.pending = make(map[string][]message.Message)
	w.order = nil
	for id, msgs := range batch {
		w.inflight[id] = msgs
	}
	w.mu.Unlock()

	for _, id := range order {
		err := w.cache.Save(ctx, id, batch[id])

		w.mu.Lock()
		delete(w.inflight, id)
		if err != nil {
			if _, newer := w.pending[id]; !newer {
				w.pending[id] = batch[id]
				w.order = append(w.order, id)
			}
		}
		w.mu.Unlock()

		if err != nil {
			w.logger.Warn("cache write failed", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		if w.metrics != nil {
			w.metrics.CacheWrites.Inc()
		}
		w.logger.Debug("cache written", zap.String("conversation_id", id), zap.Int("messages", len(batch[id])))
	}
}

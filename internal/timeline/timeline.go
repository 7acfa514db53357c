package timeline

import (
	"cmp"
	"reflect"
	"slices"
	"sync"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/message"
)

// Row is one feed row: a message and the UI key it keeps for its lifetime.
type Row struct {
	Key     string
	Message message.Message
}

type entry struct {
	rowKey string
	seq    uint64
	msg    message.Message
}

// Result summarizes one Merge call.
type Result struct {
	Added        int
	Updated      int
	Rejected     int
	AddedInbound int
}

// Changed reports whether the merge touched the timeline.
func (r Result) Changed() bool { return r.Added > 0 || r.Updated > 0 }

// maxPending bounds the updates parked for records not seen yet.
const maxPending = 512

// pendingOp is a status, media or reaction update that arrived before the
// record it targets. It is parked under every key it may match.
type pendingOp struct {
	seq      uint64
	keys     []string
	partial  message.Message
	src      message.Source
	reaction bool
	emoji    string
	add      bool
}

// Timeline is the ordered, deduplicated message set of one conversation.
// Every identity key ever observed stays mapped to its record, so a late
// durable id lands on the optimistic record that only had a temp id.
type Timeline struct {
	mu             sync.Mutex
	conversationID string
	entries        []*entry
	aliases        map[string]*entry
	pending        map[string][]*pendingOp
	npending       int
	opSeq          uint64
	seq            uint64
	bus            *bus.Bus
}

// New creates an empty timeline. b may be nil.
func New(conversationID string, b *bus.Bus) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		aliases:        make(map[string]*entry),
		pending:        make(map[string][]*pendingOp),
		bus:            b,
	}
}

// ConversationID returns the owning conversation.
func (t *Timeline) ConversationID() string { return t.conversationID }

// Merge folds msgs into the timeline in arrival order and re-sorts once.
// Records for another conversation or without an identity are rejected.
func (t *Timeline) Merge(msgs []message.Message, src message.Source) Result {
	t.mu.Lock()
	var res Result
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = t.conversationID
		}
		if m.ConversationID != t.conversationID || m.Validate() != nil {
			res.Rejected++
			continue
		}
		added, updated := t.mergeOne(m, src)
		if added {
			res.Added++
			if !m.FromMe {
				res.AddedInbound++
			}
		} else if updated {
			res.Updated++
		}
	}
	if res.Changed() {
		t.sortLocked()
	}
	t.mu.Unlock()

	if res.Changed() {
		t.publish(res)
	}
	return res
}

// Update merges a partial record into an existing message. It never inserts:
// a network update for a message the timeline has not seen yet is parked and
// applied when the record arrives, so the converged state does not depend on
// which of the two came first. Update reports whether the timeline changed.
func (t *Timeline) Update(partial message.Message, src message.Source) bool {
	if partial.ConversationID == "" {
		partial.ConversationID = t.conversationID
	}
	t.mu.Lock()
	keys := partial.Keys()
	e := t.lookupLocked(keys)
	if e == nil {
		if src == message.SourceNetwork && partial.ConversationID == t.conversationID {
			t.parkLocked(&pendingOp{keys: keys, partial: partial.Clone(), src: src})
		}
		t.mu.Unlock()
		return false
	}
	_, updated := t.mergeOne(partial, src)
	if updated {
		t.sortLocked()
	}
	t.mu.Unlock()

	if updated {
		t.publish(Result{Updated: 1})
	}
	return updated
}

// MarkFailed records a local send failure for the optimistic message tempID.
// It has no effect once the server confirmed the message.
func (t *Timeline) MarkFailed(tempID string) bool {
	return t.Update(message.Message{TempID: tempID, Status: message.StatusFailed}, message.SourceLocal)
}

// ResetForRetry moves a failed outbound message back to sending for a new
// attempt and returns it.
func (t *Timeline) ResetForRetry(tempID string) (message.Message, bool) {
	t.mu.Lock()
	e := t.aliases[message.TempKey(tempID)]
	if e == nil || e.msg.Status != message.StatusFailed || !e.msg.FromMe {
		t.mu.Unlock()
		return message.Message{}, false
	}
	e.msg.Status = message.StatusSending
	out := e.msg.Clone()
	t.mu.Unlock()

	t.publish(Result{Updated: 1})
	return out, true
}

// ApplyReaction adds or removes one emoji on the message with the given id.
// A reaction on a message not held yet is parked until it arrives.
func (t *Timeline) ApplyReaction(targetID, emoji string, add bool) bool {
	if targetID == "" || emoji == "" {
		return false
	}
	keys := []string{
		message.DurableKey(targetID),
		message.CanonicalKey(targetID),
		message.TempKey(targetID),
	}
	t.mu.Lock()
	e := t.lookupLocked(keys)
	if e == nil {
		t.parkLocked(&pendingOp{keys: keys, reaction: true, emoji: emoji, add: add})
		t.mu.Unlock()
		return false
	}
	changed := react(&e.msg, emoji, add)
	t.mu.Unlock()

	if changed {
		t.publish(Result{Updated: 1})
	}
	return changed
}

func react(m *message.Message, emoji string, add bool) bool {
	if !add && m.Reactions[emoji] == 0 {
		return false
	}
	r := make(map[string]int, len(m.Reactions)+1)
	for k, v := range m.Reactions {
		r[k] = v
	}
	if add {
		r[emoji]++
	} else {
		r[emoji]--
		if r[emoji] == 0 {
			delete(r, emoji)
		}
	}
	if len(r) == 0 {
		r = nil
	}
	m.Reactions = r
	return true
}

// Pending returns the number of parked updates.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.npending
}

func (t *Timeline) parkLocked(op *pendingOp) {
	if len(op.keys) == 0 || t.npending >= maxPending {
		return
	}
	t.opSeq++
	op.seq = t.opSeq
	for _, k := range op.keys {
		t.pending[k] = append(t.pending[k], op)
	}
	t.npending++
}

// drainLocked folds the parked updates matching any key of e into it, in
// the order they arrived.
func (t *Timeline) drainLocked(e *entry) {
	if t.npending == 0 {
		return
	}
	var ops []*pendingOp
	for _, k := range e.msg.Keys() {
		for _, op := range t.pending[k] {
			if !slices.Contains(ops, op) {
				ops = append(ops, op)
			}
		}
	}
	if len(ops) == 0 {
		return
	}
	for _, op := range ops {
		for _, k := range op.keys {
			t.pending[k] = slices.DeleteFunc(t.pending[k], func(o *pendingOp) bool { return o == op })
			if len(t.pending[k]) == 0 {
				delete(t.pending, k)
			}
		}
		t.npending--
	}
	slices.SortStableFunc(ops, func(a, b *pendingOp) int { return cmp.Compare(a.seq, b.seq) })
	for _, op := range ops {
		if op.reaction {
			react(&e.msg, op.emoji, op.add)
			continue
		}
		e.msg = message.Merge(e.msg, op.partial, op.src)
	}
	for _, k := range e.msg.Keys() {
		if _, taken := t.aliases[k]; !taken {
			t.aliases[k] = e
		}
	}
}

// Messages returns a copy of the ordered message set.
func (t *Timeline) Messages() []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]message.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

// Rows returns the ordered messages with their stable row keys.
func (t *Timeline) Rows() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Row, len(t.entries))
	for i, e := range t.entries {
		out[i] = Row{Key: e.rowKey, Message: e.msg.Clone()}
	}
	return out
}

// Tail returns the n most recent messages in timeline order.
func (t *Timeline) Tail(n int) []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := 0
	if n >= 0 && len(t.entries) > n {
		start = len(t.entries) - n
	}
	out := make([]message.Message, 0, len(t.entries)-start)
	for _, e := range t.entries[start:] {
		out = append(out, e.msg.Clone())
	}
	return out
}

// Get looks a message up by any of its identity keys.
func (t *Timeline) Get(key string) (message.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.aliases[key]
	if !ok {
		return message.Message{}, false
	}
	return e.msg.Clone(), true
}

// Len returns the number of messages held.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// OldestServerTime returns the smallest server time held, or 0.
func (t *Timeline) OldestServerTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest int64
	for _, e := range t.entries {
		if ts := e.msg.ServerTime; ts > 0 && (oldest == 0 || ts < oldest) {
			oldest = ts
		}
	}
	return oldest
}

// NewestServerTime returns the largest server time held, or 0.
func (t *Timeline) NewestServerTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var newest int64
	for _, e := range t.entries {
		if e.msg.ServerTime > newest {
			newest = e.msg.ServerTime
		}
	}
	return newest
}

func (t *Timeline) lookupLocked(keys []string) *entry {
	for _, k := range keys {
		if e, ok := t.aliases[k]; ok {
			return e
		}
	}
	return nil
}

// mergeOne must be called with t.mu held.
func (t *Timeline) mergeOne(m message.Message, src message.Source) (added, updated bool) {
	keys := m.Keys()

	var matched []*entry
	for _, k := range keys {
		if e, ok := t.aliases[k]; ok && !slices.Contains(matched, e) {
			matched = append(matched, e)
		}
	}

	if len(matched) == 0 {
		t.seq++
		m.Status = message.GuardStatus("", m.Status, src)
		e := &entry{rowKey: keys[0], seq: t.seq, msg: m.Clone()}
		t.entries = append(t.entries, e)
		for _, k := range keys {
			t.aliases[k] = e
		}
		t.drainLocked(e)
		return true, false
	}

	// The oldest record keeps its row key; any others collapse into it.
	slices.SortFunc(matched, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
	primary := matched[0]
	before := primary.msg.Clone()
	merged := primary.msg
	for _, other := range matched[1:] {
		merged = message.Merge(merged, other.msg, message.SourceCache)
		for _, k := range other.msg.Keys() {
			t.aliases[k] = primary
		}
		t.entries = slices.DeleteFunc(t.entries, func(e *entry) bool { return e == other })
	}
	merged = message.Merge(merged, m, src)
	primary.msg = merged
	for _, k := range merged.Keys() {
		t.aliases[k] = primary
	}
	t.drainLocked(primary)
	return false, len(matched) > 1 || !reflect.DeepEqual(before, primary.msg)
}

func (t *Timeline) sortLocked() {
	slices.SortFunc(t.entries, func(a, b *entry) int {
		return message.Compare(&a.msg, &b.msg)
	})
}

func (t *Timeline) publish(res Result) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind: bus.TimelineChanged,
		Payload: bus.Changed{
			ConversationID: t.conversationID,
			Added:          res.Added,
			Updated:        res.Updated,
		},
	})
}

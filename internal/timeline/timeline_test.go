package timeline

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/message"
)

const conv = "conv-1"

type batch struct {
	msgs []message.Message
	src  message.Source
}

func batchA() batch {
	return batch{src: message.SourceNetwork, msgs: []message.Message{
		{ID: "a", ConversationID: conv, ServerTime: 1000, Status: message.StatusSent, FromMe: true},
		{ID: "b", ConversationID: conv, ServerTime: 2000, Text: "hello"},
		{TempID: "t1", ConversationID: conv, ClientTime: 1200, FromMe: true, Status: message.StatusSending},
	}}
}

func batchB() batch {
	return batch{src: message.SourceNetwork, msgs: []message.Message{
		{ID: "a", ConversationID: conv, ServerTime: 1000, Status: message.StatusRead, FromMe: true},
		{ID: "c", ConversationID: conv, ServerTime: 1500, Text: "in between"},
		{ID: "b", ConversationID: conv, ServerTime: 2000, MediaURL: "https://cdn/b.jpg", Kind: message.KindImage},
		{ID: "z", TempID: "t1", ConversationID: conv, ServerTime: 1300, Status: message.StatusSent},
	}}
}

func TestMergeIdempotent(t *testing.T) {
	once := New(conv, nil)
	once.Merge(batchA().msgs, message.SourceNetwork)

	twice := New(conv, nil)
	twice.Merge(batchA().msgs, message.SourceNetwork)
	res := twice.Merge(batchA().msgs, message.SourceNetwork)

	if res.Changed() {
		t.Errorf("second merge reported changes: %+v", res)
	}
	if diff := cmp.Diff(once.Rows(), twice.Rows()); diff != "" {
		t.Errorf("merging twice differs from once (-once +twice):\n%s", diff)
	}
}

func TestMergeCommutative(t *testing.T) {
	ab := New(conv, nil)
	for _, b := range []batch{batchA(), batchB()} {
		ab.Merge(b.msgs, b.src)
	}
	ba := New(conv, nil)
	for _, b := range []batch{batchB(), batchA()} {
		ba.Merge(b.msgs, b.src)
	}

	if diff := cmp.Diff(ab.Messages(), ba.Messages()); diff != "" {
		t.Errorf("merge order changed the result (-AB +BA):\n%s", diff)
	}
	if ab.Len() != 4 {
		t.Errorf("len = %d, want 4 (a, b, c, t1/z collapsed)", ab.Len())
	}
}

func TestMergeCollapsesDuplicateIdentities(t *testing.T) {
	tl := New(conv, nil)
	tl.Merge([]message.Message{
		{TempID: "t1", ClientTime: 100, FromMe: true, Status: message.StatusSending},
		{ID: "w1", ServerTime: 120, Status: message.StatusDelivered},
	}, message.SourceNetwork)
	if tl.Len() != 2 {
		t.Fatalf("len = %d, want 2 before the linking record", tl.Len())
	}

	// A record carrying both ids proves they are the same message.
	res := tl.Merge([]message.Message{{ID: "w1", TempID: "t1", ServerTime: 120}}, message.SourceNetwork)
	if res.Updated != 1 {
		t.Errorf("result = %+v, want one update", res)
	}
	if tl.Len() != 1 {
		t.Fatalf("len = %d, want records collapsed to 1", tl.Len())
	}
	rows := tl.Rows()
	if rows[0].Key != "tmp:t1" {
		t.Errorf("row key = %q, want the first record's key tmp:t1", rows[0].Key)
	}
	got := rows[0].Message
	if got.Status != message.StatusDelivered || !got.FromMe || got.ClientTime != 100 {
		t.Errorf("collapsed message = %+v", got)
	}
	for _, k := range []string{"tmp:t1", "wa:w1"} {
		if _, ok := tl.Get(k); !ok {
			t.Errorf("alias %s lost after collapse", k)
		}
	}
}

func TestTempToDurableKeepsRowKey(t *testing.T) {
	tl := New(conv, nil)
	tl.Merge([]message.Message{{TempID: "x", ClientTime: 50, FromMe: true, Status: message.StatusSending}}, message.SourceLocal)

	tl.Update(message.Message{TempID: "x", ID: "wamid.1", Status: message.StatusSent}, message.SourceNetwork)
	tl.Merge([]message.Message{{ID: "wamid.1", ServerTime: 60, Text: "echo"}}, message.SourceNetwork)

	rows := tl.Rows()
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Key != "tmp:x" {
		t.Errorf("row key = %q, want tmp:x to survive the identity upgrade", rows[0].Key)
	}
	if rows[0].Message.Key() != "wa:wamid.1" {
		t.Errorf("resolved key = %q, want wa:wamid.1", rows[0].Message.Key())
	}
}

// TestDelayedDuplicateStatus covers an optimistic send acknowledged as
// delivered and then hit by a stale "sent" update.
func TestDelayedDuplicateStatus(t *testing.T) {
	tl := New(conv, nil)
	tl.Merge([]message.Message{{TempID: "X", ClientTime: 10, FromMe: true, Status: message.StatusSending}}, message.SourceLocal)

	if !tl.Update(message.Message{TempID: "X", Status: message.StatusDelivered}, message.SourceNetwork) {
		t.Fatal("delivered update not applied")
	}
	if tl.Update(message.Message{TempID: "X", Status: message.StatusSent}, message.SourceNetwork) {
		t.Error("stale sent update reported a change")
	}

	m, _ := tl.Get("tmp:X")
	if m.Status != message.StatusDelivered {
		t.Errorf("status = %q, want delivered", m.Status)
	}
}

// TestStatusBeforeEchoConverges delivers the same three events in every
// order: the optimistic send, the server echo, and a delivered receipt that
// only carries the durable id.
func TestStatusBeforeEchoConverges(t *testing.T) {
	optimistic := func(tl *Timeline) {
		tl.Merge([]message.Message{{TempID: "X", ClientTime: 10, FromMe: true, Status: message.StatusSending, Text: "hi"}}, message.SourceLocal)
	}
	echo := func(tl *Timeline) {
		tl.Merge([]message.Message{{ID: "W", TempID: "X", ServerTime: 500, FromMe: true, Status: message.StatusSent, Text: "hi"}}, message.SourceNetwork)
	}
	receipt := func(tl *Timeline) {
		tl.Update(message.Message{ID: "W", Status: message.StatusDelivered}, message.SourceNetwork)
	}

	orders := map[string][]func(*Timeline){
		"optimistic echo receipt": {optimistic, echo, receipt},
		"optimistic receipt echo": {optimistic, receipt, echo},
		"receipt optimistic echo": {receipt, optimistic, echo},
		"receipt echo optimistic": {receipt, echo, optimistic},
		"echo receipt optimistic": {echo, receipt, optimistic},
	}
	var want []Row
	for name, steps := range orders {
		t.Run(name, func(t *testing.T) {
			tl := New(conv, nil)
			for _, step := range steps {
				step(tl)
			}
			rows := tl.Rows()
			if len(rows) != 1 || rows[0].Message.Status != message.StatusDelivered {
				t.Fatalf("rows = %+v, want one delivered message", rows)
			}
			if tl.Pending() != 0 {
				t.Errorf("pending = %d after the record arrived", tl.Pending())
			}
			got := []Row{{Message: rows[0].Message}}
			if want == nil {
				want = got
			} else if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("converged state differs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpdateUnknownMessageIsParked(t *testing.T) {
	tl := New(conv, nil)
	if tl.Update(message.Message{TempID: "nope", Status: message.StatusRead}, message.SourceNetwork) {
		t.Error("update of unknown message reported a change")
	}
	if tl.Len() != 0 || tl.Pending() != 1 {
		t.Errorf("len = %d pending = %d, want 0 and 1", tl.Len(), tl.Pending())
	}
	if tl.MarkFailed("other") {
		t.Error("local failure of unknown message reported a change")
	}
	if tl.Pending() != 1 {
		t.Errorf("local update was parked: pending = %d", tl.Pending())
	}
}

func TestReactionBeforeTargetConverges(t *testing.T) {
	tl := New(conv, nil)
	tl.ApplyReaction("m", "👍", true)
	tl.ApplyReaction("m", "👍", true)
	if tl.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", tl.Pending())
	}

	tl.Merge([]message.Message{{ID: "m", ServerTime: 1}}, message.SourceNetwork)
	m, _ := tl.Get("wa:m")
	if diff := cmp.Diff(map[string]int{"👍": 2}, m.Reactions); diff != "" {
		t.Errorf("reactions (-want +got):\n%s", diff)
	}
	if tl.Pending() != 0 {
		t.Errorf("pending = %d, want 0", tl.Pending())
	}
}

func TestMarkFailedAndRetry(t *testing.T) {
	tl := New(conv, nil)
	tl.Merge([]message.Message{{TempID: "t", ClientTime: 1, FromMe: true, Status: message.StatusSending}}, message.SourceLocal)

	if !tl.MarkFailed("t") {
		t.Fatal("MarkFailed on sending message should apply")
	}
	m, ok := tl.ResetForRetry("t")
	if !ok || m.Status != message.StatusSending {
		t.Fatalf("ResetForRetry = %+v, %v", m, ok)
	}
	tl.Update(message.Message{TempID: "t", Status: message.StatusSent}, message.SourceNetwork)
	if tl.MarkFailed("t") {
		t.Error("MarkFailed after sent should be refused")
	}
	if _, ok := tl.ResetForRetry("t"); ok {
		t.Error("ResetForRetry of a sent message should be refused")
	}
}

func TestRejectsForeignAndAnonymousRecords(t *testing.T) {
	tl := New(conv, nil)
	res := tl.Merge([]message.Message{
		{ID: "ok"},
		{ID: "other", ConversationID: "conv-2"},
		{Text: "no identity"},
	}, message.SourceNetwork)
	if res.Added != 1 || res.Rejected != 2 {
		t.Errorf("result = %+v, want 1 added, 2 rejected", res)
	}
}

func TestApplyReaction(t *testing.T) {
	tl := New(conv, nil)
	tl.Merge([]message.Message{{ID: "m", ServerTime: 1}}, message.SourceNetwork)

	tl.ApplyReaction("m", "👍", true)
	tl.ApplyReaction("m", "👍", true)
	tl.ApplyReaction("m", "❤️", true)
	tl.ApplyReaction("m", "❤️", false)

	m, _ := tl.Get("wa:m")
	if diff := cmp.Diff(map[string]int{"👍": 2}, m.Reactions); diff != "" {
		t.Errorf("reactions (-want +got):\n%s", diff)
	}
	if tl.ApplyReaction("m", "🔥", false) {
		t.Error("removing an absent reaction should be a no-op")
	}
	if tl.ApplyReaction("missing", "👍", true) {
		t.Error("reaction on unknown target reported a change")
	}
}

func TestServerTimeBoundsAndTail(t *testing.T) {
	tl := New(conv, nil)
	tl.Merge([]message.Message{
		{ID: "3", ServerTime: 3000},
		{ID: "1", ServerTime: 1000},
		{TempID: "p", ClientTime: 4000, FromMe: true},
		{ID: "2", ServerTime: 2000},
	}, message.SourceNetwork)

	if got := tl.OldestServerTime(); got != 1000 {
		t.Errorf("oldest = %d, want 1000", got)
	}
	if got := tl.NewestServerTime(); got != 3000 {
		t.Errorf("newest = %d, want 3000", got)
	}
	tail := tl.Tail(2)
	if len(tail) != 2 || tail[0].ID != "3" || tail[1].TempID != "p" {
		t.Errorf("tail = %+v", tail)
	}
}

func TestMergePublishesChanged(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("timeline.", 4)
	defer unsub()

	tl := New(conv, b)
	tl.Merge([]message.Message{{ID: "m", ServerTime: 1}}, message.SourceNetwork)
	tl.Merge([]message.Message{{ID: "m", ServerTime: 1}}, message.SourceNetwork)

	select {
	case evt := <-ch:
		c := evt.Payload.(bus.Changed)
		if c.ConversationID != conv || c.Added != 1 {
			t.Errorf("payload = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for timeline.changed")
	}
	select {
	case evt := <-ch:
		t.Errorf("no-op merge published %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

package message

import (
	"slices"
	"sync"
	"time"
)

// Less is the total order of a conversation timeline: effective time, then
// inbound before outbound, then client time, then identity key.
func Less(a, b *Message) bool {
	return Compare(a, b) < 0
}

// Compare returns -1, 0 or +1 following the timeline order. Two records
// compare equal only if they share the same identity key.
func Compare(a, b *Message) int {
	if ta, tb := a.EffectiveTime(), b.EffectiveTime(); ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	if a.FromMe != b.FromMe {
		if !a.FromMe {
			return -1
		}
		return 1
	}
	if a.ClientTime != b.ClientTime {
		if a.ClientTime < b.ClientTime {
			return -1
		}
		return 1
	}
	ka, kb := a.Key(), b.Key()
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	}
	return 0
}

// Sort orders msgs in place.
func Sort(msgs []Message) {
	slices.SortFunc(msgs, func(a, b Message) int { return Compare(&a, &b) })
}

// Clock hands out strictly increasing client timestamps in unix
// milliseconds so locally created messages never tie with each other.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock creates a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns the next client timestamp.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	if now == nil {
		now = time.Now
	}
	t := now().UnixMilli()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}

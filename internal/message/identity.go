package message

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// Identity key namespaces, in preference order.
const (
	prefixDurable   = "wa:"
	prefixCanonical = "id:"
	prefixTemp      = "tmp:"
	prefixComposite = "ts:"
)

// Keys returns every identity key of m in preference order: durable server
// id, canonical id, temp id. The (serverTime, content) composite is used only
// for records that carry none of those ids.
func (m *Message) Keys() []string {
	keys := make([]string, 0, 3)
	if m.ID != "" {
		keys = append(keys, prefixDurable+m.ID)
	}
	if m.CanonicalID != "" {
		keys = append(keys, prefixCanonical+m.CanonicalID)
	}
	if m.TempID != "" {
		keys = append(keys, prefixTemp+m.TempID)
	}
	if len(keys) == 0 {
		if c := m.compositeKey(); c != "" {
			keys = append(keys, c)
		}
	}
	return keys
}

// Key returns the most authoritative identity key of m, or "" if none resolves.
func (m *Message) Key() string {
	if keys := m.Keys(); len(keys) > 0 {
		return keys[0]
	}
	return ""
}

// TempKey returns the identity key for a local temp id.
func TempKey(tempID string) string { return prefixTemp + tempID }

// DurableKey returns the identity key for a server-assigned id.
func DurableKey(id string) string { return prefixDurable + id }

// CanonicalKey returns the identity key for a canonical client id.
func CanonicalKey(id string) string { return prefixCanonical + id }

func (m *Message) compositeKey() string {
	if m.ServerTime <= 0 {
		return ""
	}
	content := m.Text
	if content == "" {
		content = m.MediaURL
	}
	if content == "" {
		return ""
	}
	sum := sha1.Sum([]byte(content))
	return prefixComposite + strconv.FormatInt(m.ServerTime, 10) + ":" + hex.EncodeToString(sum[:8])
}

// Merge combines two records of the same logical message. Ids and
// server-assigned fields from incoming win when present; locally known
// values are kept until something better supersedes them. The status is
// decided by GuardStatus.
func Merge(current, incoming Message, src Source) Message {
	out := current.Clone()

	if incoming.ID != "" {
		out.ID = incoming.ID
	}
	if incoming.CanonicalID != "" {
		out.CanonicalID = incoming.CanonicalID
	}
	if incoming.TempID != "" {
		out.TempID = incoming.TempID
	}
	if out.ConversationID == "" {
		out.ConversationID = incoming.ConversationID
	}
	out.FromMe = out.FromMe || incoming.FromMe
	if incoming.Kind != "" {
		out.Kind = incoming.Kind
	}
	if incoming.Text != "" {
		out.Text = incoming.Text
	}
	if incoming.MediaURL != "" {
		out.MediaURL = incoming.MediaURL
	}
	// A preview only stands in for media that has not been uploaded yet.
	switch {
	case out.MediaURL != "":
		out.PreviewURL = ""
	case incoming.PreviewURL != "" && (out.PreviewURL == "" || incoming.PreviewURL < out.PreviewURL):
		out.PreviewURL = incoming.PreviewURL
	}
	if len(incoming.Items) > 0 {
		out.Items = append([]MediaItem(nil), incoming.Items...)
	}
	if incoming.ServerTime > 0 {
		out.ServerTime = incoming.ServerTime
	}
	if incoming.ClientTime > 0 && (out.ClientTime == 0 || incoming.ClientTime < out.ClientTime) {
		out.ClientTime = incoming.ClientTime
	}
	if incoming.ReplyTo != "" {
		out.ReplyTo = incoming.ReplyTo
	}
	if incoming.Reactions != nil {
		out.Reactions = make(map[string]int, len(incoming.Reactions))
		for k, v := range incoming.Reactions {
			out.Reactions[k] = v
		}
	}
	out.Status = GuardStatus(current.Status, incoming.Status, src)
	return out
}

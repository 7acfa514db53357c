package message

import "errors"

// Kind is the content type of a message.
type Kind string

const (
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindAudio       Kind = "audio"
	KindVideo       Kind = "video"
	KindOrder       Kind = "order"
	KindCatalogItem Kind = "catalogItem"
	KindCatalogSet  Kind = "catalogSet"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindVideo, KindOrder, KindCatalogItem, KindCatalogSet:
		return true
	}
	return false
}

// IsMedia reports whether the kind carries an out-of-band media reference.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindAudio || k == KindVideo
}

// Source identifies where a record came from. Only local records may mark a
// message as failed.
type Source int

const (
	SourceNetwork Source = iota
	SourceLocal
	SourceCache
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceCache:
		return "cache"
	default:
		return "network"
	}
}

// ErrNoIdentity is returned for records that carry no usable identity key.
var ErrNoIdentity = errors.New("message has no identity key")

// MediaItem is one entry of a grouped image message.
type MediaItem struct {
	URL     string `json:"url,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// Message is a single conversation entry as held by the client.
type Message struct {
	ID             string         `json:"wa_message_id,omitempty"`
	CanonicalID    string         `json:"id,omitempty"`
	TempID         string         `json:"temp_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	FromMe         bool           `json:"from_me"`
	Kind           Kind           `json:"type,omitempty"`
	Text           string         `json:"content,omitempty"`
	MediaURL       string         `json:"media_url,omitempty"`
	PreviewURL     string         `json:"preview_url,omitempty"`
	Items          []MediaItem    `json:"items,omitempty"`
	ServerTime     int64          `json:"timestamp,omitempty"`
	ClientTime     int64          `json:"client_time,omitempty"`
	Status         Status         `json:"status,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	Reactions      map[string]int `json:"reactions,omitempty"`
}

// Validate checks the boundary invariants of a record before it may enter a store.
func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return errors.New("message has no conversation id")
	}
	if m.Key() == "" {
		return ErrNoIdentity
	}
	if m.Kind != "" && !m.Kind.Valid() {
		return errors.New("unknown message kind " + string(m.Kind))
	}
	if m.Status != "" && !m.Status.Valid() {
		return errors.New("unknown message status " + string(m.Status))
	}
	return nil
}

// EffectiveTime is the primary sort key: the server time once assigned, the
// local client time until then.
func (m *Message) EffectiveTime() int64 {
	if m.ServerTime > 0 {
		return m.ServerTime
	}
	return m.ClientTime
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Items != nil {
		m.Items = append([]MediaItem(nil), m.Items...)
	}
	if m.Reactions != nil {
		r := make(map[string]int, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = v
		}
		m.Reactions = r
	}
	return m
}

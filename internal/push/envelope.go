// Package push decodes the live event stream of the inbox backend and keeps
// a websocket connection to it open.
package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/inbox/internal/message"
	"github.com/tidwall/gjson"
)

// Type is the discriminator of a push envelope.
type Type string

const (
	TypeRecentMessages      Type = "recent_messages"
	TypeConversationHistory Type = "conversation_history"
	TypeMessageSent         Type = "message_sent"
	TypeMessageReceived     Type = "message_received"
	TypeStatusUpdate        Type = "message_status_update"
	TypeReactionUpdate      Type = "reaction_update"
	TypeMarkedRead          Type = "messages_marked_read"
	TypeTyping              Type = "typing"

	TypeSendMessage Type = "send_message"
)

// Event is one validated push event. The concrete types below are the only
// implementations.
type Event interface {
	Type() Type
	Conversation() string
}

// RecentMessages carries the newest messages of a conversation.
type RecentMessages struct {
	ConversationID string
	Messages       []message.Message
}

// ConversationHistory carries a page of older messages.
type ConversationHistory struct {
	ConversationID string
	Messages       []message.Message
	HasMore        bool
}

// MessageSent echoes a message this client (or another device) sent.
type MessageSent struct {
	Message message.Message
}

// MessageReceived is a new inbound message.
type MessageReceived struct {
	Message message.Message
}

// StatusUpdate moves a message along its delivery lifecycle. At least one of
// TempID and ID is set.
type StatusUpdate struct {
	ConversationID string         `json:"conversation_id"`
	TempID         string         `json:"temp_id,omitempty"`
	ID             string         `json:"wa_message_id,omitempty"`
	Status         message.Status `json:"status"`
	MediaURL       string         `json:"media_url,omitempty"`
	ServerTime     int64          `json:"timestamp,omitempty"`
}

// Partial returns the update as a partial message for Timeline.Update.
func (u StatusUpdate) Partial() message.Message {
	return message.Message{
		ID:             u.ID,
		TempID:         u.TempID,
		ConversationID: u.ConversationID,
		Status:         u.Status,
		MediaURL:       u.MediaURL,
		ServerTime:     u.ServerTime,
	}
}

// ReactionUpdate adds or removes an emoji reaction.
type ReactionUpdate struct {
	ConversationID string
	TargetID       string
	Emoji          string
	Add            bool
}

// MarkedRead reports that the conversation was read elsewhere.
type MarkedRead struct {
	ConversationID string
}

// Typing reports the remote party's typing indicator.
type Typing struct {
	ConversationID string
	Active         bool
}

func (RecentMessages) Type() Type      { return TypeRecentMessages }
func (ConversationHistory) Type() Type { return TypeConversationHistory }
func (MessageSent) Type() Type         { return TypeMessageSent }
func (MessageReceived) Type() Type     { return TypeMessageReceived }
func (StatusUpdate) Type() Type        { return TypeStatusUpdate }
func (ReactionUpdate) Type() Type      { return TypeReactionUpdate }
func (MarkedRead) Type() Type          { return TypeMarkedRead }
func (Typing) Type() Type              { return TypeTyping }

func (e RecentMessages) Conversation() string      { return e.ConversationID }
func (e ConversationHistory) Conversation() string { return e.ConversationID }
func (e MessageSent) Conversation() string         { return e.Message.ConversationID }
func (e MessageReceived) Conversation() string     { return e.Message.ConversationID }
func (e StatusUpdate) Conversation() string        { return e.ConversationID }
func (e ReactionUpdate) Conversation() string      { return e.ConversationID }
func (e MarkedRead) Conversation() string          { return e.ConversationID }
func (e Typing) Conversation() string              { return e.ConversationID }

// ParseError is returned by Decode for frames that fail validation.
type ParseError struct {
	Type string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return "push: " + e.Err.Error()
	}
	return fmt.Sprintf("push %s: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errMissingConversation = errors.New("missing conversation_id")
	errMissingIdentity     = errors.New("missing temp_id and wa_message_id")
)

// Decode validates a raw envelope and returns its typed event. Any failure
// is a *ParseError; unknown types are errors too, so callers can count them.
func Decode(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &ParseError{Err: errors.New("invalid json")}
	}
	typ := gjson.GetBytes(raw, "type").Str
	if typ == "" {
		return nil, &ParseError{Err: errors.New("missing type")}
	}
	data := gjson.GetBytes(raw, "data")
	if !data.Exists() {
		return nil, &ParseError{Type: typ, Err: errors.New("missing data")}
	}

	evt, err := decodeData(Type(typ), data)
	if err != nil {
		return nil, &ParseError{Type: typ, Err: err}
	}
	return evt, nil
}

func decodeData(typ Type, data gjson.Result) (Event, error) {
	switch typ {
	case TypeRecentMessages:
		conv, msgs, err := decodeList(data)
		if err != nil {
			return nil, err
		}
		return RecentMessages{ConversationID: conv, Messages: msgs}, nil

	case TypeConversationHistory:
		conv, msgs, err := decodeList(data)
		if err != nil {
			return nil, err
		}
		return ConversationHistory{ConversationID: conv, Messages: msgs, HasMore: data.Get("has_more").Bool()}, nil

	case TypeMessageSent, TypeMessageReceived:
		var m message.Message
		if err := json.Unmarshal([]byte(data.Raw), &m); err != nil {
			return nil, err
		}
		if typ == TypeMessageSent {
			m.FromMe = true
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if typ == TypeMessageSent {
			return MessageSent{Message: m}, nil
		}
		return MessageReceived{Message: m}, nil

	case TypeStatusUpdate:
		var u StatusUpdate
		if err := json.Unmarshal([]byte(data.Raw), &u); err != nil {
			return nil, err
		}
		switch {
		case u.ConversationID == "":
			return nil, errMissingConversation
		case u.TempID == "" && u.ID == "":
			return nil, errMissingIdentity
		case !u.Status.Valid():
			return nil, fmt.Errorf("unknown status %q", u.Status)
		}
		return u, nil

	case TypeReactionUpdate:
		r := ReactionUpdate{
			ConversationID: data.Get("conversation_id").Str,
			TargetID:       data.Get("target_id").Str,
			Emoji:          data.Get("emoji").Str,
		}
		switch action := data.Get("action").Str; action {
		case "add":
			r.Add = true
		case "remove":
		default:
			return nil, fmt.Errorf("unknown reaction action %q", action)
		}
		if r.ConversationID == "" {
			return nil, errMissingConversation
		}
		if r.TargetID == "" || r.Emoji == "" {
			return nil, errors.New("missing target_id or emoji")
		}
		return r, nil

	case TypeMarkedRead:
		conv := data.Get("conversation_id").Str
		if conv == "" {
			return nil, errMissingConversation
		}
		return MarkedRead{ConversationID: conv}, nil

	case TypeTyping:
		conv := data.Get("conversation_id").Str
		if conv == "" {
			return nil, errMissingConversation
		}
		active := data.Get("is_typing")
		return Typing{ConversationID: conv, Active: !active.Exists() || active.Bool()}, nil
	}
	return nil, fmt.Errorf("unknown event type")
}

// decodeList accepts either a bare array of messages or an object with a
// conversation_id and a messages array. Records failing validation are
// dropped; the frame fails only if no conversation can be attributed.
func decodeList(data gjson.Result) (string, []message.Message, error) {
	conv := data.Get("conversation_id").Str
	list := data
	if data.IsObject() {
		list = data.Get("messages")
	}
	if !list.IsArray() {
		return "", nil, errors.New("messages is not an array")
	}

	var raw []message.Message
	if err := json.Unmarshal([]byte(list.Raw), &raw); err != nil {
		return "", nil, err
	}
	if conv == "" {
		for _, m := range raw {
			if m.ConversationID != "" {
				conv = m.ConversationID
				break
			}
		}
	}
	if conv == "" {
		return "", nil, errMissingConversation
	}

	msgs := make([]message.Message, 0, len(raw))
	for _, m := range raw {
		if m.ConversationID == "" {
			m.ConversationID = conv
		}
		if m.ConversationID != conv || m.Validate() != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return conv, msgs, nil
}

// OutboundEnvelope is a frame written to the push channel.
type OutboundEnvelope struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// SendMessage wraps an optimistic message for transmission.
func SendMessage(m message.Message) OutboundEnvelope {
	return OutboundEnvelope{Type: TypeSendMessage, Data: m}
}

// Package protocol defines the one wire format shared by the collaboration
// server and its clients: JSON text frames carrying binary payloads.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"collabsync/internal/awareness"
	"collabsync/internal/crdt"
)

// Event names a frame type.
type Event string

const (
	EventJoin            Event = "join"
	EventDocumentUpdate  Event = "document-update"
	EventAwarenessUpdate Event = "awareness-update"
	EventChatSend        Event = "chat-send"
	EventChatNew         Event = "chat-new"
)

// MaxPayloadSize bounds binary payloads accepted from a peer.
const MaxPayloadSize = 4 << 20

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMissingDocID   = errors.New("missing docId")
	ErrInvalidPayload = errors.New("invalid payload")
)

// ChatUser is the identity attached to a chat message.
type ChatUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color,omitempty"`
}

// ChatSend is the client request body of a chat-send frame.
type ChatSend struct {
	Message string   `json:"message"`
	User    ChatUser `json:"user"`
}

// ChatMessage is the authoritative chat-new payload.
type ChatMessage struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	User      ChatUser  `json:"user"`
}

// Envelope is a single frame on the wire. Payload is base64 in JSON.
type Envelope struct {
	Event    Event        `json:"event"`
	DocID    string       `json:"docId"`
	ClientID uint64       `json:"clientId,omitempty"`
	Payload  []byte       `json:"payload,omitempty"`
	Chat     *ChatSend    `json:"chat,omitempty"`
	Message  *ChatMessage `json:"message,omitempty"`
}

// Encode marshals e. Envelopes built by this package always marshal.
func Encode(e *Envelope) []byte {
	data, _ := json.Marshal(e)
	return data
}

// Decode parses and validates a frame. Anything that is not exactly one of
// the known shapes is rejected.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the envelope shape and the binary payload encoding.
func Validate(e *Envelope) error {
	if strings.TrimSpace(e.DocID) == "" {
		return ErrMissingDocID
	}
	if len(e.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes", ErrInvalidPayload, len(e.Payload))
	}

	switch e.Event {
	case EventJoin:
		return nil
	case EventDocumentUpdate:
		if err := crdt.ValidateUpdate(e.Payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return nil
	case EventAwarenessUpdate:
		if err := awareness.Validate(e.Payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return nil
	case EventChatSend:
		if e.Chat == nil {
			return fmt.Errorf("%w: chat-send without chat body", ErrInvalidPayload)
		}
		return nil
	case EventChatNew:
		if e.Message == nil {
			return fmt.Errorf("%w: chat-new without message", ErrInvalidPayload)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Event)
	}
}

// Join builds a join frame.
func Join(docID string, clientID uint64) *Envelope {
	return &Envelope{Event: EventJoin, DocID: docID, ClientID: clientID}
}

// DocumentUpdate builds a document-update frame.
func DocumentUpdate(docID string, update []byte) *Envelope {
	return &Envelope{Event: EventDocumentUpdate, DocID: docID, Payload: update}
}

// AwarenessUpdate builds an awareness-update frame.
func AwarenessUpdate(docID string, update []byte) *Envelope {
	return &Envelope{Event: EventAwarenessUpdate, DocID: docID, Payload: update}
}

// ChatNew builds a chat-new frame.
func ChatNew(docID string, msg ChatMessage) *Envelope {
	return &Envelope{Event: EventChatNew, DocID: docID, Message: &msg}
}

package clinicchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNoCredential is returned when an operation needs a bearer credential
	// and none is configured.
	ErrNoCredential = errors.New("no credential")
	// ErrNotConnected is returned by Send when the transport is not open.
	// Outgoing messages are never queued.
	ErrNotConnected = errors.New("transport not connected")
	// ErrRateLimited is returned by Send when the local send rate is exceeded.
	ErrRateLimited = errors.New("send rate exceeded")
	// ErrEmptyText rejects outgoing messages that are blank after trimming.
	ErrEmptyText = errors.New("message text is empty")
	// ErrNoReceiver rejects outgoing messages without a receiver.
	ErrNoReceiver = errors.New("message has no receiver")
	// ErrNoActiveConversation is returned when sending or paging with no
	// conversation open.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrFetchInProgress is returned when a history fetch is dropped because
	// another one is still outstanding.
	ErrFetchInProgress = errors.New("history fetch already in progress")
	// ErrUnknownFrame marks an incoming frame with an unrecognised type tag.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrMalformedFrame marks an incoming frame that could not be parsed.
	ErrMalformedFrame = errors.New("malformed frame")
)

// APIError is a non-2xx response from the chat REST backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api: status %d: %s", e.StatusCode, e.Message)
}

// ============================================================================
// Participants
// ============================================================================

// Participant is a chat user as seen by the local user.
type Participant struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// UnmarshalJSON accepts both `id` and `_id`, and a bare id string for
// unpopulated references.
func (p *Participant) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*p = Participant{ID: id}
		return nil
	}
	var w struct {
		ID        string `json:"id"`
		MongoID   string `json:"_id"`
		Username  string `json:"username"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Participant{ID: firstNonEmpty(w.ID, w.MongoID), Username: w.Username, AvatarURL: w.AvatarURL}
	return nil
}

// DisplayName returns the username, or the id when the username is unknown.
func (p Participant) DisplayName() string {
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

// ConversationID derives the deterministic id of the one-to-one conversation
// between two users: the ids sorted and joined with "_".
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// ============================================================================
// Messages
// ============================================================================

// Message is a single chat message. ID is the deduplication key and
// Timestamp the ordering key within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`
}

// wireMessage is the server representation of a message: embedded
// participants, id under `_id` or `id`, body under `message` or `text`.
type wireMessage struct {
	ID             string       `json:"id"`
	MongoID        string       `json:"_id"`
	ConversationID string       `json:"conversationId"`
	Sender         *Participant `json:"sender"`
	Receiver       *Participant `json:"receiver"`
	SenderID       string       `json:"senderId"`
	ReceiverID     string       `json:"receiverId"`
	Message        string       `json:"message"`
	Text           string       `json:"text"`
	Timestamp      *time.Time   `json:"timestamp"`
	CreatedAt      *time.Time   `json:"createdAt"`
	Read           bool         `json:"read"`
}

func (w wireMessage) participants() (sender, receiver Participant) {
	if w.Sender != nil {
		sender = *w.Sender
	}
	if w.Receiver != nil {
		receiver = *w.Receiver
	}
	if sender.ID == "" {
		sender.ID = w.SenderID
	}
	if receiver.ID == "" {
		receiver.ID = w.ReceiverID
	}
	return sender, receiver
}

func (w wireMessage) message() Message {
	sender, receiver := w.participants()
	m := Message{
		ID:             firstNonEmpty(w.MongoID, w.ID),
		ConversationID: w.ConversationID,
		SenderID:       sender.ID,
		ReceiverID:     receiver.ID,
		Text:           firstNonEmpty(w.Message, w.Text),
		Read:           w.Read,
	}
	switch {
	case w.Timestamp != nil:
		m.Timestamp = *w.Timestamp
	case w.CreatedAt != nil:
		m.Timestamp = *w.CreatedAt
	}
	if m.ConversationID == "" && m.SenderID != "" && m.ReceiverID != "" {
		m.ConversationID = ConversationID(m.SenderID, m.ReceiverID)
	}
	return m
}

func (w wireMessage) validate() error {
	m := w.message()
	switch {
	case m.ID == "":
		return errors.New("message has no id")
	case m.SenderID == "" || m.ReceiverID == "":
		return errors.New("message has no sender or receiver")
	}
	return nil
}

// UnmarshalJSON decodes the server representation of a message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = w.message()
	return nil
}

// MessageSummary is the last-message preview held on a Conversation.
type MessageSummary struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Read       bool      `json:"read"`
}

func (s *MessageSummary) UnmarshalJSON(data []byte) error {
	type alias MessageSummary
	var w struct {
		alias
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = MessageSummary(w.alias)
	if s.ID == "" {
		s.ID = w.MongoID
	}
	return nil
}

func summarize(m Message) MessageSummary {
	return MessageSummary{
		ID:         m.ID,
		Text:       m.Text,
		Timestamp:  m.Timestamp,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Read:       m.Read,
	}
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is one entry of the conversation list.
type Conversation struct {
	ConversationID   string         `json:"conversationId"`
	OtherParticipant Participant    `json:"otherParticipant"`
	LastMessage      MessageSummary `json:"lastMessage"`
	UnreadCount      int            `json:"unreadCount"`
}

// Provisional reports whether the conversation was synthesised locally and
// has no server-side message yet.
func (c Conversation) Provisional() bool {
	return strings.HasPrefix(c.LastMessage.ID, provisionalPrefix)
}

// HistoryPage is one page of conversation history, newest page first.
type HistoryPage struct {
	Messages      []Message `json:"messages"`
	CurrentPage   int       `json:"currentPage"`
	TotalPages    int       `json:"totalPages"`
	TotalMessages int       `json:"totalMessages"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

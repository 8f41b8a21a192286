package clinicchat

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketWindows       = []byte("windows")
)

// ErrSnapshotNotFound is returned when nothing was saved under a key.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore persists the last known conversation list and message
// windows so they can be shown without a connection. It is write-only from
// the session's point of view: nothing read back feeds the live Store.
type SnapshotStore struct {
	db *bbolt.DB
}

// OpenSnapshotStore opens or creates the snapshot database at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketWindows)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// SaveConversations replaces the saved list of userID.
func (s *SnapshotStore) SaveConversations(userID string, convs []Conversation, savedAt time.Time) error {
	rec := &dbConversationList{UserID: userID, SavedAt: savedAt.UnixMilli()}
	for _, c := range convs {
		rec.Conversations = append(rec.Conversations, toDBConversation(c))
	}
	return s.put(bucketConversations, rec)
}

// LoadConversations returns the saved list of userID and when it was saved.
func (s *SnapshotStore) LoadConversations(userID string) ([]Conversation, time.Time, error) {
	rec := &dbConversationList{UserID: userID}
	if err := s.get(bucketConversations, rec); err != nil {
		return nil, time.Time{}, err
	}
	convs := make([]Conversation, 0, len(rec.Conversations))
	for _, c := range rec.Conversations {
		convs = append(convs, c.conversation())
	}
	return convs, time.UnixMilli(rec.SavedAt).UTC(), nil
}

// WindowSnapshot is a saved message window.
type WindowSnapshot struct {
	ConversationID string
	CurrentPage    int
	TotalPages     int
	Messages       []Message
	SavedAt        time.Time
}

// SaveWindow replaces the saved window of w.ConversationID.
func (s *SnapshotStore) SaveWindow(w WindowSnapshot) error {
	rec := &dbWindow{
		ConversationID: w.ConversationID,
		CurrentPage:    w.CurrentPage,
		TotalPages:     w.TotalPages,
		SavedAt:        w.SavedAt.UnixMilli(),
	}
	for _, m := range w.Messages {
		rec.Messages = append(rec.Messages, toDBMessage(m))
	}
	return s.put(bucketWindows, rec)
}

// LoadWindow returns the saved window of conversationID.
func (s *SnapshotStore) LoadWindow(conversationID string) (WindowSnapshot, error) {
	rec := &dbWindow{ConversationID: conversationID}
	if err := s.get(bucketWindows, rec); err != nil {
		return WindowSnapshot{}, err
	}
	w := WindowSnapshot{
		ConversationID: rec.ConversationID,
		CurrentPage:    rec.CurrentPage,
		TotalPages:     rec.TotalPages,
		SavedAt:        time.UnixMilli(rec.SavedAt).UTC(),
	}
	for _, m := range rec.Messages {
		w.Messages = append(w.Messages, m.message())
	}
	return w, nil
}

func (s *SnapshotStore) put(bucket []byte, rec storeable) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(rec.Key(), data)
	})
}

func (s *SnapshotStore) get(bucket []byte, rec storeable) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(rec.Key())
		if data == nil {
			return ErrSnapshotNotFound
		}
		return rec.UnmarshalBinary(data)
	})
}

// ============================================================================
// Records
// ============================================================================

type storeable interface {
	Key() []byte
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

type dbParticipant struct {
	ID        string `msgpack:"id"`
	Username  string `msgpack:"username"`
	AvatarURL string `msgpack:"avatarUrl"`
}

type dbMessage struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	ReceiverID     string `msgpack:"receiverId"`
	Text           string `msgpack:"text"`
	Timestamp      int64  `msgpack:"timestamp"`
	Read           bool   `msgpack:"read"`
}

type dbConversation struct {
	ConversationID   string        `msgpack:"conversationId"`
	OtherParticipant dbParticipant `msgpack:"otherParticipant"`
	LastMessage      dbMessage     `msgpack:"lastMessage"`
	UnreadCount      int           `msgpack:"unreadCount"`
}

type dbConversationList struct {
	UserID        string           `msgpack:"userId"`
	SavedAt       int64            `msgpack:"savedAt"`
	Conversations []dbConversation `msgpack:"conversations"`
}

func (l *dbConversationList) Key() []byte {
	return []byte(l.UserID)
}

func (l *dbConversationList) MarshalBinary() (data []byte, err error) {
	type alias dbConversationList
	return msgpack.Marshal((*alias)(l))
}

func (l *dbConversationList) UnmarshalBinary(data []byte) error {
	type alias dbConversationList
	return msgpack.Unmarshal(data, (*alias)(l))
}

type dbWindow struct {
	ConversationID string      `msgpack:"conversationId"`
	CurrentPage    int         `msgpack:"currentPage"`
	TotalPages     int         `msgpack:"totalPages"`
	SavedAt        int64       `msgpack:"savedAt"`
	Messages       []dbMessage `msgpack:"messages"`
}

func (w *dbWindow) Key() []byte {
	return []byte(w.ConversationID)
}

func (w *dbWindow) MarshalBinary() (data []byte, err error) {
	type alias dbWindow
	return msgpack.Marshal((*alias)(w))
}

func (w *dbWindow) UnmarshalBinary(data []byte) error {
	type alias dbWindow
	return msgpack.Unmarshal(data, (*alias)(w))
}

func toDBMessage(m Message) dbMessage {
	return dbMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Text:           m.Text,
		Timestamp:      m.Timestamp.UnixMilli(),
		Read:           m.Read,
	}
}

func (m dbMessage) message() Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Text:           m.Text,
		Timestamp:      time.UnixMilli(m.Timestamp).UTC(),
		Read:           m.Read,
	}
}

func toDBConversation(c Conversation) dbConversation {
	last := c.LastMessage
	return dbConversation{
		ConversationID: c.ConversationID,
		OtherParticipant: dbParticipant{
			ID:        c.OtherParticipant.ID,
			Username:  c.OtherParticipant.Username,
			AvatarURL: c.OtherParticipant.AvatarURL,
		},
		LastMessage: dbMessage{
			ID:         last.ID,
			SenderID:   last.SenderID,
			ReceiverID: last.ReceiverID,
			Text:       last.Text,
			Timestamp:  last.Timestamp.UnixMilli(),
			Read:       last.Read,
		},
		UnreadCount: c.UnreadCount,
	}
}

func (c dbConversation) conversation() Conversation {
	last := c.LastMessage.message()
	return Conversation{
		ConversationID: c.ConversationID,
		OtherParticipant: Participant{
			ID:        c.OtherParticipant.ID,
			Username:  c.OtherParticipant.Username,
			AvatarURL: c.OtherParticipant.AvatarURL,
		},
		LastMessage: summarize(last),
		UnreadCount: c.UnreadCount,
	}
}

package clinicchat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

const provisionalPrefix = "temp_"

// seenCapacity bounds the set of message ids remembered for duplicate
// detection outside the open window.
const seenCapacity = 4096

// ConversationSource lists the local user's conversations.
type ConversationSource interface {
	Conversations(ctx context.Context) ([]Conversation, error)
}

// HistorySource fetches one page of history with a participant.
type HistorySource interface {
	History(ctx context.Context, participantID string, page, limit int) (HistoryPage, error)
}

// Sender delivers an outgoing message.
type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) error
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Self          Participant
	Conversations ConversationSource
	History       HistorySource
	Sender        Sender
	PageSize      int
	Logger        *slog.Logger
	// Now is the clock used for provisional conversations.
	Now func() time.Time
}

func (c *StoreConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// View is an immutable snapshot of the store.
type View struct {
	Conversations []Conversation
	// Active is nil when no conversation is open.
	Active        *Conversation
	Window        []Message
	CurrentPage   int
	TotalPages    int
	ListLoading   bool
	WindowLoading bool
	ListErr       error
	WindowErr     error
	// Notice holds the last server-reported chat error until dismissed.
	Notice string
}

// HasOlder reports whether older history pages remain to be fetched.
func (v View) HasOlder() bool {
	return v.Active != nil && v.CurrentPage < v.TotalPages
}

// Store is the single source of truth for the conversation list and the
// active message window. Every mutation is atomic under one lock; REST calls
// run outside it.
type Store struct {
	self   Participant
	source ConversationSource
	sender Sender
	pages  *Paginator
	log    *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	conversations []Conversation
	active        *Conversation
	window        []Message
	currentPage   int
	totalPages    int
	listInFlight  int
	windowLoading bool
	listErr       error
	windowErr     error
	notice        string
	seen          geche.Geche[string, struct{}]

	changes *emitter[View]
}

// NewStore creates an empty store for the local user.
func NewStore(config StoreConfig) *Store {
	config.defaults()
	s := &Store{
		self:        config.Self,
		source:      config.Conversations,
		sender:      config.Sender,
		log:         config.Logger.With("component", "store"),
		now:         config.Now,
		currentPage: 1,
		totalPages:  1,
		seen:        geche.NewRingBuffer[string, struct{}](seenCapacity),
	}
	s.changes = newEmitter[View]("store", s.log)
	s.pages = newPaginator(s, config.History, config.PageSize, s.log)
	return s
}

// Pages returns the history paginator bound to this store.
func (s *Store) Pages() *Paginator {
	return s.pages
}

// Self returns the local user.
func (s *Store) Self() Participant {
	return s.self
}

// OnChange registers fn to receive a snapshot after every mutation.
func (s *Store) OnChange(fn func(View)) func() {
	return s.changes.subscribe(fn)
}

// View returns a snapshot of the current state.
func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Store) viewLocked() View {
	v := View{
		Conversations: append([]Conversation(nil), s.conversations...),
		Window:        append([]Message(nil), s.window...),
		CurrentPage:   s.currentPage,
		TotalPages:    s.totalPages,
		ListLoading:   s.listInFlight > 0,
		WindowLoading: s.windowLoading,
		ListErr:       s.listErr,
		WindowErr:     s.windowErr,
		Notice:        s.notice,
	}
	if s.active != nil {
		active := *s.active
		v.Active = &active
	}
	return v
}

// unlockAndNotify releases the lock and publishes the new state.
func (s *Store) unlockAndNotify() {
	v := s.viewLocked()
	s.mu.Unlock()
	s.changes.emit(v)
}

// ============================================================================
// Conversation list
// ============================================================================

// LoadConversations fetches and replaces the conversation list. Unless force
// is set, it is a no-op while another load is in flight. Failures are kept in
// the list error slot and returned.
func (s *Store) LoadConversations(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.listInFlight > 0 && !force {
		s.mu.Unlock()
		return nil
	}
	s.listInFlight++
	s.unlockAndNotify()

	convs, err := s.source.Conversations(ctx)

	s.mu.Lock()
	s.listInFlight--
	if err != nil {
		s.listErr = err
		s.unlockAndNotify()
		s.log.Warn("load conversations failed", "error", err)
		return fmt.Errorf("load conversations: %w", err)
	}
	s.listErr = nil
	s.conversations = s.normalizeList(convs)
	s.unlockAndNotify()
	return nil
}

// normalizeList dedupes by conversation id, orders most recent first and
// keeps the active conversation read.
func (s *Store) normalizeList(convs []Conversation) []Conversation {
	out := make([]Conversation, 0, len(convs))
	index := make(map[string]int, len(convs))
	for _, c := range convs {
		if c.ConversationID == "" && c.OtherParticipant.ID != "" {
			c.ConversationID = ConversationID(s.self.ID, c.OtherParticipant.ID)
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if s.active != nil && c.ConversationID == s.active.ConversationID {
			c.UnreadCount = 0
		}
		if c.LastMessage.ID != "" {
			s.markSeenLocked(c.LastMessage.ID)
		}
		if i, ok := index[c.ConversationID]; ok {
			if c.LastMessage.Timestamp.After(out[i].LastMessage.Timestamp) {
				out[i] = c
			}
			continue
		}
		index[c.ConversationID] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessage.Timestamp.After(out[j].LastMessage.Timestamp)
	})
	return out
}

func (s *Store) indexLocked(conversationID string) int {
	for i, c := range s.conversations {
		if c.ConversationID == conversationID {
			return i
		}
	}
	return -1
}

func (s *Store) indexByParticipantLocked(participantID string) int {
	for i, c := range s.conversations {
		if c.OtherParticipant.ID == participantID {
			return i
		}
	}
	return -1
}

func (s *Store) moveToFrontLocked(i int) {
	if i <= 0 {
		return
	}
	c := s.conversations[i]
	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = c
}

// ============================================================================
// Live messages
// ============================================================================

// ApplyIncomingMessage merges one live message into the list and, when it
// belongs to the open conversation, the window. Applying the same message
// id again changes nothing.
func (s *Store) ApplyIncomingMessage(ev NewMessage) {
	msg := ev.Message
	if msg.ID == "" {
		return
	}

	s.mu.Lock()
	idx := s.indexLocked(msg.ConversationID)
	isActive := false
	if s.active != nil {
		switch {
		case s.active.ConversationID == msg.ConversationID:
			isActive = true
		case idx < 0 && s.pairMatchesActiveLocked(msg):
			// A provisional conversation learns its server id.
			isActive = true
			oldID := s.active.ConversationID
			s.active.ConversationID = msg.ConversationID
			if j := s.indexLocked(oldID); j >= 0 {
				s.conversations[j].ConversationID = msg.ConversationID
				idx = j
			}
		}
	}

	// The open window is authoritative for the active conversation. Other
	// conversations have no window, so remembered ids stand in for it.
	duplicate := isActive && s.windowHasLocked(msg.ID)
	if !isActive {
		duplicate = s.seenLocked(msg.ID) || (idx >= 0 && s.conversations[idx].LastMessage.ID == msg.ID)
	}
	if duplicate {
		s.mu.Unlock()
		s.log.Debug("duplicate message dropped", "id", msg.ID)
		return
	}
	s.markSeenLocked(msg.ID)

	if isActive {
		s.insertWindowLocked(msg)
	}

	summary := summarize(msg)
	if msg.SenderID == s.self.ID {
		summary.Read = true
	}

	if idx < 0 {
		other := ev.Sender
		if other.ID == s.self.ID {
			other = ev.Receiver
		}
		if isActive {
			other = s.active.OtherParticipant
		}
		s.conversations = append([]Conversation{{
			ConversationID:   msg.ConversationID,
			OtherParticipant: other,
			LastMessage:      summary,
		}}, s.conversations...)
		idx = 0
	} else {
		if !summary.Timestamp.Before(s.conversations[idx].LastMessage.Timestamp) {
			s.conversations[idx].LastMessage = summary
		}
		s.moveToFrontLocked(idx)
		idx = 0
	}

	c := &s.conversations[idx]
	switch {
	case isActive:
		c.UnreadCount = 0
		s.active.LastMessage = c.LastMessage
		s.active.UnreadCount = 0
	case msg.SenderID != s.self.ID:
		c.UnreadCount++
	}
	s.unlockAndNotify()
}

// pairMatchesActiveLocked reports whether msg is between the local user and
// the active conversation's participant.
func (s *Store) pairMatchesActiveLocked(msg Message) bool {
	other := s.active.OtherParticipant.ID
	if other == "" {
		return false
	}
	return (msg.SenderID == other && msg.ReceiverID == s.self.ID) ||
		(msg.SenderID == s.self.ID && msg.ReceiverID == other)
}

func (s *Store) windowHasLocked(id string) bool {
	for _, m := range s.window {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) seenLocked(id string) bool {
	_, err := s.seen.Get(id)
	return err == nil
}

func (s *Store) markSeenLocked(id string) {
	s.seen.Set(id, struct{}{})
}

// insertWindowLocked places msg after every message with an equal or
// earlier timestamp.
func (s *Store) insertWindowLocked(msg Message) {
	i := sort.Search(len(s.window), func(i int) bool {
		return s.window[i].Timestamp.After(msg.Timestamp)
	})
	s.window = append(s.window, Message{})
	copy(s.window[i+1:], s.window[i:])
	s.window[i] = msg
}

// ============================================================================
// Selection
// ============================================================================

// SelectConversation opens an existing conversation and fetches its newest
// page. Reselecting the open conversation with nothing unread and a loaded
// window does nothing.
func (s *Store) SelectConversation(ctx context.Context, c Conversation) error {
	return s.selectConversation(ctx, c)
}

// SelectParticipant opens the conversation with p, synthesising a
// provisional one when none exists yet.
func (s *Store) SelectParticipant(ctx context.Context, p Participant) error {
	s.mu.Lock()
	var target Conversation
	if i := s.indexByParticipantLocked(p.ID); i >= 0 {
		target = s.conversations[i]
	} else if s.active != nil && s.active.OtherParticipant.ID == p.ID {
		target = *s.active
	} else {
		target = s.provisionalLocked(p)
	}
	s.mu.Unlock()
	return s.selectConversation(ctx, target)
}

func (s *Store) provisionalLocked(p Participant) Conversation {
	return Conversation{
		ConversationID:   ConversationID(s.self.ID, p.ID),
		OtherParticipant: p,
		LastMessage: MessageSummary{
			ID:         provisionalPrefix + uuid.NewString(),
			Text:       "Start a conversation with " + p.DisplayName(),
			Timestamp:  s.now(),
			SenderID:   s.self.ID,
			ReceiverID: p.ID,
			Read:       true,
		},
	}
}

func (s *Store) selectConversation(ctx context.Context, c Conversation) error {
	s.mu.Lock()
	idx := s.indexLocked(c.ConversationID)
	unread := c.UnreadCount
	if idx >= 0 {
		unread = s.conversations[idx].UnreadCount
	}
	if s.active != nil && s.active.ConversationID == c.ConversationID && unread == 0 && len(s.window) > 0 {
		s.mu.Unlock()
		return nil
	}

	switching := s.active == nil || s.active.ConversationID != c.ConversationID
	c.UnreadCount = 0
	s.active = &c
	if idx >= 0 {
		s.conversations[idx].UnreadCount = 0
	}
	s.currentPage = 1
	s.totalPages = 1
	s.windowErr = nil
	participantID := c.OtherParticipant.ID
	if switching || participantID == "" {
		s.window = nil
	}
	s.unlockAndNotify()

	if participantID == "" {
		return nil
	}
	return s.pages.FetchPage(ctx, participantID, 1, false)
}

// CloseConversation clears the active conversation and its window.
func (s *Store) CloseConversation() {
	s.mu.Lock()
	s.active = nil
	s.window = nil
	s.currentPage = 1
	s.totalPages = 1
	s.windowErr = nil
	s.unlockAndNotify()
}

// ============================================================================
// Sending and notices
// ============================================================================

// SendOutgoing validates text and hands it to the sender addressed to the
// active conversation's participant. Validation failures make no network
// call and change no state.
func (s *Store) SendOutgoing(ctx context.Context, text string) error {
	s.mu.Lock()
	var receiver string
	if s.active != nil {
		receiver = s.active.OtherParticipant.ID
	}
	s.mu.Unlock()

	if receiver == "" {
		return ErrNoActiveConversation
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return s.sender.Send(ctx, OutgoingMessage{ReceiverID: receiver, Text: text})
}

// SetNotice records a transient server-reported error.
func (s *Store) SetNotice(notice string) {
	s.mu.Lock()
	s.notice = notice
	s.unlockAndNotify()
}

// DismissNotice clears the notice slot.
func (s *Store) DismissNotice() {
	s.mu.Lock()
	s.notice = ""
	s.unlockAndNotify()
}

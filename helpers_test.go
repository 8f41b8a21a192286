package clinicchat_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	clinicchat "github.com/clinicflow/clinicchat"
)

// ============================================================================
// Test Helpers
// ============================================================================

var (
	me    = clinicchat.Participant{ID: "u1", Username: "alice"}
	bob   = clinicchat.Participant{ID: "u2", Username: "bob"}
	carol = clinicchat.Participant{ID: "u3", Username: "carol"}
	dave  = clinicchat.Participant{ID: "u4", Username: "dave"}
)

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func msg(id string, from, to clinicchat.Participant, sec int64) clinicchat.Message {
	return clinicchat.Message{
		ID:             id,
		ConversationID: clinicchat.ConversationID(from.ID, to.ID),
		SenderID:       from.ID,
		ReceiverID:     to.ID,
		Text:           "text of " + id,
		Timestamp:      ts(sec),
	}
}

func live(m clinicchat.Message, from, to clinicchat.Participant) clinicchat.NewMessage {
	return clinicchat.NewMessage{Message: m, Sender: from, Receiver: to}
}

func conversation(other clinicchat.Participant, lastSec int64, unread int) clinicchat.Conversation {
	return clinicchat.Conversation{
		ConversationID:   clinicchat.ConversationID(me.ID, other.ID),
		OtherParticipant: other,
		LastMessage: clinicchat.MessageSummary{
			ID:         fmt.Sprintf("last-%s", other.ID),
			Text:       "hi",
			Timestamp:  ts(lastSec),
			SenderID:   other.ID,
			ReceiverID: me.ID,
		},
		UnreadCount: unread,
	}
}

type historyCall struct {
	participantID string
	page, limit   int
}

// fakeBackend stands in for the REST backend and the transport.
type fakeBackend struct {
	mu           sync.Mutex
	convs        []clinicchat.Conversation
	convErr      error
	convCalls    int
	pages        map[string]map[int]clinicchat.HistoryPage
	historyErr   error
	historyCalls []historyCall
	sent         []clinicchat.OutgoingMessage
	sendErr      error

	// When set, calls block until the channel is closed.
	convGate    chan struct{}
	historyGate chan struct{}
	// Closed-over notification that a gated call has started.
	started chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pages: map[string]map[int]clinicchat.HistoryPage{}}
}

func (f *fakeBackend) setPage(participantID string, page clinicchat.HistoryPage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages[participantID] == nil {
		f.pages[participantID] = map[int]clinicchat.HistoryPage{}
	}
	f.pages[participantID][page.CurrentPage] = page
}

func (f *fakeBackend) signalStarted() {
	if f.started != nil {
		f.started <- struct{}{}
	}
}

func (f *fakeBackend) Conversations(ctx context.Context) ([]clinicchat.Conversation, error) {
	f.mu.Lock()
	f.convCalls++
	gate := f.convGate
	f.mu.Unlock()
	if gate != nil {
		f.signalStarted()
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convErr != nil {
		return nil, f.convErr
	}
	return append([]clinicchat.Conversation(nil), f.convs...), nil
}

func (f *fakeBackend) History(ctx context.Context, participantID string, page, limit int) (clinicchat.HistoryPage, error) {
	f.mu.Lock()
	f.historyCalls = append(f.historyCalls, historyCall{participantID, page, limit})
	gate := f.historyGate
	f.mu.Unlock()
	if gate != nil {
		f.signalStarted()
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return clinicchat.HistoryPage{}, f.historyErr
	}
	if p, ok := f.pages[participantID][page]; ok {
		return p, nil
	}
	return clinicchat.HistoryPage{CurrentPage: page, TotalPages: 1}, nil
}

func (f *fakeBackend) Send(ctx context.Context, m clinicchat.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeBackend) calls() []historyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]historyCall(nil), f.historyCalls...)
}

func (f *fakeBackend) sentMessages() []clinicchat.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]clinicchat.OutgoingMessage(nil), f.sent...)
}

func newTestStore(f *fakeBackend) *clinicchat.Store {
	return clinicchat.NewStore(clinicchat.StoreConfig{
		Self:          me,
		Conversations: f,
		History:       f,
		Sender:        f,
		Now:           func() time.Time { return ts(1000) },
	})
}

func windowIDs(v clinicchat.View) []string {
	ids := make([]string, 0, len(v.Window))
	for _, m := range v.Window {
		ids = append(ids, m.ID)
	}
	return ids
}

func listIDs(v clinicchat.View) []string {
	ids := make([]string, 0, len(v.Conversations))
	for _, c := range v.Conversations {
		ids = append(ids, c.ConversationID)
	}
	return ids
}

package clinicchat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Paginator loads history pages for the active conversation into its Store.
// At most one fetch is in flight; the guard is held until the fetch
// completes.
type Paginator struct {
	store    *Store
	history  HistorySource
	pageSize int
	log      *slog.Logger

	mu       sync.Mutex
	fetching bool
}

func newPaginator(store *Store, history HistorySource, pageSize int, log *slog.Logger) *Paginator {
	return &Paginator{
		store:    store,
		history:  history,
		pageSize: pageSize,
		log:      log.With("component", "paginator"),
	}
}

// Fetching reports whether a page fetch is outstanding.
func (p *Paginator) Fetching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetching
}

// PageSize returns the number of messages requested per page.
func (p *Paginator) PageSize() int {
	return p.pageSize
}

// FetchPage loads one page of history with participantID and merges it into
// the window. Messages already in the window are kept, so live arrivals
// during an initial load survive it. A failed initial load (appendOlder
// false) leaves the window empty. Returns ErrFetchInProgress when another
// fetch is outstanding.
func (p *Paginator) FetchPage(ctx context.Context, participantID string, page int, appendOlder bool) error {
	p.mu.Lock()
	if p.fetching {
		p.mu.Unlock()
		if appendOlder {
			p.log.Info("older page request dropped, fetch in progress", "page", page)
		}
		return ErrFetchInProgress
	}
	p.fetching = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.fetching = false
		p.mu.Unlock()
	}()

	if participantID == "" {
		p.store.clearWindow()
		return nil
	}
	if page < 1 {
		page = 1
	}

	p.store.beginPage()
	hp, err := p.history.History(ctx, participantID, page, p.pageSize)
	if err != nil {
		p.store.failPage(participantID, appendOlder, err)
		p.log.Warn("history fetch failed", "participant", participantID, "page", page, "error", err)
		return fmt.Errorf("fetch history page %d: %w", page, err)
	}
	p.store.applyPage(participantID, page, hp)
	return nil
}

// LoadOlder fetches the next older page of the active conversation. It
// returns nil without fetching when every page is loaded.
func (p *Paginator) LoadOlder(ctx context.Context) error {
	v := p.store.View()
	if v.Active == nil {
		return ErrNoActiveConversation
	}
	if !v.HasOlder() {
		return nil
	}
	return p.FetchPage(ctx, v.Active.OtherParticipant.ID, v.CurrentPage+1, true)
}

// ============================================================================
// Store side of a page fetch
// ============================================================================

func (s *Store) clearWindow() {
	s.mu.Lock()
	s.window = nil
	s.windowLoading = false
	s.unlockAndNotify()
}

// beginPage marks a fetch as started. Switching conversations already cleared
// the window.
func (s *Store) beginPage() {
	s.mu.Lock()
	s.windowLoading = true
	s.windowErr = nil
	s.unlockAndNotify()
}

// applyPage merges a fetched page into the window when its participant is
// still the active one.
func (s *Store) applyPage(participantID string, requested int, hp HistoryPage) {
	s.mu.Lock()
	s.windowLoading = false
	for _, m := range hp.Messages {
		if m.ID != "" {
			s.markSeenLocked(m.ID)
		}
	}
	if s.active == nil || s.active.OtherParticipant.ID != participantID {
		s.log.Debug("discarding page for inactive participant", "participant", participantID)
		s.unlockAndNotify()
		return
	}

	s.window = mergeMessages(s.window, hp.Messages)
	s.currentPage = hp.CurrentPage
	if s.currentPage < 1 {
		s.currentPage = requested
	}
	s.totalPages = max(hp.TotalPages, 1)

	s.active.UnreadCount = 0
	if i := s.indexByParticipantLocked(participantID); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
	s.unlockAndNotify()
}

func (s *Store) failPage(participantID string, appendOlder bool, err error) {
	s.mu.Lock()
	s.windowLoading = false
	s.windowErr = err
	if !appendOlder && s.active != nil && s.active.OtherParticipant.ID == participantID {
		s.window = nil
	}
	s.unlockAndNotify()
}

// mergeMessages combines two message sets, dropping repeated ids and sorting
// ascending by timestamp. A message read in either set stays read.
func mergeMessages(current, incoming []Message) []Message {
	out := make([]Message, 0, len(current)+len(incoming))
	index := make(map[string]int, len(current)+len(incoming))
	for _, set := range [][]Message{current, incoming} {
		for _, m := range set {
			if m.ID == "" {
				continue
			}
			if i, ok := index[m.ID]; ok {
				out[i].Read = out[i].Read || m.Read
				continue
			}
			index[m.ID] = len(out)
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

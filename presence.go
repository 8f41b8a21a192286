package clinicchat

import (
	"log/slog"
	"sort"

	"github.com/c-pro/geche"
)

// Presence tracks which peers are connected, excluding the local user.
type Presence struct {
	self    string
	users   *geche.Locker[string, Participant]
	changes *emitter[[]Participant]
}

// NewPresence creates an empty tracker for the local user selfID.
func NewPresence(selfID string, log *slog.Logger) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		self:    selfID,
		users:   geche.NewLocker[string, Participant](geche.NewMapCache[string, Participant]()),
		changes: newEmitter[[]Participant]("presence", log.With("component", "presence")),
	}
}

// Apply updates the set from a presence event and reports whether ev was
// one.
func (p *Presence) Apply(ev Event) bool {
	switch ev := ev.(type) {
	case PresenceSnapshot:
		p.Replace(ev.Users)
	case PresenceJoined:
		p.Join(ev.User)
	case PresenceLeft:
		p.Leave(ev.UserID)
	default:
		return false
	}
	return true
}

// Replace swaps the whole set for users.
func (p *Presence) Replace(users []Participant) {
	tx := p.users.Lock()
	for id := range tx.Snapshot() {
		_ = tx.Del(id)
	}
	for _, u := range users {
		if u.ID == "" || u.ID == p.self {
			continue
		}
		tx.Set(u.ID, u)
	}
	tx.Unlock()
	p.changes.emit(p.Online())
}

// Join adds u unless it is already present or is the local user.
func (p *Presence) Join(u Participant) {
	if u.ID == "" || u.ID == p.self {
		return
	}
	tx := p.users.Lock()
	_, err := tx.Get(u.ID)
	if err == nil {
		tx.Unlock()
		return
	}
	tx.Set(u.ID, u)
	tx.Unlock()
	p.changes.emit(p.Online())
}

// Leave removes id. Removing an absent id does nothing.
func (p *Presence) Leave(id string) {
	tx := p.users.Lock()
	if _, err := tx.Get(id); err != nil {
		tx.Unlock()
		return
	}
	_ = tx.Del(id)
	tx.Unlock()
	p.changes.emit(p.Online())
}

// Clear empties the set, for when the connection drops.
func (p *Presence) Clear() {
	p.Replace(nil)
}

// IsOnline reports whether id is connected.
func (p *Presence) IsOnline(id string) bool {
	tx := p.users.RLock()
	defer tx.Unlock()
	_, err := tx.Get(id)
	return err == nil
}

// Len returns the number of connected peers.
func (p *Presence) Len() int {
	tx := p.users.RLock()
	defer tx.Unlock()
	return tx.Len()
}

// Online returns connected peers ordered by username, then id.
func (p *Presence) Online() []Participant {
	tx := p.users.RLock()
	snap := tx.Snapshot()
	tx.Unlock()

	out := make([]Participant, 0, len(snap))
	for _, u := range snap {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OnChange registers fn to receive the online list after every change.
func (p *Presence) OnChange(fn func([]Participant)) func() {
	return p.changes.subscribe(fn)
}

package clinicchat_test

import (
	"testing"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/stretchr/testify/require"
)

func TestPresenceSnapshotExcludesSelf(t *testing.T) {
	p := clinicchat.NewPresence("u1", nil)

	require.True(t, p.Apply(clinicchat.PresenceSnapshot{Users: []clinicchat.Participant{carol, me, bob}}))

	require.Equal(t, []clinicchat.Participant{bob, carol}, p.Online())
	require.False(t, p.IsOnline("u1"))
	require.True(t, p.IsOnline("u2"))
	require.Equal(t, 2, p.Len())
}

func TestPresenceJoinAndLeave(t *testing.T) {
	p := clinicchat.NewPresence("u1", nil)
	var changes [][]clinicchat.Participant
	p.OnChange(func(online []clinicchat.Participant) { changes = append(changes, online) })

	p.Apply(clinicchat.PresenceJoined{User: bob})
	p.Apply(clinicchat.PresenceJoined{User: bob})
	p.Apply(clinicchat.PresenceJoined{User: me})
	require.Equal(t, []clinicchat.Participant{bob}, p.Online())
	require.Len(t, changes, 1, "repeated and self joins change nothing")

	p.Apply(clinicchat.PresenceLeft{UserID: "u9"})
	require.Len(t, changes, 1)

	p.Apply(clinicchat.PresenceLeft{UserID: "u2"})
	require.Empty(t, p.Online())
	require.Len(t, changes, 2)
}

func TestPresenceSnapshotReplaces(t *testing.T) {
	p := clinicchat.NewPresence("u1", nil)
	p.Join(bob)
	p.Join(carol)

	p.Replace([]clinicchat.Participant{dave})
	require.Equal(t, []clinicchat.Participant{dave}, p.Online())

	p.Clear()
	require.Zero(t, p.Len())
}

func TestPresenceIgnoresOtherEvents(t *testing.T) {
	p := clinicchat.NewPresence("u1", nil)
	require.False(t, p.Apply(clinicchat.NewMessage{Message: msg("m1", bob, me, 1)}))
	require.False(t, p.Apply(clinicchat.ConnectionOpened{}))
	require.Zero(t, p.Len())
}

func TestPresenceOrderingTiesOnID(t *testing.T) {
	p := clinicchat.NewPresence("u1", nil)
	p.Replace([]clinicchat.Participant{
		{ID: "u9", Username: "sam"},
		{ID: "u5", Username: "sam"},
		{ID: "u7", Username: "ana"},
	})

	var ids []string
	for _, u := range p.Online() {
		ids = append(ids, u.ID)
	}
	require.Equal(t, []string{"u7", "u5", "u9"}, ids)
}

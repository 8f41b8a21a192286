package clinicchat_test

import (
	"path/filepath"
	"testing"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/stretchr/testify/require"
)

func openTestSnapshots(t *testing.T) *clinicchat.SnapshotStore {
	t.Helper()
	snaps, err := clinicchat.OpenSnapshotStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })
	return snaps
}

func TestSnapshotConversations(t *testing.T) {
	snaps := openTestSnapshots(t)

	_, _, err := snaps.LoadConversations("u1")
	require.ErrorIs(t, err, clinicchat.ErrSnapshotNotFound)

	convs := []clinicchat.Conversation{conversation(bob, 200, 2), conversation(carol, 100, 0)}
	convs[0].OtherParticipant.AvatarURL = "/uploads/bob.png"
	require.NoError(t, snaps.SaveConversations("u1", convs, ts(300)))

	got, savedAt, err := snaps.LoadConversations("u1")
	require.NoError(t, err)
	require.True(t, savedAt.Equal(ts(300)))
	require.Len(t, got, 2)
	require.Equal(t, convs[0].OtherParticipant, got[0].OtherParticipant)
	require.Equal(t, convs[0].LastMessage.ID, got[0].LastMessage.ID)
	require.True(t, got[0].LastMessage.Timestamp.Equal(ts(200)))
	require.Equal(t, 2, got[0].UnreadCount)
	require.Equal(t, "u1_u3", got[1].ConversationID)

	_, _, err = snaps.LoadConversations("u2")
	require.ErrorIs(t, err, clinicchat.ErrSnapshotNotFound, "lists are kept per user")
}

func TestSnapshotWindow(t *testing.T) {
	snaps := openTestSnapshots(t)

	_, err := snaps.LoadWindow("u1_u2")
	require.ErrorIs(t, err, clinicchat.ErrSnapshotNotFound)

	read := msg("m1", bob, me, 10)
	read.Read = true
	w := clinicchat.WindowSnapshot{
		ConversationID: "u1_u2",
		CurrentPage:    2,
		TotalPages:     3,
		Messages:       []clinicchat.Message{read, msg("m2", me, bob, 20)},
		SavedAt:        ts(30),
	}
	require.NoError(t, snaps.SaveWindow(w))

	got, err := snaps.LoadWindow("u1_u2")
	require.NoError(t, err)
	require.Equal(t, w, got)

	w.Messages = w.Messages[:1]
	require.NoError(t, snaps.SaveWindow(w))
	got, err = snaps.LoadWindow("u1_u2")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1, "saving replaces the previous window")
}

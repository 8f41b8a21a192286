package clinicchat_test

import (
	"testing"
	"time"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestParseCredential(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	token := mintToken(t, jwt.MapClaims{
		"userId":   "u1",
		"username": "alice",
		"roleId":   "r7",
		"roleName": "doctor",
		"exp":      exp.Unix(),
	})

	cred, err := clinicchat.ParseCredential(token)
	require.NoError(t, err)
	require.Equal(t, token, cred.Token)
	require.Equal(t, clinicchat.Participant{ID: "u1", Username: "alice"}, cred.User)
	require.Equal(t, "doctor", cred.Role)
	require.True(t, cred.ExpiresAt.Equal(exp))

	require.False(t, cred.Expired(exp.Add(-time.Minute)))
	require.True(t, cred.Expired(exp))
}

func TestParseCredentialWithoutExpiry(t *testing.T) {
	cred, err := clinicchat.ParseCredential(mintToken(t, jwt.MapClaims{"userId": "u1"}))
	require.NoError(t, err)
	require.True(t, cred.ExpiresAt.IsZero())
	require.False(t, cred.Expired(time.Now()))
}

func TestParseCredentialRejects(t *testing.T) {
	_, err := clinicchat.ParseCredential("")
	require.ErrorIs(t, err, clinicchat.ErrNoCredential)

	_, err = clinicchat.ParseCredential("not-a-jwt")
	require.Error(t, err)

	_, err = clinicchat.ParseCredential(mintToken(t, jwt.MapClaims{"username": "alice"}))
	require.ErrorContains(t, err, "userId")
}

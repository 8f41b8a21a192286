package clinicchat

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the decoded login token of the local user.
type Credential struct {
	Token     string
	User      Participant
	Role      string
	ExpiresAt time.Time
}

type credentialClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	RoleID   string `json:"roleId,omitempty"`
	RoleName string `json:"roleName,omitempty"`
	jwt.RegisteredClaims
}

// ParseCredential decodes the claims of a login token. The signature is not
// checked; the chat server verifies it on every request.
func ParseCredential(token string) (Credential, error) {
	if token == "" {
		return Credential{}, ErrNoCredential
	}
	claims := &credentialClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	if claims.UserID == "" {
		return Credential{}, errors.New("decode credential: token has no userId")
	}

	cred := Credential{
		Token: token,
		User:  Participant{ID: claims.UserID, Username: claims.Username},
		Role:  claims.RoleName,
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// Expired reports whether the token carries an expiry before now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

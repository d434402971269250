package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/domain"
)

// RoomClaims grants a subject access to a set of rooms. A single "*"
// entry grants every room.
type RoomClaims struct {
	Rooms []string `json:"rooms"`
	jwt.RegisteredClaims
}

// TokenAuthorizer validates HS256 room tokens presented in the join
// payload. The token subject must match the joining user. A missing or
// invalid token is a denial, (false, nil), never an error: the session
// manager reserves errors for infrastructure failures and reports them
// as retryable, while denials surface as unauthorized.
type TokenAuthorizer struct {
	secret []byte
}

func NewTokenAuthorizer(secret string) *TokenAuthorizer {
	return &TokenAuthorizer{secret: []byte(secret)}
}

func (a *TokenAuthorizer) CanJoinRoom(_ context.Context, req core.JoinRequest) (bool, error) {
	if req.Token == "" {
		return false, nil
	}

	claims := &RoomClaims{}
	token, err := jwt.ParseWithClaims(req.Token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		log.Debug().Err(err).Str("module", "adapters.auth").
			Str("room", string(req.Room)).Msg("token rejected")
		return false, nil
	}

	if claims.Subject != "" && claims.Subject != string(req.User) {
		return false, nil
	}
	for _, r := range claims.Rooms {
		if r == "*" || r == string(req.Room) {
			return true, nil
		}
	}
	return false, nil
}

// IssueToken mints a room token, used by tests and provisioning tools.
func (a *TokenAuthorizer) IssueToken(user domain.UserID, rooms []string, ttl time.Duration) (string, error) {
	claims := RoomClaims{
		Rooms: rooms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

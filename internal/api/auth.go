package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/careline/consult/internal/types"
)

// Tokens are minted by the account service; this process only verifies
// them. The signing key is shared through configuration.

const tokenCookieKey = "token"

const (
	subjectClaim = "sub"
	nameClaim    = "name"
	roleClaim    = "role"
	expClaim     = "exp"
)

type contextKey string

const participantKey contextKey = "participant"

func Participant(ctx context.Context) (types.Participant, bool) {
	p, ok := ctx.Value(participantKey).(types.Participant)

	return p, ok
}

func WithParticipant(ctx context.Context, p types.Participant) context.Context {
	return context.WithValue(ctx, participantKey, p)
}

// bearerToken pulls the credential from the Authorization header or the
// session cookie, in that order. Browser clients send the cookie; the
// appointment service and native apps send a bearer token.
func bearerToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", fmt.Errorf("malformed authorization header")
		}
		return token, nil
	}

	cookie, err := r.Cookie(tokenCookieKey)
	if err != nil {
		return "", fmt.Errorf("get cookie: %w", err)
	}

	return cookie.Value, nil
}

func (s *ConsultApp) participantFromToken(r *http.Request) (types.Participant, error) {
	tokenString, err := bearerToken(r)
	if err != nil {
		return types.Participant{}, err
	}

	token, err := s.verifyToken(tokenString)
	if err != nil {
		return types.Participant{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Participant{}, fmt.Errorf("invalid token claims")
	}

	sub, ok := claims[subjectClaim].(string)
	if !ok || sub == "" {
		return types.Participant{}, fmt.Errorf("invalid subject claim")
	}

	name, _ := claims[nameClaim].(string)

	roleStr, ok := claims[roleClaim].(string)
	if !ok {
		return types.Participant{}, fmt.Errorf("missing role claim")
	}

	role := types.Role(roleStr)
	if !role.Valid() {
		return types.Participant{}, fmt.Errorf("invalid role claim %q", roleStr)
	}

	return types.Participant{Id: sub, Name: name, Role: role}, nil
}

func (s *ConsultApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func createToken(signingKey []byte, p types.Participant, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subjectClaim: p.Id,
		nameClaim:    p.Name,
		roleClaim:    string(p.Role),
		expClaim:     time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

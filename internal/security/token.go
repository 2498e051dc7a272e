package security

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatcore/internal/domain"
)

// TokenService wraps JWT creation and validation. Tokens are issued by the
// surrounding marketplace; the chat core only resolves them to a user id.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	return &TokenService{
		secret:    []byte(secret),
		expiresIn: expiresIn,
	}
}

// CreateForUser creates a JWT for the given user id using the default TTL.
func (t *TokenService) CreateForUser(userID string) (string, error) {
	return t.CreateWithTTL(userID, t.expiresIn)
}

// CreateWithTTL creates a JWT for the given user id with an explicit TTL.
func (t *TokenService) CreateWithTTL(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse validates a token and returns its claims.
func (t *TokenService) Parse(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// ResolveToken maps a bearer token to the stable user id it was issued for.
func (t *TokenService) ResolveToken(_ context.Context, tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", domain.NewAuthError("missing token")
	}
	claims, err := t.Parse(tokenStr)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", domain.NewAuthError("token expired")
	}
	if err != nil {
		return "", domain.NewAuthError("invalid token")
	}
	if claims.Subject == "" {
		return "", domain.NewAuthError("invalid token subject")
	}
	return claims.Subject, nil
}

// Package auth resolves caller identity from bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Authenticator maps an opaque credential to a user id.
type Authenticator interface {
	Identify(ctx context.Context, token string) (string, error)
}

type Claims struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	jwt.RegisteredClaims
}

type JWTService struct {
	secretKey        string
	expirationAccess time.Duration
}

func NewJWTService(secretKey string, expirationAccessHours int) *JWTService {
	if expirationAccessHours <= 0 {
		expirationAccessHours = 24
	}
	return &JWTService{
		secretKey:        secretKey,
		expirationAccess: time.Duration(expirationAccessHours) * time.Hour,
	}
}

func (j *JWTService) GenerateAccessToken(userID string, userName string) (string, time.Time, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expirationAccess)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   "access",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString([]byte(j.secretKey))
	return tokenStr, claims.ExpiresAt.Time, err
}

func (j *JWTService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(j.secretKey), nil
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject != "access" {
		return nil, fmt.Errorf("%w: wrong token type", ErrInvalidToken)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return claims, nil
}

// Identify implements Authenticator.
func (j *JWTService) Identify(ctx context.Context, token string) (string, error) {
	claims, err := j.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

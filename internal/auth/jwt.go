package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimUserID is the JWT claim carrying the user id.
const ClaimUserID = "userId"

// JWTAuthenticator validates HS256 tokens and looks the subject up in a
// Directory.
type JWTAuthenticator struct {
	secret    []byte
	directory Directory
}

// NewJWTAuthenticator creates an authenticator for tokens signed with secret.
func NewJWTAuthenticator(secret string, directory Directory) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), directory: directory}
}

// Authenticate validates the token, checks the optional claimed user id and
// resolves the profile.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, creds Credentials) (Identity, error) {
	if creds.Token == "" {
		return Identity{}, ErrMissingToken
	}

	userID, err := a.ParseToken(creds.Token)
	if err != nil {
		return Identity{}, err
	}
	if creds.UserID != "" && creds.UserID != userID {
		return Identity{}, ErrIdentityMismatch
	}

	id, err := a.directory.Lookup(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return id, nil
}

// ParseToken validates the signature and expiry and returns the user id.
func (a *JWTAuthenticator) ParseToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	userID, _ := claims[ClaimUserID].(string)
	if userID == "" {
		return "", fmt.Errorf("%w: missing %s claim", ErrInvalidToken, ClaimUserID)
	}
	return userID, nil
}

// IssueToken signs a token for userID that expires after ttl.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		ClaimUserID: userID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

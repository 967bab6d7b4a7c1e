package client

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token signs an HS256 token for userID the way the main application does.
func Token(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"userId": userID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Connect dials url, joins as userID and waits for the server to accept.
func Connect(ctx context.Context, url, secret, userID string) (*Client, error) {
	token, err := Token(secret, userID, time.Hour)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := c.Join(userID, token); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.WaitForJoin(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

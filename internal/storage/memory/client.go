// Package memory is the in-process IdentityStore used in -dev mode and in
// tests, where no Redis is available.
package memory

import (
	"context"
	"sync"
	"time"
)

const defaultTokenTTL = 30 * 24 * time.Hour

type item struct {
	userID string
	exp    time.Time
}

type Client struct {
	mu     sync.RWMutex
	tokens map[string]item
}

func New() *Client {
	return &Client{tokens: make(map[string]item)}
}

func (c *Client) Close() error { return nil }

// Register binds a token to a user id. Used by -dev seeding and tests.
func (c *Client) Register(token, userID string) {
	c.RegisterTTL(token, userID, defaultTokenTTL)
}

// RegisterTTL binds a token with an explicit lifetime.
func (c *Client) RegisterTTL(token, userID string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = item{userID: userID, exp: time.Now().Add(ttl)}
}

func (c *Client) ResolveToken(ctx context.Context, token string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tokens[token]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.userID, nil
}

package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// tokenKeyPrefix matches the keys written by the auth service.
const tokenKeyPrefix = "ident:token:"

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// ResolveToken returns the user id stored for the token. Unknown or expired
// tokens resolve to "" with no error; TTL is owned by the auth service.
func (c *Client) ResolveToken(ctx context.Context, token string) (string, error) {
	val, err := c.cli.Get(ctx, tokenKeyPrefix+token).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis resolve token: %w", err)
	}
	return val, nil
}

// Package cache implements the ephemeral store on Redis: short-lived
// lifecycle event logs keyed per execution. Events are breadcrumbs for
// debugging, lossy by design; append failures are logged by callers and
// never fail the pipeline.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/emberworks-io/crucible/types"
)

// EventTTL is how long a lifecycle event list survives after its last write.
const EventTTL = 30 * time.Minute

// eventKey builds the list key for one execution's lifecycle events.
func eventKey(executionID string) string {
	return "execution:" + executionID + ":events"
}

// Client wraps the Redis connection for ephemeral state.
type Client struct {
	rdb *goredis.Client
}

// New connects to Redis using a connection URL.
// Format: redis://[:password@]host:port[/db]
func New(url string) (*Client, error) {
	if url == "" {
		return nil, errors.New("cache: redis URL is required")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid redis URL: %w", err)
	}
	return &Client{rdb: goredis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests and by the
// queue to share one connection pool.
func NewFromClient(rdb *goredis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the underlying client for components sharing the pool.
func (c *Client) Redis() *goredis.Client {
	return c.rdb
}

// Ping verifies the connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AppendEvent appends a lifecycle event to the execution's event list and
// refreshes the 30-minute TTL.
func (c *Client) AppendEvent(ctx context.Context, event types.LifecycleEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("cache: marshal event: %w", err)
	}

	key := eventKey(event.ExecutionID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, body)
	pipe.Expire(ctx, key, EventTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: append event: %w", err)
	}
	return nil
}

// Events returns the execution's lifecycle events in append order.
// An expired or never-written key yields an empty slice.
func (c *Client) Events(ctx context.Context, executionID string) ([]types.LifecycleEvent, error) {
	raw, err := c.rdb.LRange(ctx, eventKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: read events: %w", err)
	}

	events := make([]types.LifecycleEvent, 0, len(raw))
	for _, entry := range raw {
		var ev types.LifecycleEvent
		if err := json.Unmarshal([]byte(entry), &ev); err != nil {
			// Skip undecodable entries; the log is advisory.
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/adjust_stock.lua
var adjustStockScript string

type Client struct {
	rdb          *redis.Client
	adjustScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:          rdb,
		adjustScript: redis.NewScript(adjustStockScript),
	}, nil
}

// Ping is used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(productID string) string {
	return "stock:" + productID
}

// AdjustStock applies delta to the mirrored available quantity of a product.
// ok is false when the product has no mirror entry; nothing is written then.
func (c *Client) AdjustStock(ctx context.Context, productID string, delta int) (available int64, ok bool, err error) {
	res, err := c.adjustScript.Run(ctx, c.rdb, []string{stockKey(productID)}, delta, time.Now().UTC().Unix()).Result()
	if err != nil {
		return 0, false, fmt.Errorf("adjust stock script failed: %w", err)
	}

	vals, isSlice := res.([]interface{})
	if !isSlice || len(vals) != 2 {
		return 0, false, fmt.Errorf("unexpected script result type %T", res)
	}
	found, _ := vals[0].(int64)
	available, _ = vals[1].(int64)
	return available, found == 1, nil
}

// InitStock seeds the mirror for a product from the authoritative quantity.
func (c *Client) InitStock(ctx context.Context, productID string, available int) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, stockKey(productID), "available", available)
	pipe.HSet(ctx, stockKey(productID), "updated_at", time.Now().UTC().Unix())

	_, err := pipe.Exec(ctx)
	return err
}

// GetStock returns the mirrored available quantity.
func (c *Client) GetStock(ctx context.Context, productID string) (int, error) {
	raw, err := c.rdb.HGet(ctx, stockKey(productID), "available").Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("stock not mirrored for product %s", productID)
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

func eventKey(eventID string) string {
	return "webhook:event:" + eventID
}

// MarkEvent records a gateway event id. It reports false when the id was
// already recorded within ttl.
func (c *Client) MarkEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, eventKey(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// ForgetEvent removes a recorded event id so the gateway's retry is processed.
func (c *Client) ForgetEvent(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, eventKey(eventID)).Err()
}

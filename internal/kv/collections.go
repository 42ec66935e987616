package kv

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// List and sorted-set primitives for the queue layer. Keys passed here are
// already namespaced via Key.

// LPush prepends values to the list at key.
func (c *Client) LPush(ctx context.Context, key string, vals ...string) error {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return c.rdb.LPush(ctx, key, args...).Err()
}

// RPopLPush atomically moves the tail of src to the head of dst. The second
// return is false when src is empty.
func (c *Client) RPopLPush(ctx context.Context, src, dst string) (string, bool, error) {
	v, err := c.rdb.RPopLPush(ctx, src, dst).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// LRem removes one occurrence of val from the list at key and reports
// whether anything was removed. The removal count doubles as a claim: when
// two processes race over the same element, exactly one sees true.
func (c *Client) LRem(ctx context.Context, key, val string) (bool, error) {
	n, err := c.rdb.LRem(ctx, key, 1, val).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LRange returns the elements of the list at key between start and stop.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// LTrim truncates the list at key to the given inclusive range.
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.rdb.LTrim(ctx, key, start, stop).Err()
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// ZAdd inserts member with the given score into the sorted set at key.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScoreMax returns up to limit members of the sorted set at key with
// scores at or below max, lowest first.
func (c *Client) ZRangeByScoreMax(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(max, 'f', -1, 64),
		Count: limit,
	}).Result()
}

// ZRem removes member from the sorted set at key and reports whether it was
// present. Like LRem, the return value acts as a claim under contention.
func (c *Client) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := c.rdb.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ZCard returns the cardinality of the sorted set at key.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

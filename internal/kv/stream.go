package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamMessage is one stream entry with its fields flattened to strings.
type StreamMessage struct {
	ID     string
	Values map[string]string
}

// EnsureGroup creates group on stream (and the stream itself) starting at the
// beginning of the log. An existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	return c.do(func() error {
		err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if isBusyGroup(err) {
			return nil
		}
		return err
	})
}

// XAdd appends fields to stream and returns the assigned id.
func (c *Client) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	var id string
	err := c.do(func() error {
		var err error
		id, err = c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
		return err
	})
	return id, err
}

// XReadGroup reads up to count entries for consumer in group. Use ">" for
// never-delivered entries and "0" for the consumer's own pending list. A
// positive block waits up to that long for new entries; block <= 0 does not
// block at all. A timeout yields an empty slice.
func (c *Client) XReadGroup(ctx context.Context, group, consumer, stream, id string, count int64, block time.Duration) ([]StreamMessage, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
		Block:    -1,
	}
	if block > 0 {
		args.Block = block
	}
	var out []StreamMessage
	err := c.do(func() error {
		res, err := c.rdb.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, s := range res {
			for _, m := range s.Messages {
				out = append(out, StreamMessage{ID: m.ID, Values: flatten(m.Values)})
			}
		}
		return nil
	})
	return out, err
}

// XAck acknowledges ids in group.
func (c *Client) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	var n int64
	err := c.do(func() error {
		var err error
		n, err = c.rdb.XAck(ctx, stream, group, ids...).Result()
		return err
	})
	return n, err
}

func flatten(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

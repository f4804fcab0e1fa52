package redisutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultScanBatch bounds how many keys one SCAN step returns and one delete round removes.
const DefaultScanBatch = 100

// DeleteByPattern walks the keyspace with SCAN and deletes matches one batch at a time, so a
// large namespace never turns into a single blocking command. Keys written behind the cursor
// may survive. In cluster mode every master is walked.
func DeleteByPattern(ctx context.Context, client redis.UniversalClient, pattern string, batch int64) (int, error) {
	if client == nil {
		return 0, fmt.Errorf("redis client required")
	}
	if batch <= 0 {
		batch = DefaultScanBatch
	}
	if cluster, ok := client.(*redis.ClusterClient); ok {
		var (
			mu    sync.Mutex
			total int
		)
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			// Keys on one node can span hash slots, so each key gets its own DEL.
			n, err := deleteOnNode(ctx, node, pattern, batch, true)
			mu.Lock()
			total += n
			mu.Unlock()
			return err
		})
		return total, err
	}
	return deleteOnNode(ctx, client, pattern, batch, false)
}

type scanDeleter interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Pipeline() redis.Pipeliner
}

func deleteOnNode(ctx context.Context, node scanDeleter, pattern string, batch int64, perKey bool) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := node.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := deleteBatch(ctx, node, keys, perKey)
			deleted += n
			if err != nil {
				return deleted, fmt.Errorf("delete batch: %w", err)
			}
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
	}
}

func deleteBatch(ctx context.Context, node scanDeleter, keys []string, perKey bool) (int, error) {
	if !perKey {
		n, err := node.Del(ctx, keys...).Result()
		return int(n), err
	}
	pipe := node.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(keys))
	for _, key := range keys {
		cmds = append(cmds, pipe.Del(ctx, key))
	}
	_, err := pipe.Exec(ctx)
	deleted := 0
	for _, cmd := range cmds {
		deleted += int(cmd.Val())
	}
	return deleted, err
}

package kv

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// bloomBackend is the seen-URL approximate set. The server-side module is
// preferred; a sharded client-side filter keeps the same contract when the
// module is absent.
type bloomBackend interface {
	Add(ctx context.Context, urls []string) error
	Exists(ctx context.Context, urls []string) ([]bool, error)
	Stats() BloomStats
	Close() error
}

// BloomStats reports approximate filter state.
type BloomStats struct {
	Backend          string
	ApproximateCount uint
}

func pickBloomBackend(ctx context.Context, rdb *redis.Client, opts Options, logger *zap.Logger) (bloomBackend, error) {
	err := rdb.BFExists(ctx, keySeenBloom, "probe").Err()
	if err == nil || err == redis.Nil {
		if reserveErr := rdb.BFReserve(ctx, keySeenBloom, opts.BloomFPRate, int64(opts.BloomCapacity)).Err(); reserveErr != nil {
			// An already-reserved filter is fine.
			if !strings.Contains(reserveErr.Error(), "exists") {
				return nil, fmt.Errorf("failed to reserve server bloom filter: %w", reserveErr)
			}
		}
		logger.Info("using server-side bloom filter",
			zap.Uint("capacity", opts.BloomCapacity),
			zap.Float64("fp_rate", opts.BloomFPRate),
		)
		return &serverBloom{rdb: rdb}, nil
	}

	logger.Warn("bloom module unavailable, falling back to client-side filter",
		zap.Error(err),
	)
	return newLocalBloom(opts, logger)
}

// serverBloom issues BF.MADD / BF.MEXISTS against the store.
type serverBloom struct {
	rdb *redis.Client
}

func (b *serverBloom) Add(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	elems := make([]interface{}, len(urls))
	for i, u := range urls {
		elems[i] = u
	}
	return b.rdb.BFMAdd(ctx, keySeenBloom, elems...).Err()
}

func (b *serverBloom) Exists(ctx context.Context, urls []string) ([]bool, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	elems := make([]interface{}, len(urls))
	for i, u := range urls {
		elems[i] = u
	}
	return b.rdb.BFMExists(ctx, keySeenBloom, elems...).Result()
}

func (b *serverBloom) Stats() BloomStats {
	return BloomStats{Backend: "server"}
}

func (b *serverBloom) Close() error {
	return nil
}

const localBloomShards = 16

// localBloom shards a client-side filter by URL hash to cut lock contention,
// and persists each shard under <data_dir>/bloom so the seen set survives
// restarts the way the server-side filter does.
type localBloom struct {
	shards [localBloomShards]*bloomShard
	dir    string
	logger *zap.Logger
}

type bloomShard struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

func newLocalBloom(opts Options, logger *zap.Logger) (*localBloom, error) {
	dir := filepath.Join(opts.DataDir, "bloom")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bloom dir: %w", err)
	}

	perShard := opts.BloomCapacity / localBloomShards
	if perShard == 0 {
		perShard = 1
	}

	lb := &localBloom{dir: dir, logger: logger}
	for i := range lb.shards {
		lb.shards[i] = &bloomShard{
			filter: bloom.NewWithEstimates(perShard, opts.BloomFPRate),
		}
		if err := lb.loadShard(i); err != nil {
			return nil, err
		}
	}
	return lb, nil
}

func (lb *localBloom) shardFor(url string) *bloomShard {
	h := fnv.New32a()
	h.Write([]byte(url))
	return lb.shards[h.Sum32()%localBloomShards]
}

func (lb *localBloom) Add(_ context.Context, urls []string) error {
	for _, u := range urls {
		shard := lb.shardFor(u)
		shard.mu.Lock()
		shard.filter.AddString(u)
		shard.mu.Unlock()
	}
	return nil
}

func (lb *localBloom) Exists(_ context.Context, urls []string) ([]bool, error) {
	out := make([]bool, len(urls))
	for i, u := range urls {
		shard := lb.shardFor(u)
		shard.mu.RLock()
		out[i] = shard.filter.TestString(u)
		shard.mu.RUnlock()
	}
	return out, nil
}

func (lb *localBloom) Stats() BloomStats {
	var count uint
	for _, shard := range lb.shards {
		shard.mu.RLock()
		count += uint(shard.filter.ApproximatedSize())
		shard.mu.RUnlock()
	}
	return BloomStats{Backend: "client", ApproximateCount: count}
}

func (lb *localBloom) shardPath(i int) string {
	return filepath.Join(lb.dir, fmt.Sprintf("seen.%02d.bloom", i))
}

func (lb *localBloom) loadShard(i int) error {
	f, err := os.Open(lb.shardPath(i))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open bloom shard %d: %w", i, err)
	}
	defer f.Close()

	if _, err := lb.shards[i].filter.ReadFrom(f); err != nil {
		return fmt.Errorf("failed to load bloom shard %d: %w", i, err)
	}
	return nil
}

// Close flushes every shard to disk. Writes go through a temp file so a crash
// mid-save leaves the previous snapshot intact.
func (lb *localBloom) Close() error {
	for i, shard := range lb.shards {
		shard.mu.RLock()
		err := lb.saveShard(i, shard.filter)
		shard.mu.RUnlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (lb *localBloom) saveShard(i int, filter *bloom.BloomFilter) error {
	tmp := lb.shardPath(i) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create bloom shard %d: %w", i, err)
	}
	if _, err := filter.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write bloom shard %d: %w", i, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close bloom shard %d: %w", i, err)
	}
	if err := os.Rename(tmp, lb.shardPath(i)); err != nil {
		return fmt.Errorf("failed to replace bloom shard %d: %w", i, err)
	}
	return nil
}

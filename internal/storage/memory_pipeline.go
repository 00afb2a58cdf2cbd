package storage

import (
	"context"
	"time"
)

type memoryOp func(ms *MemoryStore) (any, error)

// memoryPipeline runs queued operations in order while holding the store
// mutex, so a single batch is not interleaved with other store calls.
type memoryPipeline struct {
	store *MemoryStore
	ops   []memoryOp
}

func (p *memoryPipeline) queue(op memoryOp) Pipeline {
	p.ops = append(p.ops, op)
	return p
}

func (p *memoryPipeline) Increment(key string, ttl time.Duration) Pipeline {
	return p.queue(func(ms *MemoryStore) (any, error) {
		return ms.increment(key, ttl)
	})
}

func (p *memoryPipeline) ZAdd(key string, score float64, member string) Pipeline {
	return p.queue(func(ms *MemoryStore) (any, error) {
		ms.zadd(key, score, member)
		return nil, nil
	})
}

func (p *memoryPipeline) ZRemRangeByScore(key string, min, max float64) Pipeline {
	return p.queue(func(ms *MemoryStore) (any, error) {
		return ms.zremRangeByScore(key, min, max), nil
	})
}

func (p *memoryPipeline) ZCount(key string) Pipeline {
	return p.queue(func(ms *MemoryStore) (any, error) {
		return ms.zcount(key), nil
	})
}

func (p *memoryPipeline) ZRangeWithScores(key string, start, stop int64) Pipeline {
	return p.queue(func(ms *MemoryStore) (any, error) {
		return ms.zrangeWithScores(key, start, stop), nil
	})
}

func (p *memoryPipeline) Expire(key string, ttl time.Duration) Pipeline {
	return p.queue(func(ms *MemoryStore) (any, error) {
		ms.expire(key, ttl)
		return nil, nil
	})
}

func (p *memoryPipeline) Exec(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	results := make([]any, 0, len(p.ops))
	for _, op := range p.ops {
		res, err := op(p.store)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	p.ops = nil
	return results, nil
}

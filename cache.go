package timeline

import (
	"bytes"
	"context"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

type (
	// Cached is a read-through Store decorator. Committed payloads never
	// change, so a cached payload can't go stale. Statistics and misses are
	// always delegated. Entries are spread over independently locked shards
	// by key hash
	Cached struct {
		store  Store
		shards []*lru.Cache[cacheKey, []byte]
	}

	cacheKey struct {
		key  EntityKey
		kind RecordKind
		id   int64
	}
)

var _ Store = (*Cached)(nil)

// NewCached wraps store with a payload cache sized by cfg.CacheSize and split
// across cfg.CacheShards shards
func NewCached(store Store, cfg Config) (*Cached, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	count := cfg.CacheShards
	if count <= 0 {
		count = DefaultCacheShards
	}
	perShard := max(size/count, 1)

	shards := make([]*lru.Cache[cacheKey, []byte], count)
	for i := range shards {
		c, err := lru.New[cacheKey, []byte](perShard)
		if err != nil {
			return nil, err
		}
		shards[i] = c
	}
	return &Cached{
		store:  store,
		shards: shards,
	}, nil
}

func (c *Cached) PersistEvent(
	ctx context.Context, key EntityKey, eventID int64, data []byte,
) error {
	if err := c.store.PersistEvent(ctx, key, eventID, data); err != nil {
		return err
	}
	c.add(cacheKey{key: key, kind: KindEvent, id: eventID}, data)
	return nil
}

func (c *Cached) PersistSnapshot(
	ctx context.Context, key EntityKey, atEventID int64, data []byte,
) error {
	if err := c.store.PersistSnapshot(ctx, key, atEventID, data); err != nil {
		return err
	}
	c.add(cacheKey{key: key, kind: KindSnapshot, id: atEventID}, data)
	return nil
}

func (c *Cached) GetStatistics(
	ctx context.Context, key EntityKey,
) (Statistics, error) {
	return c.store.GetStatistics(ctx, key)
}

func (c *Cached) GetEvent(
	ctx context.Context, key EntityKey, eventID int64,
) ([]byte, error) {
	ck := cacheKey{key: key, kind: KindEvent, id: eventID}
	return c.get(ctx, ck, func() ([]byte, error) {
		return c.store.GetEvent(ctx, key, eventID)
	})
}

func (c *Cached) GetSnapshot(
	ctx context.Context, key EntityKey, atEventID int64,
) ([]byte, error) {
	ck := cacheKey{key: key, kind: KindSnapshot, id: atEventID}
	return c.get(ctx, ck, func() ([]byte, error) {
		return c.store.GetSnapshot(ctx, key, atEventID)
	})
}

// Len returns the number of cached payloads across all shards
func (c *Cached) Len() int {
	res := 0
	for _, s := range c.shards {
		res += s.Len()
	}
	return res
}

func (c *Cached) get(
	ctx context.Context, ck cacheKey, load func() ([]byte, error),
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if data, ok := c.shard(ck).Get(ck); ok {
		return bytes.Clone(data), nil
	}
	data, err := load()
	if err != nil {
		return nil, err
	}
	c.add(ck, data)
	return data, nil
}

func (c *Cached) add(ck cacheKey, data []byte) {
	c.shard(ck).Add(ck, bytes.Clone(data))
}

func (c *Cached) shard(ck cacheKey) *lru.Cache[cacheKey, []byte] {
	d := xxhash.New()
	_, _ = d.WriteString(ck.key.TypeName)
	_, _ = d.Write(ck.key.ID[:])
	return c.shards[d.Sum64()%uint64(len(c.shards))]
}

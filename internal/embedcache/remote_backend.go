package embedcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

// RemoteBackend is the Redis-like distributed cache store, grounded on
// rueidis (the client used by the pack's vecdex embedding-cache
// repository layer).
type RemoteBackend struct {
	client rueidis.Client
	prefix string
	ttl    time.Duration
}

// RemoteBackendConfig configures the Redis-like cache connection.
type RemoteBackendConfig struct {
	Addrs  []string
	Prefix string
	TTL    time.Duration // 0 = no expiry
}

// NewRemoteBackend dials a Redis-compatible server.
func NewRemoteBackend(cfg RemoteBackendConfig) (*RemoteBackend, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: cfg.Addrs})
	if err != nil {
		return nil, fmt.Errorf("embedcache: dial redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "prism:embedcache:"
	}
	return &RemoteBackend{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Close releases the underlying connection pool.
func (b *RemoteBackend) Close() { b.client.Close() }

func (b *RemoteBackend) redisKey(key string) string { return b.prefix + key }

func (b *RemoteBackend) Get(ctx context.Context, key string) (*Entry, error) {
	cmd := b.client.B().Get().Key(b.redisKey(key)).Build()
	resp := b.client.Do(ctx, cmd)
	if resp.Error() != nil {
		if rueidis.IsRedisNil(resp.Error()) {
			return nil, nil
		}
		return nil, resp.Error()
	}
	raw, err := resp.AsBytes()
	if err != nil {
		return nil, err
	}
	var se storedEntry
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, err
	}
	return &Entry{
		Key: se.Key, ModelID: se.ModelID, TextHash: se.TextHash,
		Vector: se.Vector, Dimension: se.Dimension,
		CreatedAt: se.CreatedAt, AccessedAt: se.AccessedAt, AccessCount: se.AccessCount,
	}, nil
}

func (b *RemoteBackend) Put(ctx context.Context, entry Entry) error {
	se := storedEntry{
		Key: entry.Key, ModelID: entry.ModelID, TextHash: entry.TextHash,
		Vector: entry.Vector, Dimension: entry.Dimension,
		CreatedAt: entry.CreatedAt, AccessedAt: entry.AccessedAt, AccessCount: entry.AccessCount,
	}
	raw, err := json.Marshal(se)
	if err != nil {
		return err
	}

	builder := b.client.B().Set().Key(b.redisKey(entry.Key)).Value(rueidis.BinaryString(raw))
	if b.ttl > 0 {
		return b.client.Do(ctx, builder.ExSeconds(int64(b.ttl.Seconds())).Build()).Error()
	}
	return b.client.Do(ctx, builder.Build()).Error()
}

func (b *RemoteBackend) Delete(ctx context.Context, key string) error {
	cmd := b.client.B().Del().Key(b.redisKey(key)).Build()
	return b.client.Do(ctx, cmd).Error()
}

func (b *RemoteBackend) Keys(ctx context.Context) ([]KeyAccess, error) {
	cmd := b.client.B().Keys().Pattern(b.prefix + "*").Build()
	resp := b.client.Do(ctx, cmd)
	if resp.Error() != nil {
		return nil, resp.Error()
	}
	keys, err := resp.AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make([]KeyAccess, 0, len(keys))
	for _, k := range keys {
		entry, err := b.Get(ctx, k[len(b.prefix):])
		if err != nil || entry == nil {
			continue
		}
		out = append(out, KeyAccess{Key: entry.Key, AccessedAt: entry.AccessedAt})
	}
	return out, nil
}

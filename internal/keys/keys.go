// Package keys implements the Key Cache Facade of spec.md §4.5: a
// cache of server signing keys addressed by (server name, key id),
// backed by Redis with a TTL the way the teacher's store.RedisStore
// backs its nonce/rate-limit entries, with an in-memory fallback for
// tests and single-process deployments that skip Redis.
package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmmika/construct/internal/metrics"
)

// Entry is a single cached verify key.
type Entry struct {
	ServerName string    `json:"server_name"`
	KeyID      string    `json:"key_id"`
	PublicKey  string    `json:"public_key"` // unpadded base64, matches Matrix wire format
	FetchedAt  time.Time `json:"fetched_at"`
	ValidUntil time.Time `json:"valid_until_ts"`
}

// Key decodes the entry's stored public key.
func (e Entry) Key() (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(e.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode key %s/%s: %w", e.ServerName, e.KeyID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key %s/%s: wrong size %d", e.ServerName, e.KeyID, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Fetcher retrieves keys this cache doesn't already hold, querying
// the origin server directly or a trusted notary. Implemented by
// internal/federation.
type Fetcher interface {
	FetchKeys(ctx context.Context, serverName string, keyIDs []string) ([]Entry, error)
}

// Cache is the facade eval phase 3 (verify signatures) and the fetch
// unit's mfetch_keys pre-fetch consult.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration

	redis *redis.Client // nil selects the in-memory backend

	mu  sync.Mutex
	mem map[string]Entry
}

func cacheKey(serverName, keyID string) string {
	return fmt.Sprintf("signkey:%s:%s", serverName, keyID)
}

// NewRedis returns a Cache backed by Redis.
func NewRedis(client *redis.Client, fetcher Fetcher, ttl time.Duration) *Cache {
	return &Cache{redis: client, fetcher: fetcher, ttl: ttl}
}

// NewMemory returns a Cache backed by an in-process map, for tests and
// single-node deployments without Redis.
func NewMemory(fetcher Fetcher, ttl time.Duration) *Cache {
	return &Cache{fetcher: fetcher, ttl: ttl, mem: make(map[string]Entry)}
}

// Put seeds the cache with a key the caller already trusts, bypassing
// the fetcher — used to register this process's own signing key so
// its self-authored events verify without a round trip to itself.
func (c *Cache) Put(ctx context.Context, e Entry) {
	c.store(ctx, e)
}

// Has reports whether a key is cached and unexpired, without fetching.
func (c *Cache) Has(ctx context.Context, serverName, keyID string) bool {
	_, ok := c.load(ctx, serverName, keyID)
	return ok
}

// Get returns a cached key, or fetches it via the configured Fetcher
// on a miss and populates the cache with a TTL entry.
func (c *Cache) Get(ctx context.Context, serverName, keyID string) (Entry, error) {
	if e, ok := c.load(ctx, serverName, keyID); ok {
		return e, nil
	}
	entries, err := c.Fetch(ctx, serverName, []string{keyID})
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.KeyID == keyID {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("key %s/%s not returned by origin", serverName, keyID)
}

// Fetch batches a request for every key id not already cached for
// serverName and stores whatever the fetcher returns, mirroring
// vm_eval.cc's mfetch_keys pre-fetch: it takes the whole set of
// missing ids for one server in a single round trip rather than one
// request per key.
func (c *Cache) Fetch(ctx context.Context, serverName string, keyIDs []string) ([]Entry, error) {
	var missing []string
	for _, id := range keyIDs {
		if _, ok := c.load(ctx, serverName, id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	fetched, err := c.fetcher.FetchKeys(ctx, serverName, missing)
	if err != nil {
		return nil, err
	}
	for _, e := range fetched {
		c.store(ctx, e)
	}
	return fetched, nil
}

func (c *Cache) load(ctx context.Context, serverName, keyID string) (Entry, bool) {
	e, ok := c.loadRaw(ctx, serverName, keyID)
	if ok {
		metrics.KeyCacheHits.Inc()
	} else {
		metrics.KeyCacheMisses.Inc()
	}
	return e, ok
}

func (c *Cache) loadRaw(ctx context.Context, serverName, keyID string) (Entry, bool) {
	if c.redis == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.mem[cacheKey(serverName, keyID)]
		return e, ok
	}

	data, err := c.redis.Get(ctx, cacheKey(serverName, keyID)).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) store(ctx context.Context, e Entry) {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now()
	}

	if c.redis == nil {
		c.mu.Lock()
		c.mem[cacheKey(e.ServerName, e.KeyID)] = e
		c.mu.Unlock()
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.redis.Set(ctx, cacheKey(e.ServerName, e.KeyID), data, c.ttl)
}

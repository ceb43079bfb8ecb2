// Package federation implements the Federation Server-Pool of
// spec.md §4.4: bookkeeping for remote origins the fetch unit issues
// requests to, including a per-peer error latch modeled directly on
// the teacher's IPBlocker (internal/api/middleware/ratelimit.go) —
// here keyed by server name instead of client IP, and set by the
// fetch unit on a failed attempt rather than by a rate-limit
// violation counter.
package federation

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mmmika/construct/internal/keys"
	"github.com/mmmika/construct/internal/metrics"
)

// Peer tracks per-origin counters (spec.md §3 ServerPeer).
type Peer struct {
	ServerName string
	Attempted  int
	Errors     int
	LastError  time.Time
}

// Pool is the server pool the fetch unit selects origins from and
// issues requests through.
type Pool struct {
	localName string
	client    *http.Client
	redis     *redis.Client // nil selects the in-memory latch
	logger    zerolog.Logger

	mu    sync.Mutex
	peers map[string]*Peer

	memMu    sync.Mutex
	memLatch map[string]time.Time

	secretsMu sync.RWMutex
	secrets   map[string]string // server name -> bcrypt hash, test-harness mock peers only
}

// New returns a Pool. localName is this process's own server name,
// excluded from candidate selection so a fetch never targets itself.
func New(localName string, redisClient *redis.Client, logger zerolog.Logger) *Pool {
	return &Pool{
		localName: localName,
		redis:     redisClient,
		logger:    logger,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConnsPerHost: 8,
			},
		},
		peers:    make(map[string]*Peer),
		memLatch: make(map[string]time.Time),
		secrets:  make(map[string]string),
	}
}

// SetPeerSecret registers the bcrypt hash of a shared secret a mock
// peer authenticates with. Only meaningful in test harnesses standing
// in for remote servers; real federation has no shared secret.
func (p *Pool) SetPeerSecret(serverName, bcryptHash string) {
	p.secretsMu.Lock()
	p.secrets[serverName] = bcryptHash
	p.secretsMu.Unlock()
}

// Authenticate reports whether secret matches the hash registered for
// serverName. A server with no registered secret always authenticates
// (the common case: real federation peers aren't in this map).
func (p *Pool) Authenticate(serverName, secret string) bool {
	p.secretsMu.RLock()
	hash, ok := p.secrets[serverName]
	p.secretsMu.RUnlock()
	if !ok {
		return true
	}
	return VerifyPeerSecret(hash, secret) == nil
}

// HTTPClient returns the transport the fetch unit issues requests
// with, wired for reuse across origins.
func (p *Pool) HTTPClient() *http.Client {
	return p.client
}

func (p *Pool) peer(serverName string) *Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[serverName]
	if !ok {
		peer = &Peer{ServerName: serverName}
		p.peers[serverName] = peer
	}
	return peer
}

// NoteAttempt records an issuance attempt against serverName.
func (p *Pool) NoteAttempt(serverName string) {
	peer := p.peer(serverName)
	p.mu.Lock()
	peer.Attempted++
	p.mu.Unlock()
}

// Errmsg latches an error against serverName for the given duration,
// the direct counterpart of IPBlocker.Block: origins with a live
// latch are excluded from CandidateOrigin until it expires or
// Errclear is called.
func (p *Pool) Errmsg(ctx context.Context, serverName string, d time.Duration, reason string) {
	peer := p.peer(serverName)
	p.mu.Lock()
	peer.Errors++
	peer.LastError = time.Now()
	p.mu.Unlock()
	metrics.PeerErrorsTotal.WithLabelValues(serverName).Inc()

	if p.redis == nil {
		p.memMu.Lock()
		p.memLatch[serverName] = time.Now().Add(d)
		p.memMu.Unlock()
		return
	}
	p.redis.Set(ctx, latchKey(serverName), reason, d)
}

// Errclear removes serverName's error latch, letting it be selected
// again immediately (called on a subsequent successful response).
func (p *Pool) Errclear(ctx context.Context, serverName string) {
	if p.redis == nil {
		p.memMu.Lock()
		delete(p.memLatch, serverName)
		p.memMu.Unlock()
		return
	}
	p.redis.Del(ctx, latchKey(serverName))
}

// Latched reports whether serverName currently carries an error
// latch.
func (p *Pool) Latched(ctx context.Context, serverName string) bool {
	if p.redis == nil {
		p.memMu.Lock()
		until, ok := p.memLatch[serverName]
		p.memMu.Unlock()
		return ok && time.Now().Before(until)
	}
	exists, _ := p.redis.Exists(ctx, latchKey(serverName)).Result()
	return exists > 0
}

// SweepExpiredLatches removes in-memory latches past their expiry.
// No-op when Redis backs the latch, since Redis expires keys itself.
func (p *Pool) SweepExpiredLatches() {
	if p.redis != nil {
		return
	}
	now := time.Now()
	p.memMu.Lock()
	for name, until := range p.memLatch {
		if now.After(until) {
			delete(p.memLatch, name)
		}
	}
	p.memMu.Unlock()
}

func latchKey(serverName string) string {
	return fmt.Sprintf("federation:latch:%s", serverName)
}

// CandidateOrigin applies the three-predicate proffer of
// modules/m_fetch.cc's select_random_origin: not self, not already
// attempted for this request, not latched with a recent error. Among
// the origins that pass all three, one is chosen uniformly at random
// rather than always the first match, so repeated fetches spread load
// across a room's servers instead of hammering whichever origin
// happens to sort first.
// Callers seed attempted with the origins already tried for the
// current FetchRequest.
func (p *Pool) CandidateOrigin(ctx context.Context, candidates []string, attempted map[string]bool) (string, bool) {
	var eligible []string
	for _, name := range candidates {
		if name == p.localName {
			continue
		}
		if attempted[name] {
			continue
		}
		if p.Latched(ctx, name) {
			continue
		}
		eligible = append(eligible, name)
	}
	if len(eligible) == 0 {
		return "", false
	}
	return eligible[rand.Intn(len(eligible))], true
}

// KeyFetcher adapts Pool to keys.Fetcher, issuing federation
// /_matrix/key/v2/server requests. The response parsing is left to
// the caller of FetchKeys via decode, keeping this package free of a
// concrete JSON wire schema.
type KeyFetcher struct {
	Pool   *Pool
	Decode func(ctx context.Context, client *http.Client, serverName string, keyIDs []string) ([]keys.Entry, error)
}

func (f KeyFetcher) FetchKeys(ctx context.Context, serverName string, keyIDs []string) ([]keys.Entry, error) {
	return f.Decode(ctx, f.Pool.HTTPClient(), serverName, keyIDs)
}

// Package fetch implements the Fetch Unit of spec.md §4.3: the single
// point through which a missing event (most commonly a prev_event the
// eval layer can't find locally) is retrieved from a federated peer.
// It is grounded directly on original_source/modules/m_fetch.cc's
// requests set, dock-gated back-pressure, origin-rotation retry loop
// and ordered response validation.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/event/conforms"
	"github.com/mmmika/construct/internal/federation"
	"github.com/mmmika/construct/internal/keys"
	"github.com/mmmika/construct/internal/merr"
	"github.com/mmmika/construct/internal/metrics"
	"github.com/mmmika/construct/internal/sched"
)

// Options mirrors m_fetch.cc's conf items: enable, timeout,
// requests.max, and the three check.* toggles that decide how much
// validation a fetched response receives before it's handed back.
type Options struct {
	Enable bool

	// Timeout bounds a single attempt against a single origin (conf
	// item fetch.request.timeout, default 5s).
	Timeout time.Duration

	// RequestsMax bounds how many requests may be in flight at once;
	// Start blocks on the back-pressure dock past this point.
	RequestsMax int

	CheckEventID  bool
	CheckConforms bool

	// CheckSignature gates signature verification on the fetched
	// event. m_fetch.cc's conf item documents the deadlock hazard this
	// guards against: if the fetch worker had to itself recurse into a
	// fetch for the origin's signing key, and that key fetch in turn
	// depended on the fetch unit's own worker, the unit would wedge.
	// checkSignature (worker.go) avoids the hazard directly rather than
	// relying on this toggle alone: it only verifies against keys the
	// cache already holds (keyCache.Has) and defers verification
	// (returns nil, not an error) when the key isn't cached, instead of
	// calling out to Cache.Get/Fetch from inside response validation.
	CheckSignature bool

	RoomVersion string
}

func DefaultOptions() Options {
	return Options{
		Enable:         true,
		Timeout:        5 * time.Second,
		RequestsMax:    256,
		CheckEventID:   true,
		CheckConforms:  false,
		CheckSignature: true,
		RoomVersion:    "6",
	}
}

// Transport issues the actual federation request. The default
// implementation speaks /_matrix/federation/v1/event/{eventID}; tests
// substitute a fake.
type Transport interface {
	FetchEvent(ctx context.Context, client *http.Client, origin, roomID, eventID string) (json.RawMessage, error)
}

// OriginSource supplies the set of servers known to participate in a
// room, the candidate list CandidateOrigin proffers from. Implemented
// by the storage layer (distinct joined-server-names column) or by a
// caller that already knows the origin that announced the event.
type OriginSource interface {
	RoomServers(ctx context.Context, roomID string) ([]string, error)
}

// Sink receives a successfully validated event for durable storage.
// Implemented by internal/storage, called from the fetch worker
// before the request's future is resolved so a concurrent caller of
// Start never observes success without the event being persisted.
type Sink interface {
	PutEvent(ctx context.Context, e *event.Event) error
}

// request is one in-flight or recently-finished fetch, the Go
// counterpart of m_fetch.cc's struct request.
type request struct {
	id              ulid.ULID // bookkeeping key, not the matrix event id
	roomID, eventID string

	mu        sync.Mutex
	attempted map[string]bool
	origin    string
	started   time.Time
	finished  time.Time

	future *sched.Future[*event.Event]
}

// bookkeepingEntry is the JSON shape persisted to Redis under a
// request's ulid while it is in flight, letting an operator inspect
// what a process is currently fetching without reaching into process
// memory (evalctl fetch does not read this today, but the health
// surface could).
type bookkeepingEntry struct {
	RoomID    string    `json:"room_id"`
	EventID   string    `json:"event_id"`
	Origin    string    `json:"origin"`
	Attempted []string  `json:"attempted"`
	Started   time.Time `json:"started"`
}

func bookkeepingKey(id ulid.ULID) string {
	return "fetch:request:" + id.String()
}

// Unit is the Fetch Unit. One Unit typically exists per process.
type Unit struct {
	opts      Options
	pool      *federation.Pool
	keyCache  *keys.Cache
	transport Transport
	origins   OriginSource
	sink      Sink
	logger    Logger

	sf singleflight.Group

	mu       sync.Mutex
	requests map[string]*request
	dock     *sched.Dock

	runlevel *sched.Runlevel

	// redis, when set, persists a bookkeeping entry for each in-flight
	// request under its ulid — optional, the in-memory requests map
	// above is always authoritative for this process's own view.
	redis *redis.Client

	idMu      sync.Mutex
	idEntropy *ulid.MonotonicEntropy
}

// SetRedis wires optional Redis persistence of in-flight FetchRequest
// bookkeeping entries. Nil (the default) disables it; the fetch unit
// works the same either way, the way internal/keys and
// internal/federation treat Redis as an optional backend behind an
// in-memory fallback.
func (u *Unit) SetRedis(client *redis.Client) {
	u.redis = client
}

// newRequestID mints a monotonic id for one FetchRequest's bookkeeping
// entry, guarded by idMu so concurrent Starts never produce colliding
// or out-of-order ids. Not a security-sensitive value, only a sort key.
func (u *Unit) newRequestID() ulid.ULID {
	u.idMu.Lock()
	defer u.idMu.Unlock()
	if u.idEntropy == nil {
		u.idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	}
	return ulid.MustNew(ulid.Timestamp(time.Now()), u.idEntropy)
}

func (u *Unit) persistBookkeeping(ctx context.Context, req *request) {
	if u.redis == nil {
		return
	}
	req.mu.Lock()
	attempted := make([]string, 0, len(req.attempted))
	for name := range req.attempted {
		attempted = append(attempted, name)
	}
	entry := bookkeepingEntry{
		RoomID:    req.roomID,
		EventID:   req.eventID,
		Origin:    req.origin,
		Attempted: attempted,
		Started:   req.started,
	}
	req.mu.Unlock()

	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	u.redis.Set(ctx, bookkeepingKey(req.id), b, 10*time.Minute)
}

func (u *Unit) clearBookkeeping(ctx context.Context, req *request) {
	if u.redis == nil {
		return
	}
	u.redis.Del(ctx, bookkeepingKey(req.id))
}

// Logger is the minimal logging surface the unit needs, satisfied by
// zerolog.Logger's Error/Warn/Debug event builders through a thin
// adapter constructed by the caller (internal/api, cmd/evald) so this
// package doesn't import zerolog directly.
type Logger interface {
	Warnf(format string, args ...any)
	Debugf(format string, args ...any)
}

// New constructs a Unit. runlevel gates Start: requests submitted
// before the process reaches sched.LevelRun fail fast with
// merr.ErrUnavailable, matching m_fetch.cc's wait on runlevel::RUN.
func New(opts Options, pool *federation.Pool, keyCache *keys.Cache, transport Transport, origins OriginSource, sink Sink, logger Logger, runlevel *sched.Runlevel) *Unit {
	return &Unit{
		opts:      opts,
		pool:      pool,
		keyCache:  keyCache,
		transport: transport,
		origins:   origins,
		sink:      sink,
		logger:    logger,
		requests:  make(map[string]*request),
		dock:      sched.NewDock(),
		runlevel:  runlevel,
	}
}

// Start submits (or joins) a fetch for eventID in roomID and blocks
// until it completes. Concurrent callers requesting the same eventID
// share one in-flight attempt via singleflight — the Go resolution of
// m_fetch.cc's submit() comment "//TODO: shared_future", which the
// original ships as an empty, already-failed future on duplicate
// submission.
func (u *Unit) Start(ctx context.Context, roomID, eventID string) (*event.Event, error) {
	if !u.opts.Enable {
		return nil, fmt.Errorf("fetch: %w", merr.ErrUnavailable)
	}
	if u.runlevel != nil {
		if err := u.runlevel.Wait(ctx, func(l sched.Level) bool { return l == sched.LevelRun }); err != nil {
			return nil, fmt.Errorf("fetch: waiting for runlevel: %w", err)
		}
	}

	if err := u.admit(ctx); err != nil {
		return nil, err
	}

	v, err, _ := u.sf.Do(eventID, func() (any, error) {
		defer u.release()
		return u.run(ctx, roomID, eventID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*event.Event), nil
}

// admit blocks until the in-flight request count is below
// RequestsMax, the dock-gated back-pressure m_fetch.cc's start()
// applies before calling submit().
func (u *Unit) admit(ctx context.Context) error {
	return u.dock.Wait(ctx, func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()
		return len(u.requests) < u.opts.RequestsMax
	})
}

func (u *Unit) release() {
	u.dock.Notify()
}

func (u *Unit) register(req *request) {
	u.mu.Lock()
	u.requests[req.eventID] = req
	n := len(u.requests)
	u.mu.Unlock()
	metrics.FetchInFlight.Set(float64(n))
}

func (u *Unit) unregister(eventID string) {
	u.mu.Lock()
	delete(u.requests, eventID)
	n := len(u.requests)
	u.mu.Unlock()
	metrics.FetchInFlight.Set(float64(n))
	u.dock.Notify()
}

// InFlight returns the number of requests currently registered, for
// metrics and tests of the back-pressure property.
func (u *Unit) InFlight() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

func (u *Unit) conformsOptions() conforms.Options {
	return conforms.DefaultOptions()
}

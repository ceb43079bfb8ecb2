package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmmika/construct/internal/crypto"
	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/event/conforms"
	"github.com/mmmika/construct/internal/merr"
	"github.com/mmmika/construct/internal/metrics"
)

// run drives one request end to end: origin selection, issuance,
// response validation, retry-on-failure, until a candidate succeeds
// or none remain. This is the Go counterpart of m_fetch.cc's
// request_handle/start(request)/handle/retry/finish chain, collapsed
// from callback-continuation style into a single blocking loop since
// Go's goroutines don't need the original's continuation-passing to
// avoid stalling the ircd::ctx scheduler.
func (u *Unit) run(ctx context.Context, roomID, eventID string) (*event.Event, error) {
	req := &request{
		id:        u.newRequestID(),
		roomID:    roomID,
		eventID:   eventID,
		attempted: make(map[string]bool),
		started:   time.Now(),
	}
	u.register(req)
	u.persistBookkeeping(ctx, req)
	defer func() {
		req.mu.Lock()
		req.finished = time.Now()
		req.mu.Unlock()
		u.clearBookkeeping(ctx, req)
		u.unregister(eventID)
	}()

	candidates, err := u.origins.RoomServers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: list room servers: %w", eventID, err)
	}

	for attemptNumber := 0; ; attemptNumber++ {
		if attemptNumber > 0 {
			retryPause(ctx, attemptNumber)
		}
		origin, ok := u.pool.CandidateOrigin(ctx, candidates, req.attempted)
		if !ok {
			metrics.FetchRequestsTotal.WithLabelValues("not_found").Inc()
			return nil, fmt.Errorf("fetch %s: %w", eventID, merr.ErrNotFound)
		}

		req.mu.Lock()
		req.attempted[origin] = true
		req.origin = origin
		req.mu.Unlock()
		u.pool.NoteAttempt(origin)
		u.persistBookkeeping(ctx, req)

		e, err := u.attempt(ctx, origin, roomID, eventID)
		if err == nil {
			u.pool.Errclear(ctx, origin)
			if u.sink != nil {
				if serr := u.sink.PutEvent(ctx, e); serr != nil {
					return nil, fmt.Errorf("fetch %s: store: %w", eventID, merr.ErrStorage)
				}
			}
			metrics.FetchRequestsTotal.WithLabelValues("success").Inc()
			metrics.FetchOriginAttempts.Observe(float64(attemptNumber + 1))
			return e, nil
		}

		u.pool.Errmsg(ctx, origin, 5*time.Minute, err.Error())
		metrics.FetchRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		if u.logger != nil {
			u.logger.Warnf("fetch %s from %s failed: %v", eventID, origin, err)
		}
		// fall through: loop picks the next candidate origin.
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, merr.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, merr.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, merr.ErrNotConform):
		return "not_conform"
	default:
		return "error"
	}
}

// attempt issues and validates a single request against one origin,
// bounded by the configured per-attempt timeout.
func (u *Unit) attempt(ctx context.Context, origin, roomID, eventID string) (*event.Event, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	raw, err := u.transport.FetchEvent(attemptCtx, u.pool.HTTPClient(), origin, roomID, eventID)
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", merr.ErrRequestTimeout, err)
		}
		return nil, err
	}

	return u.checkResponse(attemptCtx, origin, eventID, raw)
}

// checkResponse applies the validation pipeline in the exact
// short-circuit order of m_fetch.cc's check_response: event id shape,
// then structural conformance, then signature — each gated by its
// own Options toggle, each a cheaper check than the one after it.
func (u *Unit) checkResponse(ctx context.Context, origin, eventID string, raw []byte) (*event.Event, error) {
	e, err := event.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if u.opts.CheckEventID {
		if err := u.checkEventID(e, eventID); err != nil {
			return nil, err
		}
	}

	if u.opts.CheckConforms {
		report := conforms.Check(e, u.opts.RoomVersion, u.conformsOptions())
		if !report.Clean() {
			return nil, fmt.Errorf("%w: %s", merr.ErrNotConform, report)
		}
	}

	if u.opts.CheckSignature {
		if err := u.checkSignature(ctx, origin, e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (u *Unit) checkEventID(e *event.Event, wantID string) error {
	if u.opts.RoomVersion == "1" || u.opts.RoomVersion == "2" || u.opts.RoomVersion == "3" {
		if e.EventID != wantID {
			return fmt.Errorf("%w: declared event_id %s does not match requested %s", merr.ErrNotConform, e.EventID, wantID)
		}
		return nil
	}
	raw, err := e.Raw()
	if err != nil {
		return err
	}
	gotID, err := event.DeriveEventID(raw)
	if err != nil {
		return err
	}
	if gotID != wantID {
		return fmt.Errorf("%w: derived event_id %s does not match requested %s", merr.ErrNotConform, gotID, wantID)
	}
	e.EventID = gotID
	return nil
}

// checkSignature verifies the response event's signature only against
// keys already sitting in the cache. It deliberately never calls
// Cache.Get/Fetch here: this runs inside the per-attempt response
// validation path of a worker that may itself be the one blocking a
// concurrent key fetch for the same origin, and an unreachable key
// server must not turn into a spurious bad-signature verdict and an
// origin-rotation retry. An uncached key is deferred, not rejected.
func (u *Unit) checkSignature(ctx context.Context, origin string, e *event.Event) error {
	host := e.OriginOrSenderHost()
	sigs, ok := e.Signatures[host]
	if !ok || len(sigs) == 0 {
		return fmt.Errorf("%w: no signature from %s", merr.ErrBadSignature, host)
	}

	signable, err := e.SignableBytes()
	if err != nil {
		return err
	}

	var lastErr error
	checked := false
	for keyID, sigB64 := range sigs {
		if !u.keyCache.Has(ctx, host, keyID) {
			continue
		}
		checked = true
		entry, err := u.keyCache.Get(ctx, host, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		pub, err := entry.Key()
		if err != nil {
			lastErr = err
			continue
		}
		if verifyErr := crypto.VerifyDetached(pub, signable, sigB64); verifyErr == nil {
			return nil
		} else {
			lastErr = verifyErr
		}
	}
	if !checked {
		// No cached key for any signature on this event: defer rather
		// than fetch synchronously from inside response validation.
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable key for %s", host)
	}
	return fmt.Errorf("%w: %v", merr.ErrBadSignature, lastErr)
}

package eval

import (
	"context"
	"fmt"

	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/keys"
)

// phaseFetchPrevEvents is phase 4: every prev_event this event names
// must exist locally before auth/state resolution can consult it.
// Missing ones are retrieved through the fetch unit, recursively
// evaluated (a nested Eval on the same task, findable via
// registry.FindParent once registered), and committed before this
// phase returns — matching vm_eval.cc's behavior of the eval
// mechanism recursing into dependency fetches rather than deferring
// them to a separate pass.
func (e *Eval) phaseFetchPrevEvents(ctx context.Context) error {
	if !e.opts.FetchMissing || e.deps.Fetcher == nil || e.deps.Storage == nil {
		return nil
	}

	for _, prevID := range e.ev.PrevEvents {
		has, err := e.deps.Storage.HasEvent(ctx, prevID)
		if err != nil {
			return fmt.Errorf("eval %s: check prev_event %s: %w", e.ev.EventID, prevID, err)
		}
		if has {
			continue
		}

		fetched, err := e.deps.Fetcher.Start(ctx, e.roomID, prevID)
		if err != nil {
			return fmt.Errorf("eval %s: fetch prev_event %s: %w", e.ev.EventID, prevID, err)
		}

		if err := e.evaluateNested(ctx, fetched); err != nil {
			return fmt.Errorf("eval %s: evaluate fetched prev_event %s: %w", e.ev.EventID, prevID, err)
		}
	}
	return nil
}

// evaluateNested runs a full Eval for a dependency this Eval's phase
// 4 pulled in, parented to self so registry.FindParent/FindRoot can
// walk back to the outermost Eval in the chain.
func (e *Eval) evaluateNested(ctx context.Context, fetched *event.Event) error {
	child := New(e.deps, e.task, e.roomID, fetched, e.opts)
	child.parent = e
	e.child = child
	defer func() { e.child = nil }()

	return child.Run(ctx)
}

// PrefetchKeys batches a pre-fetch of every signing key referenced
// across pdus that this eval pass hasn't already cached, restricted
// to nodeID's origin when nodeID is non-empty — the amplification
// guard from vm_eval.cc's mfetch_keys: when replaying a batch
// received from one federation peer, only that peer's own key is
// worth a proactive fetch, since every other signer's key should
// already be cached from prior, independent traffic.
func PrefetchKeys(ctx context.Context, cache *keys.Cache, pdus []*event.Event, nodeID string) error {
	if cache == nil {
		return nil
	}

	byHost := make(map[string][]string)
	for _, e := range pdus {
		host := e.OriginOrSenderHost()
		if nodeID != "" && host != nodeID {
			continue
		}
		for keyID := range e.Signatures[host] {
			byHost[host] = append(byHost[host], keyID)
		}
	}

	for host, keyIDs := range byHost {
		if _, err := cache.Fetch(ctx, host, dedup(keyIDs)); err != nil {
			return fmt.Errorf("prefetch keys for %s: %w", host, err)
		}
	}
	return nil
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package eval

import (
	"context"
	"fmt"

	"github.com/mmmika/construct/internal/crypto"
	"github.com/mmmika/construct/internal/merr"
)

// phaseVerifySignatures is phase 3: every signature the event claims
// must verify against a cached (or freshly fetched) key for its
// issuing server. Mirrors modules/m_fetch.cc's check_signature step,
// generalized from "check against whatever's cached, skip if absent"
// to "fetch on a cache miss" since this phase runs on the eval's own
// task rather than the fetch unit's worker (the deadlock concern
// documented on fetch.Options.CheckSignature doesn't apply here).
func (e *Eval) phaseVerifySignatures(ctx context.Context) error {
	if !e.opts.CheckSignature {
		return nil
	}
	if e.deps.Keys == nil {
		return nil
	}

	host := e.ev.OriginOrSenderHost()
	sigs, ok := e.ev.Signatures[host]
	if !ok || len(sigs) == 0 {
		return fmt.Errorf("eval %s: %w: no signature from %s", e.ev.EventID, merr.ErrBadSignature, host)
	}

	signable, err := e.ev.SignableBytes()
	if err != nil {
		return fmt.Errorf("eval %s: %w", e.ev.EventID, err)
	}

	var lastErr error
	for keyID, sigB64 := range sigs {
		entry, err := e.deps.Keys.Get(ctx, host, keyID)
		if err != nil {
			lastErr = err
			continue
		}
		pub, err := entry.Key()
		if err != nil {
			lastErr = err
			continue
		}
		if verr := crypto.VerifyDetached(pub, signable, sigB64); verr == nil {
			return nil
		} else {
			lastErr = verr
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable key for %s", host)
	}
	return fmt.Errorf("eval %s: %w: %v", e.ev.EventID, merr.ErrBadSignature, lastErr)
}

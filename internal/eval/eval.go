// Package eval implements the Eval state machine of spec.md §4.2: the
// unit of work that takes one event from "received" to "committed,"
// grounded directly on original_source/matrix/vm_eval.cc's
// ircd::m::vm::eval — its four construction forms, its eight-phase
// pipeline, and its per-event-vs-eval-wide failure semantics.
package eval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mmmika/construct/internal/auth"
	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/event/conforms"
	"github.com/mmmika/construct/internal/fetch"
	"github.com/mmmika/construct/internal/keys"
	"github.com/mmmika/construct/internal/merr"
	"github.com/mmmika/construct/internal/metrics"
	"github.com/mmmika/construct/internal/registry"
	"github.com/mmmika/construct/internal/sched"
	"github.com/mmmika/construct/internal/stateres"
	"github.com/mmmika/construct/internal/storage"
)

// Options bundles the per-call tunables the original splits across
// opts/copts: room version (picks the event-id-shape conformance
// rule and whether ids are carried or derived), a batch truncation
// limit, and the fail-fast switch governing whether one event's
// failure in a batch aborts the rest.
type Options struct {
	RoomVersion string
	Limit       int
	FailFast    bool

	// Ordered, when true, preserves NewBatch's caller-supplied pdu
	// order instead of sorting by depth. Default false: sort.
	Ordered bool

	// NonConform is a bitmask of conforms.Code rules that phaseConform
	// downgrades from fatal to tolerated, per spec.md §6's
	// opts.non_conform ("bitmask of permitted laxities").
	NonConform conforms.Code

	CheckConforms  bool
	CheckHashes    bool
	CheckSignature bool
	FetchMissing   bool
}

func DefaultOptions() Options {
	return Options{
		RoomVersion:    "6",
		Limit:          128,
		FailFast:       false,
		Ordered:        false,
		NonConform:     0,
		CheckConforms:  true,
		CheckHashes:    true,
		CheckSignature: true,
		FetchMissing:   true,
	}
}

// Deps bundles the collaborators an Eval's phases call into. Held by
// value in every Eval so nested/child evals (phase 4's recursive
// prev_event fetches) share the exact same wiring as their parent.
type Deps struct {
	Registry *registry.Registry
	Storage  storage.Columnar
	Fetcher  *fetch.Unit
	Keys     *keys.Cache
	Auth     auth.Checker
	Resolver stateres.Resolver

	// Notify, if set, is called after a successful commit (phase 8).
	Notify func(roomID string, e *event.Event)
}

// Eval is one event's passage through the pipeline. It implements
// registry.Entry so the registry can track it without importing this
// package (avoiding the import cycle vm_eval.cc doesn't have to
// avoid, since C++ translation units don't enforce Go's acyclic
// import rule).
type Eval struct {
	deps Deps
	opts Options

	id      uint64
	seq     uint64
	task    *sched.Task
	roomID  string
	ev      *event.Event
	report  conforms.Report
	stateWinner *event.Event // set by phase 6 when ev is a state event

	parent *Eval
	child  *Eval
}

// New constructs an Eval for a single resolved event — the "(event,
// opts)" constructor form. Its id is assigned immediately (registry
// §3's id_ctr); its commit sequence stays 0 until phaseCommit runs.
func New(deps Deps, task *sched.Task, roomID string, e *event.Event, opts Options) *Eval {
	ev := &Eval{deps: deps, opts: opts, task: task, roomID: roomID, ev: e}
	ev.id = deps.Registry.NextID()
	deps.Registry.Register(ev)
	return ev
}

// NewBatch constructs one Eval per pdu, truncated to opts.Limit — the
// "(pdus, opts)" batch constructor, matching vm_eval.cc's
// sort-then-truncate before iterating. Unless opts.Ordered is set, the
// batch is sorted first: depth ascending, tie-broken by
// origin_server_ts, then lexicographically by event_id, per spec.md
// §4.2's unordered-batch sort key.
func NewBatch(deps Deps, task *sched.Task, roomID string, pdus []*event.Event, opts Options) []*Eval {
	sorted := make([]*event.Event, len(pdus))
	copy(sorted, pdus)

	if !opts.Ordered {
		sort.Slice(sorted, func(i, j int) bool {
			a, b := sorted[i], sorted[j]
			if a.Depth != b.Depth {
				return a.Depth < b.Depth
			}
			if a.OriginServerTS != b.OriginServerTS {
				return a.OriginServerTS < b.OriginServerTS
			}
			return a.EventID < b.EventID
		})
	}

	if opts.Limit > 0 && len(sorted) > opts.Limit {
		sorted = sorted[:opts.Limit]
	}

	evals := make([]*Eval, len(sorted))
	for i, e := range sorted {
		evals[i] = New(deps, task, roomID, e, opts)
	}
	return evals
}

// NewInjection constructs an Eval for a locally authored event that
// doesn't have an event id yet — the "(iov, content, copts)" form.
// The caller supplies a partially-built Event (prev_events/auth_events
// already resolved against the current forward extremities); New
// derives the event id as the first step of Run instead of trusting
// one off the wire.
func NewInjection(deps Deps, task *sched.Task, roomID string, draft *event.Event, opts Options) *Eval {
	return New(deps, task, roomID, draft, opts)
}

func (e *Eval) ID() uint64         { return e.id }
func (e *Eval) Sequence() uint64   { return e.seq }
func (e *Eval) RoomID() string     { return e.roomID }
func (e *Eval) TaskName() string {
	if e.task == nil {
		return ""
	}
	return e.task.Name
}
func (e *Eval) EventID() string {
	if e.ev == nil {
		return ""
	}
	return e.ev.EventID
}

// Event returns the event this Eval is processing.
func (e *Eval) Event() *event.Event { return e.ev }

// Report returns the conformance report from phase 1, for callers
// that want to log or surface every violated rule rather than just
// the first error Run returned.
func (e *Eval) Report() conforms.Report { return e.report }

// Release deregisters the Eval. vm_eval.cc's destructor asserts
// !child — this package's caller is expected to have already
// resolved any nested fetch evals by the time Release runs, which
// Run's phase 4 guarantees by waiting on every recursive fetch before
// returning.
func (e *Eval) Release() {
	e.deps.Registry.Deregister(e)
}

// Run drives the event through all eight phases in order, stopping
// at the first failure — per-event failure, not eval-wide, when
// called from a batch: the caller (NewBatch's driver loop) decides
// whether one Eval's error aborts the remaining batch based on
// opts.FailFast.
func (e *Eval) Run(ctx context.Context) (err error) {
	defer e.Release()

	start := time.Now()
	defer func() {
		metrics.EvalDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.EvalsFailed.WithLabelValues(errorCode(err)).Inc()
		} else {
			metrics.EvalsCommitted.WithLabelValues(e.ev.Type).Inc()
		}
	}()

	if err = e.phaseConform(ctx); err != nil {
		return err
	}
	if err = e.phaseVerifyHashes(ctx); err != nil {
		return err
	}
	if err = e.phaseVerifySignatures(ctx); err != nil {
		return err
	}
	if err = e.phaseFetchPrevEvents(ctx); err != nil {
		return err
	}
	if err = e.phaseAuthCheck(ctx); err != nil {
		return err
	}
	if err = e.phaseStateResolve(ctx); err != nil {
		return err
	}
	if err = e.phaseCommit(ctx); err != nil {
		return err
	}
	e.phaseNotify(ctx)
	return nil
}

func errorCode(err error) string {
	for _, sentinel := range []error{
		merr.ErrNotFound, merr.ErrNotConform, merr.ErrBadSignature,
		merr.ErrUnauthorized, merr.ErrUnavailable, merr.ErrRequestTimeout, merr.ErrStorage,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "unknown"
}

// phaseConform is phase 1: structural conformance (internal/event/conforms).
// opts.NonConform downgrades the named rule violations from fatal: the
// report still records every violated rule for callers/logs, but a
// violation entirely covered by the mask doesn't fail the phase.
func (e *Eval) phaseConform(ctx context.Context) error {
	if !e.opts.CheckConforms {
		return nil
	}
	report := conforms.Check(e.ev, e.opts.RoomVersion, conforms.DefaultOptions())
	e.report = report
	if fatal := report.Code &^ e.opts.NonConform; fatal != 0 {
		return fmt.Errorf("eval %s: %w: %s", e.ev.RoomID, merr.ErrNotConform, report)
	}
	return nil
}

// phaseVerifyHashes is phase 2: content hash and, for room versions
// 4+, event id derivation (the id is never trusted off the wire for
// those versions).
func (e *Eval) phaseVerifyHashes(ctx context.Context) error {
	if !e.opts.CheckHashes {
		return nil
	}
	raw, err := e.ev.Raw()
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}

	switch e.opts.RoomVersion {
	case "1", "2", "3":
		// event_id carried on the wire; only content hash applies.
	default:
		id, err := event.DeriveEventID(raw)
		if err != nil {
			return fmt.Errorf("eval: derive event id: %w", err)
		}
		if e.ev.EventID != "" && e.ev.EventID != id {
			return fmt.Errorf("eval: %w: declared event_id mismatch", merr.ErrNotConform)
		}
		e.ev.EventID = id
	}

	if len(e.ev.Hashes) > 0 {
		if err := e.ev.VerifyContentHash(); err != nil {
			return fmt.Errorf("eval %s: %w: %v", e.ev.EventID, merr.ErrNotConform, err)
		}
	}
	return nil
}

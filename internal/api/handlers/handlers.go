// Package handlers implements the HTTP surface named in SPEC_FULL.md's
// DOMAIN STACK table: health/metrics, the federation inbound endpoints
// a peer calls against this process, and a local injection endpoint
// standing in for the backfill/admin tool a homeserver operator would
// otherwise reach for. Grounded on the teacher's internal/handlers
// (one Handler struct closing over its stores, one method per route,
// errors written as a JSON body rather than bubbled to a generic
// error middleware).
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mmmika/construct/internal/crypto"
	"github.com/mmmika/construct/internal/event"
	"github.com/mmmika/construct/internal/eval"
	"github.com/mmmika/construct/internal/federation"
	"github.com/mmmika/construct/internal/merr"
	"github.com/mmmika/construct/internal/registry"
	"github.com/mmmika/construct/internal/sched"
)

// Handler closes over the wiring cmd/evald assembles: the eval
// pipeline's dependencies, the registry for /health's in-flight
// count, and this process's own server name for stamping outbound
// responses.
type Handler struct {
	Deps       eval.Deps
	Registry   *registry.Registry
	Runlevel   *sched.Runlevel
	Logger     zerolog.Logger
	ServerName string
	EvalOpts   eval.Options

	// Signer authors events submitted through Inject. Nil disables
	// the endpoint (read-only federation peer).
	Signer *crypto.ServerSigner

	// Pool authenticates mock peers (test harness) that registered a
	// shared secret. Nil skips authentication entirely.
	Pool *federation.Pool
}

func New(deps eval.Deps, reg *registry.Registry, runlevel *sched.Runlevel, logger zerolog.Logger, serverName string, evalOpts eval.Options) *Handler {
	return &Handler{
		Deps:       deps,
		Registry:   reg,
		Runlevel:   runlevel,
		Logger:     logger,
		ServerName: serverName,
		EvalOpts:   evalOpts,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errcode, message string) {
	writeJSON(w, status, map[string]string{"errcode": errcode, "error": message})
}

// Health reports process runlevel and storage reachability, the way
// the teacher's Health handler pings pgStore/redisStore before
// answering 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK

	if h.Deps.Storage != nil {
		if err := h.Deps.Storage.Ping(ctx); err != nil {
			status = "storage unreachable"
			code = http.StatusServiceUnavailable
		}
	}

	level := "unknown"
	if h.Runlevel != nil {
		switch h.Runlevel.Get() {
		case sched.LevelStart:
			level = "start"
		case sched.LevelRun:
			level = "run"
		case sched.LevelQuit:
			level = "quit"
		}
	}

	writeJSON(w, code, map[string]any{
		"status":        status,
		"runlevel":      level,
		"evals_current": h.Registry.Len(),
		"server_name":   h.ServerName,
	})
}

// eventEnvelope is the federation wire shape wrapping one or more
// pdus, matching /_matrix/federation/v1/{event,send}.
type eventEnvelope struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// GetEvent answers /_matrix/federation/v1/event/{eventID}: the
// counterpart of the request this process's own fetch.Transport
// issues against peers, letting two instances of this server
// federate with each other under test.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "M_MISSING_PARAM", "eventID required")
		return
	}
	if h.Deps.Storage == nil {
		writeError(w, http.StatusServiceUnavailable, merr.ErrUnavailable.Error(), "storage not configured")
		return
	}

	e, err := h.Deps.Storage.GetEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, merr.ErrStorage.Error(), err.Error())
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, merr.ErrNotFound.Error(), "event not found")
		return
	}

	raw, err := e.Raw()
	if err != nil {
		writeError(w, http.StatusInternalServerError, merr.ErrStorage.Error(), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, eventEnvelope{
		Origin:         h.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []json.RawMessage{raw},
	})
}

// pduResult mirrors the per-event {} / {"error": "..."} shape
// /_matrix/federation/v1/send responses carry under "pdus".
type sendResponse struct {
	PDUs map[string]json.RawMessage `json:"pdus"`
}

// Send answers /_matrix/federation/v1/send/{txnId}: a peer's push of
// one transaction's worth of pdus, run through the full eval batch
// pipeline with prefetch restricted to the sending origin.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnID")

	if secret := r.Header.Get("X-Peer-Secret"); h.Pool != nil && secret != "" {
		if !h.Pool.Authenticate(r.Header.Get("X-Peer-Origin"), secret) {
			writeError(w, http.StatusForbidden, merr.ErrUnauthorized.Error(), "peer secret mismatch")
			return
		}
	}

	var envelope eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeError(w, http.StatusBadRequest, merr.ErrNotConform.Error(), "malformed transaction body")
		return
	}

	events := make([]*event.Event, 0, len(envelope.PDUs))
	for _, raw := range envelope.PDUs {
		e, err := event.Parse(raw)
		if err != nil {
			continue // unparsable pdus are dropped, not fatal to the transaction
		}
		events = append(events, e)
	}

	roomID := ""
	if len(events) > 0 {
		roomID = events[0].RoomID
	}

	task := sched.NewTask(fmt.Sprintf("send:%s:%s", txnID, crypto.NewUUIDv7()), r.Context())
	results := eval.EvaluateBatch(r.Context(), h.Deps, task, roomID, events, envelope.Origin, h.EvalOpts)

	resp := sendResponse{PDUs: make(map[string]json.RawMessage, len(results))}
	for _, res := range results {
		if res.Event == nil {
			continue
		}
		if res.Err != nil {
			b, _ := json.Marshal(map[string]string{"error": res.Err.Error()})
			resp.PDUs[res.Event.EventID] = b
			continue
		}
		resp.PDUs[res.Event.EventID] = json.RawMessage("{}")
	}

	writeJSON(w, http.StatusOK, resp)
}

// injectRequest is the local-origin counterpart of a received pdu: a
// caller (evalctl, or an admin tool) supplies a draft event missing
// its event id and hashes, which phase 2 of eval derives rather than
// trusting off the wire.
type injectRequest struct {
	Event *event.Event `json:"event"`
}

// Inject answers /inject/{roomID}: local event authorship, the
// stand-in this server exposes for the client-server "send message"
// path that spec.md scopes out (see SPEC_FULL.md Non-goals) while
// still needing a way to originate new events for the eval pipeline
// to run on.
func (h *Handler) Inject(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Event == nil {
		writeError(w, http.StatusBadRequest, merr.ErrNotConform.Error(), "malformed injection request")
		return
	}
	req.Event.RoomID = roomID
	if req.Event.Origin == "" {
		req.Event.Origin = h.ServerName
	}
	if req.Event.OriginServerTS == 0 {
		req.Event.OriginServerTS = time.Now().UnixMilli()
	}

	if h.Signer == nil {
		writeError(w, http.StatusServiceUnavailable, merr.ErrUnavailable.Error(), "local injection is disabled on this instance")
		return
	}
	if err := h.Signer.Sign(req.Event); err != nil {
		writeError(w, http.StatusInternalServerError, merr.ErrStorage.Error(), err.Error())
		return
	}

	task := sched.NewTask(fmt.Sprintf("inject:%s:%s", roomID, crypto.NewUUIDv7()), r.Context())
	ev := eval.NewInjection(h.Deps, task, roomID, req.Event, h.EvalOpts)
	if err := ev.Run(r.Context()); err != nil {
		writeError(w, http.StatusBadRequest, merr.ErrNotConform.Error(), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"event_id": ev.EventID()})
}

// RoomState answers a debugging/inspection route: the resolved state
// events currently committed for a room, useful for verifying phase 6
// without a full client-server /state implementation.
func (h *Handler) RoomState(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if h.Deps.Storage == nil {
		writeError(w, http.StatusServiceUnavailable, merr.ErrUnavailable.Error(), "storage not configured")
		return
	}

	count, err := h.Deps.Storage.CountEvents(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, merr.ErrStorage.Error(), err.Error())
		return
	}

	extremities, err := h.Deps.Storage.ForwardExtremities(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, merr.ErrStorage.Error(), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":             roomID,
		"event_count":         count,
		"forward_extremities": extremities,
	})
}

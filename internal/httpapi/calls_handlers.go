package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/lukasbauer/callbridge/internal/calls"
	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/store"
)

// placeCallRequest is the flat briefing. A briefing nested under "context"
// is still accepted; flat fields win where both are set.
type placeCallRequest struct {
	callstate.CallContext
	Context *callstate.CallContext `json:"context,omitempty"`
}

func (p placeCallRequest) callContext() callstate.CallContext {
	cc := p.CallContext
	if p.Context == nil {
		return cc
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&cc.BusinessName, p.Context.BusinessName)
	fill(&cc.DestinationNumber, p.Context.DestinationNumber)
	fill(&cc.UserRequest, p.Context.UserRequest)
	fill(&cc.Category, p.Context.Category)
	fill(&cc.CallerContext, p.Context.CallerContext)
	return cc
}

func (r *Router) handlePlaceCall(w http.ResponseWriter, req *http.Request) {
	if r.calls.IsDraining() {
		writeError(w, http.StatusServiceUnavailable, "server is draining")
		return
	}

	var body placeCallRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	handle, err := r.initiator.PlaceCall(req.Context(), body.callContext())
	if err != nil {
		r.writeCallError(w, req, err)
		return
	}

	r.logger.Printf("calls: %s placed %s", operatorFrom(req.Context()), handle.CallID)
	writeJSON(w, http.StatusCreated, handle)
}

// handleGetCall is what the UI polls. Unknown ids answer 200 with the
// unknown shape so pollers never special-case errors.
func (r *Router) handleGetCall(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("callId")

	if sess, ok := r.sessions.Get(id); ok {
		writeJSON(w, http.StatusOK, sess)
		return
	}

	if r.store != nil {
		sess, err := r.store.GetCall(req.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, sess)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Printf("calls: failed to load call %s: %v", id, err)
		}
	}

	writeJSON(w, http.StatusOK, callstate.Unknown(id))
}

func (r *Router) handleHangupCall(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("callId")

	sess, err := r.initiator.Hangup(req.Context(), id)
	if err != nil {
		r.writeCallError(w, req, err)
		return
	}

	r.logger.Printf("calls: %s hung up %s", operatorFrom(req.Context()), id)
	writeJSON(w, http.StatusOK, sess)
}

func (r *Router) handleListCalls(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeJSON(w, http.StatusOK, []store.CallSummary{})
		return
	}

	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	list, err := r.store.ListCalls(req.Context(), limit)
	if err != nil {
		r.logger.Printf("calls: failed to list calls: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleGetCallEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("callId")

	events, err := r.eventLog.List(req.Context(), id, 500)
	if err != nil {
		r.logger.Printf("calls: failed to list events for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleDeleteCall removes a call from durable history. Live sessions are
// left to expire on their own.
func (r *Router) handleDeleteCall(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	id := req.PathValue("callId")
	if err := r.store.DeleteCall(req.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		r.logger.Printf("calls: failed to delete call %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeCallError maps initiator errors onto HTTP statuses.
func (r *Router) writeCallError(w http.ResponseWriter, req *http.Request, err error) {
	var provErr *calls.ProviderError
	switch {
	case errors.Is(err, calls.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, calls.ErrUnknownCall):
		writeError(w, http.StatusNotFound, "call not found")
	case errors.As(err, &provErr):
		captureError(req, err, "calls: provider error")
		if provErr.Timeout {
			writeError(w, http.StatusGatewayTimeout, "telephony provider timed out")
			return
		}
		writeError(w, http.StatusBadGateway, "telephony provider rejected the call")
	default:
		captureError(req, err, "calls: internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

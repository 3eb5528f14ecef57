package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/lukasbauer/callbridge/internal/calls"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTwilioStatus feeds a status callback to the ingestor. Twilio signs
// the public URL it called, so the signed URL is rebuilt from
// PublicBaseURL rather than from the Host header a proxy may rewrite.
func (r *Router) handleTwilioStatus(w http.ResponseWriter, req *http.Request) {
	// A body that does not parse cannot carry a valid signature.
	if err := req.ParseForm(); err != nil {
		http.Error(w, `{"error": "invalid signature"}`, http.StatusUnauthorized)
		return
	}

	fullURL := strings.TrimRight(r.cfg.PublicBaseURL, "/") + req.URL.RequestURI()
	result, err := r.ingestor.Ingest(fullURL, req.PostForm, req.Header.Get("X-Twilio-Signature"))
	if err != nil {
		http.Error(w, `{"error": "invalid signature"}`, http.StatusUnauthorized)
		return
	}

	// Everything but a bad signature answers 200 so Twilio does not retry.
	if result == calls.UnknownCall || result == calls.Unrecognized {
		r.logger.Printf("status: ignored callback for %s", req.PostForm.Get("CallSid"))
	}
	w.WriteHeader(http.StatusOK)
}

// handleMediaWS accepts Twilio's media stream and hands it to the bridge.
func (r *Router) handleMediaWS(w http.ResponseWriter, req *http.Request) {
	if !r.calls.Add() {
		r.logger.Println("media_ws: rejecting stream, server is draining")
		http.Error(w, `{"error": "server is draining"}`, http.StatusServiceUnavailable)
		return
	}
	defer r.calls.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("media_ws: upgrade failed: %v", err)
		return
	}

	// The hijacked request's context no longer tracks the connection; the
	// bridge ends when the stream closes.
	r.bridge.Serve(context.WithoutCancel(req.Context()), conn)
}

package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/callbridge/internal/bridge"
	"github.com/lukasbauer/callbridge/internal/calls"
	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/store"
)

type RouterConfig struct {
	PublicBaseURL string

	// JWT Authentication. An empty secret disables auth on /api routes;
	// config loading refuses that in production.
	JWTSecret string
}

// Deps are the components the router serves. Store and EventLog are nil
// when no database is configured.
type Deps struct {
	Sessions  *callstate.Store
	Initiator *calls.Initiator
	Ingestor  *calls.Ingestor
	Bridge    *bridge.Bridge
	Calls     *CallRegistry
	Store     *store.Store
	EventLog  *eventlog.Logger
}

type Router struct {
	cfg       RouterConfig
	logger    *log.Logger
	sessions  *callstate.Store
	initiator *calls.Initiator
	ingestor  *calls.Ingestor
	bridge    *bridge.Bridge
	calls     *CallRegistry
	store     *store.Store
	eventLog  *eventlog.Logger
	mux       *http.ServeMux
}

func NewRouter(cfg RouterConfig, deps Deps, logger *log.Logger) http.Handler {
	if cfg.JWTSecret == "" {
		logger.Println("SECURITY: JWT_SECRET not set, /api routes accept unauthenticated requests")
	}
	if deps.Calls == nil {
		deps.Calls = NewCallRegistry()
	}

	r := &Router{
		cfg:       cfg,
		logger:    logger,
		sessions:  deps.Sessions,
		initiator: deps.Initiator,
		ingestor:  deps.Ingestor,
		bridge:    deps.Bridge,
		calls:     deps.Calls,
		store:     deps.Store,
		eventLog:  deps.EventLog,
		mux:       http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)

	// Twilio webhooks (no auth - signature verified)
	r.mux.HandleFunc("POST /telephony/status", r.handleTwilioStatus)
	r.mux.HandleFunc("GET /media", r.handleMediaWS)

	// Calls
	r.mux.HandleFunc("POST /api/calls", r.withAuth(r.handlePlaceCall))
	r.mux.HandleFunc("GET /api/calls", r.withAuth(r.handleListCalls))
	r.mux.HandleFunc("GET /api/calls/{callId}", r.withAuth(r.handleGetCall))
	r.mux.HandleFunc("GET /api/calls/{callId}/events", r.withAuth(r.handleGetCallEvents))
	r.mux.HandleFunc("POST /api/calls/{callId}/hangup", r.withAuth(r.handleHangupCall))
	r.mux.HandleFunc("DELETE /api/calls/{callId}", r.withAuth(r.handleDeleteCall))

	// Push notifications
	r.mux.HandleFunc("POST /api/push/register", r.withAuth(r.handlePushRegister))
	r.mux.HandleFunc("POST /api/push/unregister", r.withAuth(r.handlePushUnregister))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

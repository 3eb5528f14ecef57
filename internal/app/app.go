package app

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/callbridge/internal/agent"
	"github.com/lukasbauer/callbridge/internal/bridge"
	"github.com/lukasbauer/callbridge/internal/calls"
	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/httpapi"
	"github.com/lukasbauer/callbridge/internal/jobs"
	"github.com/lukasbauer/callbridge/internal/llm"
	"github.com/lukasbauer/callbridge/internal/notifications"
	"github.com/lukasbauer/callbridge/internal/outcome"
	"github.com/lukasbauer/callbridge/internal/store"
	"github.com/lukasbauer/callbridge/internal/twilio"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	sessions *callstate.Store
	twilio   *twilio.Client
	profiles *agent.Profiles
	finisher *jobs.CallFinisher
	sweeper  *jobs.SessionSweeper
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.store = store.New(db)
		a.eventLog = eventlog.New(db)
		if err := a.store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		logger.Println("DATABASE_URL not set, call history and event log disabled")
	}

	if cfg.AgentProfilesFile != "" {
		p, err := agent.LoadProfiles(cfg.AgentProfilesFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.profiles = p
	}

	// Shared HTTP client with connection pooling for the Twilio REST API.
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10, // api.twilio.com is single host
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	a.twilio = twilio.NewClient(twilio.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		BaseURL:    cfg.TwilioAPIBaseURL,
		HTTPClient: httpClient,
	})

	a.sessions = callstate.NewStore(callstate.WithRetention(callstate.Retention{
		Terminal:   cfg.SessionRetention,
		Stale:      callstate.DefaultRetention.Stale,
		MaxEntries: cfg.SessionMaxEntries,
	}))

	// Live outcome extraction on every transcript line.
	a.sessions.OnTranscript(outcome.NewWatcher(outcome.Heuristic{}, a.sessions, logger).OnLine)

	// Post-call processing on the first terminal transition.
	a.finisher = a.newFinisher()
	a.sessions.OnTerminal(a.finisher.OnTerminal)

	sweeper, err := jobs.NewSessionSweeper(a.sessions, cfg.SessionSweepSchedule, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sweeper = sweeper

	return a, nil
}

func (a *App) newFinisher() *jobs.CallFinisher {
	deps := jobs.FinisherDeps{
		Sessions: a.sessions,
		Notifiers: []jobs.Notifier{
			notifications.NewDiscord(a.cfg.DiscordWebhookURL, a.logger),
			notifications.NewSMSClient(notifications.SMSConfig{
				SenderNumber: a.cfg.TwilioFromNumber,
				Recipient:    a.cfg.SMSSummaryTo,
			}, a.twilio, a.logger),
		},
		Events: a.eventLog,
	}
	if a.cfg.OpenAIAPIKey != "" {
		deps.Extractor = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey: a.cfg.OpenAIAPIKey,
			Model:  a.cfg.AnalysisModel,
		})
	}
	if a.store != nil {
		deps.Recorder = a.store
	}

	apnsClient, err := notifications.NewAPNsClient(notifications.APNsConfig{
		KeyPath:    a.cfg.APNsKeyPath,
		KeyID:      a.cfg.APNsKeyID,
		TeamID:     a.cfg.APNsTeamID,
		BundleID:   a.cfg.APNsBundleID,
		Production: a.cfg.APNsProduction,
	}, a.logger)
	if err != nil {
		a.logger.Printf("Warning: APNs client initialization failed: %v", err)
	}
	if apnsClient != nil {
		deps.Pusher = apnsClient
	}

	return jobs.NewCallFinisher(jobs.FinisherConfig{
		SettleDelay:  a.cfg.PostCallDelay,
		DeviceTokens: a.cfg.APNsDeviceTokens,
	}, deps, a.logger)
}

func (a *App) Router(registry *httpapi.CallRegistry) http.Handler {
	initiator := calls.NewInitiator(calls.InitiatorConfig{
		FromNumber:       a.cfg.TwilioFromNumber,
		PublicBaseURL:    a.cfg.PublicBaseURL,
		AcceptTimeout:    a.cfg.CallAcceptTimeout,
		RingTimeout:      a.cfg.RingTimeoutSec,
		MachineDetection: a.cfg.MachineDetection,
	}, a.twilio, a.sessions, a.eventLog, a.logger)

	verifier := twilio.NewSignatureVerifier(a.cfg.TwilioAuthToken, !a.cfg.IsProduction(), a.logger)
	ingestor := calls.NewIngestor(verifier, a.sessions, a.twilio, a.eventLog, a.logger)

	deps := bridge.Deps{
		Sessions: a.sessions,
		Dialer: agent.NewRealtimeDialer(agent.RealtimeConfig{
			APIKey: a.cfg.OpenAIAPIKey,
			Model:  a.cfg.RealtimeModel,
			Voice:  a.cfg.RealtimeVoice,
		}, a.logger),
		Hanger: a.twilio,
		Events: a.eventLog,
	}
	if a.profiles != nil {
		deps.Briefer = a.profiles
	}
	b := bridge.New(bridge.Config{
		IdleTimeout:     a.cfg.StreamIdleTimeout,
		MaxDuration:     a.cfg.MaxCallDuration,
		DisconnectGrace: a.cfg.DisconnectGrace,
	}, deps, a.logger)

	return httpapi.NewRouter(httpapi.RouterConfig{
		PublicBaseURL: a.cfg.PublicBaseURL,
		JWTSecret:     a.cfg.JWTSecret,
	}, httpapi.Deps{
		Sessions:  a.sessions,
		Initiator: initiator,
		Ingestor:  ingestor,
		Bridge:    b,
		Calls:     registry,
		Store:     a.store,
		EventLog:  a.eventLog,
	}, a.logger)
}

// StartJobs starts background jobs.
func (a *App) StartJobs() {
	a.sweeper.Start()
}

// StopJobs stops background jobs and waits for post-call work in flight.
func (a *App) StopJobs() {
	a.sweeper.Stop()
	a.finisher.Wait()
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}

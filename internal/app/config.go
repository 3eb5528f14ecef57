package app

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	Environment   string
	DatabaseURL   string // optional; without it calls are kept in memory only
	SentryDSN     string

	// Twilio
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioAPIBaseURL string
	MachineDetection string // "", "Enable" or "DetectMessageEnd"
	RingTimeoutSec   int

	// Speech agent (OpenAI Realtime) and post-call analysis
	OpenAIAPIKey      string
	RealtimeModel     string
	RealtimeVoice     string
	AnalysisModel     string
	AgentProfilesFile string

	// Call timing
	CallAcceptTimeout time.Duration
	StreamIdleTimeout time.Duration
	MaxCallDuration   time.Duration
	DisconnectGrace   time.Duration
	PostCallDelay     time.Duration

	// Session store
	SessionRetention     time.Duration
	SessionMaxEntries    int
	SessionSweepSchedule string

	// JWT Authentication
	JWTSecret string

	// Notifications
	DiscordWebhookURL string
	SMSSummaryTo      string

	// APNs Push Notifications
	APNsKeyPath      string
	APNsKeyID        string
	APNsTeamID       string
	APNsBundleID     string
	APNsProduction   bool
	APNsDeviceTokens []string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		Environment:   getenv("ENVIRONMENT", EnvProduction), // permissive modes need an explicit "development"
		DatabaseURL:   getenv("DATABASE_URL", ""),
		SentryDSN:     getenv("SENTRY_DSN", ""),

		// Twilio
		TwilioAccountSID: getenv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"), // Required in production
		TwilioFromNumber: getenv("TWILIO_FROM_NUMBER", ""),
		TwilioAPIBaseURL: getenv("TWILIO_API_BASE_URL", ""),
		MachineDetection: getenv("TWILIO_MACHINE_DETECTION", "Enable"),
		RingTimeoutSec:   getenvIntClamped("TWILIO_RING_TIMEOUT", 30, 5, 600),

		// Speech agent
		OpenAIAPIKey:      getenv("OPENAI_API_KEY", ""),
		RealtimeModel:     getenv("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:     getenv("REALTIME_VOICE", "alloy"),
		AnalysisModel:     getenv("ANALYSIS_MODEL", "gpt-4o-mini"),
		AgentProfilesFile: getenv("AGENT_PROFILES_FILE", ""),

		// Call timing
		CallAcceptTimeout: getenvDuration("CALL_ACCEPT_TIMEOUT", 15*time.Second),
		StreamIdleTimeout: getenvDuration("STREAM_IDLE_TIMEOUT", 30*time.Second),
		MaxCallDuration:   getenvDuration("MAX_CALL_DURATION", 10*time.Minute),
		DisconnectGrace:   getenvDuration("DISCONNECT_GRACE", 5*time.Second),
		PostCallDelay:     getenvDuration("POST_CALL_DELAY", 3*time.Second),

		// Session store
		SessionRetention:     getenvDuration("SESSION_RETENTION", 30*time.Minute),
		SessionMaxEntries:    getenvIntClamped("SESSION_MAX_ENTRIES", 10000, 100, 1000000),
		SessionSweepSchedule: getenv("SESSION_SWEEP_SCHEDULE", "@every 1m"),

		// JWT Authentication
		JWTSecret: os.Getenv("JWT_SECRET"), // Required in production - no fallback

		// Notifications
		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
		SMSSummaryTo:      getenv("SMS_SUMMARY_TO", ""),

		// APNs
		APNsKeyPath:      getenv("APNS_KEY_PATH", ""),
		APNsKeyID:        getenv("APNS_KEY_ID", ""),
		APNsTeamID:       getenv("APNS_TEAM_ID", ""),
		APNsBundleID:     getenv("APNS_BUNDLE_ID", ""),
		APNsProduction:   getenv("APNS_PRODUCTION", "") == "true",
		APNsDeviceTokens: parseList(os.Getenv("APNS_DEVICE_TOKENS")),
	}
}

// IsProduction is true for every environment except "development".
func (c Config) IsProduction() bool {
	return c.Environment != EnvDevelopment
}

// Validate refuses configurations that would run a production server with
// unauthenticated webhooks or API.
func (c Config) Validate() error {
	var errs []error
	if c.IsProduction() {
		if c.TwilioAuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
		if !strings.HasPrefix(c.PublicBaseURL, "https://") {
			errs = append(errs, errors.New("PUBLIC_BASE_URL must be https in production"))
		}
	}
	if c.TwilioAccountSID == "" || c.TwilioFromNumber == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_FROM_NUMBER are required"))
	}
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	return errors.Join(errs...)
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped reads an int, falling back to def when unset or invalid
// and clamping the result to [min, max].
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// getenvDuration accepts Go durations ("90s") and plain seconds ("90").
func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of call event
type EventType string

const (
	EventCallPlaced        EventType = "call_placed"
	EventStatusChanged     EventType = "status_changed"
	EventSignatureRejected EventType = "signature_rejected"
	EventStreamStarted     EventType = "stream_started"
	EventAgentConnected    EventType = "agent_connected"
	EventAgentError        EventType = "agent_error"
	EventBargeIn           EventType = "barge_in"
	EventAgentHangup       EventType = "agent_hangup"
	EventOperatorHangup    EventType = "operator_hangup"
	EventIdleTimeout       EventType = "idle_timeout"
	EventMaxDuration       EventType = "max_duration"
	EventOutcomeFound      EventType = "outcome_found"
	EventBridgeClosed      EventType = "bridge_closed"
	EventCallEnded         EventType = "call_ended"
)

// Event is a stored call event.
type Event struct {
	ID        string          `json:"id"`
	CallID    string          `json:"callId"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger. A nil pool makes every call a no-op.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, callID string, eventType EventType, data map[string]any) error {
	if l == nil || l.db == nil || callID == "" {
		return nil // Silently skip if no DB or call ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO call_events (id, call_id, event_type, event_data)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), callID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(callID string, eventType EventType, data map[string]any) {
	if l == nil || l.db == nil || callID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, callID, eventType, data)
	}()
}

// List returns the events for a call, oldest first.
func (l *Logger) List(ctx context.Context, callID string, limit int) ([]Event, error) {
	if l == nil || l.db == nil {
		return []Event{}, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	rows, err := l.db.Query(ctx, `
		SELECT id, call_id, event_type, event_data, created_at
		FROM call_events
		WHERE call_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &e.CallID, &typ, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/callbridge/internal/callstate"
	"github.com/lukasbauer/callbridge/internal/costs"
)

// ErrNotFound is returned when a call has no durable record.
var ErrNotFound = errors.New("store: not found")

//go:embed schema.sql
var schema string

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate creates the tables the store and the event log use.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CallSummary is one row of the call history list.
type CallSummary struct {
	CallID            string           `json:"callId"`
	BusinessName      string           `json:"businessName"`
	DestinationNumber string           `json:"destinationNumber"`
	Status            callstate.Status `json:"status"`
	EndReason         string           `json:"endReason,omitempty"`
	StartTime         *time.Time       `json:"startTime"`
	EndTime           *time.Time       `json:"endTime"`
	DurationSeconds   int              `json:"durationSeconds"`
	CostCents         int              `json:"costCents"`
}

// SaveCall writes a finished session and its transcript. Saving the same
// call twice replaces the earlier record.
func (s *Store) SaveCall(ctx context.Context, sess callstate.Session, c costs.CallCosts) error {
	quoteJSON, err := nullableJSON(sess.Quote)
	if err != nil {
		return err
	}
	apptJSON, err := nullableJSON(sess.Appointment)
	if err != nil {
		return err
	}
	costsJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal costs: %w", err)
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO calls (
				call_id, business_name, destination_number, user_request, category, caller_context,
				status, end_reason, quote, appointment, started_at, answered_at, ended_at,
				duration_seconds, cost_cents, costs
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (call_id) DO UPDATE SET
				status = EXCLUDED.status,
				end_reason = EXCLUDED.end_reason,
				quote = EXCLUDED.quote,
				appointment = EXCLUDED.appointment,
				answered_at = EXCLUDED.answered_at,
				ended_at = EXCLUDED.ended_at,
				duration_seconds = EXCLUDED.duration_seconds,
				cost_cents = EXCLUDED.cost_cents,
				costs = EXCLUDED.costs,
				updated_at = NOW()
		`, sess.CallID, sess.Context.BusinessName, sess.Context.DestinationNumber, sess.Context.UserRequest,
			sess.Context.Category, sess.Context.CallerContext, string(sess.Status), sess.EndReason,
			quoteJSON, apptJSON, sess.StartTime, sess.AnsweredAt, sess.EndTime,
			sess.DurationSeconds, c.TotalCostCents, costsJSON)
		if err != nil {
			return fmt.Errorf("failed to upsert call: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM call_transcripts WHERE call_id = $1`, sess.CallID); err != nil {
			return fmt.Errorf("failed to clear transcript: %w", err)
		}
		if len(sess.Transcript) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, line := range sess.Transcript {
			batch.Queue(`
				INSERT INTO call_transcripts (call_id, sequence, speaker, text, spoken_at)
				VALUES ($1, $2, $3, $4, $5)
			`, sess.CallID, i, string(line.Speaker), line.Text, line.Timestamp)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert transcript: %w", err)
		}
		return nil
	})
}

// GetCall loads a durable call record in the same shape as a live session.
func (s *Store) GetCall(ctx context.Context, callID string) (callstate.Session, error) {
	var (
		sess      callstate.Session
		status    string
		quoteJSON []byte
		apptJSON  []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT call_id, business_name, destination_number, user_request, category, caller_context,
		       status, end_reason, quote, appointment, started_at, answered_at, ended_at, duration_seconds
		FROM calls
		WHERE call_id = $1
	`, callID).Scan(
		&sess.CallID, &sess.Context.BusinessName, &sess.Context.DestinationNumber, &sess.Context.UserRequest,
		&sess.Context.Category, &sess.Context.CallerContext, &status, &sess.EndReason,
		&quoteJSON, &apptJSON, &sess.StartTime, &sess.AnsweredAt, &sess.EndTime, &sess.DurationSeconds,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return callstate.Session{}, ErrNotFound
	}
	if err != nil {
		return callstate.Session{}, err
	}
	sess.Status = callstate.Status(status)

	if len(quoteJSON) > 0 {
		var q callstate.Quote
		if err := json.Unmarshal(quoteJSON, &q); err == nil {
			sess.Quote = &q
		}
	}
	if len(apptJSON) > 0 {
		var a callstate.Appointment
		if err := json.Unmarshal(apptJSON, &a); err == nil {
			sess.Appointment = &a
		}
	}

	rows, err := s.db.Query(ctx, `
		SELECT speaker, text, spoken_at
		FROM call_transcripts
		WHERE call_id = $1
		ORDER BY sequence ASC
	`, callID)
	if err != nil {
		return callstate.Session{}, err
	}
	defer rows.Close()

	sess.Transcript = []callstate.TranscriptLine{}
	for rows.Next() {
		var line callstate.TranscriptLine
		var speaker string
		if err := rows.Scan(&speaker, &line.Text, &line.Timestamp); err != nil {
			return callstate.Session{}, err
		}
		line.Speaker = callstate.Speaker(speaker)
		sess.Transcript = append(sess.Transcript, line)
	}
	return sess, rows.Err()
}

// ListCalls returns the most recent calls, newest first.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]CallSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT call_id, business_name, destination_number, status, end_reason,
		       started_at, ended_at, duration_seconds, cost_cents
		FROM calls
		ORDER BY started_at DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CallSummary{}
	for rows.Next() {
		var c CallSummary
		var status string
		if err := rows.Scan(&c.CallID, &c.BusinessName, &c.DestinationNumber, &status, &c.EndReason,
			&c.StartTime, &c.EndTime, &c.DurationSeconds, &c.CostCents); err != nil {
			return nil, err
		}
		c.Status = callstate.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCall removes a call record and its transcript.
func (s *Store) DeleteCall(ctx context.Context, callID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM calls WHERE call_id = $1`, callID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case *callstate.Quote:
		if t == nil {
			return nil, nil
		}
	case *callstate.Appointment:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return b, nil
}

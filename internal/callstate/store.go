package callstate

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TranscriptHook runs after a line is appended. It is called outside the
// session lock and may call back into the store.
type TranscriptHook func(callID string, line TranscriptLine)

// TerminalHook runs exactly once per session, after its first terminal
// transition.
type TerminalHook func(s Session)

// Retention bounds how long sessions stay in memory.
type Retention struct {
	// Terminal sessions are evicted this long after they ended.
	Terminal time.Duration
	// Sessions that never reach a terminal status are evicted this long
	// after their last change.
	Stale time.Duration
	// MaxEntries caps the number of sessions held. When exceeded, the
	// oldest terminal sessions are evicted first. Live calls are never
	// evicted to satisfy the cap.
	MaxEntries int
}

var DefaultRetention = Retention{
	Terminal:   30 * time.Minute,
	Stale:      2 * time.Hour,
	MaxEntries: 10000,
}

type entry struct {
	mu            sync.Mutex
	s             Session
	updated       time.Time
	terminalFired bool
}

// Store holds live call sessions keyed by call id. Each session has its own
// lock; operations on different calls never contend.
type Store struct {
	entries   sync.Map // call id -> *entry
	count     atomic.Int64
	now       func() time.Time
	retention Retention

	hooksMu      sync.RWMutex
	onTranscript []TranscriptHook
	onTerminal   []TerminalHook
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithRetention(r Retention) Option {
	return func(s *Store) { s.retention = r }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:       func() time.Time { return time.Now().UTC() },
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnTranscript registers a hook for appended transcript lines.
func (s *Store) OnTranscript(h TranscriptHook) {
	s.hooksMu.Lock()
	s.onTranscript = append(s.onTranscript, h)
	s.hooksMu.Unlock()
}

// OnTerminal registers a hook for the first terminal transition of a session.
func (s *Store) OnTerminal(h TerminalHook) {
	s.hooksMu.Lock()
	s.onTerminal = append(s.onTerminal, h)
	s.hooksMu.Unlock()
}

// Create registers a new session in status queued. If a session already
// exists for callID it is returned unchanged and created is false.
func (s *Store) Create(callID string, ctx CallContext) (sess Session, created bool) {
	now := s.now()
	e := &entry{
		s: Session{
			CallID:     callID,
			Status:     StatusQueued,
			Context:    ctx,
			Transcript: []TranscriptLine{},
			StartTime:  &now,
		},
		updated: now,
	}
	actual, loaded := s.entries.LoadOrStore(callID, e)
	if !loaded {
		s.count.Add(1)
	}
	existing := actual.(*entry)
	existing.mu.Lock()
	defer existing.mu.Unlock()
	return existing.s.clone(), !loaded
}

// Get returns a copy of the session for callID.
func (s *Store) Get(callID string) (Session, bool) {
	v, ok := s.entries.Load(callID)
	if !ok {
		return Session{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), true
}

// Apply applies ev to the session for callID. Unknown ids are ignored.
// It reports whether the session changed.
func (s *Store) Apply(callID string, ev Event) bool {
	v, ok := s.entries.Load(callID)
	if !ok {
		return false
	}
	e := v.(*entry)

	now := s.now()
	e.mu.Lock()
	res := ev.apply(&e.s, now)
	if res.changed {
		e.updated = now
	}
	var finished *Session
	if res.terminal && !e.terminalFired {
		e.terminalFired = true
		snap := e.s.clone()
		finished = &snap
	}
	e.mu.Unlock()

	if res.line != nil {
		s.hooksMu.RLock()
		hooks := s.onTranscript
		s.hooksMu.RUnlock()
		for _, h := range hooks {
			h(callID, *res.line)
		}
	}
	if finished != nil {
		s.hooksMu.RLock()
		hooks := s.onTerminal
		s.hooksMu.RUnlock()
		for _, h := range hooks {
			h(*finished)
		}
	}
	return res.changed
}

// SetStatus moves callID to status. endedAt is used as the end time on a
// terminal transition; the zero time means now.
func (s *Store) SetStatus(callID string, status Status, endedAt time.Time, endReason string) bool {
	return s.Apply(callID, StatusChanged{Status: status, At: endedAt, EndReason: endReason})
}

// AppendTranscript appends one line to callID's transcript.
func (s *Store) AppendTranscript(callID string, line TranscriptLine) bool {
	return s.Apply(callID, TranscriptAppended{Line: line})
}

// SetOutcome records a quote and/or appointment for callID.
func (s *Store) SetOutcome(callID string, q *Quote, a *Appointment) bool {
	return s.Apply(callID, OutcomeFound{Quote: q, Appointment: a})
}

// Len returns the number of sessions held.
func (s *Store) Len() int { return int(s.count.Load()) }

// Sweep evicts sessions according to the store's retention policy and
// returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	r := s.retention
	removed := 0

	type ended struct {
		id  string
		end time.Time
	}
	var finished []ended

	s.entries.Range(func(k, v any) bool {
		id := k.(string)
		e := v.(*entry)
		e.mu.Lock()
		terminal := e.s.Status.Terminal()
		var end time.Time
		if e.s.EndTime != nil {
			end = *e.s.EndTime
		}
		updated := e.updated
		e.mu.Unlock()

		switch {
		case terminal && r.Terminal > 0 && now.Sub(end) > r.Terminal:
			if s.remove(id, v) {
				removed++
			}
		case !terminal && r.Stale > 0 && now.Sub(updated) > r.Stale:
			if s.remove(id, v) {
				removed++
			}
		case terminal:
			finished = append(finished, ended{id: id, end: end})
		}
		return true
	})

	if r.MaxEntries > 0 && s.Len() > r.MaxEntries {
		sort.Slice(finished, func(i, j int) bool { return finished[i].end.Before(finished[j].end) })
		for _, f := range finished {
			if s.Len() <= r.MaxEntries {
				break
			}
			if v, ok := s.entries.Load(f.id); ok && s.remove(f.id, v) {
				removed++
			}
		}
	}
	return removed
}

func (s *Store) remove(id string, v any) bool {
	if s.entries.CompareAndDelete(id, v) {
		s.count.Add(-1)
		return true
	}
	return false
}

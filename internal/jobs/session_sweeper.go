package jobs

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts standard 5-field expressions and descriptors such as "@every 1m".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper is the session store's eviction entry point.
type Sweeper interface {
	Sweep() int
	Len() int
}

// SessionSweeper evicts finished and abandoned sessions on a schedule.
type SessionSweeper struct {
	sessions Sweeper
	schedule cron.Schedule
	spec     string
	logger   *log.Logger
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSessionSweeper parses spec and returns a sweeper that has not started yet.
func NewSessionSweeper(sessions Sweeper, spec string, logger *log.Logger) (*SessionSweeper, error) {
	if spec == "" {
		spec = "@every 1m"
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return &SessionSweeper{
		sessions: sessions,
		schedule: sched,
		spec:     spec,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins the background job.
func (j *SessionSweeper) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("jobs: session sweeper started (schedule=%s)", j.spec)
}

// Stop gracefully stops the background job.
func (j *SessionSweeper) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("jobs: session sweeper stopped")
}

// Next returns when the sweeper fires after t.
func (j *SessionSweeper) Next(t time.Time) time.Time {
	return j.schedule.Next(t)
}

func (j *SessionSweeper) run() {
	defer j.wg.Done()

	for {
		now := j.now()
		wait := j.schedule.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-timer.C:
			j.RunOnce()
		case <-j.stopCh:
			timer.Stop()
			return
		}
	}
}

// RunOnce sweeps immediately and returns how many sessions were evicted.
func (j *SessionSweeper) RunOnce() int {
	removed := j.sessions.Sweep()
	if removed > 0 {
		j.logger.Printf("jobs: evicted %d sessions (%d remain)", removed, j.sessions.Len())
	}
	return removed
}

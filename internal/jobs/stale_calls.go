package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tomasrezac/vera/internal/store"
)

// StaleCallsJob closes out call records that stopped receiving webhooks:
// calls never answered stay in initiated, and calls whose webhook stream
// died mid-conversation stay in in_progress forever. It runs on a
// configurable interval (default: 1 minute) and moves them to no_answer
// and failed respectively.
type StaleCallsJob struct {
	store    *store.Store
	logger   *log.Logger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

const (
	// A call still unanswered two minutes after dialing (ring timeout is
	// thirty seconds) is never going to connect.
	initiatedTTL = 2 * time.Minute
	// Active conversations turn over every few seconds of speech; an
	// hour without a terminal status means the stream is gone.
	inProgressTTL = 1 * time.Hour
)

// NewStaleCallsJob creates a new stale call sweeper.
func NewStaleCallsJob(s *store.Store, logger *log.Logger, interval time.Duration) *StaleCallsJob {
	if interval == 0 {
		interval = 1 * time.Minute
	}
	return &StaleCallsJob{
		store:    s,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background job.
func (j *StaleCallsJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("StaleCallsJob: started (interval=%v)", j.interval)
}

// Stop gracefully stops the background job.
func (j *StaleCallsJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("StaleCallsJob: stopped")
}

func (j *StaleCallsJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.sweep()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *StaleCallsJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := j.store.ReapStaleCalls(ctx, initiatedTTL, inProgressTTL)
	if err != nil {
		j.logger.Printf("StaleCallsJob: sweep failed: %v", err)
		return
	}
	if n > 0 {
		j.logger.Printf("StaleCallsJob: closed %d stale calls", n)
	}
}

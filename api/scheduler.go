/*
scheduler.go - Automated snapshot/archive pipeline scheduler

PURPOSE:
  Periodically runs the tier-migration pipeline in the background:
  a frequent snapshot sweep keeps the active tier small, and a much rarer
  archive sweep consolidates old snapshot rows into LEDGER checkpoints.

DESIGN:
  - Runs a background goroutine with a single ticker at the snapshot
    cadence; the archive sweep piggybacks on the same ticks and fires when
    its own interval has elapsed
  - One wallet per storage transaction, so a mid-sweep shutdown loses
    nothing and the next sweep picks up where this one stopped
  - The archive cutoff trails now by ArchiveAge, so recent snapshot rows
    stay queryable at full granularity

CONFIGURATION:
  - SnapshotInterval: snapshot sweep cadence (default: 24 hours)
  - ArchiveInterval:  archive sweep cadence (default: 30 days)
  - ArchiveAge:       minimum age before consolidation (default: 30 days)
  - Enabled:          whether the scheduler is active (default: true)

USAGE:
  scheduler := NewPipelineScheduler(pipe)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSnapshot / TriggerArchive (manual sweeps)
  - ledger/pipeline.go: the migrations themselves
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nosota/mwallet/ledger"
)

// PipelineScheduler drives the snapshot and archive sweeps.
type PipelineScheduler struct {
	Pipe             *ledger.Pipeline
	SnapshotInterval time.Duration
	ArchiveInterval  time.Duration
	ArchiveAge       time.Duration
	Enabled          bool

	ticker      *time.Ticker
	stop        chan bool
	wg          sync.WaitGroup
	mu          sync.Mutex
	lastArchive time.Time
}

// NewPipelineScheduler creates a new scheduler with default cadences.
func NewPipelineScheduler(pipe *ledger.Pipeline) *PipelineScheduler {
	return &PipelineScheduler{
		Pipe:             pipe,
		SnapshotInterval: 24 * time.Hour,
		ArchiveInterval:  30 * 24 * time.Hour,
		ArchiveAge:       30 * 24 * time.Hour,
		Enabled:          true,
		stop:             make(chan bool),
	}
}

// Start begins the scheduler.
func (ps *PipelineScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	ps.ticker = time.NewTicker(ps.SnapshotInterval)
	ps.wg.Add(1)

	go ps.run()

	log.Printf("[Scheduler] Started: snapshot every %v, archive every %v (age %v)",
		ps.SnapshotInterval, ps.ArchiveInterval, ps.ArchiveAge)
}

// Stop stops the scheduler and waits for an in-flight sweep to finish.
func (ps *PipelineScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker != nil {
		ps.ticker.Stop()
		close(ps.stop)
		ps.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (ps *PipelineScheduler) run() {
	defer ps.wg.Done()

	for {
		select {
		case <-ps.ticker.C:
			ps.sweep()
		case <-ps.stop:
			return
		}
	}
}

func (ps *PipelineScheduler) sweep() {
	ctx := context.Background()

	moved, err := ps.Pipe.SnapshotAll(ctx)
	if err != nil {
		log.Printf("[Scheduler] Snapshot sweep failed: %v", err)
		return
	}
	if moved > 0 {
		log.Printf("[Scheduler] Snapshot sweep moved %d entries", moved)
	}

	now := time.Now().UTC()
	if now.Sub(ps.lastArchive) < ps.ArchiveInterval {
		return
	}
	archived, err := ps.Pipe.ArchiveAll(ctx, now.Add(-ps.ArchiveAge))
	if err != nil {
		log.Printf("[Scheduler] Archive sweep failed: %v", err)
		return
	}
	ps.lastArchive = now
	if archived > 0 {
		log.Printf("[Scheduler] Archive sweep consolidated %d entries", archived)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ps *PipelineScheduler) RunNow() {
	ps.sweep()
}

// ABOUTME: Idle session reaper driven by a cron schedule
// ABOUTME: Stops and evicts sessions unused for longer than the idle timeout

package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/2389/sigbot/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ParseSchedule validates a reaper cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing reap schedule %q: %w", expr, err)
	}
	return sched, nil
}

type reaper struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartReaper evicts idle sessions on the given cron schedule until ctx is
// done or the registry closes. It is a no-op when the idle timeout is zero.
func (r *Registry) StartReaper(ctx context.Context, schedule string) error {
	if r.idleTimeout <= 0 {
		return nil
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.reaper != nil {
		return fmt.Errorf("reaper already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	rp := &reaper{cancel: cancel}
	rp.wg.Add(1)
	go r.reapLoop(ctx, rp, sched)
	r.reaper = rp

	r.logger.Info("idle reaper started", "schedule", schedule, "idle_timeout", r.idleTimeout)
	return nil
}

func (r *Registry) stopReaper() {
	r.mu.Lock()
	rp := r.reaper
	r.reaper = nil
	r.mu.Unlock()
	if rp == nil {
		return
	}
	rp.cancel()
	rp.wg.Wait()
}

func (r *Registry) reapLoop(ctx context.Context, rp *reaper, sched cronlib.Schedule) {
	defer rp.wg.Done()

	for {
		now := time.Now()
		timer := time.NewTimer(sched.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case t := <-timer.C:
			if n := r.Reap(t); n > 0 {
				r.logger.Info("reaped idle bot sessions", "count", n, "live", r.Len())
			}
		}
	}
}

// Reap evicts every started session last used before now minus the idle
// timeout and returns how many it stopped.
func (r *Registry) Reap(now time.Time) int {
	if r.idleTimeout <= 0 {
		return 0
	}
	return r.evictIdle(r.idleEntries(now))
}

// idleEntries snapshots the started sessions idle as of now.
func (r *Registry) idleEntries(now time.Time) map[string]*entry {
	cutoff := now.Add(-r.idleTimeout)

	idle := make(map[string]*entry)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneTombstones(now)
	for id, e := range r.sessions {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.session != nil && e.session.LastUsed().Before(cutoff) {
			idle[id] = e
		}
	}
	return idle
}

// evictIdle evicts the snapshotted entries still cached and counts the
// sessions actually stopped. Entries evicted or replaced since the snapshot
// are skipped.
func (r *Registry) evictIdle(idle map[string]*entry) int {
	stopped := 0
	for id, e := range idle {
		if r.evictEntry(id, e, "idle") {
			stopped++
			r.audit(context.Background(), "", store.AuditEvictIdle, id, nil)
		}
	}
	return stopped
}

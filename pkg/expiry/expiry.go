// Package expiry decides whether stored entries are still visible and purges the ones that are
// not. Sweeping is advisory cleanup, not a correctness requirement: entries can expire between
// sweeps, so every read independently re-checks visibility. All comparisons go through the
// injected clock so tests can simulate time passage deterministically.

package expiry

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nobletooth/fig/pkg/blobstore"
	"github.com/nobletooth/fig/pkg/clock"
)

var defaultSweepInterval = flag.Duration("sweep_interval", time.Minute,
	"Minimum interval between lazy expiry sweeps of a namespace.")

var sweptEntriesMetric = promauto.NewCounter(prometheus.CounterOpts{
	Name: "expiry_swept_entries_total",
	Help: "The total number of expired entries removed by sweeps",
})

// Visible reports whether the entry may be served at `now`. An entry with no expiry never goes
// invisible; one with an expiry is visible strictly before it.
func Visible(entry blobstore.Entry, now time.Time) bool {
	return !entry.Expires() || entry.ExpiresAt.After(now)
}

// Sweeper purges invisible entries from a store. One sweeper serves one namespace.
type Sweeper struct {
	store       blobstore.Store
	clk         clock.Clock
	minInterval time.Duration

	mux       sync.Mutex
	lastSweep time.Time // Zero until the first sweep has run.
}

// NewSweeper is the constructor for Sweeper. A non-positive minInterval falls back to the
// --sweep_interval flag.
func NewSweeper(store blobstore.Store, clk clock.Clock, minInterval time.Duration) *Sweeper {
	if clk == nil {
		clk = clock.System{}
	}
	if minInterval <= 0 {
		minInterval = *defaultSweepInterval
	}
	return &Sweeper{store: store, clk: clk, minInterval: minInterval}
}

// Sweep enumerates all keys and deletes every entry that is no longer visible. It returns the
// number of entries removed. Individual failures don't abort the pass; they are joined and
// reported at the end.
func (s *Sweeper) Sweep() (int, error) {
	s.mux.Lock()
	s.lastSweep = s.clk.Now()
	s.mux.Unlock()

	keys, err := s.store.Keys("" /*prefix*/)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate keys for sweep: %w", err)
	}

	removed := 0
	var errs error
	for _, key := range keys {
		entry, err := s.store.Get(key)
		if errors.Is(err, blobstore.ErrKeyNotFound) {
			continue // Deleted since the snapshot was taken.
		}
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if Visible(entry, s.clk.Now()) {
			continue
		}
		if err := s.store.Delete(key); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		sweptEntriesMetric.Add(float64(removed))
		slog.Debug("Swept expired entries.", "removed", removed)
	}
	return removed, errs
}

// MaybeSweep runs a sweep when the minimum interval has elapsed since the last one. It is meant to
// be called from the read/write path; when no sweep is due it only costs a mutex check.
func (s *Sweeper) MaybeSweep() {
	s.mux.Lock()
	due := s.lastSweep.IsZero() || s.clk.Now().Sub(s.lastSweep) >= s.minInterval
	s.mux.Unlock()
	if !due {
		return
	}
	if _, err := s.Sweep(); err != nil {
		// Sweeping is advisory; reads stay correct through their own visibility checks.
		slog.Warn("Expiry sweep failed.", "error", err)
	}
}

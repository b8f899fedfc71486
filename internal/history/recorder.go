// Package history keeps the bounded log of connectivity transitions.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"vpnlink/internal/metrics"
	"vpnlink/internal/models"
	"vpnlink/internal/storage"
)

// StorageKey is the key the transition log is persisted under.
const StorageKey = "connectivity.history"

// Source exposes recorded transitions.
type Source interface {
	Latest() (models.Transition, bool)
	History() []models.Transition
	HistorySince(time.Time) []models.Transition
}

// Recorder stores the most recent transitions in memory and mirrors them to
// storage through a coalescing writer.
type Recorder struct {
	maxHistory int
	persist    *storage.Coalescer
	log        zerolog.Logger

	mu      sync.RWMutex
	history []models.Transition
}

// NewRecorder restores the log from store and keeps at most size entries.
// store may be nil for an in-memory log.
func NewRecorder(store storage.Store, size int, interval time.Duration, log zerolog.Logger) *Recorder {
	if size <= 0 {
		size = 2048
	}
	r := &Recorder{maxHistory: size, log: log}
	if store == nil {
		return r
	}

	var stored []models.Transition
	if _, err := storage.LoadJSON(store, StorageKey, &stored); err != nil {
		log.Warn().Err(err).Msg("discarding persisted transition history")
		stored = nil
	}
	for _, t := range stored {
		if t.At.IsZero() || t.To == "" {
			continue
		}
		r.history = append(r.history, t)
	}
	sort.SliceStable(r.history, func(i, j int) bool {
		return r.history[i].At.Before(r.history[j].At)
	})
	r.trimLocked()

	r.persist = storage.NewCoalescer(store, StorageKey, interval, func(err error) {
		metrics.PersistErrors.WithLabelValues(StorageKey).Inc()
		log.Warn().Err(err).Msg("persist transition history")
	})
	return r
}

// Record appends a transition.
func (r *Recorder) Record(t models.Transition) {
	r.mu.Lock()
	r.history = append(r.history, t)
	r.trimLocked()
	var data []byte
	var err error
	if r.persist != nil {
		data, err = json.Marshal(r.history)
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn().Err(err).Msg("encode transition history")
		return
	}
	if data != nil {
		r.persist.Write(data)
	}
}

func (r *Recorder) trimLocked() {
	if len(r.history) > r.maxHistory {
		r.history = append([]models.Transition(nil), r.history[len(r.history)-r.maxHistory:]...)
	}
}

// Latest returns the most recent transition.
func (r *Recorder) Latest() (models.Transition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.history) == 0 {
		return models.Transition{}, false
	}
	return r.history[len(r.history)-1], true
}

// History returns every retained transition, oldest first.
func (r *Recorder) History() []models.Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.history) == 0 {
		return nil
	}
	out := make([]models.Transition, len(r.history))
	copy(out, r.history)
	return out
}

// HistorySince returns transitions whose timestamp is >= cutoff.
func (r *Recorder) HistorySince(cutoff time.Time) []models.Transition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.history) == 0 {
		return nil
	}
	if cutoff.IsZero() {
		out := make([]models.Transition, len(r.history))
		copy(out, r.history)
		return out
	}

	idx := sort.Search(len(r.history), func(i int) bool {
		return !r.history[i].At.Before(cutoff)
	})
	if idx >= len(r.history) {
		return nil
	}
	out := make([]models.Transition, len(r.history)-idx)
	copy(out, r.history[idx:])
	return out
}

// Close flushes pending writes.
func (r *Recorder) Close() {
	if r.persist != nil {
		r.persist.Close()
	}
}

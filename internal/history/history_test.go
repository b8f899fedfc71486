package history

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnlink/internal/models"
	"vpnlink/internal/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tr(offset time.Duration, from, to, event string) models.Transition {
	return models.Transition{From: from, To: to, Event: event, At: base.Add(offset)}
}

func TestRecorderBoundsHistory(t *testing.T) {
	r := NewRecorder(nil, 3, 0, zerolog.Nop())
	for i := 0; i < 5; i++ {
		r.Record(tr(time.Duration(i)*time.Second, "idle", "connectingIdle", "connectRequested"))
	}
	h := r.History()
	require.Len(t, h, 3)
	assert.Equal(t, base.Add(2*time.Second), h[0].At)

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, base.Add(4*time.Second), latest.At)
}

func TestRecorderHistorySince(t *testing.T) {
	r := NewRecorder(nil, 10, 0, zerolog.Nop())
	for i := 0; i < 4; i++ {
		r.Record(tr(time.Duration(i)*time.Minute, "a", "b", "e"))
	}
	assert.Len(t, r.HistorySince(base.Add(2*time.Minute)), 2)
	assert.Len(t, r.HistorySince(time.Time{}), 4)
	assert.Nil(t, r.HistorySince(base.Add(time.Hour)))

	empty := NewRecorder(nil, 10, 0, zerolog.Nop())
	_, ok := empty.Latest()
	assert.False(t, ok)
	assert.Nil(t, empty.History())
}

func TestRecorderPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRecorder(store, 10, time.Hour, zerolog.Nop())
	r.Record(tr(0, "idle", "connectingIdle", "connectRequested"))
	r.Record(tr(time.Second, "connectingIdle", "connected", "transportOpened"))
	r.Close()

	restored := NewRecorder(store, 10, 0, zerolog.Nop())
	h := restored.History()
	require.Len(t, h, 2)
	assert.Equal(t, "connected", h[1].To)
}

func TestRecorderIgnoresCorruptHistory(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(StorageKey, []byte(`{"not":"a list"}`)))

	r := NewRecorder(store, 10, 0, zerolog.Nop())
	assert.Empty(t, r.History())
}

func TestBuildTimeline(t *testing.T) {
	entries := []models.Transition{
		tr(-time.Hour, "idle", "connectingIdle", "connectRequested"),
		tr(-time.Hour+time.Second, "connectingIdle", "connected", "transportOpened"),
		tr(25*time.Minute, "connected", "disconnectedRetrying", "transportClosedOrErrored"),
		tr(26*time.Minute, "disconnectedRetrying", "connectingRetrying", "retryTimerFired"),
		tr(27*time.Minute, "connectingRetrying", "connected", "transportOpened"),
		tr(45*time.Minute, "connected", "disconnectedIdle", "disconnectRequested"),
	}
	points := BuildTimeline(entries, base, base.Add(time.Hour), 6)
	require.Len(t, points, 6)

	assert.Equal(t, "state-success", points[0].ClassName)
	assert.Nil(t, points[0].Details)
	assert.Equal(t, "state-success", points[1].ClassName)
	assert.Equal(t, "state-error", points[2].ClassName)
	assert.Equal(t, "Reconnecting", points[2].Label)
	assert.Len(t, points[2].Details, 2)
	assert.Equal(t, "state-success", points[3].ClassName)
	assert.Equal(t, "state-success", points[4].ClassName, "connected until the disconnect inside the bucket")
	assert.Equal(t, "state-idle", points[5].ClassName)
	assert.Equal(t, base.Add(time.Hour), points[5].End)
}

func TestBuildTimelineWithoutData(t *testing.T) {
	points := BuildTimeline(nil, base, base.Add(time.Hour), 0)
	require.Len(t, points, DefaultTimelinePoints)
	for _, p := range points {
		assert.Equal(t, "state-missing", p.ClassName)
	}
}

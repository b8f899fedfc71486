package history

import (
	"sort"
	"time"

	"vpnlink/internal/models"
)

const (
	// DefaultTimelinePoints controls how many dots we generate per timeline.
	DefaultTimelinePoints = 80
	maxDetailsPerPoint    = 4
)

// Severity order used when several states share one bucket.
const (
	rankMissing = iota
	rankIdle
	rankSuccess
	rankWarning
	rankError
)

type bucketClass struct {
	rank  int
	class string
	label string
}

var stateClasses = map[string]bucketClass{
	"idle":                 {rankIdle, "state-idle", "Disconnected"},
	"disconnectedIdle":     {rankIdle, "state-idle", "Disconnected"},
	"connectingIdle":       {rankWarning, "state-warning", "Connecting"},
	"connected":            {rankSuccess, "state-success", "Connected"},
	"disconnectedRetrying": {rankError, "state-error", "Reconnecting"},
	"connectingRetrying":   {rankError, "state-error", "Reconnecting"},
}

var missing = bucketClass{rankMissing, "state-missing", "No data"}

func classify(state string) bucketClass {
	if c, ok := stateClasses[state]; ok {
		return c
	}
	return missing
}

// BuildTimeline reduces a transition log into compact timeline points. A
// bucket takes the most severe state held at any moment inside it; problem
// buckets carry the transitions that caused them.
func BuildTimeline(entries []models.Transition, start, end time.Time, points int) []models.TimelinePoint {
	if points <= 0 {
		points = DefaultTimelinePoints
	}
	if !end.After(start) {
		end = start.Add(time.Minute)
	}

	samples := make([]models.Transition, 0, len(entries))
	for _, entry := range entries {
		if entry.At.IsZero() {
			continue
		}
		samples = append(samples, entry)
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].At.Before(samples[j].At)
	})

	bucketDuration := end.Sub(start) / time.Duration(points)
	if bucketDuration <= 0 {
		bucketDuration = time.Minute
	}

	idx := 0
	current := ""
	for idx < len(samples) && samples[idx].At.Before(start) {
		current = samples[idx].To
		idx++
	}

	result := make([]models.TimelinePoint, 0, points)
	for i := 0; i < points; i++ {
		bucketStart := start.Add(time.Duration(i) * bucketDuration)
		bucketEnd := bucketStart.Add(bucketDuration)
		if i == points-1 {
			bucketEnd = end
		}

		worst := classify(current)
		var details []models.TimelineDetail
		for idx < len(samples) && samples[idx].At.Before(bucketEnd) {
			entry := samples[idx]
			c := classify(entry.To)
			if c.rank > worst.rank {
				worst = c
			}
			if c.rank >= rankWarning && len(details) < maxDetailsPerPoint {
				details = append(details, models.TimelineDetail{
					Timestamp: entry.At,
					State:     entry.To,
					Event:     entry.Event,
				})
			}
			current = entry.To
			idx++
		}

		point := models.TimelinePoint{
			ClassName: worst.class,
			Label:     worst.label,
			Start:     bucketStart,
			End:       bucketEnd,
		}
		if worst.rank >= rankWarning {
			if len(details) == 0 {
				details = append(details, models.TimelineDetail{Timestamp: bucketStart, State: current})
			}
			point.Details = details
		}
		result = append(result, point)
	}
	return result
}

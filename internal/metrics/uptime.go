package metrics

import (
	"math"
	"time"

	"vpnlink/internal/models"
)

const connectedState = "connected"

// Uptime summarises the connection history over a window.
type Uptime struct {
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	ConnectedPercent float64   `json:"connected_percent"`
	ConnectedSeconds float64   `json:"connected_seconds"`
	Connects         int       `json:"connects"`
	Failures         int       `json:"failures"`
	LongestOutage    float64   `json:"longest_outage_seconds"`
	LastState        string    `json:"last_state,omitempty"`
	LastUpdated      string    `json:"last_updated,omitempty"`
}

// ComputeUptime aggregates time spent connected between start and end from
// an ordered transition log. An outage is any stretch between leaving and
// re-entering the connected state while the user wanted a connection.
func ComputeUptime(entries []models.Transition, start, end time.Time) Uptime {
	result := Uptime{WindowStart: start, WindowEnd: end}
	if !end.After(start) {
		return result
	}

	state := ""
	for _, e := range entries {
		if e.At.After(start) {
			break
		}
		state = e.To
	}

	var (
		connected   time.Duration
		outageStart time.Time
		longest     time.Duration
	)
	cursor := start
	if state != "" && state != connectedState && isRetrying(state) {
		outageStart = start
	}

	for _, e := range entries {
		if !e.At.After(start) || e.At.After(end) {
			continue
		}
		if state == connectedState {
			connected += e.At.Sub(cursor)
		}
		switch {
		case e.To == connectedState:
			result.Connects++
			if !outageStart.IsZero() {
				longest = maxDuration(longest, e.At.Sub(outageStart))
				outageStart = time.Time{}
			}
		case e.From == connectedState && isRetrying(e.To):
			outageStart = e.At
		case isRetrying(e.To) && e.Event == "transportClosedOrErrored":
			if outageStart.IsZero() {
				outageStart = e.At
			}
		case !isRetrying(e.To) && !outageStart.IsZero():
			longest = maxDuration(longest, e.At.Sub(outageStart))
			outageStart = time.Time{}
		}
		if e.Event == "transportClosedOrErrored" {
			result.Failures++
		}
		cursor = e.At
		state = e.To
		result.LastState = e.To
		result.LastUpdated = e.At.UTC().Format(time.RFC3339)
	}
	if state == connectedState {
		connected += end.Sub(cursor)
	}
	if !outageStart.IsZero() {
		longest = maxDuration(longest, end.Sub(outageStart))
	}

	total := end.Sub(start)
	result.ConnectedSeconds = round2(connected.Seconds())
	result.ConnectedPercent = round2(float64(connected) / float64(total) * 100)
	result.LongestOutage = round2(longest.Seconds())
	return result
}

func isRetrying(state string) bool {
	return state == "disconnectedRetrying" || state == "connectingRetrying"
}

func maxDuration(a, b time.Duration) time.Duration {
	if b > a {
		return b
	}
	return a
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

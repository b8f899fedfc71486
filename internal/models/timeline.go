package models

import "time"

// TimelinePoint represents a single compact bucket of the connectivity timeline.
type TimelinePoint struct {
	ClassName string           `json:"className"`
	Label     string           `json:"label"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Details   []TimelineDetail `json:"details,omitempty"`
}

// TimelineDetail carries extra information for problematic buckets.
type TimelineDetail struct {
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state,omitempty"`
	Event     string    `json:"event,omitempty"`
}

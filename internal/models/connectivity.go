package models

import "time"

// PingData is the cached measurement for one endpoint.
type PingData struct {
	Ping                *int64    `json:"ping"`
	Available           bool      `json:"available"`
	LastMeasurementTime time.Time `json:"lastMeasurementTime"`
	Endpoint            *Endpoint `json:"endpoint"`
	IsMeasuring         bool      `json:"isMeasuring"`
}

// Transition records one applied connectivity state change.
type Transition struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Event      string    `json:"event"`
	RetryCount int       `json:"retry_count"`
	DelayMs    int64     `json:"delay_ms"`
	At         time.Time `json:"at"`
}

package backend

import (
	"time"

	"vpnlink/internal/models"
)

// CredentialsResponse describes the payload exposed by /credentials.
type CredentialsResponse struct {
	Prefix    string    `json:"prefix"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// LocationsResponse describes the payload exposed by /locations.
type LocationsResponse struct {
	Locations   []models.Location `json:"locations"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// selection is the persisted form of the chosen location.
type selection struct {
	LocationID string    `json:"location_id"`
	SelectedAt time.Time `json:"selected_at"`
}

type appIdentity struct {
	ID string `json:"id"`
}

package models

import "time"

// Endpoint is a single VPN server belonging to a location.
type Endpoint struct {
	ID          string `json:"id" yaml:"id"`
	IPv4Address string `json:"ipv4Address" yaml:"ipv4_address"`
	IPv6Address string `json:"ipv6Address,omitempty" yaml:"ipv6_address"`
	DomainName  string `json:"domainName" yaml:"domain_name"`
	PublicKey   string `json:"publicKey" yaml:"public_key"`
}

// Location groups one or more endpoints under a city/country.
type Location struct {
	ID          string     `json:"id" yaml:"id"`
	CountryName string     `json:"countryName" yaml:"country_name"`
	CountryCode string     `json:"countryCode" yaml:"country_code"`
	CityName    string     `json:"cityName" yaml:"city_name"`
	Latitude    float64    `json:"latitude" yaml:"latitude"`
	Longitude   float64    `json:"longitude" yaml:"longitude"`
	PremiumOnly bool       `json:"premiumOnly" yaml:"premium_only"`
	PingBonus   int        `json:"pingBonus" yaml:"ping_bonus"`
	Endpoints   []Endpoint `json:"endpoints" yaml:"endpoints"`
}

// EndpointByID returns the endpoint with the given id.
func (l Location) EndpointByID(id string) (Endpoint, bool) {
	for _, ep := range l.Endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// LocationView is a location enriched with values derived from ping data.
type LocationView struct {
	Location
	Available bool      `json:"available"`
	Ping      *int64    `json:"ping"`
	Endpoint  *Endpoint `json:"endpoint"`
}

// Credentials authorise a client against VPN endpoints.
type Credentials struct {
	Prefix    string    `json:"prefix"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the credentials can still be used at now.
func (c Credentials) Valid(now time.Time) bool {
	if c.Prefix == "" || c.Token == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

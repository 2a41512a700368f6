// Package geo resolves peer addresses to coarse locations for the globe
// view. Registrants that self-report a location bypass lookup entirely.
package geo

import (
	"fmt"
	"net"
)

// Location is a coarse geographic position for a peer
type Location struct {
	CountryCode string  `json:"country_code"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// Provider resolves an IP address to a location
type Provider interface {
	Lookup(ip string) (Location, error)
}

// Entry maps one network range to a location
type Entry struct {
	CIDR     string
	Location Location
}

// StaticProvider resolves addresses against a fixed range table. Test
// deployments pin their node ranges here instead of shipping a full
// geolocation database.
type StaticProvider struct {
	nets []*net.IPNet
	locs []Location
}

// NewStaticProvider builds a provider from a range table
func NewStaticProvider(entries []Entry) (*StaticProvider, error) {
	p := &StaticProvider{}
	for _, e := range entries {
		_, ipNet, err := net.ParseCIDR(e.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid geo range %q: %w", e.CIDR, err)
		}
		p.nets = append(p.nets, ipNet)
		p.locs = append(p.locs, e.Location)
	}
	return p, nil
}

// Lookup returns the location of the first range containing the address
func (p *StaticProvider) Lookup(ip string) (Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, fmt.Errorf("invalid ip address %q", ip)
	}
	for i, n := range p.nets {
		if n.Contains(parsed) {
			return p.locs[i], nil
		}
	}
	return Location{}, fmt.Errorf("no location known for %s", ip)
}

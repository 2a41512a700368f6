package geo

import (
	"strconv"
	"strings"
)

// ParseRanges parses a range table of the form
// "cidr=CC:lat:lon;cidr=CC:lat:lon". Malformed entries are skipped so one
// bad range does not disable the whole table.
func ParseRanges(raw string) []Entry {
	var entries []Entry
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cidr, loc, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		fields := strings.Split(loc, ":")
		if len(fields) != 3 {
			continue
		}
		lat, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			CIDR: strings.TrimSpace(cidr),
			Location: Location{
				CountryCode: strings.ToUpper(strings.TrimSpace(fields[0])),
				Latitude:    lat,
				Longitude:   lon,
			},
		})
	}
	return entries
}

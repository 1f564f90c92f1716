// Package geoip provides the pure IP -> {country, city, lat, lon, isp}
// enrichment function, spec.md §4.7 (C8).
//
// Grounded on the Resinat-Resin example repo's GeoIP service, which wraps
// github.com/oschwald/maxminddb-golang over a local MaxMind-format
// database. A miss (nil reader, malformed IP, or a lookup miss) degrades
// to an all-null result and never propagates an error to the caller,
// exactly as spec.md requires.
package geoip

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Info is the enrichment result, §3 Session "network origin".
type Info struct {
	Country string
	City    string
	ISP     string
	Lat     float64
	Lon     float64
}

// record mirrors the subset of MaxMind City+ISP schema fields this
// system needs.
type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
	ISP string `maxminddb:"isp"`
}

// Lookup is the pure lookup function. A nil Lookup is valid and always
// misses, so components can be wired without a GeoIP database present.
type Lookup struct {
	reader *maxminddb.Reader
}

// Open loads a MaxMind-format database from path. An empty path yields a
// Lookup that always misses (dbPath is optional operationally).
func Open(path string) (*Lookup, error) {
	if path == "" {
		return &Lookup{}, nil
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Lookup{reader: reader}, nil
}

// Close releases the underlying database, if any.
func (l *Lookup) Close() error {
	if l == nil || l.reader == nil {
		return nil
	}
	return l.reader.Close()
}

// Enrich resolves ip to geo info. Any failure (no database loaded,
// unparsable IP, or no match) yields a zero-value Info — the rest of the
// system is unaffected by GeoIP misses, §4.7.
func (l *Lookup) Enrich(ip string) Info {
	if l == nil || l.reader == nil {
		return Info{}
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Info{}
	}

	var rec record
	if err := l.reader.Lookup(parsed, &rec); err != nil {
		return Info{}
	}

	city := rec.City.Names["en"]
	return Info{
		Country: rec.Country.ISOCode,
		City:    city,
		ISP:     rec.ISP,
		Lat:     rec.Location.Latitude,
		Lon:     rec.Location.Longitude,
	}
}

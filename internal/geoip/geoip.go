// Package geoip implements a pure IP-to-location lookup backed by a
// MaxMind GeoLite2 database, plus User-Agent-based device classification.
// A miss or a closed/unconfigured database degrades to zero-value fields —
// lookups never return an error to the caller.
package geoip

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
	"github.com/mssola/useragent"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

// Enricher wraps a MaxMind City database. A nil *Enricher (or one built
// from an empty path) is valid and simply returns empty results.
type Enricher struct {
	db *geoip2.Reader
}

// Open loads a GeoLite2-City database from path. An empty path yields a
// usable Enricher that always returns empty GeoInfo, matching C8's "misses
// yield all-null geo fields" contract for deployments with no database
// configured.
func Open(path string) (*Enricher, error) {
	if path == "" {
		return &Enricher{}, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Enricher{db: db}, nil
}

func (e *Enricher) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Lookup implements wsconn.GeoEnricher. It never returns an error; misses
// and parse failures degrade to a zero-value GeoInfo.
func (e *Enricher) Lookup(ip string) protocol.GeoInfo {
	if e == nil || e.db == nil {
		return protocol.GeoInfo{}
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return protocol.GeoInfo{}
	}

	record, err := e.db.City(parsed)
	if err != nil {
		return protocol.GeoInfo{}
	}

	return protocol.GeoInfo{
		Country:   firstName(record.Country.Names),
		City:      firstName(record.City.Names),
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}
}

func firstName(names map[string]string) string {
	if name, ok := names["en"]; ok {
		return name
	}
	for _, name := range names {
		return name
	}
	return ""
}

// Classifier turns a User-Agent string into browser/OS/device-category,
// for wsconn.DeviceClassifier.
type Classifier struct{}

func NewClassifier() Classifier { return Classifier{} }

// Classify implements wsconn.DeviceClassifier.
func (Classifier) Classify(userAgent string) (browser, os, deviceCategory string) {
	if userAgent == "" {
		return "", "", ""
	}
	parsed := useragent.New(userAgent)

	name, version := parsed.Browser()
	browser = name
	if version != "" {
		browser = name + " " + version
	}

	osInfo := parsed.OSInfo()
	os = osInfo.Name
	if osInfo.Version != "" {
		os = osInfo.Name + " " + osInfo.Version
	}

	switch {
	case parsed.Bot():
		deviceCategory = "bot"
	case parsed.Mobile():
		deviceCategory = "mobile"
	case isTablet(userAgent):
		deviceCategory = "tablet"
	default:
		deviceCategory = "desktop"
	}
	return browser, os, deviceCategory
}

func isTablet(ua string) bool {
	lower := strings.ToLower(ua)
	for _, kw := range []string{"ipad", "tablet", "playbook", "silk"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

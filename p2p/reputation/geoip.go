package reputation

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// GeoLookup resolves a peer's IP address to an ISO country code. Diverse
// peer selection (GetDiversePeers) round-robins on this value. A lookup
// failure leaves the peer's country empty, and GetDiversePeers groups all
// such peers under "unknown" rather than failing the whole selection.
type GeoLookup interface {
	Country(ip string) (string, error)
}

// MaxMindGeoLookup resolves countries from a local GeoLite2 database, the
// same deterministic local-database approach this tree used elsewhere for
// IP geolocation (no external API calls, no network round trip on the hot
// path of accepting a new peer).
type MaxMindGeoLookup struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
}

// NewMaxMindGeoLookup opens dbPath (a GeoLite2-Country.mmdb) for lookups.
func NewMaxMindGeoLookup(dbPath string) (*MaxMindGeoLookup, error) {
	if dbPath == "" {
		dbPath = os.Getenv("GEOIP_DB_PATH")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("geoip: no database path given and GEOIP_DB_PATH unset")
	}
	reader, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: open database: %w", err)
	}
	return &MaxMindGeoLookup{reader: reader}, nil
}

func (g *MaxMindGeoLookup) Country(ipStr string) (string, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("geoip: invalid IP address %q", ipStr)
	}
	if ip.IsLoopback() || ip.IsPrivate() {
		return "private", nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.reader == nil {
		return "", fmt.Errorf("geoip: database not loaded")
	}
	record, err := g.reader.Country(ip)
	if err != nil {
		return "", fmt.Errorf("geoip: lookup failed: %w", err)
	}
	country := record.Country.IsoCode
	if country == "" {
		country = "unknown"
	}
	return country, nil
}

func (g *MaxMindGeoLookup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reader != nil {
		return g.reader.Close()
	}
	return nil
}

package timezone

import (
	"os"
	"sync"
	"time"
	_ "time/tzdata"

	log "github.com/sirupsen/logrus"
)

var (
	mu              sync.RWMutex
	currentLocation *time.Location
)

// Initialize sets the display timezone. An empty name falls back to the TZ
// environment variable and then to UTC.
func Initialize(name string) *time.Location {
	tzName := name
	if tzName == "" {
		tzName = os.Getenv("TZ")
	}
	if tzName == "" {
		tzName = "UTC"
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		log.Warnf("Failed to load timezone %s: %v. Falling back to UTC.", tzName, err)
		loc = time.UTC
	} else {
		log.Infof("Successfully initialized timezone to %s", tzName)
	}

	mu.Lock()
	currentLocation = loc
	mu.Unlock()
	return loc
}

// Location returns the configured timezone, initializing it from the
// environment on first use
func Location() *time.Location {
	mu.RLock()
	loc := currentLocation
	mu.RUnlock()
	if loc == nil {
		return Initialize("")
	}
	return loc
}

// Now returns the current time in the configured timezone
func Now() time.Time {
	return time.Now().In(Location())
}

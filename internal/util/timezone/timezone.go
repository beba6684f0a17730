// Package timezone holds the configured display time zone.
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
	currentLocation = time.UTC
)

// Initialize sets the zone from name, falling back to the TZ environment
// variable and then UTC.
func Initialize(name string) {
	if name == "" {
		name = os.Getenv("TZ")
	}
	if name == "" {
		name = "UTC"
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warnf("Failed to load timezone %s: %v. Falling back to UTC.", name, err)
		loc = time.UTC
	} else {
		log.Infof("Timezone set to %s", name)
	}

	mu.Lock()
	currentLocation = loc
	mu.Unlock()
}

// Location returns the configured zone.
func Location() *time.Location {
	mu.RLock()
	defer mu.RUnlock()
	return currentLocation
}

// Now returns the current time in the configured zone.
func Now() time.Time {
	return time.Now().In(Location())
}

// RFC3339 formats t in the configured zone.
func RFC3339(t time.Time) string {
	return t.In(Location()).Format(time.RFC3339)
}

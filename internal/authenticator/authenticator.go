// Package authenticator carries authorization records between the billing
// core and the router-facing access control plane. The core never speaks the
// router's wire protocol; it produces and consumes these records.
package authenticator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record authorizes one device on one station with the purchased caps.
type Record struct {
	Device        string // MAC address, normalized
	StationID     string
	StationSecret string
	DownloadKbps  int
	UploadKbps    int
	DataCapMB     int64
	ExpiresAt     time.Time
	Token         string // signed access token for the portal status page
}

// Authenticator grants and revokes network access for devices.
type Authenticator interface {
	Authorize(ctx context.Context, rec Record) error
	Deauthorize(ctx context.Context, device, stationID string) error
}

// Noop is used when no router integration is configured.
type Noop struct{}

// Authorize does nothing.
func (Noop) Authorize(ctx context.Context, rec Record) error { return nil }

// Deauthorize does nothing.
func (Noop) Deauthorize(ctx context.Context, device, stationID string) error { return nil }

// Recorder captures emitted records for tests.
type Recorder struct {
	mu           sync.Mutex
	Authorized   []Record
	Deauthorized []string // "device@station"
}

// Authorize records the grant.
func (r *Recorder) Authorize(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Authorized = append(r.Authorized, rec)
	return nil
}

// Deauthorize records the revocation.
func (r *Recorder) Deauthorize(ctx context.Context, device, stationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deauthorized = append(r.Deauthorized, device+"@"+stationID)
	return nil
}

// NormalizeMAC converts a MAC address to lowercase colon-separated form.
func NormalizeMAC(mac string) string {
	m := strings.ToLower(mac)
	m = strings.ReplaceAll(m, ":", "")
	m = strings.ReplaceAll(m, "-", "")
	m = strings.ReplaceAll(m, ".", "")

	if len(m) != 12 {
		return strings.ToLower(mac)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		m[0:2], m[2:4], m[4:6], m[6:8], m[8:10], m[10:12])
}

// ValidMAC reports whether mac normalizes to a well-formed hardware address.
func ValidMAC(mac string) bool {
	n := NormalizeMAC(mac)
	if len(n) != 17 {
		return false
	}
	for i, c := range n {
		if (i+1)%3 == 0 {
			if c != ':' {
				return false
			}
			continue
		}
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Package station owns station identity and the shared resource allocator
// that lets many physical routers share one backend without IP, secret or
// account collisions.
package station

import (
	"time"
)

// DestinationType is the kind of mobile-money account a station settles into.
type DestinationType string

const (
	// DestinationPaybill is a paybill number.
	DestinationPaybill DestinationType = "paybill"
	// DestinationTill is a till number.
	DestinationTill DestinationType = "till"
	// DestinationBank is a bank account.
	DestinationBank DestinationType = "bank"
)

// PaymentDestination describes where a station's payments land.
type PaymentDestination struct {
	Type          DestinationType
	AccountNumber string
	AccountName   string // optional reference name
}

// Valid reports whether the destination is well formed.
func (d PaymentDestination) Valid() bool {
	switch d.Type {
	case DestinationPaybill, DestinationTill, DestinationBank:
	default:
		return false
	}
	return d.AccountNumber != ""
}

// Station is one physical router deployment sharing backend resources with
// others. NetworkCIDR and SharedSecret are unique across all stations; both
// are assigned by the Registry and never mutated elsewhere.
type Station struct {
	ID           string
	Name         string
	Host         string // router reachability, opaque to the core
	Username     string
	Password     string
	BlockIndex   int
	NetworkCIDR  string
	SharedSecret string
	Destination  PaymentDestination
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// clone returns a copy so callers never hold registry-owned memory.
func (s *Station) clone() *Station {
	c := *s
	return &c
}

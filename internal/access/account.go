// Package access turns confirmed payments into network accounts with time
// and data quotas.
package access

import (
	"fmt"
	"sync"
	"time"

	"github.com/alvn-cpu/mikrotikv2/internal/common"
)

// Account is the network access granted to one device at one station.
type Account struct {
	Device       string // normalized MAC
	StationID    string
	PlanID       string
	ExpiresAt    time.Time
	DataCapMB    int64
	DataUsedMB   int64
	DownloadKbps int
	UploadKbps   int
	Active       bool
	Token        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RemainingMB returns the unspent data quota, never negative.
func (a *Account) RemainingMB() int64 {
	if r := a.DataCapMB - a.DataUsedMB; r > 0 {
		return r
	}
	return 0
}

// Exhausted reports whether the account has no time or data left at now.
// A zero cap means the plan is uncapped, so only the clock can exhaust it.
func (a *Account) Exhausted(now time.Time) bool {
	if !now.Before(a.ExpiresAt) {
		return true
	}
	return a.DataCapMB > 0 && a.DataUsedMB >= a.DataCapMB
}

func (a *Account) clone() *Account {
	c := *a
	return &c
}

// Journal persists account mutations and the applied-transaction set.
// Implemented by the sqlite layer.
type Journal interface {
	SaveAccount(acct *Account) error
	SaveApplied(txID string) error
}

// Store holds accounts keyed by (device, station) plus the set of
// transactions already applied, which is what makes provisioning
// at-most-once across callback and reconciliation.
type Store struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	provisioned map[string]bool
	journal     Journal
	now         func() time.Time
}

// NewStore creates an empty store. journal may be nil for tests.
func NewStore(journal Journal) *Store {
	return &Store{
		accounts:    make(map[string]*Account),
		provisioned: make(map[string]bool),
		journal:     journal,
		now:         time.Now,
	}
}

func accountKey(device, stationID string) string {
	return device + "|" + stationID
}

// Restore replays persisted accounts and applied transaction IDs at startup.
func (s *Store) Restore(accounts []*Account, appliedTxIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acct := range accounts {
		s.accounts[accountKey(acct.Device, acct.StationID)] = acct.clone()
	}
	for _, id := range appliedTxIDs {
		s.provisioned[id] = true
	}
}

// Claim marks a transaction as applied. It returns false when the
// transaction was already claimed. The claim is durable before it is
// granted, so a crash cannot lead to a double grant after restart.
func (s *Store) Claim(txID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.provisioned[txID] {
		return false, nil
	}
	if s.journal != nil {
		if err := s.journal.SaveApplied(txID); err != nil {
			return false, fmt.Errorf("failed to persist claim: %w", err)
		}
	}
	s.provisioned[txID] = true
	return true, nil
}

// Get returns a copy of the account for a device at a station.
func (s *Store) Get(device, stationID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey(device, stationID)]
	if !ok {
		return nil, fmt.Errorf("no account for %s at %s: %w", device, stationID, common.ErrNotFound)
	}
	return acct.clone(), nil
}

// Update applies a mutation to the account, creating it first when absent.
// The mutation runs under the store lock and must not block.
func (s *Store) Update(device, stationID string, apply func(*Account)) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey(device, stationID)
	acct, ok := s.accounts[key]
	if !ok {
		acct = &Account{
			Device:    device,
			StationID: stationID,
			CreatedAt: s.now(),
		}
		s.accounts[key] = acct
	}

	apply(acct)
	acct.UpdatedAt = s.now()

	if s.journal != nil {
		if err := s.journal.SaveAccount(acct); err != nil {
			return nil, fmt.Errorf("failed to persist account: %w", err)
		}
	}
	return acct.clone(), nil
}

// RecordUsage adds to the account's data meter.
func (s *Store) RecordUsage(device, stationID string, usedMB int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey(device, stationID)]
	if !ok {
		return fmt.Errorf("no account for %s at %s: %w", device, stationID, common.ErrNotFound)
	}
	acct.DataUsedMB += usedMB
	acct.UpdatedAt = s.now()

	if s.journal != nil {
		if err := s.journal.SaveAccount(acct); err != nil {
			return fmt.Errorf("failed to persist account: %w", err)
		}
	}
	return nil
}

// Deactivate clears the active flag. It returns true only for the caller
// that actually flipped it, so revocation side effects run exactly once.
func (s *Store) Deactivate(device, stationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey(device, stationID)]
	if !ok {
		return false, fmt.Errorf("no account for %s at %s: %w", device, stationID, common.ErrNotFound)
	}
	if !acct.Active {
		return false, nil
	}
	acct.Active = false
	acct.UpdatedAt = s.now()

	if s.journal != nil {
		if err := s.journal.SaveAccount(acct); err != nil {
			return true, fmt.Errorf("failed to persist account: %w", err)
		}
	}
	return true, nil
}

// ListActive returns copies of every account still marked active.
func (s *Store) ListActive() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Account
	for _, acct := range s.accounts {
		if acct.Active {
			out = append(out, acct.clone())
		}
	}
	return out
}

package station

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alvn-cpu/mikrotikv2/internal/common"
)

// secretBytes is the shared secret length; 16 bytes gives 128 bits of entropy.
const secretBytes = 16

// Journal persists registry mutations. Implemented by the sqlite layer.
type Journal interface {
	SaveStation(s *Station) error
	DeleteStation(id string) error
	SaveQuarantine(q Quarantined) error
	DeleteQuarantine(block int) error
}

// Quarantined holds a block and secret retired from a decommissioned station.
// Neither re-enters the free pool until the cool-down passes, so a newly
// provisioned router cannot inherit a stale authenticator cached by the old
// one. Entries are journaled so the window survives a restart.
type Quarantined struct {
	Block  int
	Secret string
	Until  time.Time
}

// Config controls the allocator pool.
type Config struct {
	BaseOctet int           // third octet of block 0, 192.168.<BaseOctet>.0/24
	MaxBlocks int           // pool size
	Cooldown  time.Duration // quarantine window for deallocated resources
}

// DefaultConfig returns the pool layout used by deployed stations.
func DefaultConfig() Config {
	return Config{
		BaseOctet: 100,
		MaxBlocks: 50,
		Cooldown:  24 * time.Hour,
	}
}

// Registry assigns non-overlapping network blocks and shared secrets to
// stations. It is the one process-wide shared mutable resource; all pool
// access is serialized on its mutex. No network calls happen here.
type Registry struct {
	mu         sync.Mutex
	byID       map[string]*Station
	byName     map[string]string
	nextBlock  int
	quarantine []Quarantined
	cfg        Config
	journal    Journal
	logger     *zap.Logger
	now        func() time.Time
}

// NewRegistry creates an empty registry. journal may be nil for tests.
func NewRegistry(cfg Config, journal Journal, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBlocks <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		byID:    make(map[string]*Station),
		byName:  make(map[string]string),
		cfg:     cfg,
		journal: journal,
		logger:  logger,
		now:     time.Now,
	}
}

// Restore replays persisted stations and quarantine entries into the
// registry at startup. A quarantine row whose block is held by a live
// station is stale and dropped.
func (r *Registry) Restore(stations []*Station, quarantine []Quarantined) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := make(map[int]bool, len(stations))
	for _, s := range stations {
		r.byID[s.ID] = s.clone()
		r.byName[s.Name] = s.ID
		held[s.BlockIndex] = true
		if s.BlockIndex >= r.nextBlock {
			r.nextBlock = s.BlockIndex + 1
		}
	}
	for _, q := range quarantine {
		if held[q.Block] {
			continue
		}
		r.quarantine = append(r.quarantine, q)
		if q.Block >= r.nextBlock {
			r.nextBlock = q.Block + 1
		}
	}
}

// RegisterInput carries the caller-supplied station fields.
type RegisterInput struct {
	Name        string
	Host        string
	Username    string
	Password    string
	Destination PaymentDestination
}

// Register allocates the next free network block and a fresh shared secret,
// then records the station. Fails with common.ErrValidation on a duplicate or
// empty name or a malformed destination, and with common.ErrResourceExhausted
// when the block pool is saturated.
func (r *Registry) Register(in RegisterInput) (*Station, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("station name required: %w", common.ErrValidation)
	}
	if !in.Destination.Valid() {
		return nil, fmt.Errorf("payment destination invalid: %w", common.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[in.Name]; exists {
		return nil, fmt.Errorf("station name %q taken: %w", in.Name, common.ErrValidation)
	}

	block, reused, ok := r.takeBlock()
	if !ok {
		return nil, fmt.Errorf("block pool of %d exhausted: %w", r.cfg.MaxBlocks, common.ErrResourceExhausted)
	}

	secret, err := r.newSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate shared secret: %w", err)
	}

	now := r.now()
	s := &Station{
		ID:           uuid.New().String(),
		Name:         in.Name,
		Host:         in.Host,
		Username:     in.Username,
		Password:     in.Password,
		BlockIndex:   block,
		NetworkCIDR:  fmt.Sprintf("192.168.%d.0/24", r.cfg.BaseOctet+block),
		SharedSecret: secret,
		Destination:  in.Destination,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.byID[s.ID] = s
	r.byName[s.Name] = s.ID

	if r.journal != nil {
		if err := r.journal.SaveStation(s); err != nil {
			delete(r.byID, s.ID)
			delete(r.byName, s.Name)
			if reused != nil {
				r.quarantine = append(r.quarantine, *reused)
			}
			return nil, fmt.Errorf("failed to persist station: %w", err)
		}
		if reused != nil {
			// A leftover row is harmless: Restore drops quarantine
			// entries whose block a live station holds.
			if err := r.journal.DeleteQuarantine(reused.Block); err != nil {
				r.logger.Warn("failed to clear quarantine row",
					zap.Int("block", reused.Block), zap.Error(err))
			}
		}
	}

	r.logger.Info("station registered",
		zap.String("station_id", s.ID),
		zap.String("name", s.Name),
		zap.String("network", s.NetworkCIDR),
	)

	return s.clone(), nil
}

// Deallocate removes a station and quarantines its block and secret for the
// cool-down window.
func (r *Registry) Deallocate(stationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[stationID]
	if !ok {
		return fmt.Errorf("station %s: %w", stationID, common.ErrNotFound)
	}

	q := Quarantined{
		Block:  s.BlockIndex,
		Secret: s.SharedSecret,
		Until:  r.now().Add(r.cfg.Cooldown),
	}

	// Journal first. A failed write leaves memory untouched, so the DB can
	// never resurrect a station whose block memory has already quarantined.
	if r.journal != nil {
		if err := r.journal.DeleteStation(s.ID); err != nil {
			return fmt.Errorf("failed to persist deallocation: %w", err)
		}
		if err := r.journal.SaveQuarantine(q); err != nil {
			return fmt.Errorf("failed to persist quarantine: %w", err)
		}
	}

	delete(r.byID, s.ID)
	delete(r.byName, s.Name)
	r.quarantine = append(r.quarantine, q)

	r.logger.Info("station deallocated",
		zap.String("station_id", s.ID),
		zap.Int("block", s.BlockIndex),
		zap.Time("quarantined_until", q.Until),
	)

	return nil
}

// Lookup returns an enabled station by id.
func (r *Registry) Lookup(stationID string) (*Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[stationID]
	if !ok || !s.Enabled {
		return nil, fmt.Errorf("station %s: %w", stationID, common.ErrNotFound)
	}
	return s.clone(), nil
}

// SetEnabled flips a station's enabled flag.
func (r *Registry) SetEnabled(stationID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[stationID]
	if !ok {
		return fmt.Errorf("station %s: %w", stationID, common.ErrNotFound)
	}
	s.Enabled = enabled
	s.UpdatedAt = r.now()

	if r.journal != nil {
		if err := r.journal.SaveStation(s); err != nil {
			return fmt.Errorf("failed to persist station: %w", err)
		}
	}
	return nil
}

// List returns all stations, enabled or not.
func (r *Registry) List() []*Station {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Station, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s.clone())
	}
	return out
}

// takeBlock prefers a quarantined block whose cool-down has passed, then the
// next block from the monotone pool. The reclaimed entry is returned so
// Register can roll it back or clear its journal row. Caller holds r.mu.
func (r *Registry) takeBlock() (int, *Quarantined, bool) {
	now := r.now()
	for i, q := range r.quarantine {
		if now.After(q.Until) {
			r.quarantine = append(r.quarantine[:i], r.quarantine[i+1:]...)
			return q.Block, &q, true
		}
	}
	if r.nextBlock >= r.cfg.MaxBlocks {
		return 0, nil, false
	}
	b := r.nextBlock
	r.nextBlock++
	return b, nil, true
}

// newSecret draws a secret distinct from every active and quarantined one.
// Caller holds r.mu.
func (r *Registry) newSecret() (string, error) {
	for {
		buf := make([]byte, secretBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		secret := hex.EncodeToString(buf)
		if !r.secretInUse(secret) {
			return secret, nil
		}
	}
}

func (r *Registry) secretInUse(secret string) bool {
	for _, s := range r.byID {
		if s.SharedSecret == secret {
			return true
		}
	}
	for _, q := range r.quarantine {
		if q.Secret == secret {
			return true
		}
	}
	return false
}

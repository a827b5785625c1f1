// Package payment drives a purchase from initiation through gateway
// confirmation, idempotently.
package payment

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alvn-cpu/mikrotikv2/internal/common"
)

// State is a transaction's position in the payment lifecycle.
type State string

const (
	// StateCreated is the initial state, before the gateway is contacted.
	StateCreated State = "created"
	// StateAwaitingGateway means the push request is being sent.
	StateAwaitingGateway State = "awaiting_gateway"
	// StateAwaitingCallback means the gateway accepted the push and the
	// confirmation has not arrived yet.
	StateAwaitingCallback State = "awaiting_callback"
	// StateConfirmed is terminal: the payment settled.
	StateConfirmed State = "confirmed"
	// StateFailed is terminal: the push was rejected, unreachable or the
	// payer declined.
	StateFailed State = "failed"
	// StateExpired is terminal: no confirmation within the reconciliation
	// window.
	StateExpired State = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateExpired
}

// Failure reasons recorded on terminal transactions.
const (
	ReasonGatewayRejected    = "gateway_rejected"
	ReasonGatewayUnreachable = "gateway_unreachable"
	ReasonPaymentFailed      = "payment_failed"
	ReasonPaymentTimedOut    = "payment_timed_out"
)

// Transaction is one purchase attempt and its confirmation lifecycle.
type Transaction struct {
	ID                string
	StationID         string
	Device            string // normalized MAC
	PlanID            string
	AmountKES         int64
	Phone             string
	GatewayRef        string
	State             State
	Reason            string
	CallbackReceived  bool
	ReconcileAttempts int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PublicStatus is the purchaser-visible projection. Raw gateway detail never
// crosses this boundary.
func (t *Transaction) PublicStatus() string {
	switch t.State {
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "timed_out"
	default:
		return "pending"
	}
}

func (t *Transaction) clone() *Transaction {
	c := *t
	return &c
}

// Journal persists transaction mutations. Implemented by the sqlite layer.
type Journal interface {
	SaveTransaction(tx *Transaction) error
}

// Store holds transactions and serializes every mutation per entity through
// compare-and-transition. The (station, device) exclusivity invariant is
// enforced here at creation, not by the orchestrator.
type Store struct {
	mu      sync.Mutex
	byID    map[string]*Transaction
	byRef   map[string]string
	open    map[string]string // station|device -> id of the non-terminal tx
	journal Journal
	now     func() time.Time
}

// NewStore creates an empty store. journal may be nil for tests.
func NewStore(journal Journal) *Store {
	return &Store{
		byID:    make(map[string]*Transaction),
		byRef:   make(map[string]string),
		open:    make(map[string]string),
		journal: journal,
		now:     time.Now,
	}
}

func openKey(stationID, device string) string {
	return stationID + "|" + device
}

// Restore replays persisted transactions at startup.
func (s *Store) Restore(txs []*Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txs {
		c := tx.clone()
		s.byID[c.ID] = c
		if c.GatewayRef != "" {
			s.byRef[c.GatewayRef] = c.ID
		}
		if !c.State.Terminal() {
			s.open[openKey(c.StationID, c.Device)] = c.ID
		}
	}
}

// Create returns the existing non-terminal transaction for (station, device)
// unchanged, or records a fresh one in StateCreated. The second return is
// false when an existing transaction was reused.
func (s *Store) Create(stationID, device, planID string, amountKES int64, phone string) (*Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := openKey(stationID, device)
	if id, exists := s.open[key]; exists {
		return s.byID[id].clone(), false, nil
	}

	now := s.now()
	tx := &Transaction{
		ID:        uuid.New().String(),
		StationID: stationID,
		Device:    device,
		PlanID:    planID,
		AmountKES: amountKES,
		Phone:     phone,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.byID[tx.ID] = tx
	s.open[key] = tx.ID

	if s.journal != nil {
		if err := s.journal.SaveTransaction(tx); err != nil {
			delete(s.byID, tx.ID)
			delete(s.open, key)
			return nil, false, fmt.Errorf("failed to persist transaction: %w", err)
		}
	}
	return tx.clone(), true, nil
}

// Get returns a copy of the transaction.
func (s *Store) Get(id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	return tx.clone(), nil
}

// GetByRef returns a copy of the transaction with the given gateway reference.
func (s *Store) GetByRef(gatewayRef string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef[gatewayRef]
	if !ok {
		return nil, fmt.Errorf("gateway reference %s: %w", gatewayRef, common.ErrNotFound)
	}
	return s.byID[id].clone(), nil
}

// Transition applies a mutation only if the transaction is still in the
// expected state. The first return reports whether the caller won the
// transition; a lost race is not an error. Both the callback path and the
// reconciliation path funnel through here, which is what makes their tie
// harmless.
func (s *Store) Transition(id string, from State, apply func(*Transaction)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byID[id]
	if !ok {
		return false, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
	}
	if tx.State != from {
		return false, nil
	}

	apply(tx)
	tx.UpdatedAt = s.now()

	if tx.GatewayRef != "" {
		s.byRef[tx.GatewayRef] = tx.ID
	}
	if tx.State.Terminal() {
		delete(s.open, openKey(tx.StationID, tx.Device))
	}

	if s.journal != nil {
		if err := s.journal.SaveTransaction(tx); err != nil {
			return true, fmt.Errorf("failed to persist transaction: %w", err)
		}
	}
	return true, nil
}

// MarkReconcileAttempt bumps the poll counter without a state change.
func (s *Store) MarkReconcileAttempt(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.byID[id]; ok {
		tx.ReconcileAttempts++
	}
}

// ListStalled returns copies of non-terminal transactions that never reached
// the gateway, created before cutoff. They hold their (station, device) slot
// but carry no reference for reconciliation to poll, which happens when the
// process dies between Create and the push response.
func (s *Store) ListStalled(cutoff time.Time) []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for _, tx := range s.byID {
		if (tx.State == StateCreated || tx.State == StateAwaitingGateway) && tx.CreatedAt.Before(cutoff) {
			out = append(out, tx.clone())
		}
	}
	return out
}

// ListAwaitingCallback returns copies of transactions stuck in
// StateAwaitingCallback since before cutoff.
func (s *Store) ListAwaitingCallback(cutoff time.Time) []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for _, tx := range s.byID {
		if tx.State == StateAwaitingCallback && tx.UpdatedAt.Before(cutoff) {
			out = append(out, tx.clone())
		}
	}
	return out
}

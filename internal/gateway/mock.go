package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

// Mock is an in-memory Gateway for tests and offline development. Pushes are
// accepted and held pending until Settle resolves them.
type Mock struct {
	mu        sync.Mutex
	seq       int
	statuses  map[string]Outcome
	PushErr   error // returned by StartPush when set
	QueryErr  error // returned by QueryStatus when set
	PushCount int
}

// NewMock creates a mock gateway.
func NewMock() *Mock {
	return &Mock{statuses: make(map[string]Outcome)}
}

// StartPush records the push and returns a synthetic reference.
func (m *Mock) StartPush(ctx context.Context, amountKES int64, payerPhone string, dest station.PaymentDestination, reference string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCount++
	if m.PushErr != nil {
		return "", m.PushErr
	}
	m.seq++
	ref := fmt.Sprintf("ws_CO_%06d", m.seq)
	m.statuses[ref] = OutcomePending
	return ref, nil
}

// QueryStatus returns the current outcome for a reference.
func (m *Mock) QueryStatus(ctx context.Context, gatewayRef string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryErr != nil {
		return OutcomePending, m.QueryErr
	}
	out, ok := m.statuses[gatewayRef]
	if !ok {
		return OutcomePending, fmt.Errorf("unknown reference %s", gatewayRef)
	}
	return out, nil
}

// Settle resolves a pending push to the given outcome.
func (m *Mock) Settle(gatewayRef string, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[gatewayRef] = outcome
}

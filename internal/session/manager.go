// Package session enforces quotas on provisioned access: it sweeps exhausted
// accounts off the network and answers device status queries.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alvn-cpu/mikrotikv2/internal/access"
	"github.com/alvn-cpu/mikrotikv2/internal/auth"
	"github.com/alvn-cpu/mikrotikv2/internal/authenticator"
	"github.com/alvn-cpu/mikrotikv2/internal/common"
)

// DeviceStatus is the portal-facing view of a device's access. Remaining time
// is whole seconds so the portal countdown never sees raw nanoseconds.
type DeviceStatus struct {
	Active           bool      `json:"active"`
	PlanID           string    `json:"plan_id,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	RemainingMB      int64     `json:"remaining_mb"`
}

// Manager watches active accounts and revokes the ones that ran out of time
// or data.
type Manager struct {
	accounts *access.Store
	auth     authenticator.Authenticator
	tokens   *auth.Service
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a manager. logger may be nil.
func NewManager(accounts *access.Store, a authenticator.Authenticator, tokens *auth.Service, interval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Manager{
		accounts: accounts,
		auth:     a,
		tokens:   tokens,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Status reports a device's remaining access at a station. An unknown device
// is simply inactive, not an error.
func (m *Manager) Status(device, stationID string) (*DeviceStatus, error) {
	device = authenticator.NormalizeMAC(device)
	acct, err := m.accounts.Get(device, stationID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return &DeviceStatus{Active: false}, nil
		}
		return nil, err
	}

	now := m.now()
	if !acct.Active || acct.Exhausted(now) {
		return &DeviceStatus{Active: false, PlanID: acct.PlanID}, nil
	}
	return &DeviceStatus{
		Active:           true,
		PlanID:           acct.PlanID,
		ExpiresAt:        acct.ExpiresAt,
		RemainingSeconds: int64(acct.ExpiresAt.Sub(now).Seconds()),
		RemainingMB:      acct.RemainingMB(),
	}, nil
}

// Revoke cuts a device's access immediately. Revoking an already inactive
// account is a no-op.
func (m *Manager) Revoke(ctx context.Context, device, stationID string) error {
	device = authenticator.NormalizeMAC(device)
	flipped, err := m.accounts.Deactivate(device, stationID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}

	if err := m.auth.Deauthorize(ctx, device, stationID); err != nil {
		return fmt.Errorf("failed to deauthorize %s at %s: %w", device, stationID, err)
	}
	m.logger.Info("access revoked",
		zap.String("device", device),
		zap.String("station_id", stationID))
	return nil
}

// Sweep revokes every active account whose time or data ran out, returning
// the devices it cut off. Each exhausted account is deauthorized exactly
// once even when sweeps overlap.
func (m *Manager) Sweep(ctx context.Context) []string {
	now := m.now()
	var revoked []string

	for _, acct := range m.accounts.ListActive() {
		if !acct.Exhausted(now) {
			continue
		}
		flipped, err := m.accounts.Deactivate(acct.Device, acct.StationID)
		if err != nil || !flipped {
			continue
		}
		if err := m.auth.Deauthorize(ctx, acct.Device, acct.StationID); err != nil {
			m.logger.Warn("deauthorize failed",
				zap.String("device", acct.Device),
				zap.String("station_id", acct.StationID),
				zap.Error(err))
		}
		m.logger.Info("access expired",
			zap.String("device", acct.Device),
			zap.String("station_id", acct.StationID),
			zap.Int64("data_used_mb", acct.DataUsedMB))
		revoked = append(revoked, acct.Device+"@"+acct.StationID)
	}
	return revoked
}

// SweepLoop runs the sweep until the context is cancelled.
func (m *Manager) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// ValidateToken resolves an access token to its account and checks the
// account is still usable.
func (m *Manager) ValidateToken(tokenString string) (*access.Account, error) {
	claims, err := m.tokens.Validate(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	acct, err := m.accounts.Get(claims.Device, claims.StationID)
	if err != nil {
		return nil, err
	}
	if !acct.Active || acct.Exhausted(m.now()) {
		return nil, fmt.Errorf("access for %s no longer active: %w", claims.Device, common.ErrNotFound)
	}
	return acct, nil
}

package access

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alvn-cpu/mikrotikv2/internal/auth"
	"github.com/alvn-cpu/mikrotikv2/internal/authenticator"
	"github.com/alvn-cpu/mikrotikv2/internal/common"
	"github.com/alvn-cpu/mikrotikv2/internal/payment"
	"github.com/alvn-cpu/mikrotikv2/internal/plan"
	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

// Provisioner grants or extends access when a payment confirms. It satisfies
// the payment layer's provisioning contract.
type Provisioner struct {
	store    *Store
	plans    plan.Catalog
	stations *station.Registry
	auth     authenticator.Authenticator
	tokens   *auth.Service
	logger   *zap.Logger
	now      func() time.Time
}

// NewProvisioner creates a provisioner. logger may be nil.
func NewProvisioner(store *Store, plans plan.Catalog, stations *station.Registry, a authenticator.Authenticator, tokens *auth.Service, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		store:    store,
		plans:    plans,
		stations: stations,
		auth:     a,
		tokens:   tokens,
		logger:   logger,
		now:      time.Now,
	}
}

// Provision applies a confirmed transaction to the device's account. A first
// purchase creates the account, a purchase during an active window stacks
// onto the current expiry, and a purchase after lapse starts a fresh window.
// Speed and data caps always come from the newly bought plan. Applying the
// same transaction twice returns common.ErrAlreadyProvisioned without any
// effect.
func (p *Provisioner) Provision(ctx context.Context, tx *payment.Transaction) error {
	// Resolve everything fallible before claiming. The claim is durable, so
	// claiming first would burn the paid transaction on a lookup failure.
	pl, err := p.plans.Get(tx.PlanID)
	if err != nil {
		return fmt.Errorf("plan %s for transaction %s: %w", tx.PlanID, tx.ID, err)
	}
	st, err := p.stations.Lookup(tx.StationID)
	if err != nil {
		return fmt.Errorf("station %s for transaction %s: %w", tx.StationID, tx.ID, err)
	}

	claimed, err := p.store.Claim(tx.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("transaction %s: %w", tx.ID, common.ErrAlreadyProvisioned)
	}

	now := p.now()
	acct, err := p.store.Update(tx.Device, tx.StationID, func(a *Account) {
		base := now
		if a.Active && a.ExpiresAt.After(now) {
			base = a.ExpiresAt
		}
		a.PlanID = pl.ID
		a.ExpiresAt = base.Add(pl.Duration)
		a.DataCapMB = pl.DataCapMB
		a.DataUsedMB = 0
		a.DownloadKbps = pl.DownloadKbps
		a.UploadKbps = pl.UploadKbps
		a.Active = true
	})
	if err != nil {
		return err
	}

	token, err := p.tokens.Generate(acct.Device, acct.StationID, acct.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to issue access token: %w", err)
	}
	acct, err = p.store.Update(acct.Device, acct.StationID, func(a *Account) {
		a.Token = token
	})
	if err != nil {
		return err
	}

	if err := p.auth.Authorize(ctx, authenticator.Record{
		Device:        acct.Device,
		StationID:     st.ID,
		StationSecret: st.SharedSecret,
		DownloadKbps:  acct.DownloadKbps,
		UploadKbps:    acct.UploadKbps,
		DataCapMB:     acct.DataCapMB,
		ExpiresAt:     acct.ExpiresAt,
		Token:         acct.Token,
	}); err != nil {
		return fmt.Errorf("failed to authorize %s at %s: %w", acct.Device, st.ID, err)
	}

	p.logger.Info("access provisioned",
		zap.String("device", acct.Device),
		zap.String("station_id", st.ID),
		zap.String("plan_id", pl.ID),
		zap.Time("expires_at", acct.ExpiresAt))
	return nil
}

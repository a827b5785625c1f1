package payment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/alvn-cpu/mikrotikv2/internal/authenticator"
	"github.com/alvn-cpu/mikrotikv2/internal/common"
	"github.com/alvn-cpu/mikrotikv2/internal/gateway"
	"github.com/alvn-cpu/mikrotikv2/internal/plan"
	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

// Provisioner grants network access for a confirmed transaction. Implemented
// by the access layer; provisioning happens at most once per transaction.
type Provisioner interface {
	Provision(ctx context.Context, tx *Transaction) error
}

// Config tunes push retries and the reconciliation sweep.
type Config struct {
	PushAttempts      int
	PushBackoff       time.Duration
	CallbackTimeout   time.Duration
	MaxPending        time.Duration
	ReconcileInterval time.Duration
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PushAttempts:      3,
		PushBackoff:       2 * time.Second,
		CallbackTimeout:   2 * time.Minute,
		MaxPending:        10 * time.Minute,
		ReconcileInterval: 30 * time.Second,
	}
}

// Orchestrator runs purchases end to end: it validates the request, pushes
// the charge to the gateway, and settles the transaction from either the
// callback or the reconciliation poll, whichever lands first.
type Orchestrator struct {
	store       *Store
	gw          gateway.Gateway
	stations    *station.Registry
	plans       plan.Catalog
	provisioner Provisioner
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewOrchestrator creates an orchestrator. logger may be nil.
func NewOrchestrator(store *Store, gw gateway.Gateway, stations *station.Registry, plans plan.Catalog, provisioner Provisioner, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PushAttempts < 1 {
		cfg.PushAttempts = 1
	}
	return &Orchestrator{
		store:       store,
		gw:          gw,
		stations:    stations,
		plans:       plans,
		provisioner: provisioner,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Initiate starts a purchase for a device at a station. If a non-terminal
// transaction already exists for the pair, it is returned unchanged and the
// gateway is not contacted again. A gateway refusal or exhausted retries
// surface as a failed transaction, not as an error.
func (o *Orchestrator) Initiate(ctx context.Context, stationID, device, planID, phone string) (*Transaction, error) {
	st, err := o.stations.Lookup(stationID)
	if err != nil {
		return nil, err
	}
	p, err := o.plans.Get(planID)
	if err != nil {
		return nil, err
	}
	if !authenticator.ValidMAC(device) {
		return nil, common.ErrValidation
	}
	device = authenticator.NormalizeMAC(device)

	phone = gateway.FormatPhone(phone)
	if len(phone) != 12 {
		return nil, common.ErrValidation
	}

	tx, created, err := o.store.Create(st.ID, device, p.ID, p.PriceKES, phone)
	if err != nil {
		return nil, err
	}
	if !created {
		o.logger.Info("reusing open transaction",
			zap.String("tx_id", tx.ID),
			zap.String("device", device))
		return tx, nil
	}

	won, err := o.store.Transition(tx.ID, StateCreated, func(t *Transaction) {
		t.State = StateAwaitingGateway
	})
	if err != nil {
		return nil, err
	}
	if !won {
		return o.store.Get(tx.ID)
	}

	// Gateway I/O happens with no store lock held. The transaction sits in
	// awaiting_gateway for the duration, which keeps the pair exclusive.
	ref, pushErr := o.pushWithRetry(ctx, st, tx)
	if pushErr != nil {
		reason := ReasonGatewayUnreachable
		if errors.Is(pushErr, gateway.ErrRejected) {
			reason = ReasonGatewayRejected
		}
		o.logger.Warn("payment push failed",
			zap.String("tx_id", tx.ID),
			zap.String("reason", reason),
			zap.Error(pushErr))
		if _, err := o.store.Transition(tx.ID, StateAwaitingGateway, func(t *Transaction) {
			t.State = StateFailed
			t.Reason = reason
		}); err != nil {
			return nil, err
		}
		return o.store.Get(tx.ID)
	}

	if _, err := o.store.Transition(tx.ID, StateAwaitingGateway, func(t *Transaction) {
		t.State = StateAwaitingCallback
		t.GatewayRef = ref
	}); err != nil {
		return nil, err
	}

	o.logger.Info("payment push accepted",
		zap.String("tx_id", tx.ID),
		zap.String("gateway_ref", ref),
		zap.String("station_id", st.ID))
	return o.store.Get(tx.ID)
}

func (o *Orchestrator) pushWithRetry(ctx context.Context, st *station.Station, tx *Transaction) (string, error) {
	backoff := o.cfg.PushBackoff
	var lastErr error
	for attempt := 1; attempt <= o.cfg.PushAttempts; attempt++ {
		ref, err := o.gw.StartPush(ctx, tx.AmountKES, tx.Phone, st.Destination, tx.ID)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		// A business refusal is final. Only transport trouble is retried.
		if errors.Is(err, gateway.ErrRejected) {
			return "", err
		}
		if attempt == o.cfg.PushAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", lastErr
}

// HandleCallback settles a transaction from a gateway confirmation. Replayed
// callbacks and callbacks that lost the race against reconciliation are
// acknowledged without effect. An unknown reference is an error so the
// gateway retries its delivery.
func (o *Orchestrator) HandleCallback(ctx context.Context, gatewayRef string, outcome gateway.Outcome) error {
	tx, err := o.store.GetByRef(gatewayRef)
	if err != nil {
		return err
	}

	switch outcome {
	case gateway.OutcomeSuccess:
		won, err := o.store.Transition(tx.ID, StateAwaitingCallback, func(t *Transaction) {
			t.State = StateConfirmed
			t.CallbackReceived = true
		})
		if err != nil {
			return err
		}
		if won {
			o.provision(ctx, tx.ID)
		}
	case gateway.OutcomeFailure:
		if _, err := o.store.Transition(tx.ID, StateAwaitingCallback, func(t *Transaction) {
			t.State = StateFailed
			t.Reason = ReasonPaymentFailed
			t.CallbackReceived = true
		}); err != nil {
			return err
		}
	case gateway.OutcomePending:
		// Nothing to settle yet.
	}
	return nil
}

// Reconcile polls the gateway for one stuck transaction and settles it if the
// gateway has an answer. Transactions pending past MaxPending expire.
func (o *Orchestrator) Reconcile(ctx context.Context, id string) error {
	tx, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if tx.State != StateAwaitingCallback {
		return nil
	}
	o.store.MarkReconcileAttempt(id)

	outcome, err := o.gw.QueryStatus(ctx, tx.GatewayRef)
	if err != nil {
		// Leave the transaction for the next sweep.
		o.logger.Warn("status query failed",
			zap.String("tx_id", id),
			zap.Error(err))
		return nil
	}

	switch outcome {
	case gateway.OutcomeSuccess:
		won, err := o.store.Transition(id, StateAwaitingCallback, func(t *Transaction) {
			t.State = StateConfirmed
		})
		if err != nil {
			return err
		}
		if won {
			o.logger.Info("payment settled by reconciliation", zap.String("tx_id", id))
			o.provision(ctx, id)
		}
	case gateway.OutcomeFailure:
		if _, err := o.store.Transition(id, StateAwaitingCallback, func(t *Transaction) {
			t.State = StateFailed
			t.Reason = ReasonPaymentFailed
		}); err != nil {
			return err
		}
	case gateway.OutcomePending:
		if o.now().Sub(tx.CreatedAt) > o.cfg.MaxPending {
			if _, err := o.store.Transition(id, StateAwaitingCallback, func(t *Transaction) {
				t.State = StateExpired
				t.Reason = ReasonPaymentTimedOut
			}); err != nil {
				return err
			}
			o.logger.Info("payment expired", zap.String("tx_id", id))
		}
	}
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, id string) {
	tx, err := o.store.Get(id)
	if err != nil {
		o.logger.Error("confirmed transaction vanished", zap.String("tx_id", id), zap.Error(err))
		return
	}
	if err := o.provisioner.Provision(ctx, tx); err != nil {
		o.logger.Error("provisioning failed",
			zap.String("tx_id", id),
			zap.String("device", tx.Device),
			zap.Error(err))
	}
}

// SweepOnce reconciles every transaction stuck past the callback timeout and
// expires the ones that never reached the gateway.
func (o *Orchestrator) SweepOnce(ctx context.Context) {
	cutoff := o.now().Add(-o.cfg.CallbackTimeout)
	for _, tx := range o.store.ListAwaitingCallback(cutoff) {
		if err := o.Reconcile(ctx, tx.ID); err != nil {
			o.logger.Warn("reconcile failed", zap.String("tx_id", tx.ID), zap.Error(err))
		}
	}

	// A crash between Create and the push response leaves a transaction with
	// no gateway reference. Nothing will ever settle it, so it expires here
	// to free the (station, device) slot. An in-flight push is far younger
	// than MaxPending and is never touched.
	stale := o.now().Add(-o.cfg.MaxPending)
	for _, tx := range o.store.ListStalled(stale) {
		won, err := o.store.Transition(tx.ID, tx.State, func(t *Transaction) {
			t.State = StateExpired
			t.Reason = ReasonPaymentTimedOut
		})
		if err != nil {
			o.logger.Warn("expire failed", zap.String("tx_id", tx.ID), zap.Error(err))
			continue
		}
		if won {
			o.logger.Info("stalled payment expired",
				zap.String("tx_id", tx.ID),
				zap.String("state", string(tx.State)))
		}
	}
}

// ReconcileLoop runs the sweep until the context is cancelled.
func (o *Orchestrator) ReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SweepOnce(ctx)
		}
	}
}

// Status returns the purchaser-visible status of a transaction.
func (o *Orchestrator) Status(id string) (*Transaction, error) {
	return o.store.Get(id)
}

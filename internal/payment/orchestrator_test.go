package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvn-cpu/mikrotikv2/internal/common"
	"github.com/alvn-cpu/mikrotikv2/internal/gateway"
	"github.com/alvn-cpu/mikrotikv2/internal/plan"
	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

type recordingProvisioner struct {
	mu    sync.Mutex
	txIDs []string
	err   error
}

func (p *recordingProvisioner) Provision(ctx context.Context, tx *Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.txIDs = append(p.txIDs, tx.ID)
	return nil
}

func (p *recordingProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.txIDs)
}

type fixture struct {
	orch  *Orchestrator
	store *Store
	gw    *gateway.Mock
	prov  *recordingProvisioner
	st    *station.Station
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	reg := station.NewRegistry(station.DefaultConfig(), nil, nil)
	st, err := reg.Register(station.RegisterInput{
		Name: "cafe-nairobi",
		Destination: station.PaymentDestination{
			Type:          station.DestinationPaybill,
			AccountNumber: "522533",
			AccountName:   "Cafe Nairobi",
		},
	})
	require.NoError(t, err)

	catalog := plan.NewStaticCatalog([]plan.Plan{
		{ID: "daily", Name: "Daily", PriceKES: 50, Duration: 24 * time.Hour, DataCapMB: 2048, DownloadKbps: 4096, UploadKbps: 1024},
	})

	gw := gateway.NewMock()
	prov := &recordingProvisioner{}
	store := NewStore(nil)
	orch := NewOrchestrator(store, gw, reg, catalog, prov, cfg, nil)

	return &fixture{orch: orch, store: store, gw: gw, prov: prov, st: st}
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.PushBackoff = time.Millisecond
	return cfg
}

func TestInitiatePushesAndAwaitsCallback(t *testing.T) {
	f := newFixture(t, quickConfig())

	tx, err := f.orch.Initiate(context.Background(), f.st.ID, "AA:BB:CC:DD:EE:01", "daily", "0712345678")
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingCallback, tx.State)
	assert.NotEmpty(t, tx.GatewayRef)
	assert.Equal(t, int64(50), tx.AmountKES)
	assert.Equal(t, "254712345678", tx.Phone)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", tx.Device)
	assert.Equal(t, "pending", tx.PublicStatus())
	assert.Equal(t, 1, f.gw.PushCount)
}

func TestInitiateReusesOpenTransaction(t *testing.T) {
	f := newFixture(t, quickConfig())

	first, err := f.orch.Initiate(context.Background(), f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)

	second, err := f.orch.Initiate(context.Background(), f.st.ID, "AA-BB-CC-DD-EE-01", "daily", "0712345678")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.gw.PushCount, "gateway must not be charged twice for one open purchase")
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t, quickConfig())
	ctx := context.Background()

	_, err := f.orch.Initiate(ctx, "missing-station", "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "missing-plan", "0712345678")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = f.orch.Initiate(ctx, f.st.ID, "not-a-mac", "daily", "0712345678")
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "12")
	assert.ErrorIs(t, err, common.ErrValidation)

	assert.Zero(t, f.gw.PushCount)
}

func TestInitiateRejectedBecomesFailedState(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.gw.PushErr = gateway.ErrRejected

	tx, err := f.orch.Initiate(context.Background(), f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err, "a refused push is a failed transaction, not a request error")

	assert.Equal(t, StateFailed, tx.State)
	assert.Equal(t, ReasonGatewayRejected, tx.Reason)
	assert.Equal(t, 1, f.gw.PushCount, "refusals are not retried")
}

func TestInitiateRetriesTransportFailures(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.gw.PushErr = errors.New("connection reset")

	tx, err := f.orch.Initiate(context.Background(), f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)

	assert.Equal(t, StateFailed, tx.State)
	assert.Equal(t, ReasonGatewayUnreachable, tx.Reason)
	assert.Equal(t, 3, f.gw.PushCount)
}

func TestFailedTransactionFreesThePair(t *testing.T) {
	f := newFixture(t, quickConfig())
	f.gw.PushErr = gateway.ErrRejected

	first, err := f.orch.Initiate(context.Background(), f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)
	require.Equal(t, StateFailed, first.State)

	f.gw.PushErr = nil
	second, err := f.orch.Initiate(context.Background(), f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, StateAwaitingCallback, second.State)
}

func TestCallbackSuccessProvisionsOnce(t *testing.T) {
	f := newFixture(t, quickConfig())
	ctx := context.Background()

	tx, err := f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)

	require.NoError(t, f.orch.HandleCallback(ctx, tx.GatewayRef, gateway.OutcomeSuccess))

	settled, err := f.store.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, settled.State)
	assert.True(t, settled.CallbackReceived)
	assert.Equal(t, 1, f.prov.count())

	// A replayed delivery is acknowledged without a second grant.
	require.NoError(t, f.orch.HandleCallback(ctx, tx.GatewayRef, gateway.OutcomeSuccess))
	assert.Equal(t, 1, f.prov.count())
}

func TestCallbackFailure(t *testing.T) {
	f := newFixture(t, quickConfig())
	ctx := context.Background()

	tx, err := f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)

	require.NoError(t, f.orch.HandleCallback(ctx, tx.GatewayRef, gateway.OutcomeFailure))

	settled, err := f.store.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, settled.State)
	assert.Equal(t, ReasonPaymentFailed, settled.Reason)
	assert.Zero(t, f.prov.count())
}

func TestCallbackUnknownReference(t *testing.T) {
	f := newFixture(t, quickConfig())

	err := f.orch.HandleCallback(context.Background(), "ws_CO_999999", gateway.OutcomeSuccess)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestReconcileSettlesSuccess(t *testing.T) {
	f := newFixture(t, quickConfig())
	ctx := context.Background()

	tx, err := f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)

	f.gw.Settle(tx.GatewayRef, gateway.OutcomeSuccess)
	require.NoError(t, f.orch.Reconcile(ctx, tx.ID))

	settled, err := f.store.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, settled.State)
	assert.False(t, settled.CallbackReceived)
	assert.Equal(t, 1, settled.ReconcileAttempts)
	assert.Equal(t, 1, f.prov.count())

	// The late callback arrives after reconciliation already settled it.
	require.NoError(t, f.orch.HandleCallback(ctx, tx.GatewayRef, gateway.OutcomeSuccess))
	final, err := f.store.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, final.State)
	assert.Equal(t, 1, f.prov.count())
}

func TestReconcileExpiresStalePending(t *testing.T) {
	f := newFixture(t, quickConfig())
	ctx := context.Background()

	tx, err := f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)

	// Not yet past the pending window: the transaction stays open.
	require.NoError(t, f.orch.Reconcile(ctx, tx.ID))
	open, err := f.store.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingCallback, open.State)

	f.orch.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	require.NoError(t, f.orch.Reconcile(ctx, tx.ID))

	expired, err := f.store.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, expired.State)
	assert.Equal(t, ReasonPaymentTimedOut, expired.Reason)
	assert.Equal(t, "timed_out", expired.PublicStatus())
	assert.Zero(t, f.prov.count())

	// The pair is free again after expiry.
	fresh, err := f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)
	assert.NotEqual(t, tx.ID, fresh.ID)
}

func TestReconcileQueryErrorLeavesTransactionOpen(t *testing.T) {
	f := newFixture(t, quickConfig())
	ctx := context.Background()

	tx, err := f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)

	f.gw.QueryErr = errors.New("gateway down")
	require.NoError(t, f.orch.Reconcile(ctx, tx.ID))

	open, err := f.store.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingCallback, open.State)
}

func TestSweepOncePicksUpStaleTransactions(t *testing.T) {
	cfg := quickConfig()
	cfg.CallbackTimeout = 0
	f := newFixture(t, cfg)
	ctx := context.Background()

	tx, err := f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)
	f.gw.Settle(tx.GatewayRef, gateway.OutcomeSuccess)

	f.orch.now = func() time.Time { return time.Now().Add(time.Second) }
	f.orch.SweepOnce(ctx)

	settled, err := f.store.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, settled.State)
	assert.Equal(t, 1, f.prov.count())
}

func TestSweepOnceExpiresTransactionsThatNeverReachedTheGateway(t *testing.T) {
	f := newFixture(t, quickConfig())
	ctx := context.Background()

	// A crash mid-push leaves a restored transaction with no gateway
	// reference, still holding its (station, device) slot.
	created := time.Now().Add(-48 * time.Hour)
	f.store.Restore([]*Transaction{
		{ID: "t-dead", StationID: f.st.ID, Device: "aa:bb:cc:dd:ee:01", PlanID: "daily", State: StateAwaitingGateway, CreatedAt: created, UpdatedAt: created},
	})

	f.orch.SweepOnce(ctx)

	dead, err := f.store.Get("t-dead")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, dead.State)
	assert.Equal(t, ReasonPaymentTimedOut, dead.Reason)

	// The pair can purchase again.
	fresh, err := f.orch.Initiate(ctx, f.st.ID, "aa:bb:cc:dd:ee:01", "daily", "0712345678")
	require.NoError(t, err)
	assert.NotEqual(t, "t-dead", fresh.ID)
	assert.Equal(t, StateAwaitingCallback, fresh.State)
}

func TestSweepOnceLeavesYoungPrePushTransactionsAlone(t *testing.T) {
	f := newFixture(t, quickConfig())

	now := time.Now()
	f.store.Restore([]*Transaction{
		{ID: "t-live", StationID: f.st.ID, Device: "aa:bb:cc:dd:ee:02", PlanID: "daily", State: StateAwaitingGateway, CreatedAt: now, UpdatedAt: now},
	})

	f.orch.SweepOnce(context.Background())

	live, err := f.store.Get("t-live")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingGateway, live.State)
}

func TestStoreRestoreRebuildsIndexes(t *testing.T) {
	store := NewStore(nil)
	store.Restore([]*Transaction{
		{ID: "t1", StationID: "s1", Device: "aa:bb:cc:dd:ee:01", GatewayRef: "ws_CO_000001", State: StateAwaitingCallback},
		{ID: "t2", StationID: "s1", Device: "aa:bb:cc:dd:ee:02", State: StateConfirmed},
	})

	byRef, err := store.GetByRef("ws_CO_000001")
	require.NoError(t, err)
	assert.Equal(t, "t1", byRef.ID)

	// t1 still holds its pair; t2 is terminal and does not.
	_, created, err := store.Create("s1", "aa:bb:cc:dd:ee:01", "daily", 50, "254712345678")
	require.NoError(t, err)
	assert.False(t, created)

	_, created, err = store.Create("s1", "aa:bb:cc:dd:ee:02", "daily", 50, "254712345678")
	require.NoError(t, err)
	assert.True(t, created)
}

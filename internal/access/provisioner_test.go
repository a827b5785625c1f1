package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvn-cpu/mikrotikv2/internal/auth"
	"github.com/alvn-cpu/mikrotikv2/internal/authenticator"
	"github.com/alvn-cpu/mikrotikv2/internal/common"
	"github.com/alvn-cpu/mikrotikv2/internal/payment"
	"github.com/alvn-cpu/mikrotikv2/internal/plan"
	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

type provFixture struct {
	prov     *Provisioner
	store    *Store
	recorder *authenticator.Recorder
	st       *station.Station
}

func newProvFixture(t *testing.T) *provFixture {
	t.Helper()

	reg := station.NewRegistry(station.DefaultConfig(), nil, nil)
	st, err := reg.Register(station.RegisterInput{
		Name: "cafe-nairobi",
		Destination: station.PaymentDestination{
			Type:          station.DestinationPaybill,
			AccountNumber: "522533",
		},
	})
	require.NoError(t, err)

	catalog := plan.NewStaticCatalog([]plan.Plan{
		{ID: "hourly", Name: "Hourly", PriceKES: 10, Duration: time.Hour, DataCapMB: 512, DownloadKbps: 2048, UploadKbps: 512},
		{ID: "daily", Name: "Daily", PriceKES: 50, Duration: 24 * time.Hour, DataCapMB: 2048, DownloadKbps: 4096, UploadKbps: 1024},
	})

	store := NewStore(nil)
	recorder := &authenticator.Recorder{}
	tokens := auth.NewService([]byte("test-secret"), "test")
	prov := NewProvisioner(store, catalog, reg, recorder, tokens, nil)

	return &provFixture{prov: prov, store: store, recorder: recorder, st: st}
}

func confirmedTx(id, stationID, planID string) *payment.Transaction {
	return &payment.Transaction{
		ID:        id,
		StationID: stationID,
		Device:    "aa:bb:cc:dd:ee:01",
		PlanID:    planID,
		State:     payment.StateConfirmed,
	}
}

func TestProvisionCreatesAccount(t *testing.T) {
	f := newProvFixture(t)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.prov.now = func() time.Time { return start }

	require.NoError(t, f.prov.Provision(context.Background(), confirmedTx("t1", f.st.ID, "hourly")))

	acct, err := f.store.Get("aa:bb:cc:dd:ee:01", f.st.ID)
	require.NoError(t, err)
	assert.True(t, acct.Active)
	assert.Equal(t, "hourly", acct.PlanID)
	assert.Equal(t, start.Add(time.Hour), acct.ExpiresAt)
	assert.Equal(t, int64(512), acct.DataCapMB)
	assert.Equal(t, 2048, acct.DownloadKbps)
	assert.NotEmpty(t, acct.Token)

	require.Len(t, f.recorder.Authorized, 1)
	rec := f.recorder.Authorized[0]
	assert.Equal(t, f.st.ID, rec.StationID)
	assert.Equal(t, f.st.SharedSecret, rec.StationSecret)
	assert.Equal(t, acct.ExpiresAt, rec.ExpiresAt)
}

func TestProvisionStacksOntoActiveWindow(t *testing.T) {
	f := newProvFixture(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.prov.now = func() time.Time { return start }
	require.NoError(t, f.prov.Provision(ctx, confirmedTx("t1", f.st.ID, "hourly")))

	// A second purchase halfway through extends from the current expiry,
	// not from now, so no paid time is lost.
	f.store.RecordUsage("aa:bb:cc:dd:ee:01", f.st.ID, 300)
	f.prov.now = func() time.Time { return start.Add(30 * time.Minute) }
	require.NoError(t, f.prov.Provision(ctx, confirmedTx("t2", f.st.ID, "daily")))

	acct, err := f.store.Get("aa:bb:cc:dd:ee:01", f.st.ID)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour).Add(24*time.Hour), acct.ExpiresAt)

	// Caps and quota follow the newly bought plan.
	assert.Equal(t, "daily", acct.PlanID)
	assert.Equal(t, int64(2048), acct.DataCapMB)
	assert.Zero(t, acct.DataUsedMB)
	assert.Equal(t, 4096, acct.DownloadKbps)
	assert.Len(t, f.recorder.Authorized, 2)
}

func TestProvisionAfterLapseStartsFresh(t *testing.T) {
	f := newProvFixture(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.prov.now = func() time.Time { return start }
	require.NoError(t, f.prov.Provision(ctx, confirmedTx("t1", f.st.ID, "hourly")))

	lapsed := start.Add(48 * time.Hour)
	f.prov.now = func() time.Time { return lapsed }
	require.NoError(t, f.prov.Provision(ctx, confirmedTx("t2", f.st.ID, "hourly")))

	acct, err := f.store.Get("aa:bb:cc:dd:ee:01", f.st.ID)
	require.NoError(t, err)
	assert.Equal(t, lapsed.Add(time.Hour), acct.ExpiresAt)
}

func TestProvisionSameTransactionTwice(t *testing.T) {
	f := newProvFixture(t)
	ctx := context.Background()

	tx := confirmedTx("t1", f.st.ID, "hourly")
	require.NoError(t, f.prov.Provision(ctx, tx))

	err := f.prov.Provision(ctx, tx)
	assert.ErrorIs(t, err, common.ErrAlreadyProvisioned)
	assert.Len(t, f.recorder.Authorized, 1)
}

func TestProvisionUnknownPlan(t *testing.T) {
	f := newProvFixture(t)

	err := f.prov.Provision(context.Background(), confirmedTx("t1", f.st.ID, "nope"))
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = f.store.Get("aa:bb:cc:dd:ee:01", f.st.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestProvisionLookupFailureDoesNotBurnClaim(t *testing.T) {
	f := newProvFixture(t)
	ctx := context.Background()

	// A transient bad plan reference fails without claiming, so the same
	// transaction still provisions once the reference resolves.
	tx := confirmedTx("t1", f.st.ID, "nope")
	require.Error(t, f.prov.Provision(ctx, tx))

	tx.PlanID = "hourly"
	require.NoError(t, f.prov.Provision(ctx, tx))

	acct, err := f.store.Get("aa:bb:cc:dd:ee:01", f.st.ID)
	require.NoError(t, err)
	assert.True(t, acct.Active)
	assert.Len(t, f.recorder.Authorized, 1)
}

func TestAccountQuota(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	acct := &Account{ExpiresAt: now.Add(time.Hour), DataCapMB: 512, DataUsedMB: 500}

	assert.Equal(t, int64(12), acct.RemainingMB())
	assert.False(t, acct.Exhausted(now))

	acct.DataUsedMB = 600
	assert.Zero(t, acct.RemainingMB())
	assert.True(t, acct.Exhausted(now))

	acct.DataUsedMB = 0
	assert.True(t, acct.Exhausted(now.Add(2*time.Hour)))

	// Cap zero means uncapped: only the clock can exhaust the account.
	uncapped := &Account{ExpiresAt: now.Add(24 * time.Hour), DataCapMB: 0, DataUsedMB: 9000}
	assert.False(t, uncapped.Exhausted(now))
	assert.True(t, uncapped.Exhausted(now.Add(25*time.Hour)))
}

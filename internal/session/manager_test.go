package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvn-cpu/mikrotikv2/internal/access"
	"github.com/alvn-cpu/mikrotikv2/internal/auth"
	"github.com/alvn-cpu/mikrotikv2/internal/authenticator"
)

func seedAccount(t *testing.T, store *access.Store, device string, expiresAt time.Time, capMB, usedMB int64) {
	t.Helper()
	_, err := store.Update(device, "st-1", func(a *access.Account) {
		a.PlanID = "daily"
		a.ExpiresAt = expiresAt
		a.DataCapMB = capMB
		a.DataUsedMB = usedMB
		a.Active = true
	})
	require.NoError(t, err)
}

func newManager(store *access.Store, rec *authenticator.Recorder) *Manager {
	tokens := auth.NewService([]byte("test-secret"), "test")
	return NewManager(store, rec, tokens, time.Minute, nil)
}

func TestSweepRevokesExpiredAndExhausted(t *testing.T) {
	store := access.NewStore(nil)
	rec := &authenticator.Recorder{}
	m := newManager(store, rec)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	seedAccount(t, store, "aa:bb:cc:dd:ee:01", now.Add(-time.Minute), 512, 10) // time ran out
	seedAccount(t, store, "aa:bb:cc:dd:ee:02", now.Add(time.Hour), 512, 512)   // data ran out
	seedAccount(t, store, "aa:bb:cc:dd:ee:03", now.Add(time.Hour), 512, 10)    // healthy
	seedAccount(t, store, "aa:bb:cc:dd:ee:04", now.Add(time.Hour), 0, 9000)    // uncapped, time left

	revoked := m.Sweep(context.Background())
	assert.ElementsMatch(t, []string{"aa:bb:cc:dd:ee:01@st-1", "aa:bb:cc:dd:ee:02@st-1"}, revoked)
	assert.Len(t, rec.Deauthorized, 2)

	// A second sweep finds nothing left to revoke.
	assert.Empty(t, m.Sweep(context.Background()))
	assert.Len(t, rec.Deauthorized, 2)

	healthy, err := store.Get("aa:bb:cc:dd:ee:03", "st-1")
	require.NoError(t, err)
	assert.True(t, healthy.Active)

	// An uncapped plan survives any amount of usage until its clock runs out.
	uncapped, err := store.Get("aa:bb:cc:dd:ee:04", "st-1")
	require.NoError(t, err)
	assert.True(t, uncapped.Active)
}

func TestRevoke(t *testing.T) {
	store := access.NewStore(nil)
	rec := &authenticator.Recorder{}
	m := newManager(store, rec)

	now := time.Now()
	seedAccount(t, store, "aa:bb:cc:dd:ee:01", now.Add(time.Hour), 512, 0)

	require.NoError(t, m.Revoke(context.Background(), "AA:BB:CC:DD:EE:01", "st-1"))
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:01@st-1"}, rec.Deauthorized)

	// Already revoked: acknowledged without a second deauthorization.
	require.NoError(t, m.Revoke(context.Background(), "aa:bb:cc:dd:ee:01", "st-1"))
	assert.Len(t, rec.Deauthorized, 1)
}

func TestStatus(t *testing.T) {
	store := access.NewStore(nil)
	m := newManager(store, &authenticator.Recorder{})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	seedAccount(t, store, "aa:bb:cc:dd:ee:01", now.Add(30*time.Minute), 512, 100)

	st, err := m.Status("AA:BB:CC:DD:EE:01", "st-1")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, int64(1800), st.RemainingSeconds, "portal countdown wants seconds, not nanoseconds")
	assert.Equal(t, int64(412), st.RemainingMB)

	unknown, err := m.Status("aa:bb:cc:dd:ee:99", "st-1")
	require.NoError(t, err)
	assert.False(t, unknown.Active)

	m.now = func() time.Time { return now.Add(time.Hour) }
	lapsed, err := m.Status("aa:bb:cc:dd:ee:01", "st-1")
	require.NoError(t, err)
	assert.False(t, lapsed.Active)
}

func TestValidateToken(t *testing.T) {
	store := access.NewStore(nil)
	rec := &authenticator.Recorder{}
	tokens := auth.NewService([]byte("test-secret"), "test")
	m := NewManager(store, rec, tokens, time.Minute, nil)

	now := time.Now()
	seedAccount(t, store, "aa:bb:cc:dd:ee:01", now.Add(time.Hour), 512, 0)

	token, err := tokens.Generate("aa:bb:cc:dd:ee:01", "st-1", now.Add(time.Hour))
	require.NoError(t, err)

	acct, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", acct.Device)

	_, err = m.ValidateToken("garbage")
	assert.Error(t, err)

	_, err = store.Deactivate("aa:bb:cc:dd:ee:01", "st-1")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

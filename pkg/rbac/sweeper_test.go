package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/audit"
)

// mockAuditStore records purge cutoffs
type mockAuditStore struct {
	cutoffs []time.Time
	purged  int64
	err     error
}

func (m *mockAuditStore) Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.AuditEvent, error) {
	return nil, nil
}

func (m *mockAuditStore) Get(ctx context.Context, id int64) (*audit.AuditEvent, error) {
	return nil, errors.New("not found")
}

func (m *mockAuditStore) GetStats(ctx context.Context, startTime, endTime *time.Time) (*audit.AuditStats, error) {
	return &audit.AuditStats{}, nil
}

func (m *mockAuditStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	m.cutoffs = append(m.cutoffs, before)
	return m.purged, m.err
}

func TestSweeper_RunOnce(t *testing.T) {
	f := newFixture(t)
	r := f.role("OnCall", 50, nil)
	u := f.user("u")
	f.grantFor(u, r, time.Hour)
	f.grant(u, r, ApprovalApproved)

	store := &mockAuditStore{purged: 12}
	sweeper := NewSweeper(SweeperConfig{GrantRetention: time.Hour, AuditRetention: 30 * 24 * time.Hour}, f.service, store, nil)
	sweeper.now = func() time.Time { return f.now }

	// expired but still inside the retention window
	f.now = fixedNow.Add(90 * time.Minute)
	result, err := sweeper.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.GrantsRemoved)
	assert.Equal(t, int64(12), result.AuditPurged)
	require.Len(t, store.cutoffs, 1)
	assert.Equal(t, f.now.Add(-30*24*time.Hour), store.cutoffs[0])

	f.now = fixedNow.Add(3 * time.Hour)
	result, err = sweeper.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.GrantsRemoved)

	grants, err := f.store.ListUserRoles(f.ctx, u)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.False(t, grants[0].IsTemporary)
	assert.Len(t, f.audit.byType(audit.EventTypeGrantSweep), 2)
}

func TestSweeper_AuditPurgeFailure(t *testing.T) {
	f := newFixture(t)
	store := &mockAuditStore{err: errors.New("disk full")}
	sweeper := NewSweeper(SweeperConfig{AuditRetention: time.Hour}, f.service, store, nil)

	_, err := sweeper.RunOnce(f.ctx)
	assert.ErrorContains(t, err, "disk full")
}

func TestSweeper_SkipsAuditWithoutRetention(t *testing.T) {
	f := newFixture(t)
	store := &mockAuditStore{}
	_, err := NewSweeper(SweeperConfig{}, f.service, store, nil).RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, store.cutoffs)
}

func TestSweeper_Defaults(t *testing.T) {
	f := newFixture(t)
	s := NewSweeper(SweeperConfig{GrantRetention: -time.Hour}, f.service, nil, nil)
	assert.Equal(t, "0 * * * *", s.config.Schedule)
	assert.Equal(t, time.Duration(0), s.config.GrantRetention)
	assert.Equal(t, 5*time.Minute, s.config.Timeout)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)

	bad := NewSweeper(SweeperConfig{Schedule: "every tuesday"}, f.service, nil, nil)
	assert.Error(t, bad.Start())

	s := NewSweeper(SweeperConfig{Schedule: "@every 1h"}, f.service, nil, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a no-op")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

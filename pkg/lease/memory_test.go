package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var leaseBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// clock is an adjustable time source for white-box lease tests.
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMemory() (*Memory, *clock) {
	c := &clock{t: leaseBase}
	m := NewMemory()
	m.now = c.now
	return m, c
}

func TestAcquireMutualExclusion(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "group-1", "node-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l1.Version)

	_, err = m.Acquire(ctx, "group-1", "node-2", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// A different group is independent.
	_, err = m.Acquire(ctx, "group-2", "node-2", time.Minute)
	assert.NoError(t, err)
}

func TestAcquireAfterExpiryBumpsVersion(t *testing.T) {
	m, clk := newTestMemory()
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "group-1", "node-1", time.Minute)
	require.NoError(t, err)

	clk.advance(2 * time.Minute)

	l2, err := m.Acquire(ctx, "group-1", "node-2", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, l2.Version, l1.Version)

	// The old owner's token no longer validates.
	_, err = m.Validate(ctx, l1.Token)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestRenewExtendsDeadline(t *testing.T) {
	m, clk := newTestMemory()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "group-1", "node-1", time.Minute)
	require.NoError(t, err)

	clk.advance(45 * time.Second)
	renewed, err := m.Renew(ctx, l.Token)
	require.NoError(t, err)
	assert.Equal(t, l.Version, renewed.Version)

	// Past the original deadline but inside the renewed one.
	clk.advance(30 * time.Second)
	_, err = m.Validate(ctx, l.Token)
	assert.NoError(t, err)
}

func TestRenewExpiredLeaseFails(t *testing.T) {
	m, clk := newTestMemory()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "group-1", "node-1", time.Minute)
	require.NoError(t, err)

	clk.advance(2 * time.Minute)
	_, err = m.Renew(ctx, l.Token)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestReleaseLostLeaseIsNoop(t *testing.T) {
	m, clk := newTestMemory()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "group-1", "node-1", time.Minute)
	require.NoError(t, err)

	clk.advance(2 * time.Minute)
	assert.NoError(t, m.Release(ctx, l.Token))
	assert.NoError(t, m.Release(ctx, "never-issued"))
}

func TestReleaseFreesGroup(t *testing.T) {
	m, _ := newTestMemory()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "group-1", "node-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l.Token))

	_, err = m.Acquire(ctx, "group-1", "node-2", time.Minute)
	assert.NoError(t, err)
}

func TestWatchSeesOwnershipChanges(t *testing.T) {
	m, clk := newTestMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Watch(ctx)
	require.NoError(t, err)

	l, err := m.Acquire(ctx, "group-1", "node-1", time.Minute)
	require.NoError(t, err)
	clk.advance(2 * time.Minute)
	m.sweep()

	granted := <-ch
	assert.Equal(t, EventGranted, granted.Type)
	assert.Equal(t, "group-1", granted.GroupID)
	assert.Equal(t, "node-1", granted.NodeID)
	assert.Equal(t, l.Version, granted.Version)

	expired := <-ch
	assert.Equal(t, EventExpired, expired.Type)
	assert.Equal(t, "group-1", expired.GroupID)
	assert.Greater(t, expired.Seq, granted.Seq)
}

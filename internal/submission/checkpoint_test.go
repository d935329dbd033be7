package submission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakala/batchpay/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestCheckpointRespectsInterval(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)}
	store := &memStore{}
	rows := domain.NewRows(3)
	c := newCheckpointer(store, "up1", 5*time.Second, clock.now, func() []domain.RowState { return rows })

	c.maybeFlush(context.Background())
	assert.Equal(t, 0, store.saves)

	clock.t = clock.t.Add(5 * time.Second)
	c.maybeFlush(context.Background())
	assert.Equal(t, 1, store.saves)

	clock.t = clock.t.Add(time.Second)
	c.maybeFlush(context.Background())
	assert.Equal(t, 1, store.saves)
}

func TestCheckpointWriteThrough(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	store := &memStore{}
	rows := domain.NewRows(1)
	c := newCheckpointer(store, "up1", 0, clock.now, func() []domain.RowState { return rows })

	c.maybeFlush(context.Background())
	c.maybeFlush(context.Background())
	assert.Equal(t, 2, store.saves)
}

func TestCheckpointFinalIsIdempotent(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	store := &memStore{}
	rows := []domain.RowState{{Status: domain.RowApproved}, {Status: domain.RowError}, {Status: domain.RowPending}}
	c := newCheckpointer(store, "up1", time.Hour, clock.now, func() []domain.RowState { return rows })

	first, err := c.final(context.Background())
	require.NoError(t, err)
	savedOnce := append([]domain.RowState(nil), store.rows...)

	second, err := c.final(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, savedOnce, store.rows)
	assert.Equal(t, domain.Counters{Approved: 1, Error: 1, Pending: 1}, store.counters)
}

package submission

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wakala/batchpay/internal/domain"
)

// checkpointer flushes the whole row array to the store at most once per
// interval. An interval of zero writes through after every row. Each flush
// overwrites the previous one, so repeating a flush is harmless.
type checkpointer struct {
	store    Store
	uploadID string
	interval time.Duration
	now      func() time.Time
	rows     func() []domain.RowState

	mu      sync.Mutex
	last    time.Time
	flushes int
}

func newCheckpointer(store Store, uploadID string, interval time.Duration, now func() time.Time, rows func() []domain.RowState) *checkpointer {
	return &checkpointer{
		store:    store,
		uploadID: uploadID,
		interval: interval,
		now:      now,
		rows:     rows,
		last:     now(),
	}
}

// maybeFlush is called by whichever worker just finished a row. A periodic
// flush already underway is not waited for.
func (c *checkpointer) maybeFlush(ctx context.Context) {
	if c.interval > 0 {
		if !c.mu.TryLock() {
			return
		}
		if c.now().Sub(c.last) < c.interval {
			c.mu.Unlock()
			return
		}
	} else {
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	if err := c.store.SaveRows(ctx, c.uploadID, c.rows()); err != nil {
		log.Printf("[submission] WARNING: checkpoint for upload %s failed: %v", c.uploadID, err)
		return
	}
	c.last = c.now()
	c.flushes++
}

// final writes rows and recomputed counters unconditionally.
func (c *checkpointer) final(ctx context.Context) (domain.Counters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows := c.rows()
	if err := c.store.SaveRows(ctx, c.uploadID, rows); err != nil {
		return domain.Counters{}, err
	}
	counters := domain.CountRows(rows)
	if err := c.store.SaveCounters(ctx, c.uploadID, counters); err != nil {
		return domain.Counters{}, err
	}
	c.last = c.now()
	c.flushes++
	return counters, nil
}

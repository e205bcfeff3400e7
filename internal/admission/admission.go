// Package admission caps how many sandboxes run at once.
package admission

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrFull is returned in reject mode when every slot is taken.
	ErrFull = errors.New("admission: all sandbox slots are in use")
	// ErrClosed is returned once Close has been called, including to
	// callers that were already waiting.
	ErrClosed = errors.New("admission: closed")
)

type Mode int

const (
	// Wait queues callers until a slot frees up or their context ends.
	Wait Mode = iota
	// Reject fails immediately when no slot is free.
	Reject
)

func (m Mode) String() string {
	if m == Reject {
		return "reject"
	}
	return "wait"
}

type Controller struct {
	sem      *semaphore.Weighted
	capacity int64
	mode     Mode

	closing context.Context
	close   context.CancelFunc

	inUse   atomic.Int64
	waiting atomic.Int64
}

// New returns a controller with capacity slots. capacity < 1 is treated
// as 1.
func New(capacity int, mode Mode) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Controller{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		mode:     mode,
		closing:  closing,
		close:    cancel,
	}
}

// Acquire takes one slot. The returned release func must be called exactly
// once; calling it again is a no-op.
func (c *Controller) Acquire(ctx context.Context) (func(), error) {
	if c.closing.Err() != nil {
		return nil, ErrClosed
	}

	if c.mode == Reject {
		if !c.sem.TryAcquire(1) {
			return nil, ErrFull
		}
	} else {
		actx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(c.closing, cancel)
		c.waiting.Add(1)
		err := c.sem.Acquire(actx, 1)
		c.waiting.Add(-1)
		stop()
		cancel()
		if err != nil {
			if c.closing.Err() != nil && ctx.Err() == nil {
				return nil, ErrClosed
			}
			return nil, err
		}
	}

	// Close may have won the race with a successful acquire.
	if c.closing.Err() != nil {
		c.sem.Release(1)
		return nil, ErrClosed
	}

	c.inUse.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			c.inUse.Add(-1)
			c.sem.Release(1)
		}
	}, nil
}

// Close stops admitting. Slots already held stay valid until released.
func (c *Controller) Close() { c.close() }

func (c *Controller) Closed() bool { return c.closing.Err() != nil }

func (c *Controller) Capacity() int { return int(c.capacity) }
func (c *Controller) InUse() int    { return int(c.inUse.Load()) }
func (c *Controller) Waiting() int  { return int(c.waiting.Load()) }
func (c *Controller) Mode() Mode    { return c.mode }

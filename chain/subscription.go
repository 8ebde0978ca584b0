package chain

import (
	"context"
	"eth-indexer/boff"
	"eth-indexer/logger"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

const headBufferSize = 16

// headTracker remembers the last number handed to the consumer so that a new
// subscription can continue from it.
type headTracker struct {
	out       chan<- uint64
	last      uint64
	delivered bool
}

func (t *headTracker) send(ctx context.Context, number uint64) bool {
	select {
	case t.out <- number:
	case <-ctx.Done():
		return false
	}
	t.last = number
	t.delivered = true
	return true
}

// advance delivers every number after the last delivered one up to head. A
// head at or below the last delivered number (a reorg to a shorter or equal
// chain) is delivered on its own.
func (t *headTracker) advance(ctx context.Context, head uint64) bool {
	if !t.delivered || head <= t.last {
		return t.send(ctx, head)
	}
	for n := t.last + 1; n <= head; n++ {
		if !t.send(ctx, n) {
			return false
		}
	}
	return true
}

// replay re-delivers the last number after a reconnect. Consumers are
// idempotent, so delivering it twice is harmless.
func (t *headTracker) replay(ctx context.Context) bool {
	if !t.delivered {
		return true
	}
	return t.send(ctx, t.last)
}

// SubscribeNewHeads returns an infinite sequence of head block numbers. The
// subscription occupies one websocket slot until ctx is done, reconnects on
// failure and is replaced by polling when no websocket endpoint is set.
func (c *Client) SubscribeNewHeads(ctx context.Context) (<-chan uint64, error) {
	if err := c.subSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	out := make(chan uint64)
	go func() {
		defer c.subSlots.Release(1)
		defer close(out)

		tracker := &headTracker{out: out}
		if len(c.ws) == 0 {
			c.pollHeads(ctx, tracker)
			return
		}
		c.followHeads(ctx, tracker)
	}()

	return out, nil
}

func (c *Client) followHeads(ctx context.Context, tracker *headTracker) {
	for ctx.Err() == nil {
		conn := c.wsClient()
		headers := make(chan *types.Header, headBufferSize)

		sub, err := boff.Retry(ctx, func() (ethereum.Subscription, error) {
			return conn.SubscribeNewHead(ctx, headers)
		}, "SubscribeNewHead", boff.Policy{})
		if err != nil {
			return
		}

		if !tracker.replay(ctx) {
			sub.Unsubscribe()
			return
		}

		err = consumeHeads(ctx, sub, headers, tracker)
		sub.Unsubscribe()
		if err == nil {
			return
		}
		logger.Warn("Head subscription dropped: %s, resubscribing from block %d", err, tracker.last)
	}
}

func consumeHeads(ctx context.Context, sub ethereum.Subscription, headers <-chan *types.Header, tracker *headTracker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case header := <-headers:
			if !tracker.advance(ctx, header.Number.Uint64()) {
				return nil
			}
		}
	}
}

func (c *Client) pollHeads(ctx context.Context, tracker *headTracker) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		head, err := c.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Polling chain head failed: %s", err)
		} else if !tracker.delivered || head > tracker.last {
			if !tracker.advance(ctx, head) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

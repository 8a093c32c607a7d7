package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
)

// reconnect backoff bounds shared by all feeds
const (
	reconnectBase = time.Second
	reconnectMax  = 2 * time.Minute
)

// ChainFeed : a live subscription to one chain's new blocks. Start blocks
// until ctx is cancelled, reconnecting with backoff on any transport error.
// BlockTxs resolves the transactions of an already-announced block, by hash
// when the notification carries one and by height otherwise; callers own
// retry policy.
type ChainFeed interface {
	Chain() string
	Currency() string
	Start(ctx context.Context)
	BlockTxs(ctx context.Context, block types.BlockNotification) ([]types.BlockTx, error)
}

// Sink : where feeds deliver normalized chain activity. Implemented by the
// reconciliation engine. NotifyStalled fires once per outage, when a feed's
// reconnect backoff first hits its ceiling.
type Sink interface {
	NotifyBlock(block types.BlockNotification)
	NotifyFailure(failure types.TxFailure)
	NotifyStalled(chain string, reason string)
}

// New : construct the feed for one configured chain
func New(config types.FeedConfig, sink Sink, logger log.Logger) (ChainFeed, error) {
	switch config.Kind {
	case "blockbook":
		return NewBlockbookFeed(config, sink, logger), nil
	case "evm":
		return NewEVMFeed(config, sink, logger), nil
	case "solana":
		return NewSolanaFeed(config, sink, logger), nil
	case "xrpl":
		return NewXRPLFeed(config, sink, logger), nil
	}
	return nil, fmt.Errorf("unknown feed kind %s for chain %s", config.Kind, config.Chain)
}

// nextDelay : doubling backoff capped at max
func nextDelay(delay time.Duration, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		return max
	}
	return delay
}

// runLoop : drive one feed's connect function until ctx is cancelled,
// redialing with doubling backoff. A session that held for longer than max
// resets the backoff. When the backoff first reaches max the sink is told the
// chain is stalled; the alert re-arms after the next healthy session.
func runLoop(ctx context.Context, chain string, label string, sink Sink, logger log.Logger, base time.Duration, max time.Duration, run func(context.Context) error) {
	delay := base
	alerted := false
	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > max {
			delay = base
			alerted = false
		}
		if err != nil {
			logger.Error(fmt.Sprintf("%s %s disconnected: %s, redialing in %s", chain, label, err.Error(), delay))
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextDelay(delay, max)
		if delay >= max && !alerted {
			alerted = true
			sink.NotifyStalled(chain, label+" reconnect backoff at ceiling")
		}
	}
}

// sleepCtx : sleep that honors cancellation
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

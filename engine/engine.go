package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/bus"
	"github.com/paywatch/paywatch-core/database"
	"github.com/paywatch/paywatch-core/feed"
	"github.com/paywatch/paywatch-core/level"
	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

const (
	blockQueueSize = 1024
	casRetries     = 3
	// bound on gap synthesis after a reconnect; anything older is left to
	// the unprocessed-block rescan
	maxCatchUp = 100
)

// Engine : reconciles chain activity against pending payments. One worker
// goroutine per chain keeps block handling ordered within a chain while
// chains proceed independently; the keyed lock map serializes writers of the
// same (chain, txid) across workers and the failure path.
type Engine struct {
	Store  database.Store
	Bus    *bus.EventBus
	Ledger *level.Ledger
	Config types.PaywatchConfig
	Logger log.Logger

	feeds     map[string]feed.ChainFeed
	queues    map[string]chan types.BlockNotification
	failures  chan types.TxFailure
	locks     *KeyedLocks
	retryBase time.Duration
}

func NewEngine(store database.Store, eventBus *bus.EventBus, ledger *level.Ledger, config types.PaywatchConfig, logger log.Logger) *Engine {
	return &Engine{
		Store:     store,
		Bus:       eventBus,
		Ledger:    ledger,
		Config:    config,
		Logger:    logger,
		feeds:     map[string]feed.ChainFeed{},
		queues:    map[string]chan types.BlockNotification{},
		failures:  make(chan types.TxFailure, 256),
		locks:     NewKeyedLocks(),
		retryBase: time.Second,
	}
}

// RegisterFeed : attach a chain feed before Start
func (engine *Engine) RegisterFeed(chainFeed feed.ChainFeed) {
	engine.feeds[chainFeed.Chain()] = chainFeed
	engine.queues[chainFeed.Chain()] = make(chan types.BlockNotification, blockQueueSize)
}

// NotifyBlock : feed.Sink entry point. Never blocks; a full queue drops the
// notification and relies on catch-up to recover the height.
func (engine *Engine) NotifyBlock(block types.BlockNotification) {
	queue, ok := engine.queues[block.Chain]
	if !ok {
		return
	}
	select {
	case queue <- block:
	default:
		engine.Logger.Error(fmt.Sprintf("%s block queue full, dropping height %d", block.Chain, block.Height))
	}
}

// NotifyFailure : feed.Sink entry point for chain-level tx failure signals
func (engine *Engine) NotifyFailure(failure types.TxFailure) {
	select {
	case engine.failures <- failure:
	default:
		engine.Logger.Error(fmt.Sprintf("failure queue full, dropping %s %s", failure.Chain, failure.TxID))
	}
}

// NotifyStalled : feed.Sink entry point raised when a feed's reconnect
// backoff reaches its ceiling; republished as a chain.stalled event so
// operators see the outage instead of an endless redial log
func (engine *Engine) NotifyStalled(chain string, reason string) {
	engine.Logger.Error(fmt.Sprintf("%s feed stalled: %s", chain, reason))
	engine.Bus.Publish(types.Event{
		Kind:         types.EventChainStalled,
		ResourceType: "chain",
		ResourceID:   chain,
		Data:         reason,
	})
}

// Start : launch feeds and workers, rescan unprocessed blocks, then consume
// until ctx is cancelled
func (engine *Engine) Start(ctx context.Context) {
	for _, chainFeed := range engine.feeds {
		go chainFeed.Start(ctx)
		go engine.runChain(ctx, chainFeed)
	}
	go engine.runFailures(ctx)
	go engine.Rescan(ctx)
}

func (engine *Engine) runChain(ctx context.Context, chainFeed feed.ChainFeed) {
	queue := engine.queues[chainFeed.Chain()]
	for {
		select {
		case <-ctx.Done():
			return
		case block := <-queue:
			engine.processBlock(ctx, chainFeed, block)
		}
	}
}

func (engine *Engine) runFailures(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case failure := <-engine.failures:
			engine.handleFailure(failure)
		}
	}
}

// Rescan : replay every recorded unprocessed block once. Runs at startup;
// safe to run again at any time since a successful replay removes its record.
func (engine *Engine) Rescan(ctx context.Context) {
	for chain, chainFeed := range engine.feeds {
		blocks, err := engine.Ledger.ListUnprocessedBlocks(chain)
		if util.LoggerError(engine.Logger, err) != nil {
			continue
		}
		for _, block := range blocks {
			if ctx.Err() != nil {
				return
			}
			notification := types.BlockNotification{
				Chain:     block.Chain,
				BlockHash: block.BlockHash,
				Height:    block.Height,
				Timestamp: time.Now().Unix(),
			}
			engine.ingestBlock(ctx, chainFeed, notification, true)
		}
	}
}

// processBlock : catch-up synthesis for any height gap, then the block itself.
// A gap wider than maxCatchUp only synthesizes the newest maxCatchUp heights;
// the older stretch is surfaced as a chain.gap event so operators can arrange
// a backfill instead of the engine replaying unbounded history.
func (engine *Engine) processBlock(ctx context.Context, chainFeed feed.ChainFeed, block types.BlockNotification) {
	last, err := engine.Ledger.LastHeight(block.Chain)
	if err == nil && last > 0 && block.Height > last+1 {
		first := last + 1
		if block.Height-last > maxCatchUp {
			first = block.Height - maxCatchUp
			gap := types.ChainGap{Chain: block.Chain, FromHeight: last + 1, ToHeight: first - 1}
			engine.Logger.Error(fmt.Sprintf("%s gap exceeds catch-up bound, heights %d-%d skipped and need a backfill",
				gap.Chain, gap.FromHeight, gap.ToHeight))
			engine.Bus.Publish(types.Event{
				Kind:         types.EventChainGap,
				ResourceType: "chain",
				ResourceID:   block.Chain,
				Data:         gap,
			})
		}
		for height := first; height < block.Height; height++ {
			if ctx.Err() != nil {
				return
			}
			engine.ingestBlock(ctx, chainFeed, types.BlockNotification{
				Chain:     block.Chain,
				Height:    height,
				Timestamp: block.Timestamp,
			}, false)
		}
	}
	engine.ingestBlock(ctx, chainFeed, block, false)
}

func blockKey(block types.BlockNotification) string {
	if block.BlockHash != "" {
		return block.BlockHash
	}
	return "h:" + strconv.FormatInt(block.Height, 10)
}

// ingestBlock : dedupe, fetch txs with bounded retries, match and advance.
// The rescan path skips dedupe because the block was marked seen when it was
// first announced.
func (engine *Engine) ingestBlock(ctx context.Context, chainFeed feed.ChainFeed, block types.BlockNotification, rescan bool) {
	if !rescan {
		seen, err := engine.Ledger.MarkBlockSeen(block.Chain, blockKey(block))
		if err == nil && seen {
			engine.Logger.Debug("skipping already-seen block", "chain", block.Chain, "height", block.Height)
			return
		}
	}

	txs, attempts, err := engine.fetchBlockTxs(ctx, chainFeed, block)
	if err != nil {
		engine.Logger.Error(fmt.Sprintf("%s block %d unprocessed after %d attempts: %s",
			block.Chain, block.Height, attempts, err.Error()))
		record := types.UnprocessedBlock{
			Chain:     block.Chain,
			BlockHash: block.BlockHash,
			Height:    block.Height,
			Attempts:  attempts,
			LastError: err.Error(),
		}
		util.LoggerError(engine.Logger, engine.Ledger.AddUnprocessedBlock(record))
		engine.Bus.Publish(types.Event{
			Kind:         types.EventBlockUnprocessed,
			ResourceType: "chain",
			ResourceID:   block.Chain,
			Data:         record,
		})
		return
	}

	engine.matchBlock(chainFeed, block, txs)
	engine.advanceConfirming(chainFeed, block)

	last, lerr := engine.Ledger.LastHeight(block.Chain)
	if lerr == nil {
		util.LoggerError(engine.Logger, engine.Ledger.SetLastHeight(block.Chain, util.MaxInt64(last, block.Height)))
	}
	if rescan {
		util.LoggerError(engine.Logger, engine.Ledger.RemoveUnprocessedBlock(block.Chain, block.BlockHash, block.Height))
	}
	engine.Logger.Info(fmt.Sprintf("%s block %d processed, %d txs", block.Chain, block.Height, len(txs)))
}

func (engine *Engine) fetchBlockTxs(ctx context.Context, chainFeed feed.ChainFeed, block types.BlockNotification) ([]types.BlockTx, int, error) {
	retries := engine.Config.FetchRetries
	if retries <= 0 {
		retries = 1
	}
	timeout := engine.Config.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(util.Backoff(attempt, engine.retryBase, 30*time.Second)):
			}
		}
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		txs, err := chainFeed.BlockTxs(fetchCtx, block)
		cancel()
		if err == nil {
			return txs, attempt + 1, nil
		}
		lastErr = err
		engine.Logger.Debug("block tx fetch failed", "chain", block.Chain, "height", block.Height, "attempt", attempt+1, "err", err.Error())
	}
	return nil, retries, lastErr
}

// matchBlock : find pending payments for each tx, by expected txid first and
// by receiving address for payments whose txid is still unknown
func (engine *Engine) matchBlock(chainFeed feed.ChainFeed, block types.BlockNotification, txs []types.BlockTx) {
	for _, tx := range txs {
		payment, err := engine.Store.GetUnconfirmedPayment(block.Chain, tx.TxID)
		if err == types.ErrNotFound {
			payment, err = engine.matchByAddress(chainFeed, tx)
		}
		if err != nil {
			continue
		}
		engine.reconcile(chainFeed, payment, block)
	}
}

func (engine *Engine) matchByAddress(chainFeed feed.ChainFeed, tx types.BlockTx) (types.Payment, error) {
	for _, address := range tx.Addresses {
		payment, err := engine.Store.FindPaymentByAddress(chainFeed.Chain(), chainFeed.Currency(), address)
		if err != nil {
			continue
		}
		bound, err := engine.Store.SetPaymentTxID(payment.ID, tx.TxID)
		if err == types.ErrStateConflict {
			continue
		}
		if err != nil {
			return types.Payment{}, err
		}
		return bound, nil
	}
	return types.Payment{}, types.ErrNotFound
}

// advanceConfirming : every new block on a chain deepens the confirmation
// count of payments already confirming on it
func (engine *Engine) advanceConfirming(chainFeed feed.ChainFeed, block types.BlockNotification) {
	payments, err := engine.Store.ListUnconfirmedPayments(chainFeed.Chain(), chainFeed.Currency())
	if util.LoggerError(engine.Logger, err) != nil {
		return
	}
	for _, payment := range payments {
		if payment.Status != types.PaymentStatusConfirming {
			continue
		}
		engine.reconcile(chainFeed, payment, block)
	}
}

// reconcile : drive one payment's state forward for one block, serialized per
// (chain, txid). Replays and out-of-order blocks are no-ops because every
// transition compares the block height against the recorded confirmation
// height and every write is gated on the expected prior status.
func (engine *Engine) reconcile(chainFeed feed.ChainFeed, payment types.Payment, block types.BlockNotification) {
	key := payment.Chain + ":" + payment.TxID
	engine.locks.Lock(key)
	defer engine.locks.Unlock(key)

	threshold := engine.Config.ConfirmationThreshold(payment.Chain)
	for attempt := 0; attempt < casRetries; attempt++ {
		switch payment.Status {
		case types.PaymentStatusConfirmed, types.PaymentStatusFailed:
			return
		case types.PaymentStatusUnconfirmed:
			if engine.checkFailed(chainFeed, payment) {
				return
			}
			confirmation := types.Confirmation{
				Hash:          block.BlockHash,
				Height:        block.Height,
				Date:          time.Unix(block.Timestamp, 0).UTC(),
				Confirmations: 1,
			}
			status := types.PaymentStatusConfirming
			if threshold <= 1 {
				status = types.PaymentStatusConfirmed
			}
			updated, err := engine.Store.ConfirmPayment(payment.ID, types.PaymentStatusUnconfirmed, status, confirmation)
			if err == types.ErrStateConflict {
				payment, err = engine.Store.GetPaymentByTxID(payment.Chain, payment.TxID)
				if err != nil {
					return
				}
				continue
			}
			if util.LoggerError(engine.Logger, err) != nil {
				return
			}
			if status == types.PaymentStatusConfirmed {
				engine.settle(updated, confirmation)
			} else {
				engine.publishPayment(types.EventPaymentConfirming, updated, confirmation)
			}
			return
		case types.PaymentStatusConfirming:
			if block.Height <= payment.ConfirmationHeight {
				return
			}
			confirmations := int(block.Height-payment.ConfirmationHeight) + 1
			date := time.Unix(block.Timestamp, 0).UTC()
			if payment.ConfirmationDate != nil {
				date = *payment.ConfirmationDate
			}
			confirmation := types.Confirmation{
				Hash:          payment.ConfirmationHash,
				Height:        payment.ConfirmationHeight,
				Date:          date,
				Confirmations: confirmations,
			}
			status := types.PaymentStatusConfirming
			if confirmations >= threshold {
				status = types.PaymentStatusConfirmed
			}
			updated, err := engine.Store.ConfirmPayment(payment.ID, types.PaymentStatusConfirming, status, confirmation)
			if err == types.ErrStateConflict {
				payment, err = engine.Store.GetPaymentByTxID(payment.Chain, payment.TxID)
				if err != nil {
					return
				}
				continue
			}
			if util.LoggerError(engine.Logger, err) != nil {
				return
			}
			if status == types.PaymentStatusConfirmed {
				engine.settle(updated, confirmation)
			}
			return
		default:
			return
		}
	}
}

// checkFailed : on chains where an included tx can still revert, consult the
// feed before recording a confirmation
func (engine *Engine) checkFailed(chainFeed feed.ChainFeed, payment types.Payment) bool {
	checker, ok := chainFeed.(feed.StatusChecker)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	failed, reason, err := checker.TxFailed(ctx, payment.TxID)
	if err != nil || !failed {
		return false
	}
	engine.failPayment(payment, reason)
	return true
}

func (engine *Engine) handleFailure(failure types.TxFailure) {
	key := failure.Chain + ":" + failure.TxID
	engine.locks.Lock(key)
	defer engine.locks.Unlock(key)
	payment, err := engine.Store.GetPaymentByTxID(failure.Chain, failure.TxID)
	if err != nil {
		return
	}
	if payment.Status == types.PaymentStatusConfirmed || payment.Status == types.PaymentStatusFailed {
		return
	}
	engine.failPayment(payment, failure.Reason)
}

func (engine *Engine) failPayment(payment types.Payment, reason string) {
	for attempt := 0; attempt < casRetries; attempt++ {
		updated, err := engine.Store.SetPaymentStatus(payment.ID, payment.Status, types.PaymentStatusFailed)
		if err == types.ErrStateConflict {
			payment, err = engine.Store.GetPaymentByTxID(payment.Chain, payment.TxID)
			if err != nil || payment.Status == types.PaymentStatusConfirmed || payment.Status == types.PaymentStatusFailed {
				return
			}
			continue
		}
		if util.LoggerError(engine.Logger, err) != nil {
			return
		}
		engine.Logger.Info(fmt.Sprintf("payment %d failed on %s: %s", payment.ID, payment.Chain, reason))
		engine.publishPayment(types.EventPaymentFailed, updated, types.Confirmation{})
		return
	}
}

// settle : a payment reached its threshold; emit payment.confirmed and move
// the invoice to paid
func (engine *Engine) settle(payment types.Payment, confirmation types.Confirmation) {
	engine.Logger.Info(fmt.Sprintf("payment %d confirmed on %s at height %d", payment.ID, payment.Chain, confirmation.Height))
	engine.publishPayment(types.EventPaymentConfirmed, payment, confirmation)
	invoice, err := engine.Store.UpdateInvoiceStatus(payment.InvoiceUID, types.InvoiceStatusUnpaid, types.InvoiceStatusPaid)
	if err == types.ErrStateConflict {
		engine.Logger.Debug("invoice already past unpaid", "uid", payment.InvoiceUID)
		return
	}
	if util.LoggerError(engine.Logger, err) != nil {
		return
	}
	engine.Bus.Publish(types.Event{
		Kind:         types.EventInvoiceUpdated,
		ResourceType: types.ResourceInvoice,
		ResourceID:   invoice.UID,
		Data:         invoice,
	})
}

func (engine *Engine) publishPayment(kind string, payment types.Payment, confirmation types.Confirmation) {
	payload := types.PaymentEventPayload{
		InvoiceUID:   payment.InvoiceUID,
		Payment:      payment,
		Confirmation: confirmation,
	}
	invoice, err := engine.Store.GetInvoice(payment.InvoiceUID)
	if err == nil {
		payload.AccountID = invoice.AccountID
		payload.InvoiceStatus = invoice.Status
	}
	engine.Bus.Publish(types.Event{
		Kind:         kind,
		ResourceType: types.ResourceInvoice,
		ResourceID:   payment.InvoiceUID,
		Data:         payload,
	})
}

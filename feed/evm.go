package feed

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

// StatusChecker : optional feed capability for chains where a transaction
// can be included in a block and still fail. The engine consults it for
// matched transactions before recording a confirmation.
type StatusChecker interface {
	TxFailed(ctx context.Context, txid string) (bool, string, error)
}

// EVMFeed : newHeads subscription over an ethereum-compatible websocket rpc.
// Covers ETH and the sidechains that speak the same protocol.
type EVMFeed struct {
	Config types.FeedConfig
	Sink   Sink
	Logger log.Logger

	client *ethclient.Client
}

func NewEVMFeed(config types.FeedConfig, sink Sink, logger log.Logger) *EVMFeed {
	return &EVMFeed{Config: config, Sink: sink, Logger: logger}
}

func (feed *EVMFeed) Chain() string    { return feed.Config.Chain }
func (feed *EVMFeed) Currency() string { return feed.Config.Currency }

// Start : subscribe to new heads, redialing with backoff on subscription error
func (feed *EVMFeed) Start(ctx context.Context) {
	runLoop(ctx, feed.Config.Chain, "evm feed", feed.Sink, feed.Logger, reconnectBase, reconnectMax, feed.run)
}

func (feed *EVMFeed) run(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, feed.Config.URL)
	if err != nil {
		return err
	}
	defer client.Close()
	feed.client = client

	headers := make(chan *ethtypes.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, headers)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	feed.Logger.Info(fmt.Sprintf("%s evm feed connected", feed.Config.Chain))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case header := <-headers:
			if header == nil {
				continue
			}
			feed.Sink.NotifyBlock(types.BlockNotification{
				Chain:     feed.Config.Chain,
				BlockHash: header.Hash().Hex(),
				Height:    header.Number.Int64(),
				Timestamp: int64(header.Time),
			})
		}
	}
}

// BlockTxs : transactions of a block, fetched by hash when known and by
// number on the catch-up path. The recipient address is the only visible
// output on account-model chains.
func (feed *EVMFeed) BlockTxs(ctx context.Context, block types.BlockNotification) ([]types.BlockTx, error) {
	client, err := feed.dialed(ctx)
	if err != nil {
		return nil, err
	}
	var fetched *ethtypes.Block
	if block.BlockHash != "" {
		fetched, err = client.BlockByHash(ctx, common.HexToHash(block.BlockHash))
	} else {
		fetched, err = client.BlockByNumber(ctx, big.NewInt(block.Height))
	}
	if err != nil {
		return nil, err
	}
	txs := make([]types.BlockTx, 0, len(fetched.Transactions()))
	for _, tx := range fetched.Transactions() {
		blockTx := types.BlockTx{TxID: tx.Hash().Hex()}
		if to := tx.To(); to != nil {
			blockTx.Addresses = []string{to.Hex()}
		}
		txs = append(txs, blockTx)
	}
	return txs, nil
}

// TxFailed : a mined transaction with receipt status 0 reverted on chain.
// Ids that are not 32-byte hex cannot have a receipt, so they skip the rpc.
func (feed *EVMFeed) TxFailed(ctx context.Context, txid string) (bool, string, error) {
	if !util.IsHexTxID(txid) {
		return false, "", nil
	}
	client, err := feed.dialed(ctx)
	if err != nil {
		return false, "", err
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txid))
	if err != nil {
		return false, "", err
	}
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return true, "execution reverted", nil
	}
	return false, "", nil
}

// dialed : reuse the subscription connection when live, otherwise dial a
// fresh one for the lookup
func (feed *EVMFeed) dialed(ctx context.Context) (*ethclient.Client, error) {
	if feed.client != nil {
		return feed.client, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return ethclient.DialContext(dialCtx, feed.Config.URL)
}

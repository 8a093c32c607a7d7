package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
)

// SolanaFeed : slot subscription over the solana websocket rpc. Slots stand
// in for block heights; the signature list for a slot comes from the http
// rpc since the slot notification carries no transactions.
type SolanaFeed struct {
	Config types.FeedConfig
	Sink   Sink
	Logger log.Logger
	RPC    *rpc.Client
}

func NewSolanaFeed(config types.FeedConfig, sink Sink, logger log.Logger) *SolanaFeed {
	return &SolanaFeed{
		Config: config,
		Sink:   sink,
		Logger: logger,
		RPC:    rpc.New(httpEndpoint(config.URL)),
	}
}

func (feed *SolanaFeed) Chain() string    { return feed.Config.Chain }
func (feed *SolanaFeed) Currency() string { return feed.Config.Currency }

// Start : subscribe to slots, redialing with backoff
func (feed *SolanaFeed) Start(ctx context.Context) {
	runLoop(ctx, feed.Config.Chain, "solana feed", feed.Sink, feed.Logger, reconnectBase, reconnectMax, feed.run)
}

func (feed *SolanaFeed) run(ctx context.Context) error {
	client, err := ws.Connect(ctx, feed.Config.URL)
	if err != nil {
		return err
	}
	defer client.Close()
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	sub, err := client.SlotSubscribe()
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	feed.Logger.Info(fmt.Sprintf("%s solana feed connected", feed.Config.Chain))

	for {
		result, err := sub.Recv()
		if err != nil {
			return err
		}
		if result == nil {
			continue
		}
		feed.Sink.NotifyBlock(types.BlockNotification{
			Chain:     feed.Config.Chain,
			BlockHash: "",
			Height:    int64(result.Slot),
			Timestamp: time.Now().Unix(),
		})
	}
}

// BlockTxs : transaction signatures for a slot. A skipped slot yields an
// rpc error which surfaces to the caller's retry loop. Signatures carry no
// output addresses, so matching is txid-only on this chain.
func (feed *SolanaFeed) BlockTxs(ctx context.Context, block types.BlockNotification) ([]types.BlockTx, error) {
	includeRewards := false
	result, err := feed.RPC.GetBlockWithOpts(ctx, uint64(block.Height), &rpc.GetBlockOpts{
		TransactionDetails: rpc.TransactionDetailsSignatures,
		Commitment:         rpc.CommitmentConfirmed,
		Rewards:            &includeRewards,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("slot %d not available", block.Height)
	}
	txs := make([]types.BlockTx, 0, len(result.Signatures))
	for _, signature := range result.Signatures {
		txs = append(txs, types.BlockTx{TxID: signature.String()})
	}
	return txs, nil
}

func httpEndpoint(wsURL string) string {
	endpoint := strings.Replace(wsURL, "wss://", "https://", 1)
	return strings.Replace(endpoint, "ws://", "http://", 1)
}

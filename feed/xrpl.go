package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
)

// xrpl epoch starts 2000-01-01, 946684800 seconds after unix epoch
const rippleEpochOffset = 946684800

// XRPLFeed : ledger stream subscription against a rippled websocket. Closed
// ledgers map to block notifications; the tx hash list comes from a ledger
// command on a short-lived connection.
type XRPLFeed struct {
	Config types.FeedConfig
	Sink   Sink
	Logger log.Logger
}

type xrplSubscribe struct {
	ID      int      `json:"id"`
	Command string   `json:"command"`
	Streams []string `json:"streams"`
}

type xrplLedgerFrame struct {
	Type        string `json:"type"`
	LedgerHash  string `json:"ledger_hash"`
	LedgerIndex int64  `json:"ledger_index"`
	LedgerTime  int64  `json:"ledger_time"`
}

type xrplLedgerRequest struct {
	ID           int    `json:"id"`
	Command      string `json:"command"`
	LedgerIndex  int64  `json:"ledger_index"`
	Transactions bool   `json:"transactions"`
}

type xrplLedgerResponse struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
	Result struct {
		Ledger struct {
			Transactions []string `json:"transactions"`
		} `json:"ledger"`
	} `json:"result"`
}

func NewXRPLFeed(config types.FeedConfig, sink Sink, logger log.Logger) *XRPLFeed {
	return &XRPLFeed{Config: config, Sink: sink, Logger: logger}
}

func (feed *XRPLFeed) Chain() string    { return feed.Config.Chain }
func (feed *XRPLFeed) Currency() string { return feed.Config.Currency }

// Start : subscribe to the ledger stream, redialing with backoff
func (feed *XRPLFeed) Start(ctx context.Context) {
	runLoop(ctx, feed.Config.Chain, "xrpl feed", feed.Sink, feed.Logger, reconnectBase, reconnectMax, feed.run)
}

func (feed *XRPLFeed) run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, feed.Config.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := conn.WriteJSON(xrplSubscribe{ID: 1, Command: "subscribe", Streams: []string{"ledger"}}); err != nil {
		return err
	}
	feed.Logger.Info(fmt.Sprintf("%s xrpl feed connected", feed.Config.Chain))

	for {
		var frame xrplLedgerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Type != "ledgerClosed" || frame.LedgerHash == "" {
			continue
		}
		feed.Sink.NotifyBlock(types.BlockNotification{
			Chain:     feed.Config.Chain,
			BlockHash: frame.LedgerHash,
			Height:    frame.LedgerIndex,
			Timestamp: frame.LedgerTime + rippleEpochOffset,
		})
	}
}

// BlockTxs : tx hashes of a closed ledger via the ledger command. The hash
// list carries no destination accounts, so matching is txid-only here.
func (feed *XRPLFeed) BlockTxs(ctx context.Context, block types.BlockNotification) ([]types.BlockTx, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, feed.Config.URL, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	request := xrplLedgerRequest{ID: 2, Command: "ledger", LedgerIndex: block.Height, Transactions: true}
	if err := conn.WriteJSON(request); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(15 * time.Second)
	conn.SetReadDeadline(deadline)
	for {
		var response xrplLedgerResponse
		if err := conn.ReadJSON(&response); err != nil {
			return nil, err
		}
		if response.ID != request.ID {
			continue
		}
		if response.Status != "success" {
			return nil, fmt.Errorf("ledger %d lookup failed: %s", block.Height, response.Error)
		}
		txs := make([]types.BlockTx, 0, len(response.Result.Ledger.Transactions))
		for _, hash := range response.Result.Ledger.Transactions {
			txs = append(txs, types.BlockTx{TxID: hash})
		}
		return txs, nil
	}
}

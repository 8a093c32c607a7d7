package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

// BlockbookFeed : new-block subscription against a blockbook instance,
// used for the UTXO chains. Block announcements arrive over the websocket;
// the txid list comes from the REST api since the ws frame carries only
// height and hash.
type BlockbookFeed struct {
	Config types.FeedConfig
	Sink   Sink
	Logger log.Logger
	Client *http.Client
}

type blockbookRequest struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

type blockbookFrame struct {
	ID   string `json:"id"`
	Data struct {
		Subscribed bool   `json:"subscribed"`
		Height     int64  `json:"height"`
		Hash       string `json:"hash"`
	} `json:"data"`
}

type blockbookBlock struct {
	Page       int    `json:"page"`
	TotalPages int    `json:"totalPages"`
	Hash       string `json:"hash"`
	Height     int64  `json:"height"`
	Txs        []struct {
		TxID string `json:"txid"`
		Vout []struct {
			Addresses []string `json:"addresses"`
		} `json:"vout"`
	} `json:"txs"`
}

func NewBlockbookFeed(config types.FeedConfig, sink Sink, logger log.Logger) *BlockbookFeed {
	return &BlockbookFeed{
		Config: config,
		Sink:   sink,
		Logger: logger,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (feed *BlockbookFeed) Chain() string    { return feed.Config.Chain }
func (feed *BlockbookFeed) Currency() string { return feed.Config.Currency }

// Start : subscribe to subscribeNewBlock and deliver every announcement,
// redialing with backoff whenever the socket drops
func (feed *BlockbookFeed) Start(ctx context.Context) {
	runLoop(ctx, feed.Config.Chain, "blockbook feed", feed.Sink, feed.Logger, reconnectBase, reconnectMax, feed.run)
}

func (feed *BlockbookFeed) run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, feed.wsURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	subscribe := blockbookRequest{ID: "0", Method: "subscribeNewBlock", Params: map[string]interface{}{}}
	if err := conn.WriteJSON(subscribe); err != nil {
		return err
	}
	feed.Logger.Info(fmt.Sprintf("%s blockbook feed connected", feed.Config.Chain))

	for {
		var frame blockbookFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Data.Hash == "" {
			continue
		}
		feed.Sink.NotifyBlock(types.BlockNotification{
			Chain:     feed.Config.Chain,
			BlockHash: frame.Data.Hash,
			Height:    frame.Data.Height,
			Timestamp: time.Now().Unix(),
		})
	}
}

// BlockTxs : fetch the transactions of a block over the v2 REST api,
// following pagination. The api accepts either a block hash or a height,
// which also serves the catch-up path where only the height is known.
func (feed *BlockbookFeed) BlockTxs(ctx context.Context, block types.BlockNotification) ([]types.BlockTx, error) {
	ref := block.BlockHash
	if ref == "" {
		ref = fmt.Sprintf("%d", block.Height)
	}
	txs := make([]types.BlockTx, 0)
	page := 1
	for {
		body, err := feed.getBlockPage(ctx, ref, page)
		if err != nil {
			return nil, err
		}
		var decoded blockbookBlock
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, err
		}
		for _, tx := range decoded.Txs {
			addresses := make([]string, 0)
			for _, out := range tx.Vout {
				addresses = append(addresses, out.Addresses...)
			}
			txs = append(txs, types.BlockTx{TxID: tx.TxID, Addresses: util.UniquifyStrings(addresses)})
		}
		if decoded.TotalPages <= page {
			break
		}
		page++
	}
	return txs, nil
}

func (feed *BlockbookFeed) getBlockPage(ctx context.Context, ref string, page int) ([]byte, error) {
	url := fmt.Sprintf("%s/api/v2/block/%s?page=%d", feed.restBase(), ref, page)
	if feed.Config.APIKey != "" {
		url += "&api_key=" + feed.Config.APIKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := feed.Client.Do(req)
	if util.LoggerError(feed.Logger, err) != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blockbook block fetch returned %d", resp.StatusCode)
	}
	return ioutil.ReadAll(resp.Body)
}

func (feed *BlockbookFeed) wsURL() string {
	url := feed.Config.URL
	if feed.Config.APIKey != "" {
		if strings.Contains(url, "?") {
			url += "&api_key=" + feed.Config.APIKey
		} else {
			url += "?api_key=" + feed.Config.APIKey
		}
	}
	return url
}

// restBase : derive the https endpoint from the websocket url
func (feed *BlockbookFeed) restBase() string {
	base := feed.Config.URL
	base = strings.TrimSuffix(base, "/websocket")
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	return base
}

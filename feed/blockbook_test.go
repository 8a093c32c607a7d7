package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
)

func TestRestBase(t *testing.T) {
	assert := assert.New(t)
	feed := NewBlockbookFeed(types.FeedConfig{URL: "wss://btcbook.example.com/websocket"}, nullSink{}, log.NewNopLogger())
	assert.Equal("https://btcbook.example.com", feed.restBase())

	feed = NewBlockbookFeed(types.FeedConfig{URL: "ws://localhost:9130/websocket"}, nullSink{}, log.NewNopLogger())
	assert.Equal("http://localhost:9130", feed.restBase())
}

func TestWsURLCarriesAPIKey(t *testing.T) {
	assert := assert.New(t)
	feed := NewBlockbookFeed(types.FeedConfig{URL: "wss://btcbook.example.com/websocket", APIKey: "k1"}, nullSink{}, log.NewNopLogger())
	assert.Equal("wss://btcbook.example.com/websocket?api_key=k1", feed.wsURL())

	feed = NewBlockbookFeed(types.FeedConfig{URL: "wss://btcbook.example.com/websocket?x=1", APIKey: "k1"}, nullSink{}, log.NewNopLogger())
	assert.Equal("wss://btcbook.example.com/websocket?x=1&api_key=k1", feed.wsURL())
}

func TestBlockTxsFollowsPagination(t *testing.T) {
	assert := assert.New(t)

	pages := map[string]string{
		"1": `{"page":1,"totalPages":2,"txs":[
			{"txid":"tx1","vout":[{"addresses":["addr1","addr2"]},{"addresses":["addr1"]}]}
		]}`,
		"2": `{"page":2,"totalPages":2,"txs":[
			{"txid":"tx2","vout":[{"addresses":["addr3"]}]}
		]}`,
	}
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/api/v2/block/blockhash1"), r.URL.Path)
		fmt.Fprint(w, pages[r.URL.Query().Get("page")])
	}))
	defer endpoint.Close()

	wsURL := "ws" + strings.TrimPrefix(endpoint.URL, "http") + "/websocket"
	feed := NewBlockbookFeed(types.FeedConfig{Chain: "BTC", Currency: "BTC", URL: wsURL}, nullSink{}, log.NewNopLogger())

	txs, err := feed.BlockTxs(context.Background(), types.BlockNotification{Chain: "BTC", BlockHash: "blockhash1", Height: 100})
	require.Nil(t, err)
	require.Len(t, txs, 2, "both pages should be read")
	assert.Equal("tx1", txs[0].TxID)
	assert.Equal([]string{"addr1", "addr2"}, txs[0].Addresses, "output addresses should deduplicate")
	assert.Equal("tx2", txs[1].TxID)
}

func TestBlockTxsByHeight(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/block/12345", r.URL.Path, "hashless notifications fetch by height")
		fmt.Fprint(w, `{"page":1,"totalPages":1,"txs":[]}`)
	}))
	defer endpoint.Close()

	wsURL := "ws" + strings.TrimPrefix(endpoint.URL, "http") + "/websocket"
	feed := NewBlockbookFeed(types.FeedConfig{Chain: "BTC", Currency: "BTC", URL: wsURL}, nullSink{}, log.NewNopLogger())

	txs, err := feed.BlockTxs(context.Background(), types.BlockNotification{Chain: "BTC", Height: 12345})
	require.Nil(t, err)
	assert.Len(t, txs, 0)
}

func TestBlockTxsServerError(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer endpoint.Close()

	wsURL := "ws" + strings.TrimPrefix(endpoint.URL, "http") + "/websocket"
	feed := NewBlockbookFeed(types.FeedConfig{Chain: "BTC", Currency: "BTC", URL: wsURL}, nullSink{}, log.NewNopLogger())

	_, err := feed.BlockTxs(context.Background(), types.BlockNotification{Chain: "BTC", BlockHash: "h"})
	assert.NotNil(t, err, "non-200 should surface to the retry loop")
}

package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fake rippled answering the ledger command
func xrplServer(t *testing.T, transactions []string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.Nil(t, err)
		defer conn.Close()
		var request xrplLedgerRequest
		if err := conn.ReadJSON(&request); err != nil {
			return
		}
		response := xrplLedgerResponse{ID: request.ID, Status: "success"}
		response.Result.Ledger.Transactions = transactions
		conn.WriteJSON(response)
	}))
}

func TestXRPLBlockTxs(t *testing.T) {
	assert := assert.New(t)
	server := xrplServer(t, []string{"HASH1", "HASH2"})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := NewXRPLFeed(types.FeedConfig{Chain: "XRP", Currency: "XRP", URL: wsURL}, nullSink{}, log.NewNopLogger())

	txs, err := feed.BlockTxs(context.Background(), types.BlockNotification{Chain: "XRP", Height: 75443361})
	require.Nil(t, err)
	require.Len(t, txs, 2)
	assert.Equal("HASH1", txs[0].TxID)
	assert.Empty(txs[0].Addresses, "ledger hash lists carry no destinations")
}

func TestXRPLBlockTxsLedgerNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.Nil(t, err)
		defer conn.Close()
		var request xrplLedgerRequest
		if err := conn.ReadJSON(&request); err != nil {
			return
		}
		conn.WriteJSON(xrplLedgerResponse{ID: request.ID, Status: "error", Error: "lgrNotFound"})
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := NewXRPLFeed(types.FeedConfig{Chain: "XRP", Currency: "XRP", URL: wsURL}, nullSink{}, log.NewNopLogger())

	_, err := feed.BlockTxs(context.Background(), types.BlockNotification{Chain: "XRP", Height: 1})
	assert.NotNil(t, err)
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/bus"
	"github.com/paywatch/paywatch-core/database/memstore"
	"github.com/paywatch/paywatch-core/dispatch"
	"github.com/paywatch/paywatch-core/invoices"
	"github.com/paywatch/paywatch-core/prices"
	"github.com/paywatch/paywatch-core/types"
)

const btcAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func testServer(t *testing.T) (*Server, *memstore.Memstore) {
	logger := log.NewNopLogger()
	store, err := memstore.NewMemstore(logger)
	require.Nil(t, err)
	eventBus := bus.NewEventBus(logger)
	t.Cleanup(eventBus.Stop)

	_, err = store.SeedAccount(types.Account{Name: "shop", Currency: "USD"}, "pk_test", []types.Address{
		{Chain: "BTC", Currency: "BTC", Value: btcAddress},
	})
	require.Nil(t, err)
	require.Nil(t, store.SeedCoin(types.Coin{Chain: "BTC", Currency: "BTC", Precision: 8}))

	priceService := prices.NewService(store, eventBus, time.Minute, logger)
	require.Nil(t, priceService.SetPrice(types.Price{Currency: "BTC", Base: "USD", Value: 50000}))
	invoiceService := invoices.NewService(store, priceService, eventBus, logger)
	registry := dispatch.NewRegistry(logger)

	cfg := types.PaywatchConfig{
		APIPort: "8080",
		Feeds:   []types.FeedConfig{{Chain: "BTC", Kind: "blockbook", Currency: "BTC"}},
	}
	return NewServer(store, invoiceService, priceService, registry, cfg, logger), store
}

func doRequest(t *testing.T, server *Server, method string, path string, token string, body interface{}) *httptest.ResponseRecorder {
	router, err := server.Router()
	require.Nil(t, err)
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.Nil(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestHomeHandler(t *testing.T) {
	server, _ := testServer(t)
	recorder := doRequest(t, server, "GET", "/", "", nil)
	assert.Equal(t, http.StatusTeapot, recorder.Code)
}

func TestStatusHandler(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer(t)
	recorder := doRequest(t, server, "GET", "/status", "", nil)
	assert.Equal(http.StatusOK, recorder.Code)

	var status map[string]interface{}
	require.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal([]interface{}{"BTC"}, status["chains"])
	assert.Equal(float64(0), status["sessions"])
}

func TestCreateInvoiceRequiresKey(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer(t)

	recorder := doRequest(t, server, "POST", "/api/v1/invoices", "", types.Message{Amount: 1000, Currency: "USD"})
	assert.Equal(http.StatusUnauthorized, recorder.Code, "anonymous create should be rejected")

	recorder = doRequest(t, server, "POST", "/api/v1/invoices", "pk_wrong", types.Message{Amount: 1000, Currency: "USD"})
	assert.Equal(http.StatusUnauthorized, recorder.Code, "unknown key should be rejected")
}

func TestCreateAndFetchInvoice(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer(t)

	recorder := doRequest(t, server, "POST", "/api/v1/invoices", "pk_test", types.Message{Amount: 10000, Currency: "USD"})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var detail invoices.InvoiceDetail
	require.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &detail))
	assert.Equal(types.InvoiceStatusUnpaid, detail.Invoice.Status)
	require.Len(t, detail.Options, 1)
	assert.Equal(int64(200000), detail.Options[0].Amount)

	recorder = doRequest(t, server, "GET", "/api/v1/invoices/"+detail.Invoice.UID, "", nil)
	assert.Equal(http.StatusOK, recorder.Code, "invoice fetch needs no key")

	recorder = doRequest(t, server, "GET", "/api/v1/invoices/inv_missing", "", nil)
	assert.Equal(http.StatusNotFound, recorder.Code)
}

func TestCreateInvoiceRejectsBadBody(t *testing.T) {
	server, _ := testServer(t)
	recorder := doRequest(t, server, "POST", "/api/v1/invoices", "pk_test", types.Message{Currency: "USD"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code, "missing amount should be a 400")
}

func TestCancelInvoice(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer(t)

	recorder := doRequest(t, server, "POST", "/api/v1/invoices", "pk_test", types.Message{Amount: 10000, Currency: "USD"})
	require.Equal(t, http.StatusOK, recorder.Code)
	var detail invoices.InvoiceDetail
	require.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &detail))

	recorder = doRequest(t, server, "DELETE", "/api/v1/invoices/"+detail.Invoice.UID, "", nil)
	assert.Equal(http.StatusUnauthorized, recorder.Code, "anonymous cancel should be rejected")

	recorder = doRequest(t, server, "DELETE", "/api/v1/invoices/"+detail.Invoice.UID, "pk_test", nil)
	assert.Equal(http.StatusOK, recorder.Code)

	recorder = doRequest(t, server, "DELETE", "/api/v1/invoices/"+detail.Invoice.UID, "pk_test", nil)
	assert.Equal(http.StatusConflict, recorder.Code, "cancelled invoice cannot cancel again")

	recorder = doRequest(t, server, "DELETE", "/api/v1/invoices/inv_missing", "pk_test", nil)
	assert.Equal(http.StatusNotFound, recorder.Code)
}

func TestPricesHandler(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer(t)
	recorder := doRequest(t, server, "GET", "/api/v1/prices", "", nil)
	assert.Equal(http.StatusOK, recorder.Code)

	var priceList []types.Price
	require.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &priceList))
	require.Len(t, priceList, 1)
	assert.Equal("BTC", priceList[0].Currency)
}

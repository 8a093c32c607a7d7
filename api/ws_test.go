package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paywatch/paywatch-core/invoices"
	"github.com/paywatch/paywatch-core/types"
)

func TestDispatchActionPing(t *testing.T) {
	server, _ := testServer(t)
	session := server.Registry.Register(0)
	response := server.dispatchAction(session, types.Message{Action: "ping"})
	assert.Equal(t, "success", response.Status)
	assert.Equal(t, "pong", response.Data)
}

func TestDispatchActionUnknown(t *testing.T) {
	server, _ := testServer(t)
	session := server.Registry.Register(0)
	response := server.dispatchAction(session, types.Message{Action: "teleport"})
	assert.Equal(t, "error", response.Status)
}

func TestDispatchActionSubscribe(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer(t)
	session := server.Registry.Register(0)

	response := server.dispatchAction(session, types.Message{Action: "subscribe", Type: types.ResourceInvoice, ID: "inv_1"})
	assert.Equal("success", response.Status)
	assert.True(session.Subscribed(types.ResourceInvoice, "inv_1"))

	response = server.dispatchAction(session, types.Message{Action: "subscribe", Type: "price", ID: "x"})
	assert.Equal("error", response.Status, "only invoice, account and address resources subscribe")

	response = server.dispatchAction(session, types.Message{Action: "subscribe", Type: types.ResourceInvoice})
	assert.Equal("error", response.Status, "resource id is required")

	response = server.dispatchAction(session, types.Message{Action: "unsubscribe", Type: types.ResourceInvoice, ID: "inv_1"})
	assert.Equal("success", response.Status)
	assert.False(session.Subscribed(types.ResourceInvoice, "inv_1"))
}

func TestDispatchActionWriteRequiresAccount(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer(t)
	anon := server.Registry.Register(0)

	response := server.dispatchAction(anon, types.Message{Action: "create_invoice", Amount: 1000, Currency: "USD"})
	assert.Equal("error", response.Status, "anonymous session may not create invoices")

	response = server.dispatchAction(anon, types.Message{Action: "cancel_invoice", UID: "inv_1"})
	assert.Equal("error", response.Status, "anonymous session may not cancel invoices")
}

func TestDispatchActionInvoiceLifecycle(t *testing.T) {
	assert := assert.New(t)
	server, store := testServer(t)
	accountID, err := store.ValidateAPIKey("pk_test")
	require.Nil(t, err)
	session := server.Registry.Register(accountID)

	response := server.dispatchAction(session, types.Message{Action: "create_invoice", Amount: 10000, Currency: "USD"})
	require.Equal(t, "success", response.Status, response.Message)
	created, ok := response.Data.(invoices.InvoiceDetail)
	require.True(t, ok)
	assert.Equal(types.InvoiceStatusUnpaid, created.Invoice.Status)
	assert.Len(created.Options, 1)

	response = server.dispatchAction(session, types.Message{Action: "fetch_invoice", UID: created.Invoice.UID})
	assert.Equal("success", response.Status)

	response = server.dispatchAction(session, types.Message{Action: "cancel_invoice", UID: created.Invoice.UID})
	assert.Equal("success", response.Status)

	response = server.dispatchAction(session, types.Message{Action: "cancel_invoice", UID: created.Invoice.UID})
	assert.Equal("error", response.Status, "second cancel should conflict")

	response = server.dispatchAction(session, types.Message{Action: "fetch_invoice", UID: "inv_missing"})
	assert.Equal("error", response.Status)
}

func TestDispatchActionConvertPrice(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer(t)
	session := server.Registry.Register(0)

	response := server.dispatchAction(session, types.Message{
		Action:        "convert_price",
		QuoteValue:    0.5,
		QuoteCurrency: "BTC",
		BaseCurrency:  "USD",
	})
	require.Equal(t, "success", response.Status)
	data := response.Data.(map[string]interface{})
	assert.Equal(float64(25000), data["value"])

	response = server.dispatchAction(session, types.Message{
		Action:        "convert_price",
		QuoteValue:    1,
		QuoteCurrency: "BTC",
		BaseCurrency:  "EUR",
	})
	assert.Equal("error", response.Status)
}

func TestWebsocketRoundTrip(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer(t)
	router, err := server.Router()
	require.Nil(t, err)
	httpServer := httptest.NewServer(router)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer pk_test")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Nil(t, err)
	defer conn.Close()

	require.Nil(t, conn.WriteJSON(types.Message{Action: "ping"}))
	var response types.Response
	require.Nil(t, conn.ReadJSON(&response))
	assert.Equal("success", response.Status)
	assert.Equal("pong", response.Data)

	// a payment event for the session's account arrives as a push frame
	require.Nil(t, conn.WriteJSON(types.Message{Action: "subscribe", Type: types.ResourceInvoice, ID: "inv_42"}))
	require.Nil(t, conn.ReadJSON(&response))
	require.Equal(t, "success", response.Status)

	server.Registry.Route(types.Event{
		Kind:         types.EventPaymentConfirmed,
		ResourceType: types.ResourceInvoice,
		ResourceID:   "inv_42",
		Data:         types.PaymentEventPayload{InvoiceUID: "inv_42"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var push types.Push
	require.Nil(t, conn.ReadJSON(&push))
	assert.Equal(types.EventPaymentConfirmed, push.Type)
	payload, err := json.Marshal(push.Data)
	require.Nil(t, err)
	assert.Contains(string(payload), "inv_42")
}

func TestWebsocketRejectsBadKey(t *testing.T) {
	server, _ := testServer(t)
	router, err := server.Router()
	require.Nil(t, err)
	httpServer := httptest.NewServer(router)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer pk_wrong")
	_, response, err := websocket.DefaultDialer.Dial(wsURL, header)
	assert.NotNil(t, err, "handshake should fail")
	require.NotNil(t, response)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
}

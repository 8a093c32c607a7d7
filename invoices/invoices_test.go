package invoices

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/bus"
	"github.com/paywatch/paywatch-core/database/memstore"
	"github.com/paywatch/paywatch-core/prices"
	"github.com/paywatch/paywatch-core/types"
)

// valid mainnet P2PKH address
const btcAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

func testService(t *testing.T) (*Service, *memstore.Memstore, *bus.EventBus, types.Account) {
	store, err := memstore.NewMemstore(log.NewNopLogger())
	require.Nil(t, err)
	eventBus := bus.NewEventBus(log.NewNopLogger())
	t.Cleanup(eventBus.Stop)

	account, err := store.SeedAccount(types.Account{Name: "shop", Currency: "USD"}, "pk_test", []types.Address{
		{Chain: "BTC", Currency: "BTC", Value: btcAddress},
		{Chain: "ETH", Currency: "ETH", Value: "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"},
	})
	require.Nil(t, err)
	require.Nil(t, store.SeedCoin(types.Coin{Chain: "BTC", Currency: "BTC", Precision: 8, FeeAmount: 1000, FeeAddress: "1BitcoinEaterAddressDontSendf59kuE"}))
	require.Nil(t, store.SeedCoin(types.Coin{Chain: "ETH", Currency: "ETH", Precision: 8}))

	priceService := prices.NewService(store, eventBus, time.Minute, log.NewNopLogger())
	require.Nil(t, priceService.SetPrice(types.Price{Currency: "BTC", Base: "USD", Value: 50000}))
	require.Nil(t, priceService.SetPrice(types.Price{Currency: "ETH", Base: "USD", Value: 2500}))

	return NewService(store, priceService, eventBus, log.NewNopLogger()), store, eventBus, account
}

func TestCreateInvoice(t *testing.T) {
	assert := assert.New(t)
	service, store, eventBus, account := testService(t)
	handle := eventBus.Subscribe("invtest")

	detail, err := service.Create(CreateRequest{
		AccountID: account.ID,
		Amount:    10000, // 100.00 USD
		Currency:  "usd",
		Memo:      "order 1234",
	})
	assert.Nil(err)
	assert.True(strings.HasPrefix(detail.Invoice.UID, "inv_"), "uid should carry the inv_ prefix")
	assert.Equal("USD", detail.Invoice.Currency, "currency should normalize to upper case")
	assert.Equal(types.InvoiceStatusUnpaid, detail.Invoice.Status)
	assert.Len(detail.Options, 2, "one option per registered address")

	for _, option := range detail.Options {
		switch option.Chain {
		case "BTC":
			// 100 USD at 50000 USD/BTC is 0.002 BTC
			assert.Equal(int64(200000), option.Amount)
			assert.Equal(int64(1000), option.Fee, "utxo option should carry the fee")
			assert.Len(option.Outputs, 2, "utxo option should carry the fee output")
			assert.Equal("pay:btc_"+detail.Invoice.UID, option.URI)
		case "ETH":
			// 100 USD at 2500 USD/ETH is 0.04 ETH
			assert.Equal(int64(4000000), option.Amount)
			assert.Zero(option.Fee, "account-model option has no fee output")
			assert.Len(option.Outputs, 1)
		default:
			t.Fatalf("unexpected option chain %s", option.Chain)
		}
		payment, err := store.FindPaymentByAddress(option.Chain, option.Currency, option.Address)
		assert.Nil(err, "each option should have a pending payment")
		assert.Equal(detail.Invoice.UID, payment.InvoiceUID)
		assert.Equal(option.Amount, payment.Amount)
	}

	select {
	case event := <-handle.C:
		assert.Equal(types.EventInvoiceCreated, event.Kind)
		assert.Equal(detail.Invoice.UID, event.ResourceID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an invoice.created event")
	}
}

func TestCreateInvoiceValidation(t *testing.T) {
	assert := assert.New(t)
	service, _, _, account := testService(t)

	_, err := service.Create(CreateRequest{AccountID: account.ID, Amount: 0, Currency: "USD"})
	assert.NotNil(err, "zero amount should be rejected")

	_, err = service.Create(CreateRequest{AccountID: account.ID, Amount: 100})
	assert.NotNil(err, "missing currency should be rejected")

	_, err = service.Create(CreateRequest{AccountID: account.ID + 99, Amount: 100, Currency: "USD"})
	assert.Equal(types.ErrNotFound, err, "unknown account should be rejected")
}

func TestCreateSkipsUnpriceableAddress(t *testing.T) {
	assert := assert.New(t)
	service, store, _, account := testService(t)
	// DOGE address has coin metadata but no quote against USD
	_, err := store.SeedAccount(account, "", []types.Address{{Chain: "DOGE", Currency: "DOGE", Value: "DDogepartyxxxxxxxxxxxxxxxxxxw1dfzr"}})
	require.Nil(t, err)
	require.Nil(t, store.SeedCoin(types.Coin{Chain: "DOGE", Currency: "DOGE", Precision: 8}))

	detail, err := service.Create(CreateRequest{AccountID: account.ID, Amount: 5000, Currency: "USD"})
	assert.Nil(err)
	assert.Len(detail.Options, 2, "address without a price should be skipped, not fail the invoice")
}

func TestCreateSkipsInvalidBitcoinAddress(t *testing.T) {
	assert := assert.New(t)
	service, store, _, _ := testService(t)
	account, err := store.SeedAccount(types.Account{Name: "badaddr", Currency: "USD"}, "", []types.Address{
		{Chain: "BTC", Currency: "BTC", Value: "notanaddress"},
	})
	require.Nil(t, err)

	detail, err := service.Create(CreateRequest{AccountID: account.ID, Amount: 5000, Currency: "USD"})
	assert.Nil(err)
	assert.Len(detail.Options, 0, "invalid address yields no option")
}

func TestFetch(t *testing.T) {
	assert := assert.New(t)
	service, _, _, account := testService(t)

	created, err := service.Create(CreateRequest{AccountID: account.ID, Amount: 10000, Currency: "USD"})
	require.Nil(t, err)

	detail, err := service.Fetch(created.Invoice.UID)
	assert.Nil(err)
	assert.Equal(created.Invoice.UID, detail.Invoice.UID)
	assert.Len(detail.Options, 2)

	_, err = service.Fetch("inv_missing")
	assert.Equal(types.ErrNotFound, err)
}

func TestCancel(t *testing.T) {
	assert := assert.New(t)
	service, _, eventBus, account := testService(t)

	created, err := service.Create(CreateRequest{AccountID: account.ID, Amount: 10000, Currency: "USD"})
	require.Nil(t, err)
	handle := eventBus.Subscribe("canceltest")

	assert.Equal(types.ErrStateConflict, service.Cancel(created.Invoice.UID, account.ID+1), "only the owner may cancel")
	assert.Nil(service.Cancel(created.Invoice.UID, account.ID))

	fetched, err := service.Fetch(created.Invoice.UID)
	assert.Nil(err)
	assert.Equal(types.InvoiceStatusCancelled, fetched.Invoice.Status)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-handle.C:
			if event.Kind == types.EventInvoiceUpdated {
				assert.Equal(created.Invoice.UID, event.ResourceID)
				return
			}
		case <-deadline:
			t.Fatal("expected an invoice.updated event")
		}
	}
}

func TestPaymentURI(t *testing.T) {
	assert.Equal(t, "pay:btc_inv_01H", PaymentURI("BTC", "inv_01H"))
}

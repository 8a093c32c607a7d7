package memstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
)

func testStore(t *testing.T) *Memstore {
	store, err := NewMemstore(log.NewNopLogger())
	require.Nil(t, err)
	return store
}

func seedMerchant(t *testing.T, store *Memstore) types.Account {
	account, err := store.SeedAccount(types.Account{Name: "shop", Currency: "USD"}, "pk_test", []types.Address{
		{Chain: "BTC", Currency: "BTC", Value: "bc1qmerchant"},
		{Chain: "ETH", Currency: "ETH", Value: "0xmerchant"},
	})
	require.Nil(t, err)
	require.Nil(t, store.SeedCoin(types.Coin{Chain: "BTC", Currency: "BTC", Precision: 8, FeeAmount: 1000, FeeAddress: "bc1qfee"}))
	return account
}

func TestInvoiceLifecycle(t *testing.T) {
	assert := assert.New(t)
	store := testStore(t)
	account := seedMerchant(t, store)

	invoice, err := store.CreateInvoice(types.Invoice{
		UID:       "inv_1",
		AccountID: account.ID,
		Amount:    1999,
		Currency:  "USD",
		Status:    types.InvoiceStatusUnpaid,
	})
	assert.Nil(err)
	assert.NotZero(invoice.ID)

	fetched, err := store.GetInvoice("inv_1")
	assert.Nil(err)
	assert.Equal(invoice.UID, fetched.UID)

	_, err = store.GetInvoice("inv_missing")
	assert.Equal(types.ErrNotFound, err)

	updated, err := store.UpdateInvoiceStatus("inv_1", types.InvoiceStatusUnpaid, types.InvoiceStatusPaid)
	assert.Nil(err)
	assert.Equal(types.InvoiceStatusPaid, updated.Status)

	_, err = store.UpdateInvoiceStatus("inv_1", types.InvoiceStatusUnpaid, types.InvoiceStatusPaid)
	assert.Equal(types.ErrStateConflict, err, "second transition from unpaid should lose the CAS")
}

func TestCancelInvoiceGuards(t *testing.T) {
	assert := assert.New(t)
	store := testStore(t)
	account := seedMerchant(t, store)

	_, err := store.CreateInvoice(types.Invoice{UID: "inv_1", AccountID: account.ID, Status: types.InvoiceStatusUnpaid})
	assert.Nil(err)

	assert.Equal(types.ErrStateConflict, store.CancelInvoice("inv_1", account.ID+1), "wrong account may not cancel")
	assert.Nil(store.CancelInvoice("inv_1", account.ID))
	assert.Equal(types.ErrStateConflict, store.CancelInvoice("inv_1", account.ID), "cancelled invoice may not be cancelled again")
	assert.Equal(types.ErrNotFound, store.CancelInvoice("inv_ghost", account.ID))
}

func TestValidateAPIKey(t *testing.T) {
	assert := assert.New(t)
	store := testStore(t)
	account := seedMerchant(t, store)

	id, err := store.ValidateAPIKey("pk_test")
	assert.Nil(err)
	assert.Equal(account.ID, id)

	_, err = store.ValidateAPIKey("pk_wrong")
	assert.Equal(types.ErrUnauthorized, err)
}

func TestListAddressesAndCoin(t *testing.T) {
	assert := assert.New(t)
	store := testStore(t)
	account := seedMerchant(t, store)

	addresses, err := store.ListAddresses(account.ID)
	assert.Nil(err)
	assert.Len(addresses, 2)

	coin, err := store.GetCoin("BTC", "BTC")
	assert.Nil(err)
	assert.Equal(8, coin.Precision)

	_, err = store.GetCoin("BTC", "DOGE")
	assert.Equal(types.ErrNotFound, err)
}

func TestPaymentStatusTransitions(t *testing.T) {
	assert := assert.New(t)
	store := testStore(t)

	payment, err := store.CreatePayment(types.Payment{
		InvoiceUID: "inv_1",
		Chain:      "BTC",
		Currency:   "BTC",
		Address:    "bc1qmerchant",
		Amount:     50000,
		TxID:       "aa10960ccc613e4ad0533a813e2027924afd051f5065bb5379a80337c69afcb4",
		Status:     types.PaymentStatusUnconfirmed,
	})
	assert.Nil(err)

	found, err := store.GetUnconfirmedPayment("BTC", payment.TxID)
	assert.Nil(err)
	assert.Equal(payment.ID, found.ID)

	confirmed, err := store.ConfirmPayment(payment.ID, types.PaymentStatusUnconfirmed, types.PaymentStatusConfirming, types.Confirmation{
		Hash:          "00000abc",
		Height:        800000,
		Confirmations: 1,
	})
	assert.Nil(err)
	assert.Equal(types.PaymentStatusConfirming, confirmed.Status)
	assert.Equal(int64(800000), confirmed.ConfirmationHeight)
	assert.NotNil(confirmed.ConfirmationDate)

	_, err = store.ConfirmPayment(payment.ID, types.PaymentStatusUnconfirmed, types.PaymentStatusConfirming, types.Confirmation{})
	assert.Equal(types.ErrStateConflict, err, "replayed transition should lose the CAS")

	settled, err := store.SetPaymentStatus(payment.ID, types.PaymentStatusConfirming, types.PaymentStatusConfirmed)
	assert.Nil(err)
	assert.Equal(types.PaymentStatusConfirmed, settled.Status)

	_, err = store.GetUnconfirmedPayment("BTC", payment.TxID)
	assert.Equal(types.ErrNotFound, err, "confirmed payment is no longer pending")

	byTxID, err := store.GetPaymentByTxID("BTC", payment.TxID)
	assert.Nil(err)
	assert.Equal(types.PaymentStatusConfirmed, byTxID.Status)
}

func TestFindPaymentByAddress(t *testing.T) {
	assert := assert.New(t)
	store := testStore(t)

	payment, err := store.CreatePayment(types.Payment{
		InvoiceUID: "inv_1",
		Chain:      "ETH",
		Currency:   "ETH",
		Address:    "0xmerchant",
		Amount:     1,
		Status:     types.PaymentStatusUnconfirmed,
	})
	assert.Nil(err)

	found, err := store.FindPaymentByAddress("ETH", "ETH", "0xmerchant")
	assert.Nil(err)
	assert.Equal(payment.ID, found.ID)

	bound, err := store.SetPaymentTxID(payment.ID, "0xabc")
	assert.Nil(err)
	assert.Equal("0xabc", bound.TxID)

	_, err = store.SetPaymentTxID(payment.ID, "0xdef")
	assert.Equal(types.ErrStateConflict, err, "a bound payment may not be rebound")

	_, err = store.FindPaymentByAddress("ETH", "ETH", "0xmerchant")
	assert.Equal(types.ErrNotFound, err, "bound payment no longer matches by address")
}

func TestListUnconfirmedPayments(t *testing.T) {
	assert := assert.New(t)
	store := testStore(t)

	_, err := store.CreatePayment(types.Payment{InvoiceUID: "inv_1", Chain: "BTC", Currency: "BTC", Address: "a1", Status: types.PaymentStatusUnconfirmed})
	assert.Nil(err)
	second, err := store.CreatePayment(types.Payment{InvoiceUID: "inv_2", Chain: "BTC", Currency: "BTC", Address: "a2", Status: types.PaymentStatusConfirming})
	assert.Nil(err)
	_, err = store.CreatePayment(types.Payment{InvoiceUID: "inv_3", Chain: "DOGE", Currency: "DOGE", Address: "a3", Status: types.PaymentStatusUnconfirmed})
	assert.Nil(err)
	_, err = store.SetPaymentStatus(second.ID, types.PaymentStatusConfirming, types.PaymentStatusConfirmed)
	assert.Nil(err)

	pending, err := store.ListUnconfirmedPayments("BTC", "BTC")
	assert.Nil(err)
	assert.Len(pending, 1, "only pending payments for the requested chain should list")
}

func TestPrices(t *testing.T) {
	assert := assert.New(t)
	store := testStore(t)

	assert.Nil(store.UpsertPrice(types.Price{Currency: "BTC", Base: "USD", Value: 60000, Source: "manual"}))
	assert.Nil(store.UpsertPrice(types.Price{Currency: "BTC", Base: "USD", Value: 61000, Source: "manual"}))

	price, err := store.FindPrice("BTC", "USD")
	assert.Nil(err)
	assert.Equal(float64(61000), price.Value, "upsert should replace the quote")

	_, err = store.FindPrice("BTC", "EUR")
	assert.Equal(types.ErrNotFound, err)

	all, err := store.ListPrices()
	assert.Nil(err)
	assert.Len(all, 1)
}

package invoices

import (
	"fmt"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/bus"
	"github.com/paywatch/paywatch-core/database"
	"github.com/paywatch/paywatch-core/prices"
	"github.com/paywatch/paywatch-core/threadsafe_ulid"
	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

// chains whose payment options carry explicit outputs, including a fee
// output when the coin defines one
var utxoChains = map[string]bool{
	"BTC":  true,
	"BCH":  true,
	"BSV":  true,
	"DOGE": true,
	"LTC":  true,
	"DASH": true,
}

// invoice amounts are fixed-point with two decimals in the quote currency
const amountScale = 100

// Service : invoice lifecycle. Creating an invoice materializes one payment
// option and one pending payment per receiving address the account has
// registered, so the reconciliation engine can match by address before a
// txid is known.
type Service struct {
	Store   database.Store
	Prices  *prices.Service
	Bus     *bus.EventBus
	Logger  log.Logger
	UlidGen *threadsafe_ulid.ThreadSafeUlid
}

// CreateRequest : parameters for a new invoice
type CreateRequest struct {
	AccountID   int64
	Amount      int64
	Currency    string
	WebhookURL  string
	RedirectURL string
	Memo        string
}

// InvoiceDetail : invoice plus its payment options, the fetch_invoice shape
type InvoiceDetail struct {
	Invoice types.Invoice         `json:"invoice"`
	Options []types.PaymentOption `json:"payment_options"`
}

func NewService(store database.Store, priceService *prices.Service, eventBus *bus.EventBus, logger log.Logger) *Service {
	return &Service{
		Store:   store,
		Prices:  priceService,
		Bus:     eventBus,
		Logger:  logger,
		UlidGen: threadsafe_ulid.NewThreadSafeUlid(),
	}
}

// Create : new unpaid invoice with payment options and pending payments
func (service *Service) Create(request CreateRequest) (InvoiceDetail, error) {
	if request.Amount <= 0 {
		return InvoiceDetail{}, fmt.Errorf("invoice amount must be positive")
	}
	if request.Currency == "" {
		return InvoiceDetail{}, fmt.Errorf("invoice currency required")
	}
	if _, err := service.Store.GetAccount(request.AccountID); err != nil {
		return InvoiceDetail{}, err
	}

	id, err := service.UlidGen.NewUlid()
	if util.LoggerError(service.Logger, err) != nil {
		return InvoiceDetail{}, err
	}
	invoice, err := service.Store.CreateInvoice(types.Invoice{
		UID:         "inv_" + id.String(),
		AccountID:   request.AccountID,
		Amount:      request.Amount,
		Currency:    strings.ToUpper(request.Currency),
		Status:      types.InvoiceStatusUnpaid,
		WebhookURL:  request.WebhookURL,
		RedirectURL: request.RedirectURL,
		Memo:        request.Memo,
	})
	if err != nil {
		return InvoiceDetail{}, err
	}

	options, err := service.buildOptions(invoice)
	if err != nil {
		return InvoiceDetail{}, err
	}
	options, err = service.Store.CreatePaymentOptions(options)
	if err != nil {
		return InvoiceDetail{}, err
	}
	for _, option := range options {
		_, err := service.Store.CreatePayment(types.Payment{
			InvoiceUID: invoice.UID,
			Chain:      option.Chain,
			Currency:   option.Currency,
			Address:    option.Address,
			Amount:     option.Amount,
			Status:     types.PaymentStatusUnconfirmed,
		})
		if util.LoggerError(service.Logger, err) != nil {
			return InvoiceDetail{}, err
		}
	}

	service.Bus.Publish(types.Event{
		Kind:         types.EventInvoiceCreated,
		ResourceType: types.ResourceInvoice,
		ResourceID:   invoice.UID,
		Data:         invoice,
	})
	service.Logger.Info(fmt.Sprintf("invoice %s created for account %d, %d options", invoice.UID, invoice.AccountID, len(options)))
	return InvoiceDetail{Invoice: invoice, Options: options}, nil
}

// Fetch : invoice with its payment options
func (service *Service) Fetch(uid string) (InvoiceDetail, error) {
	invoice, err := service.Store.GetInvoice(uid)
	if err != nil {
		return InvoiceDetail{}, err
	}
	options, err := service.Store.GetPaymentOptions(uid)
	if err != nil {
		return InvoiceDetail{}, err
	}
	return InvoiceDetail{Invoice: invoice, Options: options}, nil
}

// Cancel : cancel an unpaid invoice owned by the account and publish the
// resulting invoice.updated
func (service *Service) Cancel(uid string, accountID int64) error {
	if err := service.Store.CancelInvoice(uid, accountID); err != nil {
		return err
	}
	invoice, err := service.Store.GetInvoice(uid)
	if err != nil {
		return err
	}
	service.Bus.Publish(types.Event{
		Kind:         types.EventInvoiceUpdated,
		ResourceType: types.ResourceInvoice,
		ResourceID:   uid,
		Data:         invoice,
	})
	return nil
}

// buildOptions : one payment option per registered address. An address whose
// currency cannot be priced against the invoice currency, or that fails
// validation, is skipped with a log rather than failing the invoice.
func (service *Service) buildOptions(invoice types.Invoice) ([]types.PaymentOption, error) {
	addresses, err := service.Store.ListAddresses(invoice.AccountID)
	if err != nil {
		return nil, err
	}
	options := make([]types.PaymentOption, 0, len(addresses))
	for _, address := range addresses {
		if !service.validAddress(address) {
			service.Logger.Error(fmt.Sprintf("skipping invalid %s address %s", address.Chain, address.Value))
			continue
		}
		coin, err := service.Store.GetCoin(address.Chain, address.Currency)
		if err != nil {
			service.Logger.Error(fmt.Sprintf("no coin metadata for %s/%s, skipping", address.Chain, address.Currency))
			continue
		}
		quoteValue := float64(invoice.Amount) / amountScale
		converted, err := service.Prices.Convert(quoteValue, invoice.Currency, address.Currency)
		if err != nil {
			service.Logger.Error(fmt.Sprintf("no price for %s in %s, skipping", address.Currency, invoice.Currency))
			continue
		}
		amount := toBaseUnits(converted, coin.Precision)
		if amount <= 0 {
			continue
		}
		option := types.PaymentOption{
			InvoiceUID: invoice.UID,
			Chain:      address.Chain,
			Currency:   address.Currency,
			Address:    address.Value,
			Amount:     amount,
			URI:        PaymentURI(address.Currency, invoice.UID),
			Outputs:    []types.Output{{Address: address.Value, Amount: amount}},
		}
		if utxoChains[address.Chain] && coin.FeeAmount > 0 && coin.FeeAddress != "" {
			option.Fee = coin.FeeAmount
			option.Outputs = append(option.Outputs, types.Output{Address: coin.FeeAddress, Amount: coin.FeeAmount})
		}
		options = append(options, option)
	}
	return options, nil
}

// PaymentURI : wallet-facing handle for one payment option
func PaymentURI(currency string, invoiceUID string) string {
	return fmt.Sprintf("pay:%s_%s", strings.ToLower(currency), invoiceUID)
}

func (service *Service) validAddress(address types.Address) bool {
	if address.Value == "" {
		return false
	}
	if address.Chain == "BTC" {
		_, err := btcutil.DecodeAddress(address.Value, &chaincfg.MainNetParams)
		return err == nil
	}
	return true
}

func toBaseUnits(value float64, precision int) int64 {
	return int64(math.Round(value * math.Pow10(precision)))
}

package database

import "github.com/paywatch/paywatch-core/types"

// Store is the persistence boundary for the reconciliation core. All reads
// are possibly-stale snapshots; status-changing writes take the expected
// prior status and return types.ErrStateConflict when the precondition no
// longer holds, so callers re-read and retry instead of overwriting a
// concurrent transition.
type Store interface {
	// invoices
	CreateInvoice(invoice types.Invoice) (types.Invoice, error)
	GetInvoice(uid string) (types.Invoice, error)
	UpdateInvoiceStatus(uid string, expected string, status string) (types.Invoice, error)
	CancelInvoice(uid string, accountID int64) error

	// accounts + auth
	GetAccount(id int64) (types.Account, error)
	ValidateAPIKey(token string) (int64, error)
	ListAddresses(accountID int64) ([]types.Address, error)
	GetCoin(chain string, currency string) (types.Coin, error)

	// payment options + pending payments
	CreatePaymentOptions(options []types.PaymentOption) ([]types.PaymentOption, error)
	GetPaymentOptions(invoiceUID string) ([]types.PaymentOption, error)
	CreatePayment(payment types.Payment) (types.Payment, error)
	GetPaymentByTxID(chain string, txid string) (types.Payment, error)
	SetPaymentTxID(paymentID int64, txid string) (types.Payment, error)
	GetUnconfirmedPayment(chain string, txid string) (types.Payment, error)
	ListUnconfirmedPayments(chain string, currency string) ([]types.Payment, error)
	FindPaymentByAddress(chain string, currency string, address string) (types.Payment, error)

	// confirmation state machine writes (CAS on expected status)
	ConfirmPayment(paymentID int64, expected string, status string, confirmation types.Confirmation) (types.Payment, error)
	SetPaymentStatus(paymentID int64, expected string, status string) (types.Payment, error)

	// prices
	ListPrices() ([]types.Price, error)
	FindPrice(currency string, base string) (types.Price, error)
	UpsertPrice(price types.Price) error
}

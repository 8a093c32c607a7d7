package memstore

import (
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

// Memstore is the in-memory Store implementation, backed by go-memdb so the
// same (chain, txid) and (chain, currency, address) lookups exist as in
// postgres. Used by tests and by standalone mode.
type Memstore struct {
	db     *memdb.MemDB
	mutex  sync.Mutex
	nextID map[string]int64
	Logger log.Logger
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"account": {
			Name: "account",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
			},
		},
		"token": {
			Name: "token",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "UID"}},
			},
		},
		"address": {
			Name: "address",
			Indexes: map[string]*memdb.IndexSchema{
				"id":      {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
				"account": {Name: "account", Indexer: &memdb.IntFieldIndex{Field: "AccountID"}},
			},
		},
		"coin": {
			Name: "coin",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Chain"},
						&memdb.StringFieldIndex{Field: "Currency"},
					},
				}},
			},
		},
		"invoice": {
			Name: "invoice",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "UID"}},
			},
		},
		"option": {
			Name: "option",
			Indexes: map[string]*memdb.IndexSchema{
				"id":      {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
				"invoice": {Name: "invoice", Indexer: &memdb.StringFieldIndex{Field: "InvoiceUID"}},
			},
		},
		"payment": {
			Name: "payment",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
				"txid": {Name: "txid", AllowMissing: true, Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Chain"},
						&memdb.StringFieldIndex{Field: "TxID"},
					},
					AllowMissing: true,
				}},
				"chaincur": {Name: "chaincur", Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Chain"},
						&memdb.StringFieldIndex{Field: "Currency"},
					},
				}},
				"addr": {Name: "addr", Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Chain"},
						&memdb.StringFieldIndex{Field: "Currency"},
						&memdb.StringFieldIndex{Field: "Address"},
					},
				}},
			},
		},
		"price": {
			Name: "price",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Currency"},
						&memdb.StringFieldIndex{Field: "Base"},
					},
				}},
			},
		},
	},
}

// NewMemstore : create an empty in-memory store
func NewMemstore(logger log.Logger) (*Memstore, error) {
	db, err := memdb.NewMemDB(schema)
	if util.LoggerError(logger, err) != nil {
		return nil, err
	}
	return &Memstore{
		db:     db,
		nextID: map[string]int64{},
		Logger: logger,
	}, nil
}

func (store *Memstore) nextSeq(table string) int64 {
	store.nextID[table]++
	return store.nextID[table]
}

// SeedAccount : insert an account plus its token and addresses, for tests and
// standalone bootstrap
func (store *Memstore) SeedAccount(account types.Account, token string, addresses []types.Address) (types.Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	if account.ID == 0 {
		account.ID = store.nextSeq("account")
	}
	if err := txn.Insert("account", &account); err != nil {
		return types.Account{}, err
	}
	if token != "" {
		if err := txn.Insert("token", &tokenRecord{UID: token, AccountID: account.ID}); err != nil {
			return types.Account{}, err
		}
	}
	for _, addr := range addresses {
		addr.ID = store.nextSeq("address")
		addr.AccountID = account.ID
		if err := txn.Insert("address", &addr); err != nil {
			return types.Account{}, err
		}
	}
	txn.Commit()
	return account, nil
}

// SeedCoin : register precision/fee metadata for a chain+currency
func (store *Memstore) SeedCoin(coin types.Coin) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("coin", &coin); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

type tokenRecord struct {
	UID       string
	AccountID int64
}

// CreateInvoice : insert a new invoice
func (store *Memstore) CreateInvoice(invoice types.Invoice) (types.Invoice, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	invoice.ID = store.nextSeq("invoice")
	invoice.CreatedAt = time.Now()
	invoice.UpdatedAt = invoice.CreatedAt
	if err := txn.Insert("invoice", &invoice); err != nil {
		return types.Invoice{}, err
	}
	txn.Commit()
	return invoice, nil
}

// GetInvoice : retrieve an invoice by uid
func (store *Memstore) GetInvoice(uid string) (types.Invoice, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("invoice", "id", uid)
	if err != nil {
		return types.Invoice{}, err
	}
	if raw == nil {
		return types.Invoice{}, types.ErrNotFound
	}
	return *raw.(*types.Invoice), nil
}

// UpdateInvoiceStatus : CAS status transition on an invoice
func (store *Memstore) UpdateInvoiceStatus(uid string, expected string, status string) (types.Invoice, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("invoice", "id", uid)
	if err != nil {
		return types.Invoice{}, err
	}
	if raw == nil {
		return types.Invoice{}, types.ErrNotFound
	}
	invoice := *raw.(*types.Invoice)
	if invoice.Status != expected {
		return types.Invoice{}, types.ErrStateConflict
	}
	invoice.Status = status
	invoice.UpdatedAt = time.Now()
	if err := txn.Insert("invoice", &invoice); err != nil {
		return types.Invoice{}, err
	}
	txn.Commit()
	return invoice, nil
}

// CancelInvoice : cancel an unpaid invoice owned by the account
func (store *Memstore) CancelInvoice(uid string, accountID int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("invoice", "id", uid)
	if err != nil {
		return err
	}
	if raw == nil {
		return types.ErrNotFound
	}
	invoice := *raw.(*types.Invoice)
	if invoice.AccountID != accountID || invoice.Status != types.InvoiceStatusUnpaid {
		return types.ErrStateConflict
	}
	invoice.Status = types.InvoiceStatusCancelled
	invoice.UpdatedAt = time.Now()
	if err := txn.Insert("invoice", &invoice); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// GetAccount : retrieve an account by id
func (store *Memstore) GetAccount(id int64) (types.Account, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("account", "id", id)
	if err != nil {
		return types.Account{}, err
	}
	if raw == nil {
		return types.Account{}, types.ErrNotFound
	}
	return *raw.(*types.Account), nil
}

// ValidateAPIKey : resolve a bearer token to its account id
func (store *Memstore) ValidateAPIKey(token string) (int64, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("token", "id", token)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, types.ErrUnauthorized
	}
	return raw.(*tokenRecord).AccountID, nil
}

// ListAddresses : receiving addresses registered to an account
func (store *Memstore) ListAddresses(accountID int64) ([]types.Address, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("address", "account", accountID)
	if err != nil {
		return []types.Address{}, err
	}
	addresses := make([]types.Address, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		addresses = append(addresses, *raw.(*types.Address))
	}
	return addresses, nil
}

// GetCoin : precision and fee metadata for a chain+currency pair
func (store *Memstore) GetCoin(chain string, currency string) (types.Coin, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("coin", "id", chain, currency)
	if err != nil {
		return types.Coin{}, err
	}
	if raw == nil {
		return types.Coin{}, types.ErrNotFound
	}
	return *raw.(*types.Coin), nil
}

// CreatePaymentOptions : batch insert payment options
func (store *Memstore) CreatePaymentOptions(options []types.PaymentOption) ([]types.PaymentOption, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	inserted := make([]types.PaymentOption, 0, len(options))
	for _, option := range options {
		option.ID = store.nextSeq("option")
		if err := txn.Insert("option", &option); err != nil {
			return inserted, err
		}
		inserted = append(inserted, option)
	}
	txn.Commit()
	return inserted, nil
}

// GetPaymentOptions : payment options for an invoice
func (store *Memstore) GetPaymentOptions(invoiceUID string) ([]types.PaymentOption, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("option", "invoice", invoiceUID)
	if err != nil {
		return []types.PaymentOption{}, err
	}
	options := make([]types.PaymentOption, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		options = append(options, *raw.(*types.PaymentOption))
	}
	return options, nil
}

// CreatePayment : insert a new pending payment
func (store *Memstore) CreatePayment(payment types.Payment) (types.Payment, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	payment.ID = store.nextSeq("payment")
	if err := txn.Insert("payment", &payment); err != nil {
		return types.Payment{}, err
	}
	txn.Commit()
	return payment, nil
}

// GetPaymentByTxID : payment in any status for a chain+txid
func (store *Memstore) GetPaymentByTxID(chain string, txid string) (types.Payment, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("payment", "txid", chain, txid)
	if err != nil {
		return types.Payment{}, err
	}
	if raw == nil {
		return types.Payment{}, types.ErrNotFound
	}
	return *raw.(*types.Payment), nil
}

// SetPaymentTxID : bind an observed txid to an address-matched payment. Only
// a payment whose txid is still unset can be bound.
func (store *Memstore) SetPaymentTxID(paymentID int64, txid string) (types.Payment, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("payment", "id", paymentID)
	if err != nil {
		return types.Payment{}, err
	}
	if raw == nil {
		return types.Payment{}, types.ErrNotFound
	}
	payment := *raw.(*types.Payment)
	if payment.TxID != "" {
		return types.Payment{}, types.ErrStateConflict
	}
	payment.TxID = txid
	if err := txn.Insert("payment", &payment); err != nil {
		return types.Payment{}, err
	}
	txn.Commit()
	return payment, nil
}

// GetUnconfirmedPayment : payment awaiting this exact txid
func (store *Memstore) GetUnconfirmedPayment(chain string, txid string) (types.Payment, error) {
	payment, err := store.GetPaymentByTxID(chain, txid)
	if err != nil {
		return types.Payment{}, err
	}
	if payment.Status != types.PaymentStatusUnconfirmed && payment.Status != types.PaymentStatusConfirming {
		return types.Payment{}, types.ErrNotFound
	}
	return payment, nil
}

// ListUnconfirmedPayments : all pending payments for a chain+currency
func (store *Memstore) ListUnconfirmedPayments(chain string, currency string) ([]types.Payment, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("payment", "chaincur", chain, currency)
	if err != nil {
		return []types.Payment{}, err
	}
	payments := make([]types.Payment, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		payment := *raw.(*types.Payment)
		if payment.Status == types.PaymentStatusUnconfirmed || payment.Status == types.PaymentStatusConfirming {
			payments = append(payments, payment)
		}
	}
	return payments, nil
}

// FindPaymentByAddress : pending payment on an address with no expected txid
func (store *Memstore) FindPaymentByAddress(chain string, currency string, address string) (types.Payment, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("payment", "addr", chain, currency, address)
	if err != nil {
		return types.Payment{}, err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		payment := *raw.(*types.Payment)
		if payment.TxID == "" && payment.Status == types.PaymentStatusUnconfirmed {
			return payment, nil
		}
	}
	return types.Payment{}, types.ErrNotFound
}

// ConfirmPayment : CAS write of confirmation metadata plus the new status
func (store *Memstore) ConfirmPayment(paymentID int64, expected string, status string, confirmation types.Confirmation) (types.Payment, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("payment", "id", paymentID)
	if err != nil {
		return types.Payment{}, err
	}
	if raw == nil {
		return types.Payment{}, types.ErrNotFound
	}
	payment := *raw.(*types.Payment)
	if payment.Status != expected {
		return types.Payment{}, types.ErrStateConflict
	}
	payment.Status = status
	payment.ConfirmationHash = confirmation.Hash
	payment.ConfirmationHeight = confirmation.Height
	date := confirmation.Date
	payment.ConfirmationDate = &date
	payment.Confirmations = confirmation.Confirmations
	if err := txn.Insert("payment", &payment); err != nil {
		return types.Payment{}, err
	}
	txn.Commit()
	return payment, nil
}

// SetPaymentStatus : status-only CAS transition
func (store *Memstore) SetPaymentStatus(paymentID int64, expected string, status string) (types.Payment, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("payment", "id", paymentID)
	if err != nil {
		return types.Payment{}, err
	}
	if raw == nil {
		return types.Payment{}, types.ErrNotFound
	}
	payment := *raw.(*types.Payment)
	if payment.Status != expected {
		return types.Payment{}, types.ErrStateConflict
	}
	payment.Status = status
	if err := txn.Insert("payment", &payment); err != nil {
		return types.Payment{}, err
	}
	txn.Commit()
	return payment, nil
}

// ListPrices : all known prices
func (store *Memstore) ListPrices() ([]types.Price, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get("price", "id")
	if err != nil {
		return []types.Price{}, err
	}
	prices := make([]types.Price, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		prices = append(prices, *raw.(*types.Price))
	}
	return prices, nil
}

// FindPrice : direct quote for currency in base, if one exists
func (store *Memstore) FindPrice(currency string, base string) (types.Price, error) {
	txn := store.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First("price", "id", currency, base)
	if err != nil {
		return types.Price{}, err
	}
	if raw == nil {
		return types.Price{}, types.ErrNotFound
	}
	return *raw.(*types.Price), nil
}

// UpsertPrice : insert or replace a price quote
func (store *Memstore) UpsertPrice(price types.Price) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txn := store.db.Txn(true)
	defer txn.Abort()
	price.UpdatedAt = time.Now()
	if err := txn.Insert("price", &price); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

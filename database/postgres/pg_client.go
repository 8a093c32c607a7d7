package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

// Postgres : holds db connection info
type Postgres struct {
	DB     sql.DB
	Logger log.Logger
}

//NewPG : creates new postgres connection and tests it
func NewPG(user string, password string, host string, port string, dbName string, logger log.Logger) (*Postgres, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, dbName)
	return NewPGFromURI(connStr, logger)
}

func NewPGFromURI(connStr string, logger log.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if util.LoggerError(logger, err) != nil {
		return nil, err
	}
	err = db.Ping()
	if util.LoggerError(logger, err) != nil {
		return nil, err
	}
	return &Postgres{
		DB:     *db,
		Logger: logger,
	}, nil
}

// CreateInvoice : insert a new invoice row and return it with its id
func (pg *Postgres) CreateInvoice(invoice types.Invoice) (types.Invoice, error) {
	stmt := "INSERT INTO invoices (uid, account_id, amount, currency, status, webhook_url, redirect_url, memo, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now()) RETURNING id, created_at, updated_at;"
	row := pg.DB.QueryRow(stmt, invoice.UID, invoice.AccountID, invoice.Amount, invoice.Currency,
		invoice.Status, invoice.WebhookURL, invoice.RedirectURL, invoice.Memo)
	err := row.Scan(&invoice.ID, &invoice.CreatedAt, &invoice.UpdatedAt)
	if util.LoggerError(pg.Logger, err) != nil {
		return types.Invoice{}, err
	}
	return invoice, nil
}

// GetInvoice : retrieve an invoice by uid
func (pg *Postgres) GetInvoice(uid string) (types.Invoice, error) {
	stmt := "SELECT id, uid, account_id, amount, currency, status, COALESCE(webhook_url, ''), COALESCE(redirect_url, ''), COALESCE(memo, ''), created_at, updated_at " +
		"FROM invoices WHERE uid = $1;"
	row := pg.DB.QueryRow(stmt, uid)
	var inv types.Invoice
	switch err := row.Scan(&inv.ID, &inv.UID, &inv.AccountID, &inv.Amount, &inv.Currency, &inv.Status,
		&inv.WebhookURL, &inv.RedirectURL, &inv.Memo, &inv.CreatedAt, &inv.UpdatedAt); err {
	case sql.ErrNoRows:
		return types.Invoice{}, types.ErrNotFound
	case nil:
		return inv, nil
	default:
		util.LoggerError(pg.Logger, err)
		return types.Invoice{}, err
	}
}

// UpdateInvoiceStatus : transition an invoice status, gated on the expected
// prior status
func (pg *Postgres) UpdateInvoiceStatus(uid string, expected string, status string) (types.Invoice, error) {
	stmt := "UPDATE invoices SET status = $1, updated_at = now() WHERE uid = $2 AND status = $3;"
	res, err := pg.DB.Exec(stmt, status, uid, expected)
	if util.LoggerError(pg.Logger, err) != nil {
		return types.Invoice{}, err
	}
	affect, err := res.RowsAffected()
	if util.LoggerError(pg.Logger, err) != nil {
		return types.Invoice{}, err
	}
	if affect == 0 {
		return types.Invoice{}, types.ErrStateConflict
	}
	return pg.GetInvoice(uid)
}

// CancelInvoice : cancel an unpaid invoice owned by the given account
func (pg *Postgres) CancelInvoice(uid string, accountID int64) error {
	stmt := "UPDATE invoices SET status = $1, updated_at = now() WHERE uid = $2 AND account_id = $3 AND status = $4;"
	res, err := pg.DB.Exec(stmt, types.InvoiceStatusCancelled, uid, accountID, types.InvoiceStatusUnpaid)
	if util.LoggerError(pg.Logger, err) != nil {
		return err
	}
	affect, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affect == 0 {
		return types.ErrStateConflict
	}
	return nil
}

// GetAccount : retrieve an account by id
func (pg *Postgres) GetAccount(id int64) (types.Account, error) {
	stmt := "SELECT id, name, COALESCE(currency, 'USD') FROM accounts WHERE id = $1;"
	row := pg.DB.QueryRow(stmt, id)
	var account types.Account
	switch err := row.Scan(&account.ID, &account.Name, &account.Currency); err {
	case sql.ErrNoRows:
		return types.Account{}, types.ErrNotFound
	case nil:
		return account, nil
	default:
		util.LoggerError(pg.Logger, err)
		return types.Account{}, err
	}
}

// ValidateAPIKey : resolve a bearer token to its account id
func (pg *Postgres) ValidateAPIKey(token string) (int64, error) {
	stmt := "SELECT account_id FROM access_tokens WHERE uid = $1;"
	row := pg.DB.QueryRow(stmt, token)
	var accountID int64
	switch err := row.Scan(&accountID); err {
	case sql.ErrNoRows:
		return 0, types.ErrUnauthorized
	case nil:
		return accountID, nil
	default:
		util.LoggerError(pg.Logger, err)
		return 0, err
	}
}

// ListAddresses : receiving addresses registered to an account
func (pg *Postgres) ListAddresses(accountID int64) ([]types.Address, error) {
	stmt := "SELECT id, account_id, chain, currency, value FROM addresses WHERE account_id = $1;"
	rows, err := pg.DB.Query(stmt, accountID)
	if util.LoggerError(pg.Logger, err) != nil {
		return []types.Address{}, err
	}
	defer rows.Close()
	addresses := make([]types.Address, 0)
	for rows.Next() {
		var addr types.Address
		if err := rows.Scan(&addr.ID, &addr.AccountID, &addr.Chain, &addr.Currency, &addr.Value); err != nil {
			util.LoggerError(pg.Logger, err)
			return []types.Address{}, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, nil
}

// GetCoin : precision and fee metadata for a chain+currency pair
func (pg *Postgres) GetCoin(chain string, currency string) (types.Coin, error) {
	stmt := "SELECT chain, currency, precision, fee_amount, COALESCE(fee_address, '') FROM coins WHERE chain = $1 AND currency = $2;"
	row := pg.DB.QueryRow(stmt, chain, currency)
	var coin types.Coin
	switch err := row.Scan(&coin.Chain, &coin.Currency, &coin.Precision, &coin.FeeAmount, &coin.FeeAddress); err {
	case sql.ErrNoRows:
		return types.Coin{}, types.ErrNotFound
	case nil:
		return coin, nil
	default:
		util.LoggerError(pg.Logger, err)
		return types.Coin{}, err
	}
}

// CreatePaymentOptions : batch insert payment options for an invoice
func (pg *Postgres) CreatePaymentOptions(options []types.PaymentOption) ([]types.PaymentOption, error) {
	stmt := "INSERT INTO payment_options (invoice_uid, chain, currency, address, amount, fee, uri, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now()) RETURNING id;"
	inserted := make([]types.PaymentOption, 0, len(options))
	for _, option := range options {
		row := pg.DB.QueryRow(stmt, option.InvoiceUID, option.Chain, option.Currency, option.Address,
			option.Amount, option.Fee, option.URI)
		if err := row.Scan(&option.ID); util.LoggerError(pg.Logger, err) != nil {
			return inserted, err
		}
		inserted = append(inserted, option)
	}
	return inserted, nil
}

// GetPaymentOptions : payment options for an invoice
func (pg *Postgres) GetPaymentOptions(invoiceUID string) ([]types.PaymentOption, error) {
	stmt := "SELECT id, invoice_uid, chain, currency, address, amount, fee, uri FROM payment_options WHERE invoice_uid = $1;"
	rows, err := pg.DB.Query(stmt, invoiceUID)
	if util.LoggerError(pg.Logger, err) != nil {
		return []types.PaymentOption{}, err
	}
	defer rows.Close()
	options := make([]types.PaymentOption, 0)
	for rows.Next() {
		var option types.PaymentOption
		if err := rows.Scan(&option.ID, &option.InvoiceUID, &option.Chain, &option.Currency,
			&option.Address, &option.Amount, &option.Fee, &option.URI); err != nil {
			util.LoggerError(pg.Logger, err)
			return []types.PaymentOption{}, err
		}
		options = append(options, option)
	}
	return options, nil
}

// CreatePayment : insert a new pending payment row
func (pg *Postgres) CreatePayment(payment types.Payment) (types.Payment, error) {
	stmt := "INSERT INTO payments (invoice_uid, chain, currency, address, amount, txid, status, confirmations, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, 0, now(), now()) RETURNING id;"
	row := pg.DB.QueryRow(stmt, payment.InvoiceUID, payment.Chain, payment.Currency, payment.Address,
		payment.Amount, payment.TxID, payment.Status)
	err := row.Scan(&payment.ID)
	if util.LoggerError(pg.Logger, err) != nil {
		return types.Payment{}, err
	}
	return payment, nil
}

const paymentColumns = "id, invoice_uid, chain, currency, address, amount, COALESCE(txid, ''), status, " +
	"COALESCE(confirmation_hash, ''), COALESCE(confirmation_height, 0), confirmation_date, confirmations"

func (pg *Postgres) scanPayment(row *sql.Row) (types.Payment, error) {
	var p types.Payment
	var date sql.NullTime
	switch err := row.Scan(&p.ID, &p.InvoiceUID, &p.Chain, &p.Currency, &p.Address, &p.Amount, &p.TxID,
		&p.Status, &p.ConfirmationHash, &p.ConfirmationHeight, &date, &p.Confirmations); err {
	case sql.ErrNoRows:
		return types.Payment{}, types.ErrNotFound
	case nil:
		if date.Valid {
			p.ConfirmationDate = &date.Time
		}
		return p, nil
	default:
		util.LoggerError(pg.Logger, err)
		return types.Payment{}, err
	}
}

// GetPaymentByTxID : payment in any status for a chain+txid
func (pg *Postgres) GetPaymentByTxID(chain string, txid string) (types.Payment, error) {
	stmt := "SELECT " + paymentColumns + " FROM payments WHERE chain = $1 AND txid = $2;"
	return pg.scanPayment(pg.DB.QueryRow(stmt, chain, txid))
}

// SetPaymentTxID : bind an observed txid to an address-matched payment. Only
// a payment whose txid is still unset can be bound.
func (pg *Postgres) SetPaymentTxID(paymentID int64, txid string) (types.Payment, error) {
	stmt := "UPDATE payments SET txid = $1, updated_at = now() WHERE id = $2 AND COALESCE(txid, '') = '';"
	res, err := pg.DB.Exec(stmt, txid, paymentID)
	if util.LoggerError(pg.Logger, err) != nil {
		return types.Payment{}, err
	}
	affect, err := res.RowsAffected()
	if err != nil {
		return types.Payment{}, err
	}
	if affect == 0 {
		return types.Payment{}, types.ErrStateConflict
	}
	return pg.getPaymentByID(paymentID)
}

// GetUnconfirmedPayment : payment awaiting this exact txid
func (pg *Postgres) GetUnconfirmedPayment(chain string, txid string) (types.Payment, error) {
	stmt := "SELECT " + paymentColumns + " FROM payments WHERE chain = $1 AND txid = $2 AND status IN ($3, $4);"
	return pg.scanPayment(pg.DB.QueryRow(stmt, chain, txid, types.PaymentStatusUnconfirmed, types.PaymentStatusConfirming))
}

// ListUnconfirmedPayments : all pending payments for a chain+currency
func (pg *Postgres) ListUnconfirmedPayments(chain string, currency string) ([]types.Payment, error) {
	stmt := "SELECT " + paymentColumns + " FROM payments WHERE chain = $1 AND currency = $2 AND status IN ($3, $4);"
	rows, err := pg.DB.Query(stmt, chain, currency, types.PaymentStatusUnconfirmed, types.PaymentStatusConfirming)
	if util.LoggerError(pg.Logger, err) != nil {
		return []types.Payment{}, err
	}
	defer rows.Close()
	payments := make([]types.Payment, 0)
	for rows.Next() {
		var p types.Payment
		var date sql.NullTime
		if err := rows.Scan(&p.ID, &p.InvoiceUID, &p.Chain, &p.Currency, &p.Address, &p.Amount, &p.TxID,
			&p.Status, &p.ConfirmationHash, &p.ConfirmationHeight, &date, &p.Confirmations); err != nil {
			util.LoggerError(pg.Logger, err)
			return []types.Payment{}, err
		}
		if date.Valid {
			p.ConfirmationDate = &date.Time
		}
		payments = append(payments, p)
	}
	return payments, nil
}

// FindPaymentByAddress : pending payment on an address whose expected txid is
// still unset (address-based matching)
func (pg *Postgres) FindPaymentByAddress(chain string, currency string, address string) (types.Payment, error) {
	stmt := "SELECT " + paymentColumns + " FROM payments WHERE chain = $1 AND currency = $2 AND address = $3 " +
		"AND COALESCE(txid, '') = '' AND status = $4;"
	return pg.scanPayment(pg.DB.QueryRow(stmt, chain, currency, address, types.PaymentStatusUnconfirmed))
}

// ConfirmPayment : write confirmation metadata and the new status in one
// statement gated on the expected prior status. A zero-row update means the
// precondition no longer holds.
func (pg *Postgres) ConfirmPayment(paymentID int64, expected string, status string, confirmation types.Confirmation) (types.Payment, error) {
	stmt := "UPDATE payments SET status = $1, confirmation_hash = $2, confirmation_height = $3, confirmation_date = $4, " +
		"confirmations = $5, updated_at = now() WHERE id = $6 AND status = $7;"
	res, err := pg.DB.Exec(stmt, status, confirmation.Hash, confirmation.Height, confirmation.Date,
		confirmation.Confirmations, paymentID, expected)
	if util.LoggerError(pg.Logger, err) != nil {
		return types.Payment{}, err
	}
	affect, err := res.RowsAffected()
	if util.LoggerError(pg.Logger, err) != nil {
		return types.Payment{}, err
	}
	if affect == 0 {
		return types.Payment{}, types.ErrStateConflict
	}
	return pg.getPaymentByID(paymentID)
}

// SetPaymentStatus : status-only CAS transition (e.g. confirming -> failed)
func (pg *Postgres) SetPaymentStatus(paymentID int64, expected string, status string) (types.Payment, error) {
	stmt := "UPDATE payments SET status = $1, updated_at = now() WHERE id = $2 AND status = $3;"
	res, err := pg.DB.Exec(stmt, status, paymentID, expected)
	if util.LoggerError(pg.Logger, err) != nil {
		return types.Payment{}, err
	}
	affect, err := res.RowsAffected()
	if err != nil {
		return types.Payment{}, err
	}
	if affect == 0 {
		return types.Payment{}, types.ErrStateConflict
	}
	return pg.getPaymentByID(paymentID)
}

func (pg *Postgres) getPaymentByID(id int64) (types.Payment, error) {
	stmt := "SELECT " + paymentColumns + " FROM payments WHERE id = $1;"
	return pg.scanPayment(pg.DB.QueryRow(stmt, id))
}

// ListPrices : all known prices
func (pg *Postgres) ListPrices() ([]types.Price, error) {
	stmt := "SELECT id, currency, base_currency, value, COALESCE(source, ''), updated_at FROM prices;"
	rows, err := pg.DB.Query(stmt)
	if util.LoggerError(pg.Logger, err) != nil {
		return []types.Price{}, err
	}
	defer rows.Close()
	prices := make([]types.Price, 0)
	for rows.Next() {
		var price types.Price
		if err := rows.Scan(&price.ID, &price.Currency, &price.Base, &price.Value, &price.Source, &price.UpdatedAt); err != nil {
			util.LoggerError(pg.Logger, err)
			return []types.Price{}, err
		}
		prices = append(prices, price)
	}
	return prices, nil
}

// FindPrice : direct quote for currency in base, if one exists
func (pg *Postgres) FindPrice(currency string, base string) (types.Price, error) {
	stmt := "SELECT id, currency, base_currency, value, COALESCE(source, ''), updated_at FROM prices WHERE currency = $1 AND base_currency = $2;"
	row := pg.DB.QueryRow(stmt, currency, base)
	var price types.Price
	switch err := row.Scan(&price.ID, &price.Currency, &price.Base, &price.Value, &price.Source, &price.UpdatedAt); err {
	case sql.ErrNoRows:
		return types.Price{}, types.ErrNotFound
	case nil:
		return price, nil
	default:
		util.LoggerError(pg.Logger, err)
		return types.Price{}, err
	}
}

// UpsertPrice : insert a price or update it on conflict
func (pg *Postgres) UpsertPrice(price types.Price) error {
	stmt := "INSERT INTO prices (currency, base_currency, value, source, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5) " +
		"ON CONFLICT (currency, base_currency) " +
		"DO UPDATE SET value = $3, source = $4, updated_at = $5;"
	_, err := pg.DB.Exec(stmt, price.Currency, price.Base, price.Value, price.Source, time.Now())
	return util.LoggerError(pg.Logger, err)
}

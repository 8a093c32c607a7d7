package postgres

import "github.com/paywatch/paywatch-core/util"

var accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id bigserial PRIMARY KEY,
    name character varying(255) NOT NULL,
    currency character varying(10) DEFAULT 'USD',
    created_at timestamp with time zone DEFAULT now(),
    updated_at timestamp with time zone DEFAULT now()
);
`

var accessTokensSchema = `
CREATE TABLE IF NOT EXISTS access_tokens (
    uid character varying(255) PRIMARY KEY,
    account_id bigint NOT NULL REFERENCES accounts (id),
    created_at timestamp with time zone DEFAULT now()
);
`

var addressesSchema = `
CREATE TABLE IF NOT EXISTS addresses (
    id bigserial PRIMARY KEY,
    account_id bigint NOT NULL REFERENCES accounts (id),
    chain character varying(20) NOT NULL,
    currency character varying(20) NOT NULL,
    value character varying(255) NOT NULL
);
`

var coinsSchema = `
CREATE TABLE IF NOT EXISTS coins (
    chain character varying(20) NOT NULL,
    currency character varying(20) NOT NULL,
    precision integer NOT NULL DEFAULT 8,
    fee_amount bigint NOT NULL DEFAULT 0,
    fee_address character varying(255),
    PRIMARY KEY (chain, currency)
);
`

var invoicesSchema = `
CREATE TABLE IF NOT EXISTS invoices (
    id bigserial PRIMARY KEY,
    uid character varying(255) NOT NULL UNIQUE,
    account_id bigint NOT NULL REFERENCES accounts (id),
    amount bigint NOT NULL,
    currency character varying(20) NOT NULL,
    status character varying(20) NOT NULL,
    webhook_url text,
    redirect_url text,
    memo text,
    created_at timestamp with time zone NOT NULL,
    updated_at timestamp with time zone NOT NULL
);
`

var paymentOptionsSchema = `
CREATE TABLE IF NOT EXISTS payment_options (
    id bigserial PRIMARY KEY,
    invoice_uid character varying(255) NOT NULL,
    chain character varying(20) NOT NULL,
    currency character varying(20) NOT NULL,
    address character varying(255) NOT NULL,
    amount bigint NOT NULL,
    fee bigint NOT NULL DEFAULT 0,
    uri text,
    created_at timestamp with time zone NOT NULL,
    updated_at timestamp with time zone NOT NULL
);
`

var paymentsSchema = `
CREATE TABLE IF NOT EXISTS payments (
    id bigserial PRIMARY KEY,
    invoice_uid character varying(255) NOT NULL,
    chain character varying(20) NOT NULL,
    currency character varying(20) NOT NULL,
    address character varying(255) NOT NULL,
    amount bigint NOT NULL,
    txid character varying(255),
    status character varying(20) NOT NULL,
    confirmation_hash character varying(255),
    confirmation_height bigint,
    confirmation_date timestamp with time zone,
    confirmations integer NOT NULL DEFAULT 0,
    created_at timestamp with time zone NOT NULL,
    updated_at timestamp with time zone NOT NULL
);
`

var pricesSchema = `
CREATE TABLE IF NOT EXISTS prices (
    id bigserial PRIMARY KEY,
    currency character varying(20) NOT NULL,
    base_currency character varying(20) NOT NULL,
    value double precision NOT NULL,
    source character varying(255),
    updated_at timestamp with time zone NOT NULL,
    UNIQUE (currency, base_currency)
);
`

var createIndices = `
CREATE INDEX IF NOT EXISTS payments_chain_txid ON payments (chain, txid);
CREATE INDEX IF NOT EXISTS payments_chain_currency_status ON payments (chain, currency, status);
CREATE INDEX IF NOT EXISTS payments_chain_currency_address ON payments (chain, currency, address);
CREATE INDEX IF NOT EXISTS payment_options_invoice_uid ON payment_options (invoice_uid);
`

func (pg *Postgres) SchemaExists() bool {
	query := `SELECT to_regclass('payments');`
	var res string
	rows, err := pg.DB.Query(query, &res)
	if util.LoggerError(pg.Logger, err) != nil {
		return false
	}
	if rows.Next() {
		pg.Logger.Info("Schema exists")
		return true
	}
	return false
}

func (pg *Postgres) CreateSchema() {
	tables := []string{accountsSchema, accessTokensSchema, addressesSchema, coinsSchema,
		invoicesSchema, paymentOptionsSchema, paymentsSchema, pricesSchema, createIndices}
	for _, table := range tables {
		_, err := pg.DB.Exec(table)
		util.LoggerError(pg.Logger, err)
	}
}

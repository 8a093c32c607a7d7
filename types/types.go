package types

import (
	"crypto/ecdsa"
	"errors"
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

// Payment status values. Transitions are one-directional; confirmed and
// failed are terminal.
const (
	PaymentStatusUnconfirmed = "unconfirmed"
	PaymentStatusConfirming  = "confirming"
	PaymentStatusConfirmed   = "confirmed"
	PaymentStatusFailed      = "failed"
)

// Invoice status values
const (
	InvoiceStatusUnpaid    = "unpaid"
	InvoiceStatusPaid      = "paid"
	InvoiceStatusCancelled = "cancelled"
)

// Event kinds published on the bus
const (
	EventInvoiceCreated    = "invoice.created"
	EventInvoiceUpdated    = "invoice.updated"
	EventPaymentConfirming = "payment.confirming"
	EventPaymentConfirmed  = "payment.confirmed"
	EventPaymentFailed     = "payment.failed"
	EventPriceUpdated      = "price.updated"
	EventBlockUnprocessed  = "block.unprocessed"
	EventChainGap          = "chain.gap"
	EventChainStalled      = "chain.stalled"
)

// Subscription resource types
const (
	ResourceInvoice = "invoice"
	ResourceAccount = "account"
	ResourceAddress = "address"
)

var (
	// ErrStateConflict : a compare-and-swap write found the payment in a
	// different status than expected; caller must re-read and retry
	ErrStateConflict = errors.New("payment state precondition failed")
	// ErrNotFound : record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrBlockUnprocessed : block txid fetch retries were exhausted
	ErrBlockUnprocessed = errors.New("block left unprocessed after retries")
	// ErrUnauthorized : action requires an authenticated account
	ErrUnauthorized = errors.New("unauthorized")
)

// BlockNotification : normalized new-block signal from any chain feed
type BlockNotification struct {
	Chain     string `json:"chain"`
	BlockHash string `json:"block_hash"`
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// BlockTx : one transaction in a fetched block. Addresses holds the output
// addresses the feed could see; empty when the chain adapter only exposes
// transaction ids, which limits matching to txid.
type BlockTx struct {
	TxID      string   `json:"txid"`
	Addresses []string `json:"addresses,omitempty"`
}

// TxFailure : chain-level failure signal (e.g. EVM revert) for a single tx,
// independent of block confirmation
type TxFailure struct {
	Chain  string `json:"chain"`
	TxID   string `json:"txid"`
	Reason string `json:"reason"`
}

// Payment : a payment awaiting (or past) confirmation. TxID may be empty
// until a matching transaction is observed, in which case matching falls
// back to (chain, currency, address).
type Payment struct {
	ID                 int64      `json:"id"`
	InvoiceUID         string     `json:"invoice_uid"`
	Chain              string     `json:"chain"`
	Currency           string     `json:"currency"`
	Address            string     `json:"address"`
	Amount             int64      `json:"amount"`
	TxID               string     `json:"txid"`
	Status             string     `json:"status"`
	ConfirmationHash   string     `json:"confirmation_hash,omitempty"`
	ConfirmationHeight int64      `json:"confirmation_height,omitempty"`
	ConfirmationDate   *time.Time `json:"confirmation_date,omitempty"`
	Confirmations      int        `json:"confirmations"`
}

// Confirmation : created once when a matching tx is first observed in a block
type Confirmation struct {
	Hash          string    `json:"confirmation_hash"`
	Height        int64     `json:"confirmation_height"`
	Date          time.Time `json:"confirmation_date"`
	Confirmations int       `json:"confirmations"`
}

// Invoice : merchant payment request
type Invoice struct {
	ID          int64     `json:"id"`
	UID         string    `json:"uid"`
	AccountID   int64     `json:"account_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	Memo        string    `json:"memo,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Account : merchant account
type Account struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

// Address : a receiving address registered to an account for one chain+currency
type Address struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"account_id"`
	Chain     string `json:"chain"`
	Currency  string `json:"currency"`
	Value     string `json:"value"`
}

// Output : one output of a payment option
type Output struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// PaymentOption : one way to pay an invoice
type PaymentOption struct {
	ID         int64    `json:"id"`
	InvoiceUID string   `json:"invoice_uid"`
	Chain      string   `json:"chain"`
	Currency   string   `json:"currency"`
	Address    string   `json:"address"`
	Amount     int64    `json:"amount"`
	Fee        int64    `json:"fee"`
	Outputs    []Output `json:"outputs"`
	URI        string   `json:"uri"`
}

// Coin : precision and fee metadata for a chain+currency pair
type Coin struct {
	Chain      string `json:"chain"`
	Currency   string `json:"currency"`
	Precision  int    `json:"precision"`
	FeeAmount  int64  `json:"fee_amount"`
	FeeAddress string `json:"fee_address"`
}

// Price : quote for one unit of Currency in Base
type Price struct {
	ID        int64     `json:"id"`
	Currency  string    `json:"currency"`
	Base      string    `json:"base_currency"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event : typed bus message keyed by resource
type Event struct {
	Kind         string      `json:"type"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id"`
	Data         interface{} `json:"data"`
}

// PaymentEventPayload : payload for payment.* events; carries enough that
// consumers never need a follow-up query
type PaymentEventPayload struct {
	AccountID     int64        `json:"account_id"`
	InvoiceUID    string       `json:"invoice_uid"`
	InvoiceStatus string       `json:"invoice_status"`
	Payment       Payment      `json:"payment"`
	Confirmation  Confirmation `json:"confirmation"`
}

// ChainGap : a stretch of heights skipped because a reconnect gap exceeded
// the catch-up bound; surfaced as a chain.gap event for operators
type ChainGap struct {
	Chain      string `json:"chain"`
	FromHeight int64  `json:"from_height"`
	ToHeight   int64  `json:"to_height"`
}

// UnprocessedBlock : a block whose txid fetch failed past the retry budget,
// recorded for later re-scan
type UnprocessedBlock struct {
	Chain     string `json:"chain"`
	BlockHash string `json:"block_hash"`
	Height    int64  `json:"height"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// Message : inbound client envelope, discriminated by Action
type Message struct {
	Action        string  `json:"action"`
	Type          string  `json:"type,omitempty"`
	ID            string  `json:"id,omitempty"`
	UID           string  `json:"uid,omitempty"`
	Amount        int64   `json:"amount,omitempty"`
	Currency      string  `json:"currency,omitempty"`
	WebhookURL    string  `json:"webhook_url,omitempty"`
	RedirectURL   string  `json:"redirect_url,omitempty"`
	Memo          string  `json:"memo,omitempty"`
	QuoteCurrency string  `json:"quote_currency,omitempty"`
	BaseCurrency  string  `json:"base_currency,omitempty"`
	QuoteValue    float64 `json:"quote_value,omitempty"`
}

// Response : outbound request/response envelope
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Push : unsolicited event frame for subscribed sessions
type Push struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// FeedConfig : connection settings for one chain feed
type FeedConfig struct {
	Chain    string
	Kind     string // "blockbook", "evm", "solana", "xrpl"
	URL      string
	APIKey   string
	Currency string
}

// PaywatchConfig : config struct for the whole process
type PaywatchConfig struct {
	HomePath       string
	APIPort        string
	PostgresURI    string
	RedisURI       string
	RabbitmqURI    string
	Standalone     bool
	Feeds          []FeedConfig
	Thresholds     map[string]int // chain -> confirmation threshold, default 1
	FetchRetries   int
	FetchTimeout   time.Duration
	PriceInterval  time.Duration
	WebhookRetries int
	ECPrivateKey   *ecdsa.PrivateKey
	Logger         *log.Logger
}

// ConfirmationThreshold : threshold for a chain, defaulting to 1
func (config PaywatchConfig) ConfirmationThreshold(chain string) int {
	if t, ok := config.Thresholds[chain]; ok && t > 0 {
		return t
	}
	return 1
}

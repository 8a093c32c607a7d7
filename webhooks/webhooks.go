package webhooks

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/bus"
	"github.com/paywatch/paywatch-core/database"
	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

// SignatureHeader carries the process key's ASN.1 ECDSA signature over the
// sha256 of the request body, so receivers can authenticate deliveries.
const SignatureHeader = "X-Paywatch-Signature"

// Worker : posts payment and invoice events to the webhook url recorded on
// the invoice, signed with the process key. Delivery is best effort with
// bounded retries; an exhausted retry budget is logged and the event dropped.
type Worker struct {
	Store     database.Store
	Bus       *bus.EventBus
	Logger    log.Logger
	Key       *ecdsa.PrivateKey
	Retries   int
	RetryBase time.Duration
	Client    *http.Client
}

func NewWorker(store database.Store, eventBus *bus.EventBus, retries int, key *ecdsa.PrivateKey, logger log.Logger) *Worker {
	if retries <= 0 {
		retries = 3
	}
	return &Worker{
		Store:     store,
		Bus:       eventBus,
		Logger:    logger,
		Key:       key,
		Retries:   retries,
		RetryBase: 2 * time.Second,
		Client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Run : consume the bus until ctx is cancelled
func (worker *Worker) Run(ctx context.Context) {
	handle := worker.Bus.Subscribe("webhooks")
	defer worker.Bus.Unsubscribe("webhooks")
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-handle.C:
			if !ok {
				return
			}
			worker.handle(ctx, event)
		}
	}
}

func (worker *Worker) handle(ctx context.Context, event types.Event) {
	switch event.Kind {
	case types.EventPaymentConfirmed, types.EventPaymentFailed, types.EventInvoiceUpdated:
	default:
		return
	}
	if event.ResourceType != types.ResourceInvoice {
		return
	}
	invoice, err := worker.Store.GetInvoice(event.ResourceID)
	if err != nil || invoice.WebhookURL == "" {
		return
	}
	worker.deliver(ctx, invoice.WebhookURL, event)
}

func (worker *Worker) deliver(ctx context.Context, url string, event types.Event) {
	body, err := json.Marshal(event)
	if util.LoggerError(worker.Logger, err) != nil {
		return
	}
	for attempt := 0; attempt < worker.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(util.Backoff(attempt, worker.RetryBase, time.Minute)):
			}
		}
		err := worker.post(ctx, url, body)
		if err == nil {
			worker.Logger.Info(fmt.Sprintf("webhook %s delivered for %s", event.Kind, event.ResourceID))
			return
		}
		worker.Logger.Error(fmt.Sprintf("webhook delivery to %s failed (attempt %d): %s", url, attempt+1, err.Error()))
	}
	worker.Logger.Error(fmt.Sprintf("webhook %s for %s dropped after %d attempts", event.Kind, event.ResourceID, worker.Retries))
}

func (worker *Worker) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if worker.Key != nil {
		signature, err := worker.sign(body)
		if err != nil {
			return err
		}
		req.Header.Set(SignatureHeader, signature)
	}
	resp, err := worker.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (worker *Worker) sign(body []byte) (string, error) {
	digest := sha256.Sum256(body)
	signature, err := ecdsa.SignASN1(rand.Reader, worker.Key, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

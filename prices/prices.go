package prices

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/bus"
	"github.com/paywatch/paywatch-core/database"
	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

// Service : price quotes and conversion. Quotes live in the Store; a local
// cache refreshed by the background loop keeps Convert off the database on
// the hot path.
type Service struct {
	Store    database.Store
	Bus      *bus.EventBus
	Logger   log.Logger
	Interval time.Duration

	mutex sync.RWMutex
	cache map[string]types.Price
}

func NewService(store database.Store, eventBus *bus.EventBus, interval time.Duration, logger log.Logger) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		Store:    store,
		Bus:      eventBus,
		Logger:   logger,
		Interval: interval,
		cache:    map[string]types.Price{},
	}
}

func cacheKey(currency string, base string) string {
	return currency + "/" + base
}

// Convert : value denominated in from, expressed in to. Tries the direct
// quote first, then the inverse. Results round to 8 decimals.
func (service *Service) Convert(value float64, from string, to string) (float64, error) {
	if from == to {
		return value, nil
	}
	if price, ok := service.lookup(from, to); ok {
		return round8(value * price.Value), nil
	}
	if price, ok := service.lookup(to, from); ok {
		if price.Value == 0 {
			return 0, fmt.Errorf("zero inverse quote for %s/%s", to, from)
		}
		return round8(value / price.Value), nil
	}
	return 0, types.ErrNotFound
}

// List : all known quotes
func (service *Service) List() ([]types.Price, error) {
	return service.Store.ListPrices()
}

// SetPrice : record a quote and publish price.updated
func (service *Service) SetPrice(price types.Price) error {
	if err := service.Store.UpsertPrice(price); err != nil {
		return err
	}
	service.mutex.Lock()
	service.cache[cacheKey(price.Currency, price.Base)] = price
	service.mutex.Unlock()
	service.Bus.Publish(types.Event{
		Kind:         types.EventPriceUpdated,
		ResourceType: "price",
		ResourceID:   cacheKey(price.Currency, price.Base),
		Data:         price,
	})
	return nil
}

// Run : refresh the cache on the configured interval until ctx is cancelled,
// publishing price.updated for any quote whose value moved
func (service *Service) Run(ctx context.Context) {
	service.refresh(false)
	ticker := time.NewTicker(service.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			service.refresh(true)
		}
	}
}

func (service *Service) refresh(publish bool) {
	prices, err := service.Store.ListPrices()
	if util.LoggerError(service.Logger, err) != nil {
		return
	}
	changed := make([]types.Price, 0)
	service.mutex.Lock()
	for _, price := range prices {
		key := cacheKey(price.Currency, price.Base)
		previous, ok := service.cache[key]
		if !ok || previous.Value != price.Value {
			changed = append(changed, price)
		}
		service.cache[key] = price
	}
	service.mutex.Unlock()
	if !publish {
		return
	}
	for _, price := range changed {
		service.Bus.Publish(types.Event{
			Kind:         types.EventPriceUpdated,
			ResourceType: "price",
			ResourceID:   cacheKey(price.Currency, price.Base),
			Data:         price,
		})
	}
}

func (service *Service) lookup(currency string, base string) (types.Price, bool) {
	service.mutex.RLock()
	price, ok := service.cache[cacheKey(currency, base)]
	service.mutex.RUnlock()
	if ok {
		return price, true
	}
	price, err := service.Store.FindPrice(currency, base)
	if err != nil {
		return types.Price{}, false
	}
	service.mutex.Lock()
	service.cache[cacheKey(currency, base)] = price
	service.mutex.Unlock()
	return price, true
}

func round8(value float64) float64 {
	return math.Round(value*1e8) / 1e8
}

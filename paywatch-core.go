package main

import (
	"bufio"
	"context"
	"crypto/elliptic"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/knq/pemutil"
	tmos "github.com/tendermint/tendermint/libs/os"
	dbm "github.com/tendermint/tm-db"

	"github.com/common-nighthawk/go-figure"
	"github.com/manifoldco/promptui"

	"github.com/paywatch/paywatch-core/api"
	"github.com/paywatch/paywatch-core/bus"
	"github.com/paywatch/paywatch-core/config"
	"github.com/paywatch/paywatch-core/database"
	"github.com/paywatch/paywatch-core/database/memstore"
	"github.com/paywatch/paywatch-core/database/postgres"
	"github.com/paywatch/paywatch-core/dispatch"
	"github.com/paywatch/paywatch-core/engine"
	"github.com/paywatch/paywatch-core/feed"
	"github.com/paywatch/paywatch-core/invoices"
	"github.com/paywatch/paywatch-core/level"
	"github.com/paywatch/paywatch-core/prices"
	"github.com/paywatch/paywatch-core/rabbitmq"
	"github.com/paywatch/paywatch-core/threadsafe_ulid"
	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
	"github.com/paywatch/paywatch-core/webhooks"
)

var home string

func setup(cfg types.PaywatchConfig) {

	if _, err := os.Stat(home); os.IsNotExist(err) {
		os.MkdirAll(home, os.ModePerm)
	}

	if _, err := os.Stat(home + "/data/keys/ecdsa_key.pem"); os.IsNotExist(err) {
		os.MkdirAll(home+"/data/keys", os.ModePerm)
		st, _ := pemutil.GenerateECKeySet(elliptic.P256())
		st.WriteFile(home + "/data/keys/ecdsa_key.pem")
	}

	if _, err := os.Stat(home + "/paywatch.conf"); os.IsNotExist(err) {
		configs := []string{}

		promptMode := promptui.Select{
			Label: "Will this gateway run against Postgres or standalone in-memory?",
			Items: []string{"Postgres", "Standalone Mode"},
		}
		_, modeResult, err := promptMode.Run()
		if err != nil {
			panic(err)
		}
		if modeResult == "Standalone Mode" {
			configs = append(configs, "standalone=true")
		} else {
			promptPostgres := promptui.Prompt{
				Label: "Postgres connection URI",
			}
			pgResult, err := promptPostgres.Run()
			if err != nil {
				panic(err)
			}
			configs = append(configs, "postgres_uri="+pgResult)
		}

		promptRedis := promptui.Prompt{
			Label:   "Redis URI (empty to use local block dedupe storage)",
			Default: "",
		}
		redisResult, err := promptRedis.Run()
		if err != nil {
			panic(err)
		}
		if redisResult != "" {
			configs = append(configs, "redis_uri="+redisResult)
		}

		file, err := os.OpenFile(home+"/paywatch.conf", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("failed creating file: %s", err)
		}
		datawriter := bufio.NewWriter(file)
		for _, data := range configs {
			_, _ = datawriter.WriteString(data + "\n")
		}
		datawriter.Flush()
		file.Close()

		fmt.Printf("Paywatch Core Setup Complete. Run with ./paywatch-core -config %s\n", home+"/paywatch.conf")
		os.Exit(0)
	}
}

func main() {
	figure.NewColorFigure("Paywatch Core", "colossal", "green", false).Print()
	homedirname, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	home = fmt.Sprintf("%s/.paywatch/core", homedirname)

	cfg := config.InitConfig(home)
	logger := *cfg.Logger

	setup(cfg)

	store, err := initStore(cfg)
	if err != nil {
		panic(err)
	}

	var redisClient *redis.Client
	if cfg.RedisURI != "" {
		opts, err := redis.ParseURL(cfg.RedisURI)
		if err != nil {
			panic(err)
		}
		redisClient = redis.NewClient(opts)
	}
	ledgerDb, err := dbm.NewDB("ledger", dbm.GoLevelDBBackend, home+"/data")
	if err != nil {
		panic(err)
	}
	ledger := level.NewLedger(&ledgerDb, redisClient, logger)

	ctx, cancel := context.WithCancel(context.Background())

	eventBus := bus.NewEventBus(logger)

	registry := dispatch.NewRegistry(logger)
	go registry.Run(eventBus.Subscribe("dispatch"))

	priceService := prices.NewService(store, eventBus, cfg.PriceInterval, logger)
	go priceService.Run(ctx)

	invoiceService := invoices.NewService(store, priceService, eventBus, logger)

	paymentEngine := engine.NewEngine(store, eventBus, ledger, cfg, logger)
	for _, feedConfig := range cfg.Feeds {
		chainFeed, err := feed.New(feedConfig, paymentEngine, logger)
		if err != nil {
			util.LoggerError(logger, err)
			continue
		}
		paymentEngine.RegisterFeed(chainFeed)
	}
	paymentEngine.Start(ctx)

	webhookWorker := webhooks.NewWorker(store, eventBus, cfg.WebhookRetries, cfg.ECPrivateKey, logger)
	go webhookWorker.Run(ctx)

	if cfg.RabbitmqURI != "" {
		publisher := rabbitmq.NewPublisher(cfg.RabbitmqURI, eventBus, logger)
		go publisher.Run(ctx)
	}

	go pruneLoop(ctx, ledger)

	apiServer := api.NewServer(store, invoiceService, priceService, registry, cfg, logger)
	router, err := apiServer.Router()
	if err != nil {
		panic(err)
	}

	server := &http.Server{
		Handler:      router,
		Addr:         ":" + cfg.APIPort,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Wait forever, shutdown gracefully upon signal
	tmos.TrapSignal(logger, func() {
		logger.Info("Shutting down Paywatch Core...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		eventBus.Stop()
		ledgerDb.Close()
	})

	util.LogError(server.ListenAndServe())

	return
}

// initStore : standalone mode runs on the in-memory store seeded with a
// demo account whose API key is printed at startup
func initStore(cfg types.PaywatchConfig) (database.Store, error) {
	logger := *cfg.Logger
	if cfg.Standalone || cfg.PostgresURI == "" {
		store, err := memstore.NewMemstore(logger)
		if err != nil {
			return nil, err
		}
		if err := seedStandalone(store, cfg); err != nil {
			return nil, err
		}
		return store, nil
	}
	pg, err := postgres.NewPGFromURI(cfg.PostgresURI, logger)
	if err != nil {
		return nil, err
	}
	if !pg.SchemaExists() {
		pg.CreateSchema()
	}
	return pg, nil
}

var coinPrecision = map[string]int{
	"BTC":  8,
	"BCH":  8,
	"BSV":  8,
	"DOGE": 8,
	"LTC":  8,
	"DASH": 8,
	"ETH":  18,
	"SOL":  9,
	"XRP":  6,
}

func seedStandalone(store *memstore.Memstore, cfg types.PaywatchConfig) error {
	ulidGen := threadsafe_ulid.NewThreadSafeUlid()
	id, err := ulidGen.NewUlid()
	if err != nil {
		return err
	}
	token := "pk_" + strings.ToLower(id.String())
	account, err := store.SeedAccount(types.Account{Name: "standalone", Currency: "USD"}, token, nil)
	if err != nil {
		return err
	}
	for _, feedConfig := range cfg.Feeds {
		precision, ok := coinPrecision[feedConfig.Currency]
		if !ok {
			precision = 8
		}
		err := store.SeedCoin(types.Coin{
			Chain:     feedConfig.Chain,
			Currency:  feedConfig.Currency,
			Precision: precision,
		})
		if err != nil {
			return err
		}
	}
	fmt.Printf("****************************************************\n")
	fmt.Printf("Standalone mode: in-memory store, state is not durable.\n")
	fmt.Printf("Demo account id: %d\n", account.ID)
	fmt.Printf("Demo API key:    %s\n", token)
	fmt.Printf("****************************************************\n\n")
	return nil
}

func pruneLoop(ctx context.Context, ledger *level.Ledger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ledger.PruneSeen()
		}
	}
}

package config

import (
	"crypto/elliptic"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jacohend/flag"
	"github.com/knq/pemutil"
	"github.com/spf13/viper"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/paywatch/paywatch-core/types"
	"github.com/paywatch/paywatch-core/util"
)

// InitConfig : receives flags, ENV variables and the optional config file
// and initializes the app config struct
func InitConfig(home string) types.PaywatchConfig {
	var apiPort, postgresURI, redisURI, rabbitmqURI, logLevel string
	var btcBlockbookURL, dogeBlockbookURL, bsvBlockbookURL, blockbookAPIKey string
	var ethWssURL, polygonWssURL, avaxWssURL, solWssURL, xrplWssURL string
	var thresholdStr, secretKeyPath string
	var fetchRetries, webhookRetries, fetchTimeout, priceInterval int
	var standalone bool

	flag.String(flag.DefaultConfigFlagname, "", "path to config file")
	flag.StringVar(&apiPort, "api_port", "8080", "api port")
	flag.StringVar(&postgresURI, "postgres_uri", "", "postgres connection uri")
	flag.StringVar(&redisURI, "redis_uri", "", "redis connection uri")
	flag.StringVar(&rabbitmqURI, "rabbitmq_uri", "", "rabbitmq connection uri for event mirroring")
	flag.BoolVar(&standalone, "standalone", false, "run without postgres, using the in-memory store")
	flag.StringVar(&btcBlockbookURL, "btc_blockbook_url", "", "blockbook server for BTC")
	flag.StringVar(&dogeBlockbookURL, "doge_blockbook_url", "", "blockbook server for DOGE")
	flag.StringVar(&bsvBlockbookURL, "bsv_blockbook_url", "", "blockbook server for BSV")
	flag.StringVar(&blockbookAPIKey, "blockbook_api_key", "", "api key embedded in blockbook connection urls")
	flag.StringVar(&ethWssURL, "eth_wss_url", "", "ethereum websocket node url")
	flag.StringVar(&polygonWssURL, "polygon_wss_url", "", "polygon websocket node url")
	flag.StringVar(&avaxWssURL, "avax_wss_url", "", "avalanche websocket node url")
	flag.StringVar(&solWssURL, "sol_wss_url", "", "solana websocket node url")
	flag.StringVar(&xrplWssURL, "xrpl_wss_url", "", "xrp ledger websocket url")
	flag.StringVar(&thresholdStr, "confirmation_thresholds", "", "comma-delimited chain=n confirmation thresholds")
	flag.IntVar(&fetchRetries, "block_fetch_retries", 5, "attempts to fetch a block's txids before marking it unprocessed")
	flag.IntVar(&fetchTimeout, "block_fetch_timeout", 30, "seconds before a block detail fetch times out")
	flag.IntVar(&webhookRetries, "webhook_retries", 3, "webhook delivery attempts")
	flag.IntVar(&priceInterval, "price_interval", 60, "seconds between price refreshes")
	flag.StringVar(&logLevel, "log_level", "info", "log level")
	flag.StringVar(&secretKeyPath, "secret_key_path", home+"/data/keys/ecdsa_key.pem", "path to ECDSA secret key")
	flag.Parse()

	initEnv("PW")

	allowLevel, _ := log.AllowLevel(strings.ToLower(logLevel))
	logger := log.NewFilter(log.NewTMLogger(log.NewSyncWriter(os.Stdout)), allowLevel)

	store, err := pemutil.LoadFile(secretKeyPath)
	if err != nil {
		util.LoggerError(logger, err)
	}
	ecPrivKey, ok := store.ECPrivateKey()
	if !ok {
		store, _ = pemutil.GenerateECKeySet(elliptic.P256())
		ecPrivKey, _ = store.ECPrivateKey()
	}

	feeds := []types.FeedConfig{}
	if btcBlockbookURL != "" {
		feeds = append(feeds, types.FeedConfig{Chain: "BTC", Kind: "blockbook", URL: btcBlockbookURL, APIKey: blockbookAPIKey, Currency: "BTC"})
	}
	if dogeBlockbookURL != "" {
		feeds = append(feeds, types.FeedConfig{Chain: "DOGE", Kind: "blockbook", URL: dogeBlockbookURL, APIKey: blockbookAPIKey, Currency: "DOGE"})
	}
	if bsvBlockbookURL != "" {
		feeds = append(feeds, types.FeedConfig{Chain: "BSV", Kind: "blockbook", URL: bsvBlockbookURL, APIKey: blockbookAPIKey, Currency: "BSV"})
	}
	if ethWssURL != "" {
		feeds = append(feeds, types.FeedConfig{Chain: "ETH", Kind: "evm", URL: ethWssURL, Currency: "ETH"})
	}
	if polygonWssURL != "" {
		feeds = append(feeds, types.FeedConfig{Chain: "POLYGON", Kind: "evm", URL: polygonWssURL, Currency: "MATIC"})
	}
	if avaxWssURL != "" {
		feeds = append(feeds, types.FeedConfig{Chain: "AVAX", Kind: "evm", URL: avaxWssURL, Currency: "AVAX"})
	}
	if solWssURL != "" {
		feeds = append(feeds, types.FeedConfig{Chain: "SOL", Kind: "solana", URL: solWssURL, Currency: "SOL"})
	}
	if xrplWssURL != "" {
		feeds = append(feeds, types.FeedConfig{Chain: "XRP", Kind: "xrpl", URL: xrplWssURL, Currency: "XRP"})
	}

	return types.PaywatchConfig{
		HomePath:       home,
		APIPort:        apiPort,
		PostgresURI:    postgresURI,
		RedisURI:       redisURI,
		RabbitmqURI:    rabbitmqURI,
		Standalone:     standalone,
		Feeds:          feeds,
		Thresholds:     parseThresholds(thresholdStr),
		FetchRetries:   fetchRetries,
		FetchTimeout:   time.Duration(fetchTimeout) * time.Second,
		PriceInterval:  time.Duration(priceInterval) * time.Second,
		WebhookRetries: webhookRetries,
		ECPrivateKey:   ecPrivKey,
		Logger:         &logger,
	}
}

// parseThresholds : parse "BTC=2,ETH=12" into a threshold map
func parseThresholds(str string) map[string]int {
	thresholds := map[string]int{}
	if str == "" {
		return thresholds
	}
	for _, pair := range strings.Split(str, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil || n < 1 {
			continue
		}
		thresholds[strings.ToUpper(strings.TrimSpace(kv[0]))] = n
	}
	return thresholds
}

// initEnv sets to use ENV variables if set.
func initEnv(prefix string) {
	copyEnvVars(prefix)

	// env variables with PW prefix (eg. PW_API_PORT)
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// This copies all variables like PWROOT to PW_ROOT,
// so we can support both formats for the user
func copyEnvVars(prefix string) {
	prefix = strings.ToUpper(prefix)
	ps := prefix + "_"
	for _, e := range os.Environ() {
		kv := strings.SplitN(e, "=", 2)
		if len(kv) == 2 {
			k, v := kv[0], kv[1]
			if strings.HasPrefix(k, prefix) && !strings.HasPrefix(k, ps) {
				k2 := strings.Replace(k, prefix, ps, 1)
				os.Setenv(k2, v)
			}
		}
	}
}

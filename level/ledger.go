package level

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"github.com/paywatch/paywatch-core/types"
)

const seenTTL = 24 * time.Hour

// Ledger : durable per-chain processing state. Last processed heights and
// unprocessed-block records always live in leveldb so a restart can resume;
// seen-block dedupe prefers redis when a client is configured, so multiple
// processes sharing one redis agree on what has been handled.
type Ledger struct {
	RedisClient *redis.Client
	LevelDb     dbm.DB
	Logger      log.Logger
}

func NewLedger(db *dbm.DB, redisClient *redis.Client, logger log.Logger) *Ledger {
	return &Ledger{
		RedisClient: redisClient,
		LevelDb:     *db,
		Logger:      logger,
	}
}

// MarkBlockSeen : record a block hash as handled. Returns true if it had
// already been recorded, so redelivered announcements can be skipped.
func (ledger *Ledger) MarkBlockSeen(chain string, blockHash string) (bool, error) {
	key := "seen:" + chain + ":" + blockHash
	if ledger.RedisClient != nil {
		created, err := ledger.RedisClient.SetNX(key, time.Now().Unix(), seenTTL).Result()
		if err == nil {
			return !created, nil
		}
		ledger.Logger.Error("redis dedupe unavailable, falling back to leveldb: " + err.Error())
	}
	existing, err := ledger.LevelDb.Get([]byte(key))
	if err != nil {
		return false, err
	}
	if existing != nil {
		return true, nil
	}
	return false, ledger.LevelDb.Set([]byte(key), []byte(strconv.FormatInt(time.Now().Unix(), 10)))
}

// LastHeight : highest block height processed for a chain, 0 if none yet
func (ledger *Ledger) LastHeight(chain string) (int64, error) {
	value, err := ledger.LevelDb.Get([]byte("height:" + chain))
	if err != nil {
		return 0, err
	}
	if value == nil {
		return 0, nil
	}
	return strconv.ParseInt(string(value), 10, 64)
}

// SetLastHeight : persist the processed height watermark for a chain
func (ledger *Ledger) SetLastHeight(chain string, height int64) error {
	return ledger.LevelDb.Set([]byte("height:"+chain), []byte(strconv.FormatInt(height, 10)))
}

// unprocessedKey : records for chains whose notifications carry no hash
// (and synthesized catch-up heights) key on the height instead, so distinct
// hashless failures never collide
func unprocessedKey(chain string, blockHash string, height int64) string {
	if blockHash == "" {
		return "unprocessed:" + chain + ":h:" + strconv.FormatInt(height, 10)
	}
	return "unprocessed:" + chain + ":" + blockHash
}

// AddUnprocessedBlock : record a block whose txid fetch exhausted its retry
// budget so a later rescan can pick it up
func (ledger *Ledger) AddUnprocessedBlock(block types.UnprocessedBlock) error {
	encoded, err := json.Marshal(block)
	if err != nil {
		return err
	}
	key := unprocessedKey(block.Chain, block.BlockHash, block.Height)
	return ledger.LevelDb.Set([]byte(key), encoded)
}

// RemoveUnprocessedBlock : drop a record once its rescan succeeds
func (ledger *Ledger) RemoveUnprocessedBlock(chain string, blockHash string, height int64) error {
	return ledger.LevelDb.Delete([]byte(unprocessedKey(chain, blockHash, height)))
}

// ListUnprocessedBlocks : all recorded unprocessed blocks for a chain
func (ledger *Ledger) ListUnprocessedBlocks(chain string) ([]types.UnprocessedBlock, error) {
	it, err := dbm.IteratePrefix(ledger.LevelDb, []byte("unprocessed:"+chain+":"))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	blocks := make([]types.UnprocessedBlock, 0)
	for ; it.Valid(); it.Next() {
		var block types.UnprocessedBlock
		if err := json.Unmarshal(it.Value(), &block); err != nil {
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// PruneSeen : drop leveldb dedupe entries older than the retention window.
// Redis entries expire on their own.
func (ledger *Ledger) PruneSeen() {
	it, err := dbm.IteratePrefix(ledger.LevelDb, []byte("seen:"))
	if err != nil {
		return
	}
	defer it.Close()
	stale := make([]string, 0)
	for ; it.Valid(); it.Next() {
		t, err := strconv.ParseInt(string(it.Value()), 10, 64)
		if err != nil {
			continue
		}
		if time.Now().After(time.Unix(t, 0).Add(seenTTL)) {
			stale = append(stale, string(it.Key()))
		}
	}
	for _, key := range stale {
		ledger.LevelDb.Delete([]byte(key))
		parts := strings.SplitN(key, ":", 3)
		if len(parts) == 3 {
			ledger.Logger.Debug("pruned seen block", "chain", parts[1], "hash", parts[2])
		}
	}
}

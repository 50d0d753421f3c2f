package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/pocketai/pocketai-gateway/internal/shared/models"
	"github.com/pocketai/pocketai-gateway/internal/shared/redis"
)

// ErrNoRecord is returned by ApplyUsage when the account record vanished
// between authentication and settlement; the usage is dropped.
var ErrNoRecord = errors.New("account record not found")

// priceMaxAge is the freshness window for the cached price table. Stale
// reads are tolerated; a refresh failure never blocks a request.
const priceMaxAge = 2 * time.Hour

// KV is the slice of the Redis client the store depends on. Update must
// provide an atomic read-modify-write on a single key.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	MGet(ctx context.Context, keys ...string) ([]string, error)
	Update(ctx context.Context, key string, fn func(cur string, found bool) (string, error)) error
}

// Store owns account records and the global price table.
type Store struct {
	kv KV

	priceMu   sync.RWMutex
	prices    models.PriceTable
	fetchedAt time.Time
}

func New(kv KV) *Store {
	return &Store{kv: kv}
}

// Exists reports whether an account record is provisioned for hashedCode.
func (s *Store) Exists(ctx context.Context, hashedCode string) (bool, error) {
	return s.kv.Exists(ctx, hashedCode)
}

// Read loads and decodes the account record for hashedCode.
// Returns redis.ErrNotFound when no record exists.
func (s *Store) Read(ctx context.Context, hashedCode string) (models.AccountRecord, error) {
	raw, err := s.kv.Get(ctx, hashedCode)
	if err != nil {
		return models.AccountRecord{}, err
	}
	return decodeRecord(raw), nil
}

// GetPrice returns the global price table, refreshing from the store when
// the cached copy is older than two hours. A failed refresh falls back to
// whatever was cached before.
func (s *Store) GetPrice(ctx context.Context) models.PriceTable {
	s.priceMu.RLock()
	fresh := time.Since(s.fetchedAt) < priceMaxAge
	cached := s.prices
	s.priceMu.RUnlock()

	if fresh {
		return cached
	}

	vals, err := s.kv.MGet(ctx,
		models.FamilyGPT3.Info().PriceKey,
		models.FamilyGPT4.Info().PriceKey,
		models.FamilyChatGLM.Info().PriceKey,
	)
	if err != nil {
		log.Warn().Err(err).Msg("accounts: price refresh failed, serving stale table")
		return cached
	}

	table := models.PriceTable{
		GPT3Price: parsePrice(vals[0]),
		GPT4Price: parsePrice(vals[1]),
		GLMPrice:  parsePrice(vals[2]),
	}

	s.priceMu.Lock()
	s.prices = table
	s.fetchedAt = time.Now()
	s.priceMu.Unlock()

	return table
}

// ApplyUsage settles one usage event against the account record. Count
// mode decrements the family call counter by one; token mode multiplies
// the amount by the family unit price and subtracts from the balance.
// The write goes through the KV's atomic update so concurrent
// settlements on the same hashed code cannot lose decrements. Values are
// not floored; transient negatives are denied on the next authenticate.
func (s *Store) ApplyUsage(ctx context.Context, ev models.UsageEvent) error {
	var price decimal.Decimal
	if ev.Mode == models.CostModeTokens {
		price = s.GetPrice(ctx).For(ev.Family)
	}

	err := s.kv.Update(ctx, ev.HashedCode, func(cur string, found bool) (string, error) {
		if !found {
			return "", ErrNoRecord
		}
		rec := decodeRecord(cur)

		switch ev.Mode {
		case models.CostModeCount:
			rec.DecQuota(ev.Family)
		case models.CostModeTokens:
			cost := price.Mul(decimal.NewFromInt(ev.Amount))
			rec.Balance = rec.Balance.Sub(cost)
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("encode account record: %w", err)
		}
		return string(out), nil
	})
	if errors.Is(err, redis.ErrNotFound) {
		return ErrNoRecord
	}
	return err
}

// decodeRecord tolerates untyped blobs written by the provisioning side:
// missing or non-numeric fields decode to zero values instead of failing.
func decodeRecord(raw string) models.AccountRecord {
	rec := models.AccountRecord{
		GPT3Remains: gjson.Get(raw, "gpt3remains").Int(),
		GPT4Remains: gjson.Get(raw, "gpt4remains").Int(),
		IsExpired:   gjson.Get(raw, "isExpired").Bool(),
	}
	if b := gjson.Get(raw, "balance"); b.Exists() {
		if d, err := decimal.NewFromString(b.String()); err == nil {
			rec.Balance = d
		}
	}
	return rec
}

func parsePrice(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

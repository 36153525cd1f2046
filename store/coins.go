package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Transaction types recorded in the coin journal.
const (
	TxReward      = "REWARD"
	TxPurchase    = "PURCHASE"
	TxLogin       = "LOGIN"
	TxAdminCredit = "ADMIN_CREDIT"
	TxAdminDebit  = "ADMIN_DEBIT"
)

// CoinEntry is one journal record for an account's balance change.
type CoinEntry struct {
	Amount        int64     `json:"amount"`
	Type          string    `json:"type"`
	Description   string    `json:"description"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	CreatedAt     time.Time `json:"createdAt"`
}

func coinLogKey(id string) string { return "coins:log:" + id }

// adjustCoinsScript applies a delta to the coins field of an account hash.
// The balance check and the increment run atomically inside Redis; a guarded
// debit that would go negative leaves the balance untouched.
var adjustCoinsScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 0 then
		return redis.error_reply('no such account')
	end
	local delta = tonumber(ARGV[1])
	local allow_negative = ARGV[2] == '1'
	local current = tonumber(redis.call('HGET', key, 'coins') or '0')
	if not allow_negative and current + delta < 0 then
		return redis.error_reply('insufficient balance')
	end
	local after = redis.call('HINCRBY', key, 'coins', delta)
	return {current, after}
`)

// AdjustCoins atomically applies a balance delta and journals the result.
// Debits fail with ErrInsufficientFunds unless allowNegative is set.
func (s *Store) AdjustCoins(ctx context.Context, id string, amount int64, kind, description string, allowNegative bool) (CoinEntry, error) {
	allow := "0"
	if allowNegative {
		allow = "1"
	}
	result, err := adjustCoinsScript.Run(ctx, s.rdb, []string{accountKey(id)}, amount, allow).Result()
	if err != nil {
		// Script errors surface as plain redis errors carrying the
		// error_reply text.
		if strings.Contains(err.Error(), "insufficient balance") {
			return CoinEntry{}, ErrInsufficientFunds
		}
		if strings.Contains(err.Error(), "no such account") {
			return CoinEntry{}, ErrNotFound
		}
		return CoinEntry{}, eris.Wrap(err, "adjust coins")
	}

	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		return CoinEntry{}, eris.Errorf("unexpected adjust result %v", result)
	}
	before, _ := values[0].(int64)
	after, _ := values[1].(int64)

	entry := CoinEntry{
		Amount:        amount,
		Type:          kind,
		Description:   description,
		BalanceBefore: before,
		BalanceAfter:  after,
		CreatedAt:     time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return entry, eris.Wrap(err, "marshal coin entry")
	}
	if err := s.rdb.LPush(ctx, coinLogKey(id), data).Err(); err != nil {
		return entry, eris.Wrap(err, "journal coin entry")
	}
	return entry, nil
}

// CoinHistory returns the newest journal entries first.
func (s *Store) CoinHistory(ctx context.Context, id string, limit int64) ([]CoinEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := s.rdb.LRange(ctx, coinLogKey(id), 0, limit-1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "read coin journal")
	}
	entries := make([]CoinEntry, 0, len(raw))
	for _, item := range raw {
		var entry CoinEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, eris.Wrap(err, "decode coin entry")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// claimRewardScript marks today's reward as claimed if it was not already.
var claimRewardScript = redis.NewScript(`
	local key = KEYS[1]
	local today = ARGV[1]
	if redis.call('HGET', key, 'lastReward') == today then
		return 0
	end
	redis.call('HSET', key, 'lastReward', today)
	return 1
`)

// ClaimDailyReward credits the login reward at most once per calendar day.
func (s *Store) ClaimDailyReward(ctx context.Context, id string, amount int64, day time.Time) (CoinEntry, error) {
	claimed, err := claimRewardScript.Run(ctx, s.rdb, []string{accountKey(id)}, day.Format("2006-01-02")).Int()
	if err != nil {
		return CoinEntry{}, eris.Wrap(err, "claim reward")
	}
	if claimed == 0 {
		return CoinEntry{}, ErrRewardClaimed
	}
	return s.AdjustCoins(ctx, id, amount, TxLogin, "Daily login reward", false)
}

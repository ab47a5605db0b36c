package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/manthysbr/jobpipe/internal/core/domain"
)

const (
	usageKeyPrefix = "agent_usage:"
	usageKeyTTL    = 48 * time.Hour
)

// reserveScript adds ARGV[1] to KEYS[1] only if the result stays within
// ARGV[2]. Returns 1 on success, 0 when the ceiling would be exceeded.
var reserveScript = redisv8.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
if current + amount > ceiling + 1e-9 then
  return 0
end
redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// adjustScript adds ARGV[1] to KEYS[1], flooring the result at zero.
var adjustScript = redisv8.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = current + tonumber(ARGV[1])
if next < 0 then
  next = 0
end
redis.call('SET', KEYS[1], tostring(next), 'EX', ARGV[2])
return tostring(next)
`)

// Ledger is a BudgetLedger backed by per-day Redis counters, for deployments
// where several kernels share one agent budget.
type Ledger struct {
	svc *Service
	now func() time.Time
}

func NewLedger(svc *Service) *Ledger {
	return &Ledger{svc: svc, now: time.Now}
}

func usageKey(id domain.AgentID, day time.Time) string {
	return usageKeyPrefix + string(id) + ":" + day.UTC().Format("2006-01-02")
}

func (l *Ledger) TryReserve(ctx context.Context, id domain.AgentID, amount, ceiling float64) (bool, error) {
	key := usageKey(id, l.now())
	ok, err := reserveScript.Run(ctx, l.svc.client, []string{key},
		formatFloat(amount), formatFloat(ceiling), int(usageKeyTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("reserve budget for agent %s: %w", id, err)
	}
	return ok == 1, nil
}

func (l *Ledger) Adjust(ctx context.Context, id domain.AgentID, delta float64) error {
	key := usageKey(id, l.now())
	if err := adjustScript.Run(ctx, l.svc.client, []string{key}, formatFloat(delta), int(usageKeyTTL.Seconds())).Err(); err != nil {
		return fmt.Errorf("adjust budget for agent %s: %w", id, err)
	}
	return nil
}

func (l *Ledger) Usage(ctx context.Context, id domain.AgentID) (float64, error) {
	v, err := l.svc.client.Get(ctx, usageKey(id, l.now())).Float64()
	if errors.Is(err, redisv8.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage for agent %s: %w", id, err)
	}
	return v, nil
}

// ResetUsage deletes every usage counter. Re-enabling agents is left to the
// registry, so the returned count is always zero.
func (l *Ledger) ResetUsage(ctx context.Context) (int, error) {
	iter := l.svc.client.Scan(ctx, 0, usageKeyPrefix+"*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan usage keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := l.svc.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("delete usage keys: %w", err)
	}
	l.svc.logger.Info("redis usage counters cleared", "keys", len(keys))
	return 0, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

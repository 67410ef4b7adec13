package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

// PixelsPerUnit is how many source pixels one budget unit pays for.
const PixelsPerUnit = 1_000_000

// Decision is the outcome of charging a job against a subject's budget.
type Decision struct {
	Allowed    bool
	Cost       int64
	Remaining  int64
	RetryAfter time.Duration
}

type Config struct {
	// Units refill linearly over Window.
	Units     int
	Window    time.Duration
	KeyPrefix string
}

// PixelBudget meters thumbnail work per subject in Redis. The budget refills
// continuously and uses the Redis clock so API replicas agree on it.
type PixelBudget struct {
	client    redis.Scripter
	units     int64
	window    time.Duration
	keyPrefix string
}

var chargeScript = redis.NewScript(`
local units = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now_ms = tonumber(clock[1]) * 1000 + math.floor(tonumber(clock[2]) / 1000)

local state = redis.call("HMGET", KEYS[1], "level", "at")
local level = tonumber(state[1]) or units
local at = tonumber(state[2]) or now_ms
level = math.min(units, level + math.max(0, now_ms - at) * units / window_ms)

if level < cost then
  return {0, math.floor(level), math.ceil((cost - level) * window_ms / units)}
end

level = level - cost
redis.call("HSET", KEYS[1], "level", tostring(level), "at", now_ms)
redis.call("PEXPIRE", KEYS[1], window_ms * 2)
return {1, math.floor(level), 0}
`)

func NewPixelBudget(client redis.Scripter, cfg Config) (*PixelBudget, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Units <= 0 {
		return nil, fmt.Errorf("budget units must be positive, got %d", cfg.Units)
	}
	if cfg.Window < time.Millisecond {
		return nil, fmt.Errorf("budget window must be at least 1ms, got %s", cfg.Window)
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "thumbflow:budget"
	}
	return &PixelBudget{
		client:    client,
		units:     int64(cfg.Units),
		window:    cfg.Window,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Cost prices a job in budget units. Raw sources pay one unit per started
// megapixel; file sources pay a flat unit because their size is unknown
// until the worker decodes them.
func Cost(job domain.Job) int64 {
	if job.Raw == nil {
		return 1
	}
	pixels := int64(job.Raw.Width) * int64(job.Raw.Height)
	if pixels <= 0 {
		return 1
	}
	return (pixels + PixelsPerUnit - 1) / PixelsPerUnit
}

// Charge takes cost units from subject's budget. A job dearer than the
// whole budget is charged the whole budget, so it waits for a full refill
// instead of being refused forever.
func (b *PixelBudget) Charge(ctx context.Context, subject string, cost int64) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	cost = min(max(cost, 1), b.units)

	vals, err := chargeScript.Run(ctx, b.client,
		[]string{b.keyPrefix + ":" + subject},
		b.units, b.window.Milliseconds(), cost,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("charge budget for %s: %w", subject, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("charge budget for %s: unexpected reply of %d values", subject, len(vals))
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Cost:       cost,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

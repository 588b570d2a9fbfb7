package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Fixed is a fixed window limiter for the operator API.
type Fixed struct {
	L *limiter.Limiter
}

// NewFixed builds a limiter from a formatted rate such as "120-M". A nil
// client keeps counters in process memory.
func NewFixed(rdb *redis.Client, prefix, rate string) (Fixed, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return Fixed{}, err
	}
	var store limiter.Store
	if rdb == nil {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: prefix, CleanUpInterval: time.Minute})
	} else {
		store, err = limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
		if err != nil {
			return Fixed{}, err
		}
	}
	return Fixed{L: limiter.New(store, r)}, nil
}

// Allow consumes one request for key.
func (f Fixed) Allow(ctx context.Context, key string) (Decision, error) {
	lc, err := f.L.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !lc.Reached,
		Limit:     int(lc.Limit),
		Remaining: int(lc.Remaining),
		Reset:     time.Unix(lc.Reset, 0),
	}, nil
}

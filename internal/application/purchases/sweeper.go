package purchases

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	SweepLockKey           = "escrow:sweep:lock"
	DefaultSweepInterval   = 5 * time.Minute
	defaultSweepLockMargin = 10 * time.Second
)

var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Sweeper runs ExpireEscrow on a ticker. With Rdb set, instances share a lock
// so only one sweeps per interval.
type Sweeper struct {
	Service  *Service
	Rdb      *redis.Client
	Interval time.Duration
	LockTTL  time.Duration
}

func (w *Sweeper) interval() time.Duration {
	if w.Interval <= 0 {
		return DefaultSweepInterval
	}
	return w.Interval
}

// Run sweeps until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()
	log.Info().Dur("interval", w.interval()).Msg("escrow sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("escrow sweeper stopped")
			return
		case <-ticker.C:
			if _, _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("escrow sweep failed")
			}
		}
	}
}

// SweepOnce runs one pass if the lock is free. ran is false when another
// instance holds the lock.
func (w *Sweeper) SweepOnce(ctx context.Context) (res SweepResult, ran bool, err error) {
	if w.Rdb == nil {
		res, err = w.Service.ExpireEscrow(ctx)
		return res, true, err
	}

	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = w.interval() - defaultSweepLockMargin
		if ttl <= 0 {
			ttl = w.interval()
		}
	}
	token := uuid.New().String()
	ok, err := w.Rdb.SetNX(ctx, SweepLockKey, token, ttl).Result()
	if err != nil {
		return res, false, err
	}
	if !ok {
		return res, false, nil
	}
	defer func() {
		if rerr := releaseLock.Run(context.WithoutCancel(ctx), w.Rdb, []string{SweepLockKey}, token).Err(); rerr != nil && rerr != redis.Nil {
			log.Warn().Err(rerr).Msg("escrow sweep lock release failed")
		}
	}()
	res, err = w.Service.ExpireEscrow(ctx)
	return res, true, err
}

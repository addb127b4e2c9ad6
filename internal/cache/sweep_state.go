package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aditya/go-carpool/pkg/utils"
	"github.com/redis/go-redis/v9"
)

const (
	sweepLockKeyPrefix    = "sweeps:lock:"
	sweepLastRunKeyPrefix = "sweeps:last:"
	lastRunTTL            = 7 * 24 * time.Hour
)

// ErrLockNotHeld is returned by Release when the lock expired or was taken over.
var ErrLockNotHeld = errors.New("lock not held")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held sweep lock.
type Lock struct {
	Job   string
	token string
}

// LastRun is the outcome of the most recent sweep of a job, kept for the health endpoint.
type LastRun struct {
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

type SweepStateCache interface {
	// Acquire takes the job lock for ttl. It returns nil when another replica holds it.
	Acquire(ctx context.Context, job string, ttl time.Duration) (*Lock, error)
	Release(ctx context.Context, lock *Lock) error
	RecordRun(ctx context.Context, run *LastRun) error
	GetLastRun(ctx context.Context, job string) (*LastRun, error)
}

type sweepStateCache struct {
	redis *redis.Client
}

func NewSweepStateCache(redisClient *redis.Client) SweepStateCache {
	return &sweepStateCache{redis: redisClient}
}

func (c *sweepStateCache) Acquire(ctx context.Context, job string, ttl time.Duration) (*Lock, error) {
	token := utils.GenerateID()
	ok, err := c.redis.SetNX(ctx, sweepLockKeyPrefix+job, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lock{Job: job, token: token}, nil
}

func (c *sweepStateCache) Release(ctx context.Context, lock *Lock) error {
	n, err := releaseScript.Run(ctx, c.redis, []string{sweepLockKeyPrefix + lock.Job}, lock.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (c *sweepStateCache) RecordRun(ctx context.Context, run *LastRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, sweepLastRunKeyPrefix+run.Job, data, lastRunTTL).Err()
}

func (c *sweepStateCache) GetLastRun(ctx context.Context, job string) (*LastRun, error) {
	data, err := c.redis.Get(ctx, sweepLastRunKeyPrefix+job).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var run LastRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

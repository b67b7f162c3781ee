package crawler

import (
	"context"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DiscipleTools/agent-ai-sub001/internal/apperr"
	"github.com/DiscipleTools/agent-ai-sub001/internal/fetcher"
	"github.com/DiscipleTools/agent-ai-sub001/internal/logging"
)

// RedisRobotsChecker is a RobotsChecker whose per-host verdict cache lives
// in redis, so multiple nodes crawling the same hosts share one robots.txt
// fetch per TTL window. Single-node deployments should prefer
// CachingRobotsChecker, which needs no external service.
type RedisRobotsChecker struct {
	Fetcher *fetcher.Fetcher
	rdb     *redis.Client
	ttl     time.Duration
}

// NewRedisRobotsChecker builds a RobotsChecker backed by rdb.
func NewRedisRobotsChecker(f *fetcher.Fetcher, rdb *redis.Client) *RedisRobotsChecker {
	return &RedisRobotsChecker{Fetcher: f, rdb: rdb, ttl: robotsCacheTTL}
}

// Allowed checks the shared cache first, fetching and caching the host's
// robots.txt verdict on a miss. A redis outage degrades to a direct fetch
// rather than blocking the crawl.
func (r *RedisRobotsChecker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, apperr.New(apperr.InvalidInput, "invalid url for robots check", err)
	}
	host := u.Host
	key := "robots:" + host

	val, err := r.rdb.Get(ctx, key).Result()
	if err == nil {
		return val != "deny", nil
	}
	if err != redis.Nil {
		logging.WithComponent("crawler").WithError(err).Warn("robots cache unavailable; fetching directly")
	}

	robotsURL := u.Scheme + "://" + host + "/robots.txt"
	res, fetchErr := r.Fetcher.Fetch(ctx, robotsURL, nil)
	disallowAll := false
	if fetchErr == nil {
		disallowAll = hasDisallowAll(string(res.Bytes))
	}

	verdict := "allow"
	if disallowAll {
		verdict = "deny"
	}
	if err := r.rdb.Set(ctx, key, verdict, r.ttl).Err(); err != nil {
		logging.WithComponent("crawler").WithError(err).Warn("failed caching robots verdict")
	}
	return !disallowAll, nil
}

package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tally/pkg/httputil"
)

// QuotaConfig bounds usage-record ingestion per API key per day.
type QuotaConfig struct {
	// DailyUsageRecords is the max usage records one key may submit per
	// UTC day. Zero disables the check.
	DailyUsageRecords int
}

// DefaultQuotaConfig allows a generous daily ingest budget.
func DefaultQuotaConfig() *QuotaConfig {
	return &QuotaConfig{DailyUsageRecords: 100000}
}

// QuotaMiddleware enforces per-key daily ingest quotas backed by Redis.
// Counters expire two days after creation so stale keys clean themselves up.
type QuotaMiddleware struct {
	redis  *redis.Client
	config *QuotaConfig
}

// NewQuotaMiddleware creates a quota middleware.
func NewQuotaMiddleware(redisClient *redis.Client, config *QuotaConfig) *QuotaMiddleware {
	if config == nil {
		config = DefaultQuotaConfig()
	}
	return &QuotaMiddleware{redis: redisClient, config: config}
}

// EnforceUsageQuota counts each request against the caller's daily budget
// and rejects with 403 once it is spent. Unauthenticated requests and Redis
// outages pass through; auth runs first and the quota fails open.
func (m *QuotaMiddleware) EnforceUsageQuota(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.DailyUsageRecords <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		authCtx := GetAuthContext(r)
		if authCtx == nil || authCtx.Key == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		day := time.Now().UTC().Format("20060102")
		key := fmt.Sprintf("quota:usage:%d:%s", authCtx.Key.ID, day)

		pipe := m.redis.Pipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 48*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			next.ServeHTTP(w, r)
			return
		}

		if incr.Val() > int64(m.config.DailyUsageRecords) {
			httputil.WriteForbidden(w,
				fmt.Sprintf("daily usage record quota of %d exceeded", m.config.DailyUsageRecords))
			return
		}

		next.ServeHTTP(w, r)
	})
}

package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Check probes one backing service.
type Check func(ctx context.Context) error

// HealthHandler runs every check and reports 503 when any fails. pool may be
// nil when statuses are not kept in PostgreSQL.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		all := make(map[string]Check, len(checks)+1)
		for name, check := range checks {
			all[name] = check
		}
		if pool != nil {
			all["postgres"] = pool.Ping
		}

		body, healthy := runChecks(ctx, all)
		if pool != nil {
			stats := GetPoolStats(pool)
			stats.Healthy = stats.Healthy && body["postgres"] == "ok"
			body["pool"] = stats
		}

		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}

func runChecks(ctx context.Context, checks map[string]Check) (map[string]interface{}, bool) {
	body := make(map[string]interface{}, len(checks)+2)
	healthy := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			body[name] = err.Error()
			healthy = false
			continue
		}
		body[name] = "ok"
	}
	return body, healthy
}

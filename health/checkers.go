package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/glimte/mmate-gateway/internal/rabbitmq"
)

// BrokerChecker checks that a connection can be opened and used
type BrokerChecker struct {
	conns  *rabbitmq.ConnectionManager
	logger *slog.Logger
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(conns *rabbitmq.ConnectionManager, logger *slog.Logger) *BrokerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerChecker{
		conns:  conns,
		logger: logger,
	}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

// Check opens a session and declares a throwaway exclusive queue on it. A
// failed dial is unhealthy; a session that cannot declare is degraded.
func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"url": c.conns.URL(),
		},
	}

	sess, err := c.conns.Acquire(ctx)
	if err != nil {
		c.logger.Warn("broker health check failed", "error", err)
		result.Status = StatusUnhealthy
		result.Message = "failed to connect"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer sess.Close()

	if _, err := rabbitmq.DeclareReplyQueue(sess.Channel); err != nil {
		result.Status = StatusDegraded
		result.Message = "queue declare failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "broker is reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks that the user store answers a ping
type DatabaseChecker struct {
	db Pinger
}

// NewDatabaseChecker creates a new database health checker
func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "postgres"
}

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.db.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if pool, ok := c.db.(*pgxpool.Pool); ok {
		stat := pool.Stat()
		result.Details["total_conns"] = stat.TotalConns()
		result.Details["idle_conns"] = stat.IdleConns()
		result.Details["acquired_conns"] = stat.AcquiredConns()
	}

	result.Status = StatusHealthy
	result.Message = "database is reachable"
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker reports goroutine growth, which is where leaked listeners
// and calls show up first.
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_sys_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

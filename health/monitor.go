// Package health polls the pipeline's dependencies and summarizes them.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mabletask/telemetry/logging"
	"mabletask/telemetry/metrics"
)

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusCritical    Status = "critical"
	StatusUnavailable Status = "unavailable"
)

const checkTimeout = 2 * time.Second

// Thresholds: below the first bound is healthy, below the second is
// degraded, anything else is unhealthy.
var (
	dbLatency    = [2]time.Duration{100 * time.Millisecond, 500 * time.Millisecond}
	redisLatency = [2]time.Duration{10 * time.Millisecond, 50 * time.Millisecond}
	queuePending = [2]int64{1000, 5000}
	ratePerMin   = [2]int64{1000, 5000}
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueBacklog reports delivered but unacknowledged queue entries. The
// stream length is not a backlog: acknowledged entries stay in the stream
// until it is trimmed.
type QueueBacklog interface {
	Pending(ctx context.Context) (int64, error)
}

type RateCounter interface {
	CountEventsSince(ctx context.Context, since time.Time) (int64, error)
}

type CheckResult struct {
	Status    Status  `json:"status"`
	LatencyMs float64 `json:"latencyMs,omitempty"`
	Value     int64   `json:"value,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// Monitor runs the checks. Any dependency may be nil and is then reported
// as unavailable without affecting the overall status.
type Monitor struct {
	db       Pinger
	rdb      redis.UniversalClient
	queue    QueueBacklog
	rate     RateCounter
	interval time.Duration
	now      func() time.Time

	mu   sync.RWMutex
	last Report
}

func NewMonitor(db Pinger, rdb redis.UniversalClient, queue QueueBacklog, rate RateCounter, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{db: db, rdb: rdb, queue: queue, rate: rate, interval: interval, now: time.Now}
}

// Check runs every check concurrently.
func (m *Monitor) Check(ctx context.Context) Report {
	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult, 4)
	)
	set := func(name string, r CheckResult) {
		mu.Lock()
		checks[name] = r
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { set("database", m.checkDatabase(gctx)); return nil })
	g.Go(func() error { set("redis", m.checkRedis(gctx)); return nil })
	g.Go(func() error { set("eventQueue", m.checkQueue(gctx)); return nil })
	g.Go(func() error { set("processingRate", m.checkRate(gctx)); return nil })
	_ = g.Wait()

	report := Report{Status: overall(checks), Checks: checks, Timestamp: m.now()}
	for name, c := range checks {
		metrics.HealthStatus.WithLabelValues(name).Set(statusValue(c.Status))
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r := m.Check(ctx)
			if r.Status != StatusHealthy {
				ev := logging.Warn().Str("status", string(r.Status))
				for name, c := range r.Checks {
					if c.Status != StatusHealthy && c.Status != StatusUnavailable {
						ev = ev.Str(name, string(c.Status))
					}
				}
				ev.Msg("health check")
			}
		}
	}
}

func (m *Monitor) checkDatabase(ctx context.Context) CheckResult {
	if m.db == nil {
		return CheckResult{Status: StatusUnavailable}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	if err := m.db.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	took := time.Since(start)
	return CheckResult{Status: grade(int64(took), int64(dbLatency[0]), int64(dbLatency[1])), LatencyMs: ms(took)}
}

func (m *Monitor) checkRedis(ctx context.Context) CheckResult {
	if m.rdb == nil {
		return CheckResult{Status: StatusUnavailable, Error: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	if err := m.rdb.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	took := time.Since(start)
	return CheckResult{Status: grade(int64(took), int64(redisLatency[0]), int64(redisLatency[1])), LatencyMs: ms(took)}
}

func (m *Monitor) checkQueue(ctx context.Context) CheckResult {
	if m.queue == nil {
		return CheckResult{Status: StatusUnavailable}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	n, err := m.queue.Pending(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnavailable, Error: err.Error()}
	}
	return CheckResult{Status: grade(n, queuePending[0], queuePending[1]), Value: n}
}

func (m *Monitor) checkRate(ctx context.Context) CheckResult {
	if m.rate == nil {
		return CheckResult{Status: StatusUnavailable}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	n, err := m.rate.CountEventsSince(ctx, m.now().Add(-time.Minute))
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: grade(n, ratePerMin[0], ratePerMin[1]), Value: n}
}

func grade(v, healthy, degraded int64) Status {
	switch {
	case v < healthy:
		return StatusHealthy
	case v < degraded:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// overall is critical with two or more unhealthy checks, degraded with
// one, healthy otherwise.
func overall(checks map[string]CheckResult) Status {
	unhealthy := 0
	for _, c := range checks {
		if c.Status == StatusUnhealthy {
			unhealthy++
		}
	}
	switch {
	case unhealthy >= 2:
		return StatusCritical
	case unhealthy == 1:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func statusValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mabletask/telemetry/config"
	"mabletask/telemetry/models"
	"mabletask/telemetry/queue"
)

type fakePinger struct {
	delay time.Duration
	err   error
}

func (f fakePinger) Ping(context.Context) error {
	time.Sleep(f.delay)
	return f.err
}

type fakeQueue struct{ pending int64 }

func (f fakeQueue) Pending(context.Context) (int64, error) { return f.pending, nil }

type fakeRate struct {
	n   int64
	err error
}

func (f fakeRate) CountEventsSince(context.Context, time.Time) (int64, error) { return f.n, f.err }

func TestGrade(t *testing.T) {
	assert.Equal(t, StatusHealthy, grade(999, 1000, 5000))
	assert.Equal(t, StatusDegraded, grade(1000, 1000, 5000))
	assert.Equal(t, StatusDegraded, grade(4999, 1000, 5000))
	assert.Equal(t, StatusUnhealthy, grade(5000, 1000, 5000))
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckResult
		want   Status
	}{
		{"all healthy", map[string]CheckResult{"a": {Status: StatusHealthy}, "b": {Status: StatusUnavailable}}, StatusHealthy},
		{"one unhealthy", map[string]CheckResult{"a": {Status: StatusUnhealthy}, "b": {Status: StatusDegraded}}, StatusDegraded},
		{"two unhealthy", map[string]CheckResult{"a": {Status: StatusUnhealthy}, "b": {Status: StatusUnhealthy}}, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, overall(tt.checks))
		})
	}
}

func TestCheck_Healthy(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := NewMonitor(fakePinger{}, rdb, fakeQueue{pending: 12}, fakeRate{n: 40}, time.Minute)
	r := m.Check(context.Background())

	assert.Equal(t, StatusHealthy, r.Checks["database"].Status)
	assert.Equal(t, StatusHealthy, r.Checks["eventQueue"].Status)
	assert.Equal(t, int64(12), r.Checks["eventQueue"].Value)
	assert.Equal(t, int64(40), r.Checks["processingRate"].Value)
	assert.NotEqual(t, StatusUnhealthy, r.Checks["redis"].Status)
	assert.NotEqual(t, StatusCritical, r.Status)
	assert.Equal(t, r, m.Last())
}

func TestCheck_Critical(t *testing.T) {
	m := NewMonitor(
		fakePinger{err: errors.New("connection refused")},
		nil,
		fakeQueue{pending: 9000},
		fakeRate{err: errors.New("timeout")},
		time.Minute,
	)
	r := m.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, r.Checks["database"].Status)
	assert.Equal(t, StatusUnavailable, r.Checks["redis"].Status)
	assert.Equal(t, StatusUnhealthy, r.Checks["eventQueue"].Status)
	assert.Equal(t, StatusCritical, r.Status)
}

func TestCheck_SlowDatabaseDegraded(t *testing.T) {
	m := NewMonitor(fakePinger{delay: 150 * time.Millisecond}, nil, nil, nil, time.Minute)
	r := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, r.Checks["database"].Status)
	assert.Equal(t, StatusHealthy, r.Status)
}

func TestCheck_QueueGradedOnPendingNotLength(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	q := queue.New(rdb, config.QueueConfig{
		Enabled:      true,
		Stream:       "user-behavior-events",
		Group:        "behavior-processors",
		Consumer:     "health-test",
		MaxLen:       10000,
		MaxRetries:   3,
		BlockTimeout: 10 * time.Millisecond,
		ReadCount:    500,
	})
	_, err = q.Initialize(ctx)
	require.NoError(t, err)

	for i := 0; i < 1500; i++ {
		_, err := q.Enqueue(ctx, &models.BehaviorEvent{EventID: "e", DeviceID: "d1", EventType: models.EventScreenView, Timestamp: time.Now()})
		require.NoError(t, err)
	}
	ack := func(context.Context, *models.BehaviorEvent) error { return nil }
	for {
		res, err := q.Consume(ctx, 500, ack)
		require.NoError(t, err)
		if res.Read == 0 {
			break
		}
	}

	size, err := q.Size(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, int64(1500))

	r := NewMonitor(fakePinger{}, rdb, q, fakeRate{n: 1}, time.Minute).Check(ctx)
	assert.Equal(t, StatusHealthy, r.Checks["eventQueue"].Status)
	assert.Zero(t, r.Checks["eventQueue"].Value)
}

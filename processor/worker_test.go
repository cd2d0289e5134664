package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mabletask/telemetry/cache"
	"mabletask/telemetry/config"
	"mabletask/telemetry/models"
)

// mockStore records batches and can be told to fail the next inserts.
type mockStore struct {
	mu         sync.Mutex
	batches    [][]*models.BehaviorEvent
	failures   int
	linked     map[string]string
	aggregates []models.DailyAggregate
	fetches    int
}

func newMockStore() *mockStore {
	return &mockStore{linked: map[string]string{}}
}

func (m *mockStore) InsertEvents(_ context.Context, events []*models.BehaviorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("connection refused")
	}
	batch := make([]*models.BehaviorEvent, len(events))
	copy(batch, events)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockStore) StartSession(context.Context, models.StartSessionRequest, time.Time) (bool, error) {
	return true, nil
}

func (m *mockStore) EndSession(_ context.Context, req models.EndSessionRequest, _ time.Time) (string, error) {
	if req.SessionID == "missing" {
		return "", fmt.Errorf("session %s: %w", req.SessionID, models.ErrSessionNotFound)
	}
	return "d1", nil
}

func (m *mockStore) LinkDeviceToUser(_ context.Context, deviceID, userID string) (models.LinkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.linked[deviceID]; ok {
		return models.LinkResult{}, nil
	}
	m.linked[deviceID] = userID
	return models.LinkResult{Events: 3, Sessions: 1}, nil
}

func (m *mockStore) FetchAnalytics(context.Context, models.AnalyticsFilter) (*models.UserAnalytics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	return &models.UserAnalytics{
		ScreenViews: []models.ScreenViewStat{{ScreenName: "home", TotalViews: 2, AvgDuration: 1.5}},
		Sessions:    models.SessionStats{TotalSessions: 1},
	}, nil
}

func (m *mockStore) SaveDailyAggregate(_ context.Context, agg models.DailyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates = append(m.aggregates, agg)
	return nil
}

func (m *mockStore) ListAggregates(context.Context, models.AnalyticsFilter) ([]models.DailyAggregate, error) {
	return nil, nil
}

func (m *mockStore) ListDevices(context.Context, int, int) ([]models.DeviceSummary, error) {
	return []models.DeviceSummary{{DeviceRecord: models.DeviceRecord{DeviceID: "d1"}}}, nil
}

func (m *mockStore) batchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.batches))
	for i, b := range m.batches {
		sizes[i] = len(b)
	}
	return sizes
}

type mockDevices struct {
	mu          sync.Mutex
	seen        map[string]time.Time
	invalidated []string
	err         error
}

func newMockDevices() *mockDevices {
	return &mockDevices{seen: map[string]time.Time{}}
}

func (d *mockDevices) Observe(_ context.Context, id string, _ models.DeviceHints, seen time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if prev, ok := d.seen[id]; !ok || seen.After(prev) {
		d.seen[id] = seen
	}
	return nil
}

func (d *mockDevices) Invalidate(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidated = append(d.invalidated, id)
	return nil
}

func newTestWorker(t *testing.T, batchSize int) (*Worker, *mockStore, *mockDevices) {
	t.Helper()
	store := newMockStore()
	devices := newMockDevices()
	w := NewWorker(store, devices, cache.NewShared(nil),
		config.WorkerConfig{BatchSize: batchSize, FlushInterval: time.Hour, HotCacheSize: 1000},
		config.CacheConfig{AnalyticsTTL: time.Minute, DevicesTTL: time.Minute})
	return w, store, devices
}

func event(i int) *models.BehaviorEvent {
	return &models.BehaviorEvent{
		EventID:   fmt.Sprintf("evt-%03d", i),
		DeviceID:  "d1",
		EventType: models.EventScreenView,
		Timestamp: time.Now(),
	}
}

func TestProcessEvent_ThresholdFlushesOneBatch(t *testing.T) {
	w, store, _ := newTestWorker(t, 50)
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		require.NoError(t, w.ProcessEvent(ctx, event(i)))
	}
	w.inflight.Wait()

	assert.Equal(t, []int{50}, store.batchSizes())
	assert.Equal(t, 10, w.BufferLen())
	assert.Equal(t, "evt-001", store.batches[0][0].EventID)
	assert.Equal(t, "evt-050", store.batches[0][49].EventID)

	require.NoError(t, w.Close(ctx))
	assert.Equal(t, []int{50, 10}, store.batchSizes())
	assert.Zero(t, w.BufferLen())
}

func TestFlush_FailureKeepsOrder(t *testing.T) {
	w, store, _ := newTestWorker(t, 3)
	store.failures = 1
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, w.ProcessEvent(ctx, event(i)))
	}
	w.inflight.Wait()
	assert.Empty(t, store.batchSizes())
	assert.Equal(t, 3, w.BufferLen())

	require.NoError(t, w.ProcessEvent(ctx, event(4)))
	w.inflight.Wait()

	require.Len(t, store.batches, 1)
	var ids []string
	for _, e := range store.batches[0] {
		ids = append(ids, e.EventID)
	}
	assert.Equal(t, []string{"evt-001", "evt-002", "evt-003"}, ids)
	assert.Equal(t, 1, w.BufferLen())

	stats := w.Stats()
	assert.Equal(t, int64(4), stats.Received)
	assert.Equal(t, int64(3), stats.Flushed)
	assert.Equal(t, int64(1), stats.FlushErrors)
}

func TestClose_ReportsUnflushable(t *testing.T) {
	w, store, _ := newTestWorker(t, 10)
	store.failures = 1
	ctx := context.Background()

	require.NoError(t, w.ProcessEvent(ctx, event(1)))
	err := w.Close(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTransientPersistence))
	assert.Equal(t, 1, w.BufferLen())

	require.NoError(t, w.Close(ctx))
	assert.Zero(t, w.BufferLen())
}

func TestRun_PeriodicFlush(t *testing.T) {
	w, store, _ := newTestWorker(t, 50)
	w.flushInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, w.ProcessEvent(ctx, event(1)))
	assert.Eventually(t, func() bool {
		return len(store.batchSizes()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestProcessEvent_Validation(t *testing.T) {
	w, _, _ := newTestWorker(t, 50)
	err := w.ProcessEvent(context.Background(), &models.BehaviorEvent{EventType: models.EventScreenView})

	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "deviceId", verr.Field)
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Zero(t, w.BufferLen())
}

func TestProcessEvent_LastSeenNotBeforeEvent(t *testing.T) {
	w, _, devices := newTestWorker(t, 50)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	ctx := context.Background()

	future := &models.BehaviorEvent{DeviceID: "clock-ahead", Timestamp: now.Add(time.Hour)}
	require.NoError(t, w.ProcessEvent(ctx, future))
	assert.Equal(t, now.Add(time.Hour), devices.seen["clock-ahead"])

	past := &models.BehaviorEvent{DeviceID: "replayed", Timestamp: now.Add(-time.Hour)}
	require.NoError(t, w.ProcessEvent(ctx, past))
	assert.Equal(t, now, devices.seen["replayed"])

	missing := &models.BehaviorEvent{DeviceID: "no-ts"}
	require.NoError(t, w.ProcessEvent(ctx, missing))
	assert.Equal(t, now, missing.Timestamp)
}

func TestLinkDeviceToUser_RewritesBufferAndIsIdempotent(t *testing.T) {
	w, _, devices := newTestWorker(t, 50)
	ctx := context.Background()

	require.NoError(t, w.ProcessEvent(ctx, event(1)))
	other := event(2)
	other.DeviceID = "d2"
	require.NoError(t, w.ProcessEvent(ctx, other))

	res, err := w.LinkDeviceToUser(ctx, "d1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Events)

	w.mu.Lock()
	assert.Equal(t, "u1", w.buffer[0].UserID)
	assert.Empty(t, w.buffer[1].UserID)
	w.mu.Unlock()

	res, err = w.LinkDeviceToUser(ctx, "d1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.LinkResult{}, res)
	assert.Equal(t, []string{"d1", "d1"}, devices.invalidated)

	_, err = w.LinkDeviceToUser(ctx, "d1", "")
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestProcessEvent_DeviceRegistrationBestEffort(t *testing.T) {
	w, store, devices := newTestWorker(t, 50)
	devices.err = errors.New("devices table locked")
	ctx := context.Background()

	require.NoError(t, w.ProcessEvent(ctx, event(1)))
	assert.Equal(t, 1, w.BufferLen())

	inserted, err := w.StartSession(ctx, models.StartSessionRequest{DeviceID: "d1", SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, w.Close(ctx))
	assert.Equal(t, []int{1}, store.batchSizes())
}

// gatedStore blocks the first insert until released, then returns
// insertErr for it. Linking rewrites stored anonymous rows the way the
// SQL update does.
type gatedStore struct {
	*mockStore
	entered   chan struct{}
	release   chan struct{}
	insertErr error
	once      sync.Once
}

func newGatedStore(insertErr error) *gatedStore {
	return &gatedStore{
		mockStore: newMockStore(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
		insertErr: insertErr,
	}
}

func (g *gatedStore) InsertEvents(ctx context.Context, events []*models.BehaviorEvent) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
		if g.insertErr != nil {
			return g.insertErr
		}
	}
	return g.mockStore.InsertEvents(ctx, events)
}

func (g *gatedStore) LinkDeviceToUser(_ context.Context, deviceID, userID string) (models.LinkResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var res models.LinkResult
	for _, b := range g.batches {
		for i, e := range b {
			if e.DeviceID == deviceID && e.UserID == "" {
				linked := *e
				linked.UserID = userID
				b[i] = &linked
				res.Events++
			}
		}
	}
	return res, nil
}

func (g *gatedStore) userIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for _, b := range g.batches {
		for _, e := range b {
			ids = append(ids, e.UserID)
		}
	}
	return ids
}

func TestLinkDeviceToUser_DuringInFlightFlush(t *testing.T) {
	tests := []struct {
		name      string
		insertErr error
	}{
		{"flush fails and is retried", errors.New("connection reset")},
		{"flush succeeds", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newGatedStore(tt.insertErr)
			w := NewWorker(store, newMockDevices(), cache.NewShared(nil),
				config.WorkerConfig{BatchSize: 3, FlushInterval: time.Hour, HotCacheSize: 100},
				config.CacheConfig{AnalyticsTTL: time.Minute, DevicesTTL: time.Minute})
			ctx := context.Background()

			for i := 1; i <= 3; i++ {
				require.NoError(t, w.ProcessEvent(ctx, event(i)))
			}
			select {
			case <-store.entered:
			case <-time.After(2 * time.Second):
				t.Fatal("threshold flush never reached the store")
			}
			assert.Zero(t, w.BufferLen())

			_, err := w.LinkDeviceToUser(ctx, "d1", "u1")
			require.NoError(t, err)
			require.NoError(t, w.ProcessEvent(ctx, event(4)))

			close(store.release)
			require.NoError(t, w.Close(ctx))

			assert.Equal(t, []string{"u1", "u1", "u1", "u1"}, store.userIDs())
		})
	}
}

func TestSessions(t *testing.T) {
	w, _, _ := newTestWorker(t, 50)
	ctx := context.Background()

	_, err := w.StartSession(ctx, models.StartSessionRequest{DeviceID: "d1"})
	assert.True(t, errors.Is(err, models.ErrValidation))

	inserted, err := w.StartSession(ctx, models.StartSessionRequest{DeviceID: "d1", SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, inserted)

	err = w.EndSession(ctx, models.EndSessionRequest{SessionID: "missing"})
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
}

func TestRecentEvents_MatchRule(t *testing.T) {
	w, _, _ := newTestWorker(t, 50)
	ctx := context.Background()

	a := event(1)
	b := event(2)
	b.DeviceID, b.UserID = "d9", "u1"
	c := event(3)
	c.DeviceID = "d7"
	for _, e := range []*models.BehaviorEvent{a, b, c} {
		require.NoError(t, w.ProcessEvent(ctx, e))
	}

	got := w.RecentEvents("d1", "u1", 10)
	require.Len(t, got, 2)
	assert.Equal(t, "evt-002", got[0].EventID)
	assert.Equal(t, "evt-001", got[1].EventID)

	assert.Len(t, w.RecentEvents("d1", "", 10), 1)
}

func TestAggregateUserData(t *testing.T) {
	w, store, _ := newTestWorker(t, 50)
	day := time.Date(2026, 2, 3, 17, 30, 0, 0, time.UTC)

	agg, err := w.AggregateUserData(context.Background(), "d1", "u1", day)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), agg.Day)
	assert.JSONEq(t, `[{"screenName":"home","totalViews":2,"avgDuration":1.5}]`, string(agg.ScreenViews))
	require.Len(t, store.aggregates, 1)
}

func TestGetUserAnalytics_CachedInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	w, store, _ := newTestWorker(t, 50)
	w.shared = cache.NewShared(rdb)
	ctx := context.Background()

	first, err := w.GetUserAnalytics(ctx, "d1", "u1", 7)
	require.NoError(t, err)
	second, err := w.GetUserAnalytics(ctx, "d1", "u1", 7)
	require.NoError(t, err)

	assert.Equal(t, first.ScreenViews, second.ScreenViews)
	assert.Equal(t, 1, store.fetches)
	assert.True(t, mr.Exists("analytics:d1:u1:7"))

	_, err = w.GetUserAnalytics(ctx, "", "u1", 7)
	assert.True(t, errors.Is(err, models.ErrValidation))
}

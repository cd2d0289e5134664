// Package processor persists behavior events: it registers devices, keeps
// sessions, and batches event rows into multi-row inserts.
package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mabletask/telemetry/cache"
	"mabletask/telemetry/config"
	"mabletask/telemetry/logging"
	"mabletask/telemetry/metrics"
	"mabletask/telemetry/models"
	"mabletask/telemetry/utils"
)

const flushTimeout = 30 * time.Second

// Store is the relational persistence the worker writes to.
type Store interface {
	InsertEvents(ctx context.Context, events []*models.BehaviorEvent) error
	StartSession(ctx context.Context, req models.StartSessionRequest, at time.Time) (bool, error)
	EndSession(ctx context.Context, req models.EndSessionRequest, at time.Time) (string, error)
	LinkDeviceToUser(ctx context.Context, deviceID, userID string) (models.LinkResult, error)
	FetchAnalytics(ctx context.Context, f models.AnalyticsFilter) (*models.UserAnalytics, error)
	SaveDailyAggregate(ctx context.Context, agg models.DailyAggregate) error
	ListAggregates(ctx context.Context, f models.AnalyticsFilter) ([]models.DailyAggregate, error)
	ListDevices(ctx context.Context, limit, offset int) ([]models.DeviceSummary, error)
}

// DeviceTracker registers devices; see cache.DeviceIdentityCache.
type DeviceTracker interface {
	Observe(ctx context.Context, deviceID string, hints models.DeviceHints, seen time.Time) error
	Invalidate(ctx context.Context, deviceID string) error
}

// Mirror receives every batch after it is committed.
type Mirror interface {
	InsertEvents(ctx context.Context, events []*models.BehaviorEvent) error
}

type WorkerStats struct {
	Received    int64 `json:"received"`
	Flushed     int64 `json:"flushed"`
	Flushes     int64 `json:"flushes"`
	FlushErrors int64 `json:"flushErrors"`
	Buffered    int   `json:"buffered"`
	HotCache    int   `json:"hotCache"`
}

// Worker buffers events and writes them in batches of at most BatchSize.
// A full buffer starts a flush immediately; otherwise Run flushes every
// FlushInterval. Only one flush runs at a time, and a failed batch goes
// back to the front of the buffer.
type Worker struct {
	store   Store
	devices DeviceTracker
	shared  *cache.Shared
	mirror  Mirror

	batchSize     int
	flushInterval time.Duration
	analyticsTTL  time.Duration
	devicesTTL    time.Duration
	now           func() time.Time

	mu     sync.Mutex
	buffer []*models.BehaviorEvent
	hot    *utils.Ring[*models.BehaviorEvent]
	// linked maps device ids to the user they were linked to. Anonymous
	// events for those devices are stamped before they are written.
	linked map[string]string

	flushing atomic.Bool
	inflight sync.WaitGroup

	received    atomic.Int64
	flushed     atomic.Int64
	flushes     atomic.Int64
	flushErrors atomic.Int64
}

func NewWorker(store Store, devices DeviceTracker, shared *cache.Shared, cfg config.WorkerConfig, cacheCfg config.CacheConfig) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hot := cfg.HotCacheSize
	if hot <= 0 {
		hot = 1000
	}
	return &Worker{
		store:         store,
		devices:       devices,
		shared:        shared,
		batchSize:     batch,
		flushInterval: interval,
		analyticsTTL:  cacheCfg.AnalyticsTTL,
		devicesTTL:    cacheCfg.DevicesTTL,
		now:           time.Now,
		buffer:        make([]*models.BehaviorEvent, 0, batch),
		hot:           utils.NewRing[*models.BehaviorEvent](hot),
		linked:        make(map[string]string),
	}
}

// SetMirror attaches the report mirror. Call before Run.
func (w *Worker) SetMirror(m Mirror) {
	w.mirror = m
}

// ProcessEvent registers the event's device and buffers the event. It
// returns once the event is buffered; persistence happens on flush.
// Device registration is best-effort: event rows do not depend on the
// device row, and the next event for the device retries it.
func (w *Worker) ProcessEvent(ctx context.Context, e *models.BehaviorEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	now := w.now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	seen := now
	if e.Timestamp.After(seen) {
		seen = e.Timestamp
	}

	if err := w.devices.Observe(ctx, e.DeviceID, e.Hints(), seen); err != nil {
		metrics.DeviceRegistrationFailures.Inc()
		logging.Warn().Err(err).Str("device_id", e.DeviceID).Str("event_id", e.EventID).Msg("device registration failed, event kept")
	}

	w.mu.Lock()
	e = w.stampLocked(e)
	w.buffer = append(w.buffer, e)
	w.hot.Push(e)
	pending := len(w.buffer)
	w.mu.Unlock()

	w.received.Add(1)
	metrics.BufferedEvents.Set(float64(pending))

	if pending >= w.batchSize && w.flushing.CompareAndSwap(false, true) {
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			if err := w.flush(context.Background()); err != nil {
				logging.Warn().Err(err).Msg("threshold flush failed")
			}
		}()
	}

	w.shared.InvalidatePrefixAsync(analyticsPrefix(e.DeviceID))
	return nil
}

// Run flushes on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.BufferLen() == 0 || !w.flushing.CompareAndSwap(false, true) {
				continue
			}
			if err := w.flush(ctx); err != nil {
				logging.Warn().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// Close waits for a running flush and then drains the buffer. Events that
// still cannot be written are reported in the error.
func (w *Worker) Close(ctx context.Context) error {
	w.inflight.Wait()
	for w.BufferLen() > 0 {
		if !w.flushing.CompareAndSwap(false, true) {
			select {
			case <-ctx.Done():
				return fmt.Errorf("drain: %d events unflushed: %w", w.BufferLen(), ctx.Err())
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		if err := w.flush(ctx); err != nil {
			return fmt.Errorf("drain: %d events unflushed: %w", w.BufferLen(), err)
		}
	}
	logging.Info().Int64("flushed", w.flushed.Load()).Msg("worker drained")
	return nil
}

// flush writes up to batchSize events. The caller must hold the flushing
// flag; flush releases it.
func (w *Worker) flush(ctx context.Context) error {
	defer w.flushing.Store(false)

	w.mu.Lock()
	n := len(w.buffer)
	if n > w.batchSize {
		n = w.batchSize
	}
	if n == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := make([]*models.BehaviorEvent, n)
	for i, e := range w.buffer[:n] {
		batch[i] = w.stampLocked(e)
	}
	rest := make([]*models.BehaviorEvent, len(w.buffer)-n, cap(w.buffer))
	copy(rest, w.buffer[n:])
	w.buffer = rest
	w.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	start := time.Now()
	err := w.store.InsertEvents(fctx, batch)
	metrics.RecordFlush(n, time.Since(start), err)
	if err != nil {
		w.mu.Lock()
		for i, e := range batch {
			batch[i] = w.stampLocked(e)
		}
		w.buffer = append(batch, w.buffer...)
		pending := len(w.buffer)
		w.mu.Unlock()
		w.flushErrors.Add(1)
		metrics.BufferedEvents.Set(float64(pending))
		logging.Error().Err(err).Int("batch", n).Int("buffered", pending).Msg("flush failed, batch kept")
		return fmt.Errorf("flush %d events: %w: %v", n, models.ErrTransientPersistence, err)
	}

	w.flushed.Add(int64(n))
	w.flushes.Add(1)
	metrics.BufferedEvents.Set(float64(w.BufferLen()))
	logging.Debug().Int("rows", n).Dur("took", time.Since(start)).Msg("flushed behavior events")

	batch = w.relinkFlushed(fctx, batch)

	if w.mirror != nil {
		if err := w.mirror.InsertEvents(fctx, batch); err != nil {
			logging.Warn().Err(err).Int("rows", n).Msg("report mirror insert failed")
		}
	}
	return nil
}

// stampLocked returns e, or a copy carrying the linked user when e is
// anonymous and its device has been linked. Callers hold w.mu.
func (w *Worker) stampLocked(e *models.BehaviorEvent) *models.BehaviorEvent {
	if e.UserID != "" {
		return e
	}
	userID, ok := w.linked[e.DeviceID]
	if !ok {
		return e
	}
	stamped := *e
	stamped.UserID = userID
	return &stamped
}

// relinkFlushed repeats the link update for devices that were linked
// while batch was being inserted anonymously, and returns the batch as
// it now reads.
func (w *Worker) relinkFlushed(ctx context.Context, batch []*models.BehaviorEvent) []*models.BehaviorEvent {
	relink := make(map[string]string)
	w.mu.Lock()
	for i, e := range batch {
		stamped := w.stampLocked(e)
		if stamped != e {
			relink[e.DeviceID] = stamped.UserID
			batch[i] = stamped
		}
	}
	w.mu.Unlock()

	for deviceID, userID := range relink {
		if _, err := w.store.LinkDeviceToUser(ctx, deviceID, userID); err != nil {
			logging.Error().Err(err).Str("device_id", deviceID).Str("user_id", userID).Msg("relink after flush failed")
			continue
		}
		w.shared.InvalidatePrefixAsync(analyticsPrefix(deviceID))
	}
	return batch
}

func (w *Worker) BufferLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// StartSession registers the device and opens (or refreshes) the session.
// It reports whether the session is new.
func (w *Worker) StartSession(ctx context.Context, req models.StartSessionRequest) (bool, error) {
	if req.DeviceID == "" {
		return false, &models.ValidationError{Field: "deviceId"}
	}
	if req.SessionID == "" {
		return false, &models.ValidationError{Field: "sessionId"}
	}
	now := w.now()
	if err := w.devices.Observe(ctx, req.DeviceID, models.DecodeDeviceHints(req.Metadata), now); err != nil {
		metrics.DeviceRegistrationFailures.Inc()
		logging.Warn().Err(err).Str("device_id", req.DeviceID).Str("session_id", req.SessionID).Msg("device registration failed, session kept")
	}
	inserted, err := w.store.StartSession(ctx, req, now)
	if err != nil {
		return false, err
	}
	w.shared.InvalidatePrefixAsync(analyticsPrefix(req.DeviceID))
	return inserted, nil
}

// EndSession closes the session and refreshes that day's rollup for the
// device in the background.
func (w *Worker) EndSession(ctx context.Context, req models.EndSessionRequest) error {
	if req.SessionID == "" {
		return &models.ValidationError{Field: "sessionId"}
	}
	now := w.now()
	deviceID, err := w.store.EndSession(ctx, req, now)
	if err != nil {
		return err
	}
	w.shared.InvalidatePrefixAsync(analyticsPrefix(deviceID))

	go func() {
		actx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if _, err := w.AggregateUserData(actx, deviceID, "", now); err != nil {
			logging.Debug().Err(err).Str("device_id", deviceID).Msg("daily aggregate refresh failed")
		}
	}()
	return nil
}

// LinkDeviceToUser attributes the device's anonymous history to userID.
// Buffered events, a batch being flushed, and later anonymous events for
// the device all carry the user when written. Calling it again is a no-op.
func (w *Worker) LinkDeviceToUser(ctx context.Context, deviceID, userID string) (models.LinkResult, error) {
	if deviceID == "" {
		return models.LinkResult{}, &models.ValidationError{Field: "deviceId"}
	}
	if userID == "" {
		return models.LinkResult{}, &models.ValidationError{Field: "userId"}
	}

	w.mu.Lock()
	w.linked[deviceID] = userID
	for i, e := range w.buffer {
		w.buffer[i] = w.stampLocked(e)
	}
	w.mu.Unlock()

	res, err := w.store.LinkDeviceToUser(ctx, deviceID, userID)
	if err != nil {
		return models.LinkResult{}, err
	}

	w.shared.InvalidatePrefixAsync(analyticsPrefix(deviceID))
	w.shared.InvalidatePrefixAsync(devicesPrefix)
	if err := w.devices.Invalidate(ctx, deviceID); err != nil {
		logging.Debug().Err(err).Str("device_id", deviceID).Msg("device cache invalidation failed")
	}

	logging.Info().
		Str("device_id", deviceID).
		Str("user_id", userID).
		Int64("events", res.Events).
		Int64("sessions", res.Sessions).
		Int64("aggregates", res.Aggregates).
		Msg("device linked to user")
	return res, nil
}

// RecentEvents returns up to limit of the newest hot-cache events matching
// the identity, newest first.
func (w *Worker) RecentEvents(deviceID, userID string, limit int) []*models.BehaviorEvent {
	f := models.AnalyticsFilter{DeviceID: deviceID, UserID: userID}

	w.mu.Lock()
	all := w.hot.All()
	w.mu.Unlock()

	out := make([]*models.BehaviorEvent, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Matches(all[i]) {
			out = append(out, all[i])
		}
	}
	return out
}

func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	buffered, hot := len(w.buffer), w.hot.Len()
	w.mu.Unlock()
	return WorkerStats{
		Received:    w.received.Load(),
		Flushed:     w.flushed.Load(),
		Flushes:     w.flushes.Load(),
		FlushErrors: w.flushErrors.Load(),
		Buffered:    buffered,
		HotCache:    hot,
	}
}

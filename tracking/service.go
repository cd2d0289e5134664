// Package tracking is the entry point for client telemetry. It validates
// events, routes them through the queue or straight to the worker, and
// keeps the live hub informed.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"mabletask/telemetry/config"
	"mabletask/telemetry/logging"
	"mabletask/telemetry/metrics"
	"mabletask/telemetry/models"
	"mabletask/telemetry/queue"
)

// Queue is the durable log; see queue.Queue.
type Queue interface {
	Enqueue(ctx context.Context, e *models.BehaviorEvent) (string, error)
	Consume(ctx context.Context, maxCount int, handler queue.Handler) (queue.ConsumeResult, error)
	Reclaim(ctx context.Context, minIdle time.Duration, handler queue.Handler) (queue.ConsumeResult, error)
}

// Processor persists events and sessions; see processor.Worker.
type Processor interface {
	ProcessEvent(ctx context.Context, e *models.BehaviorEvent) error
	StartSession(ctx context.Context, req models.StartSessionRequest) (bool, error)
	EndSession(ctx context.Context, req models.EndSessionRequest) error
	LinkDeviceToUser(ctx context.Context, deviceID, userID string) (models.LinkResult, error)
}

// LiveFeed is the realtime hub.
type LiveFeed interface {
	TrackActiveIdentity(ctx context.Context, deviceID, userID string)
	AddEvent(e *models.BehaviorEvent)
	SessionStarted(sessionID string)
	SessionEnded(sessionID string)
}

// RequestMeta is what the HTTP layer knows about the caller.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type Service struct {
	queue   Queue
	worker  Processor
	hub     LiveFeed
	breaker *gobreaker.CircuitBreaker[string]
	cfg     config.QueueConfig
	now     func() time.Time
}

// NewService wires the pipeline. q may be nil, in which case every event
// is written directly.
func NewService(q Queue, worker Processor, hub LiveFeed, cfg config.QueueConfig) *Service {
	settings := gobreaker.Settings{
		Name:        "event-queue",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("queue circuit breaker state change")
		},
	}
	return &Service{
		queue:   q,
		worker:  worker,
		hub:     hub,
		breaker: gobreaker.NewCircuitBreaker[string](settings),
		cfg:     cfg,
		now:     time.Now,
	}
}

// BreakerState reports the queue breaker state for diagnostics.
func (s *Service) BreakerState() string {
	return s.breaker.State().String()
}

// Submit accepts one client event. Validation errors are returned as
// errors; any other failure is absorbed by the direct-write fallback.
func (s *Service) Submit(ctx context.Context, req models.SubmitEventRequest, meta RequestMeta) (models.SubmitResult, error) {
	e := &models.BehaviorEvent{
		EventID:    uuid.NewString(),
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		EventType:  req.EventType,
		ScreenName: req.ScreenName,
		EventData:  req.EventData,
		SessionID:  req.SessionID,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Timestamp:  s.now().UTC(),
	}
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		e.Timestamp = req.Timestamp.UTC()
	}
	if err := e.Validate(); err != nil {
		metrics.EventsRejected.Inc()
		return models.SubmitResult{Success: false, Error: err.Error()}, err
	}

	queued := false
	if s.queue != nil && s.cfg.Enabled {
		_, err := s.breaker.Execute(func() (string, error) {
			return s.queue.Enqueue(ctx, e)
		})
		if err == nil {
			queued = true
		} else {
			logging.Debug().Err(err).Str("event_id", e.EventID).Msg("enqueue failed, writing directly")
		}
	}

	if !queued {
		if err := s.worker.ProcessEvent(ctx, e); err != nil {
			if errors.Is(err, models.ErrValidation) {
				metrics.EventsRejected.Inc()
			}
			logging.Error().Err(err).Str("event_id", e.EventID).Str("device_id", e.DeviceID).Msg("direct write failed")
			return models.SubmitResult{Success: false, EventID: e.EventID, Error: err.Error()}, err
		}
		metrics.EventsReceived.WithLabelValues("direct").Inc()
	} else {
		metrics.EventsReceived.WithLabelValues("queued").Inc()
	}

	s.hub.TrackActiveIdentity(ctx, e.DeviceID, e.UserID)
	s.hub.AddEvent(e)

	return models.SubmitResult{Success: true, EventID: e.EventID, Queued: queued}, nil
}

// SubmitBatch submits each event independently. One bad event does not
// reject the rest.
func (s *Service) SubmitBatch(ctx context.Context, reqs []models.SubmitEventRequest, meta RequestMeta) []models.SubmitResult {
	results := make([]models.SubmitResult, 0, len(reqs))
	for _, req := range reqs {
		res, _ := s.Submit(ctx, req, meta)
		results = append(results, res)
	}
	return results
}

func (s *Service) StartSession(ctx context.Context, req models.StartSessionRequest) (bool, error) {
	inserted, err := s.worker.StartSession(ctx, req)
	if err != nil {
		return false, err
	}
	s.hub.SessionStarted(req.SessionID)
	s.hub.TrackActiveIdentity(ctx, req.DeviceID, req.UserID)
	return inserted, nil
}

func (s *Service) EndSession(ctx context.Context, req models.EndSessionRequest) error {
	if err := s.worker.EndSession(ctx, req); err != nil {
		return err
	}
	s.hub.SessionEnded(req.SessionID)
	return nil
}

func (s *Service) LinkDevice(ctx context.Context, deviceID, userID string) (models.LinkResult, error) {
	return s.worker.LinkDeviceToUser(ctx, deviceID, userID)
}

// RunConsumer drains the queue into the worker until ctx is done. Entries
// abandoned by crashed consumers are reclaimed every ReclaimIdle.
func (s *Service) RunConsumer(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	poll := s.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	lastReclaim := s.now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := s.queue.Consume(ctx, s.cfg.ReadCount, s.worker.ProcessEvent)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Warn().Err(err).Msg("queue consume failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
			continue
		}
		if res.Read == 0 && s.cfg.BlockTimeout <= 0 {
			// non-blocking reads; don't spin on an empty stream
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
		}
		if res.Read > 0 {
			logging.Debug().
				Int("read", res.Read).
				Int("acked", res.Acked).
				Int("requeued", res.Requeued).
				Int("dead_lettered", res.DeadLettered).
				Msg("consumed queue batch")
		}

		if s.cfg.ReclaimIdle > 0 && s.now().Sub(lastReclaim) >= s.cfg.ReclaimIdle {
			lastReclaim = s.now()
			if _, err := s.queue.Reclaim(ctx, s.cfg.ReclaimIdle, s.worker.ProcessEvent); err != nil && ctx.Err() == nil {
				logging.Warn().Err(err).Msg("queue reclaim failed")
			}
		}
	}
}

// Package queue is the durable ingestion log: a Redis Stream read through a
// consumer group, with bounded retries and a dead-letter stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mabletask/telemetry/config"
	"mabletask/telemetry/logging"
	"mabletask/telemetry/metrics"
	"mabletask/telemetry/models"
)

const reclaimBatch = 100

// Handler processes one event. A nil error acknowledges the message.
type Handler func(ctx context.Context, event *models.BehaviorEvent) error

// ConsumeResult counts what one Consume or Reclaim call did.
type ConsumeResult struct {
	Read         int
	Acked        int
	Requeued     int
	DeadLettered int
}

func (r *ConsumeResult) add(o ConsumeResult) {
	r.Read += o.Read
	r.Acked += o.Acked
	r.Requeued += o.Requeued
	r.DeadLettered += o.DeadLettered
}

// DeadLetter is an entry of the dead-letter stream.
type DeadLetter struct {
	ID            string                 `json:"id"`
	OriginalID    string                 `json:"originalId"`
	FailedAt      time.Time              `json:"failedAt"`
	LastError     string                 `json:"lastError"`
	DeliveryCount int                    `json:"deliveryCount"`
	Fields        map[string]interface{} `json:"fields"`
}

type Queue struct {
	rdb redis.UniversalClient
	cfg config.QueueConfig
	dlq string
}

func New(rdb redis.UniversalClient, cfg config.QueueConfig) *Queue {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &Queue{rdb: rdb, cfg: cfg, dlq: cfg.Stream + ":dlq"}
}

func (q *Queue) Stream() string          { return q.cfg.Stream }
func (q *Queue) DeadLetterStream() string { return q.dlq }

// Initialize creates the stream and consumer group if needed and reports
// whether Redis is reachable.
func (q *Queue) Initialize(ctx context.Context) (bool, error) {
	if q.rdb == nil {
		return false, nil
	}
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		logging.Warn().Err(err).Msg("redis unreachable, queue disabled")
		return false, nil
	}

	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return false, fmt.Errorf("create consumer group %s on %s: %w", q.cfg.Group, q.cfg.Stream, err)
	}

	logging.Info().
		Str("stream", q.cfg.Stream).
		Str("group", q.cfg.Group).
		Str("consumer", q.cfg.Consumer).
		Msg("event queue ready")
	return true, nil
}

// Enqueue appends the event as a fresh message (delivery count 1). The
// stream is trimmed to roughly MaxLen entries.
func (q *Queue) Enqueue(ctx context.Context, e *models.BehaviorEvent) (string, error) {
	if q.rdb == nil {
		return "", fmt.Errorf("enqueue: %w", models.ErrBackendUnavailable)
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: encode(e, 1),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w: %v", e.EventID, models.ErrBackendUnavailable, err)
	}
	metrics.RecordQueue("enqueued")
	return id, nil
}

// Consume reads up to maxCount new messages for this consumer, waiting at
// most BlockTimeout, and settles each one: ack on success, requeue with
// an incremented delivery count on failure, dead-letter once retries are
// exhausted.
func (q *Queue) Consume(ctx context.Context, maxCount int, handler Handler) (ConsumeResult, error) {
	var res ConsumeResult
	if q.rdb == nil {
		return res, fmt.Errorf("consume: %w", models.ErrBackendUnavailable)
	}
	if maxCount <= 0 {
		maxCount = q.cfg.ReadCount
	}
	block := q.cfg.BlockTimeout
	if block <= 0 {
		block = -1
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(maxCount),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return res, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("read group: %w: %v", models.ErrBackendUnavailable, err)
	}

	for _, s := range streams {
		for _, m := range s.Messages {
			out, err := q.settle(ctx, m, handler)
			if err != nil {
				return res, err
			}
			res.add(out)
		}
	}
	return res, nil
}

// Reclaim takes over messages that another consumer read but never
// settled, once they have been idle for minIdle, and settles them.
func (q *Queue) Reclaim(ctx context.Context, minIdle time.Duration, handler Handler) (ConsumeResult, error) {
	var res ConsumeResult
	if q.rdb == nil {
		return res, fmt.Errorf("reclaim: %w", models.ErrBackendUnavailable)
	}

	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  reclaimBatch,
	}).Result()
	if err != nil {
		return res, fmt.Errorf("pending entries: %w: %v", models.ErrBackendUnavailable, err)
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return res, nil
	}

	claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return res, fmt.Errorf("claim entries: %w: %v", models.ErrBackendUnavailable, err)
	}

	for _, m := range claimed {
		metrics.RecordQueue("reclaimed")
		if m.Values == nil {
			// trimmed away while pending
			q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, m.ID)
			continue
		}
		out, err := q.settle(ctx, m, handler)
		if err != nil {
			return res, err
		}
		res.add(out)
	}
	if len(claimed) > 0 {
		logging.Info().Int("claimed", len(claimed)).Msg("reclaimed idle queue entries")
	}
	return res, nil
}

func (q *Queue) settle(ctx context.Context, m redis.XMessage, handler Handler) (ConsumeResult, error) {
	res := ConsumeResult{Read: 1}

	msg, err := decode(m.ID, m.Values)
	if err != nil {
		logging.Warn().Err(err).Str("message_id", m.ID).Msg("undecodable queue entry")
		if err := q.deadLetter(ctx, m.ID, m.Values, err); err != nil {
			return res, err
		}
		res.DeadLettered++
		return res, nil
	}

	herr := handler(ctx, msg.Event)
	if herr == nil {
		if err := q.rdb.XAck(ctx, q.cfg.Stream, q.cfg.Group, m.ID).Err(); err != nil {
			return res, fmt.Errorf("ack %s: %w: %v", m.ID, models.ErrBackendUnavailable, err)
		}
		metrics.RecordQueue("acked")
		res.Acked++
		return res, nil
	}

	if msg.DeliveryCount < q.cfg.MaxRetries && !errors.Is(herr, models.ErrValidation) {
		if err := q.requeue(ctx, msg); err != nil {
			return res, err
		}
		logging.Debug().
			Err(herr).
			Str("message_id", m.ID).
			Int("delivery_count", msg.DeliveryCount+1).
			Msg("requeued failed event")
		res.Requeued++
		return res, nil
	}

	logging.Warn().
		Err(herr).
		Str("message_id", m.ID).
		Str("event_id", msg.Event.EventID).
		Int("delivery_count", msg.DeliveryCount).
		Msg("moving event to dead-letter stream")
	if err := q.deadLetter(ctx, m.ID, encode(msg.Event, msg.DeliveryCount), fmt.Errorf("%w: %v", models.ErrPoisonMessage, herr)); err != nil {
		return res, err
	}
	res.DeadLettered++
	return res, nil
}

// requeue appends a copy with the next delivery count and acks the
// original in one MULTI/EXEC.
func (q *Queue) requeue(ctx context.Context, msg *Message) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.cfg.Stream,
			MaxLen: q.cfg.MaxLen,
			Approx: true,
			Values: encode(msg.Event, msg.DeliveryCount+1),
		})
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, msg.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w: %v", msg.ID, models.ErrBackendUnavailable, err)
	}
	metrics.RecordQueue("requeued")
	return nil
}

// deadLetter copies fields to the dead-letter stream, then acks and deletes
// the original, all in one MULTI/EXEC.
func (q *Queue) deadLetter(ctx context.Context, id string, fields map[string]interface{}, cause error) error {
	values := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		values[k] = v
	}
	values[fieldFailedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	values[fieldOriginalID] = id
	values[fieldLastError] = cause.Error()

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.dlq,
			MaxLen: q.cfg.MaxLen,
			Approx: true,
			Values: values,
		})
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, id)
		pipe.XDel(ctx, q.cfg.Stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w: %v", id, models.ErrBackendUnavailable, err)
	}
	metrics.RecordQueue("dead_lettered")
	return nil
}

// Size is the number of entries in the main stream.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	if q.rdb == nil {
		return 0, fmt.Errorf("size: %w", models.ErrBackendUnavailable)
	}
	n, err := q.rdb.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length: %w: %v", models.ErrBackendUnavailable, err)
	}
	return n, nil
}

// Pending is the number of delivered but unacknowledged messages.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	if q.rdb == nil {
		return 0, fmt.Errorf("pending: %w", models.ErrBackendUnavailable)
	}
	p, err := q.rdb.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("pending summary: %w: %v", models.ErrBackendUnavailable, err)
	}
	return p.Count, nil
}

// DeadLetters returns up to count entries of the dead-letter stream,
// oldest first.
func (q *Queue) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	if q.rdb == nil {
		return nil, fmt.Errorf("dead letters: %w", models.ErrBackendUnavailable)
	}
	msgs, err := q.rdb.XRangeN(ctx, q.dlq, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w: %v", models.ErrBackendUnavailable, err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		dl := DeadLetter{ID: m.ID, Fields: m.Values}
		dl.OriginalID, _ = m.Values[fieldOriginalID].(string)
		dl.LastError, _ = m.Values[fieldLastError].(string)
		if raw, ok := m.Values[fieldFailedAt].(string); ok {
			dl.FailedAt, _ = time.Parse(time.RFC3339Nano, raw)
		}
		if decoded, err := decode(m.ID, m.Values); err == nil {
			dl.DeliveryCount = decoded.DeliveryCount
		}
		out = append(out, dl)
	}
	return out, nil
}

// Package fanout relays deliveries between gateway processes over Kafka.
// Each gateway owns the connections registered with it; whatever it sends
// locally is also published, and every other gateway repeats the delivery
// for its own connections.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/tourbook-realtime/pkg/config"
	"github.com/mahaj/tourbook-realtime/pkg/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TargetUser = "user"
	TargetAll  = "all"

	outboxSize = 1024
)

// Event is the record published on the fan-out topic.
type Event struct {
	Origin int64           `json:"origin"`
	Target string          `json:"target"`
	UserID string          `json:"userId,omitempty"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Local delivers frames to this node's connections without mirroring them
// again.
type Local interface {
	DeliverToUser(userID string, frame []byte) int
	DeliverBroadcast(exceptUserID string, frame []byte) int
}

type Relay struct {
	node    int64
	writer  Writer
	reader  Reader
	local   Local
	out     chan Event
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New connects the relay to the configured brokers. Each gateway reads
// with its own consumer group so that every gateway sees every event.
func New(cfg config.KafkaConfig, node int64, local Local, log *zap.Logger, m *metrics.Metrics) *Relay {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     fmt.Sprintf("gateway-%d-%s", node, uuid.NewString()),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
	return NewWithIO(node, writer, reader, local, log, m)
}

func NewWithIO(node int64, w Writer, r Reader, local Local, log *zap.Logger, m *metrics.Metrics) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		node:    node,
		writer:  w,
		reader:  r,
		local:   local,
		out:     make(chan Event, outboxSize),
		log:     log.Named("fanout"),
		metrics: m,
	}
}

func (r *Relay) MirrorToUser(userID string, frame []byte) {
	r.enqueue(Event{Target: TargetUser, UserID: userID, Frame: frame})
}

func (r *Relay) MirrorBroadcast(exceptUserID string, frame []byte) {
	r.enqueue(Event{Target: TargetAll, Except: exceptUserID, Frame: frame})
}

// enqueue never blocks the caller; a full outbox drops the event, which only
// costs remote live delivery.
func (r *Relay) enqueue(ev Event) {
	ev.Origin = r.node
	select {
	case r.out <- ev:
	default:
		r.metrics.Fanout("out", "dropped")
		r.log.Warn("fan-out outbox full, dropping event", zap.String("target", ev.Target))
	}
}

// Run publishes mirrored events and applies events from other gateways
// until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.publish(ctx)
	}()

	r.consume(ctx)
	<-done

	var firstErr error
	if err := r.reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}
	if err := r.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}
	return firstErr
}

func (r *Relay) publish(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.out:
			value, err := json.Marshal(ev)
			if err != nil {
				r.log.Error("marshal fan-out event", zap.Error(err))
				continue
			}
			err = r.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(ev.UserID),
				Value: value,
				Time:  time.Now(),
			})
			if err != nil {
				r.metrics.Fanout("out", "failed")
				r.log.Warn("failed to write fan-out event to Kafka", zap.Error(err))
				continue
			}
			r.metrics.Fanout("out", "ok")
		}
	}
}

func (r *Relay) consume(ctx context.Context) {
	for {
		m, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("error reading fan-out event, retrying in 1s", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.Handle(m.Value)
	}
}

// Handle applies one event read from the topic and returns the number of
// local writes. Events published by this node are skipped.
func (r *Relay) Handle(value []byte) int {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		r.metrics.Fanout("in", "invalid")
		r.log.Warn("failed to unmarshal fan-out event", zap.Error(err))
		return 0
	}
	if ev.Origin == r.node {
		return 0
	}

	var n int
	switch ev.Target {
	case TargetUser:
		n = r.local.DeliverToUser(ev.UserID, ev.Frame)
	case TargetAll:
		n = r.local.DeliverBroadcast(ev.Except, ev.Frame)
	default:
		r.metrics.Fanout("in", "invalid")
		r.log.Warn("unknown fan-out target", zap.String("target", ev.Target))
		return 0
	}
	r.metrics.Fanout("in", "ok")
	return n
}

package agent

import (
	"context"
	"errors"
	"time"

	"github.com/freightpoint/relay/internal/cache"
	"github.com/freightpoint/relay/internal/notify"
	"github.com/freightpoint/relay/internal/transport"
	"go.uber.org/zap"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = time.Minute
)

var (
	errMissingCache  = errors.New("cache store is required")
	errMissingWorker = errors.New("worker is required")
)

// PumpConfig carries the dependencies for the subscription pump.
type PumpConfig struct {
	Backend  transport.Backend
	Cache    *cache.Store
	Pipeline *notify.Pipeline
	Worker   *Worker
	Filters  transport.SubscriptionFilters
	Logger   *zap.Logger
}

// Pump maintains the live backend subscription: change events flow into the
// cache merge engine, notification events into the delivery pipeline. Each
// successful (re)connect doubles as a connectivity signal and wakes the
// worker for a drain cycle.
type Pump struct {
	backend  transport.Backend
	cache    *cache.Store
	pipeline *notify.Pipeline
	worker   *Worker
	filters  transport.SubscriptionFilters
	logger   *zap.Logger
}

// NewPump validates configuration and returns a pump.
func NewPump(cfg PumpConfig) (*Pump, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Pipeline == nil {
		return nil, errMissingPipeline
	}
	if cfg.Worker == nil {
		return nil, errMissingWorker
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pump{
		backend:  cfg.Backend,
		cache:    cfg.Cache,
		pipeline: cfg.Pipeline,
		worker:   cfg.Worker,
		filters:  cfg.Filters,
		logger:   logger,
	}, nil
}

// Run keeps the subscription open until ctx ends, reconnecting with
// exponential backoff after stream loss.
func (p *Pump) Run(ctx context.Context) {
	delay := minReconnectDelay
	for {
		envelopes, err := p.backend.Subscribe(ctx, p.filters)
		if err != nil {
			p.logger.Warn("subscription connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = nextDelay(delay)
			continue
		}

		p.logger.Info("subscription established")
		delay = minReconnectDelay
		p.worker.NotifySyncOpportunity()

		p.consume(ctx, envelopes)
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("subscription stream lost, reconnecting")
	}
}

func (p *Pump) consume(ctx context.Context, envelopes <-chan transport.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-envelopes:
			if !ok {
				return
			}
			p.dispatch(ctx, envelope)
		}
	}
}

func (p *Pump) dispatch(ctx context.Context, envelope transport.Envelope) {
	switch {
	case envelope.Change != nil:
		event := cache.ChangeEvent{
			Table:                  envelope.Change.Table,
			Op:                     cache.Op(envelope.Change.Op),
			RecordID:               envelope.Change.RecordID,
			Version:                envelope.Change.Version,
			ServerTimestampSeconds: envelope.Change.ServerTimestampSeconds,
			Data:                   envelope.Change.Data,
		}
		if _, err := p.cache.ApplyChangeEvent(event); err != nil {
			p.logger.Warn("dropping invalid change event",
				zap.String("table", envelope.Change.Table),
				zap.String("record_id", envelope.Change.RecordID),
				zap.Error(err))
		}
	case envelope.Notification != nil:
		record := notify.Record{
			NotificationID:   envelope.Notification.NotificationID,
			RecipientID:      envelope.Notification.RecipientID,
			Kind:             envelope.Notification.Kind,
			PayloadJSON:      string(envelope.Notification.Payload),
			CreatedAtSeconds: envelope.Notification.CreatedAtSeconds,
			ReadAtSeconds:    envelope.Notification.ReadAtSeconds,
		}
		if _, err := p.pipeline.Ingest(ctx, record, notify.SourceSubscription); err != nil {
			p.logger.Warn("dropping invalid notification event",
				zap.String("notification_id", record.NotificationID),
				zap.Error(err))
		}
	default:
		p.logger.Debug("ignoring empty subscription envelope", zap.String("channel", envelope.Channel))
	}
}

func nextDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > maxReconnectDelay {
		return maxReconnectDelay
	}
	return next
}

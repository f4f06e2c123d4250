// Package delivery routes a collection result either to the collector (when
// the transport is connected) or to the offline result cache. The choice is
// made on every call; there is no queue and no fallback from one mode to the
// other.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"gitlab.com/tinyland/lab/trackit/pkg/cache"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
	"gitlab.com/tinyland/lab/trackit/pkg/transport"
)

// OnDemandKey is the cache key for results without a schedule, i.e.
// custom_data collections made while disconnected. Each one replaces the
// previous.
const OnDemandKey = "on-demand"

// Channel is the part of the transport the sink needs.
type Channel interface {
	Connected() bool
	Emit(ctx context.Context, event string, payload any) error
}

// Mode says where a result went.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// DeliveryError reports a failed emit while connected. The result was not
// written locally.
type DeliveryError struct {
	ScheduleID string
	DeliveryID string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery: emit result %s for schedule %q: %v", e.DeliveryID, e.ScheduleID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Stats counts deliveries by outcome.
type Stats struct {
	Online   int64 `json:"online"`
	Offline  int64 `json:"offline"`
	Failures int64 `json:"failures"`
}

// Sink delivers results.
type Sink struct {
	ch     Channel
	cache  *cache.Store
	logger *slog.Logger

	online   atomic.Int64
	offline  atomic.Int64
	failures atomic.Int64
}

// NewSink returns a Sink that emits on ch and falls back to cache while ch
// is disconnected.
func NewSink(ch Channel, store *cache.Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{ch: ch, cache: store, logger: logger.With("component", "delivery")}
}

// Deliver sends r to the collector if the channel is connected, and writes
// it to the offline cache otherwise. It returns the mode used. A failure
// while connected is a *DeliveryError; a failed offline write is the
// cache's *storage.StorageError.
func (s *Sink) Deliver(ctx context.Context, r collectors.Result) (Mode, error) {
	if s.ch != nil && s.ch.Connected() {
		err := s.ch.Emit(ctx, transport.EventProcessedData, transport.ProcessedData{Data: r})
		if err != nil {
			s.failures.Add(1)
			return ModeOnline, &DeliveryError{ScheduleID: r.ScheduleID, DeliveryID: r.DeliveryID, Err: err}
		}
		s.online.Add(1)
		s.logger.Debug("result emitted", "schedule", r.ScheduleID, "delivery_id", r.DeliveryID)
		return ModeOnline, nil
	}

	if err := s.store(r); err != nil {
		s.failures.Add(1)
		return ModeOffline, err
	}
	s.offline.Add(1)
	s.logger.Debug("result cached offline", "schedule", r.ScheduleID, "delivery_id", r.DeliveryID)
	return ModeOffline, nil
}

func (s *Sink) store(r collectors.Result) error {
	if s.cache == nil {
		return fmt.Errorf("delivery: no offline cache configured")
	}
	key := r.ScheduleID
	if key == "" {
		key = OnDemandKey
	}
	return cache.PutTyped(s.cache, key, r)
}

// Stats returns delivery counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Online:   s.online.Load(),
		Offline:  s.offline.Load(),
		Failures: s.failures.Load(),
	}
}

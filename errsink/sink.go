package errsink

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// Reporter accepts failure events.
type Reporter interface {
	Report(event Event)
}

// Discard is the reporter dropping all the events.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(Event) {}

// Config is the configuration of the sink.
type Config struct {
	QueueSize int
}

// DefaultConfig is the default configuration of the sink.
var DefaultConfig = Config{
	QueueSize: 1024,
}

// Sink logs failure events reported by other components.
type Sink struct {
	inbox   chan Event
	dropped atomic.Uint64

	eventsTotal  *prometheus.CounterVec
	droppedTotal prometheus.Counter
}

// New creates sink. Metrics are registered in reg if it is not nil.
func New(config Config, reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		inbox: make(chan Event, config.QueueSize),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kv_errors_total",
			Help: "Number of reported failure events.",
		}, []string{"kind"}),
		droppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kv_errors_dropped_total",
			Help: "Number of failure events dropped because the sink queue was full.",
		}),
	}
}

// Report enqueues event for logging. It never blocks, event is counted and dropped if the queue is full.
func (s *Sink) Report(event Event) {
	s.eventsTotal.WithLabelValues(event.Kind()).Inc()

	select {
	case s.inbox <- event:
	default:
		s.dropped.Add(1)
		s.droppedTotal.Inc()
	}
}

// Run logs events until context is canceled.
func (s *Sink) Run(ctx context.Context) error {
	log := logger.Get(ctx)

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case event := <-s.inbox:
					s.process(log, event)
				default:
					return errors.WithStack(ctx.Err())
				}
			}
		case event := <-s.inbox:
			s.process(log, event)
		}
	}
}

func (s *Sink) process(log *zap.Logger, event Event) {
	if dropped := s.dropped.Swap(0); dropped > 0 {
		log.Warn("Failure events were dropped", zap.Uint64("count", dropped))
	}
	event.log(log)
}

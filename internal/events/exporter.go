// ABOUTME: Bounded asynchronous queue in front of a Publisher
// ABOUTME: Keeps bus latency and outages off the conversation handling path

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultQueueSize bounds events waiting for export
const DefaultQueueSize = 1024

const publishTimeout = 5 * time.Second

var exportedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "switchboard",
	Subsystem: "events",
	Name:      "exported_total",
	Help:      "Events handed to the export bus, by outcome.",
}, []string{"outcome"})

// Exporter queues events and publishes them from a single goroutine.
// Enqueue never blocks; when the queue is full the event is dropped.
type Exporter struct {
	pub    Publisher
	queue  chan Event
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewExporter creates an exporter over pub. Pass nil logger for default.
func NewExporter(pub Publisher, size int, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Exporter{
		pub:    pub,
		queue:  make(chan Event, size),
		logger: logger.With("component", "exporter"),
		done:   make(chan struct{}),
	}
}

// Enqueue schedules ev for export and reports whether it was accepted.
func (e *Exporter) Enqueue(ev Event) bool {
	if e == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.queue <- ev:
		return true
	default:
		exportedEvents.WithLabelValues("dropped").Inc()
		e.logger.Warn("export queue full, dropping event", "type", ev.Type)
		return false
	}
}

// Run publishes queued events until ctx is cancelled, then drains what is
// already queued and closes the publisher.
func (e *Exporter) Run(ctx context.Context) error {
	defer e.pub.Close()
	for {
		select {
		case ev := <-e.queue:
			e.publish(ev)
		case <-ctx.Done():
			e.closeOnce.Do(func() { close(e.done) })
			for {
				select {
				case ev := <-e.queue:
					e.publish(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (e *Exporter) publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.pub.Publish(ctx, ev); err != nil {
		exportedEvents.WithLabelValues("failed").Inc()
		e.logger.Warn("event export failed", "type", ev.Type, "error", err)
		return
	}
	exportedEvents.WithLabelValues("published").Inc()
}

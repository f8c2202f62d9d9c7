package audit

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"aegis/cmd/internal/obs"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	defaultBuffer      = 1024
	defaultSinkTimeout = 2 * time.Second
)

// DispatcherConfig bounds the dispatch queue and per-sink write time.
type DispatcherConfig struct {
	Buffer      int
	SinkTimeout time.Duration
}

// Dispatcher is a buffered, non-blocking Emitter that fans out to sinks.
// When the buffer is full events are dropped and counted.
type Dispatcher struct {
	log     *zap.SugaredLogger
	metrics *obs.Metrics
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex // guards ch against send-after-close
	closed bool
	ch     chan Event
	done   chan struct{}
}

// NewDispatcher starts the background worker.
func NewDispatcher(log *zap.SugaredLogger, cfg DispatcherConfig, metrics *obs.Metrics, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}

	d := &Dispatcher{
		log:     log,
		metrics: metrics,
		sinks:   sinks,
		timeout: cfg.SinkTimeout,
		now:     func() time.Time { return time.Now().UTC() },
		ch:      make(chan Event, cfg.Buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit enqueues e without blocking.
func (d *Dispatcher) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = d.now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.AuditDrop()
		return
	}

	select {
	case d.ch <- e:
	default:
		d.metrics.AuditDrop()
		d.log.Warnw("audit.drop", "type", e.Type, "reason", "buffer_full")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Write(ctx, e); err != nil {
				d.log.Warnw("audit.sink.fail", "type", e.Type, "err", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, drains the queue and closes sinks that
// implement io.Closer. It returns ctx.Err() if draining outlives ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var result *multierror.Error
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

package results

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"

	"github.com/runnermp/runner-mp/go/internal/race"
)

type DispatcherConfig struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:    2,
		QueueSize:  256,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

// Dispatcher is a race.EventSink that hands events to a worker pool. Every
// event goes to the publisher, finish events are also archived in the store.
// Either side may be nil.
type Dispatcher struct {
	store     Store
	publisher EventPublisher
	config    DispatcherConfig
	queue     chan race.Event

	processed atomic.Uint64
	dropped   atomic.Uint64

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewDispatcher(store Store, publisher EventPublisher, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		config:    cfg,
		queue:     make(chan race.Event, cfg.QueueSize),
		stopChan:  make(chan struct{}),
	}
}

// Publish enqueues without blocking. A full queue drops the event. Events
// without an id get one here so every retry reuses it.
func (d *Dispatcher) Publish(event race.Event) {
	if event.ID == "" {
		event.ID = ksuid.New().String()
	}
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		log.Warn().
			Str("track_id", event.TrackID).
			Str("event_type", string(event.Type)).
			Msg("results queue full, dropping event")
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("results dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}

	log.Info().
		Int("workers", d.config.Workers).
		Int("queue_size", d.config.QueueSize).
		Bool("store", d.store != nil).
		Bool("publisher", d.publisher != nil).
		Msg("results dispatcher started")

	return nil
}

// Stop drains queued events and waits for the workers.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("results dispatcher not running")
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()

	processed, dropped := d.Stats()
	log.Info().
		Uint64("processed", processed).
		Uint64("dropped", dropped).
		Msg("results dispatcher stopped")
	return nil
}

// Stats returns the processed and dropped event counts.
func (d *Dispatcher) Stats() (processed, dropped uint64) {
	return d.processed.Load(), d.dropped.Load()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			d.drain()
			return
		case event := <-d.queue:
			d.handle(ctx, event)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.handle(context.Background(), event)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, event race.Event) {
	defer d.processed.Add(1)

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	if d.publisher != nil {
		if err := d.publishWithRetry(ctx, event); err != nil {
			log.Error().Err(err).
				Str("event_id", event.ID).
				Str("track_id", event.TrackID).
				Str("event_type", string(event.Type)).
				Msg("failed to publish race event")
		}
	}

	if d.store == nil {
		return
	}
	rec, ok := RecordFromEvent(event)
	if !ok {
		return
	}
	if err := d.store.Save(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("track_id", rec.TrackID).
			Str("cid", rec.Cid).
			Msg("failed to save race result")
		return
	}
	log.Debug().
		Str("track_id", rec.TrackID).
		Str("cid", rec.Cid).
		Bool("winner", rec.Winner).
		Msg("race result saved")
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, event race.Event) error {
	var lastErr error

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := d.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().Err(err).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Int("attempt", attempt+1).
				Msg("failed to publish race event, retrying")
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", d.config.MaxRetries+1, lastErr)
}

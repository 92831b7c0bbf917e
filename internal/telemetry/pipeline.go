package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	queueCapacity = 50_000
	batchSize     = 500
	flushInterval = 5 * time.Second
	enqueueWait   = 200 * time.Millisecond
)

// Sink receives event batches. Batches may be re-delivered after a crash, so
// sinks dedup on EventID.
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// Pipeline is the non-blocking, batched event queue in front of the sink.
//
// Publish never blocks the request path for longer than enqueueWait: when the
// queue is full the oldest event is dropped (and counted) to make room — the
// freshest data wins. A background consumer flushes batches of up to
// batchSize events, or whatever has arrived after flushInterval.
type Pipeline struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEvents atomic.Int64

	sink    Sink
	baseCtx context.Context
	log     *slog.Logger
}

// NewPipeline creates the queue and starts the consumer goroutine.
func NewPipeline(ctx context.Context, sink Sink, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		ch:      make(chan Event, queueCapacity),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: ctx,
		log:     log,
	}

	p.wg.Add(1)
	go p.run()

	return p
}

// Publish redacts the event and enqueues it. Fire-and-forget: a full queue
// sheds the oldest event rather than blocking the caller.
func (p *Pipeline) Publish(e Event) {
	Redact(&e)

	select {
	case p.ch <- e:
		return
	default:
	}

	// Queue full — drop the oldest entry to make room, bounded by enqueueWait
	// in the worst case of a stalled consumer.
	deadline := time.NewTimer(enqueueWait)
	defer deadline.Stop()

	for {
		select {
		case <-p.ch:
			p.droppedEvents.Add(1)
			select {
			case p.ch <- e:
				return
			default:
			}
		case p.ch <- e:
			return
		case <-deadline.C:
			p.droppedEvents.Add(1)
			return
		}
	}
}

// DroppedEvents returns how many events were shed due to backpressure.
func (p *Pipeline) DroppedEvents() int64 {
	return p.droppedEvents.Load()
}

// QueueDepth returns the number of events waiting for the consumer.
func (p *Pipeline) QueueDepth() int { return len(p.ch) }

// Close drains the queue and stops the consumer. Safe to call multiple times.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(p.baseCtx, 10*time.Second)
		if err := p.sink.WriteBatch(ctx, batch); err != nil {
			// At-most-once after enqueue: the batch is dropped, not retried.
			p.droppedEvents.Add(int64(len(batch)))
			p.log.Warn("telemetry_flush_failed",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-p.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-p.done:
			for {
				select {
				case e := <-p.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

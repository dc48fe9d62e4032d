package local

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

// Handler consumes one message from a topic.
type Handler func(ctx context.Context, msg models.Message) error

// Bus is an in-process message channel. It implements both pipeline.Publisher
// and pipeline.Scheduler; Run delivers queued messages in due order until the
// queue is empty.
type Bus struct {
	mu       sync.Mutex
	handlers map[string]Handler
	queue    deliveries
	seq      int

	// TimeScale shrinks scheduled delays, so a local run does not sit through
	// production back-offs. Zero means no scaling.
	TimeScale float64

	now func() time.Time
	log *slog.Logger
}

// NewBus returns an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[string]Handler), now: time.Now, log: logger}
}

// Subscribe routes a topic's messages to h, replacing any earlier handler.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
}

// Publish queues msg for immediate delivery.
func (b *Bus) Publish(_ context.Context, topic string, msg models.Message) error {
	b.enqueue(topic, msg, 0)
	return nil
}

// Schedule queues msg for delivery after delay.
func (b *Bus) Schedule(_ context.Context, topic string, msg models.Message, delay time.Duration) error {
	if b.TimeScale > 0 {
		delay = time.Duration(float64(delay) * b.TimeScale)
	}
	b.enqueue(topic, msg, delay)
	return nil
}

// Pending returns the number of undelivered messages.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

func (b *Bus) enqueue(topic string, msg models.Message, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msg.Attributes = models.CloneAttributes(msg.Attributes)
	heap.Push(&b.queue, &delivery{
		topic: topic,
		msg:   msg,
		due:   b.now().Add(delay),
		seq:   b.seq,
	})
}

func (b *Bus) next() (*delivery, Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() == 0 {
		return nil, nil, false
	}
	d := heap.Pop(&b.queue).(*delivery)
	return d, b.handlers[d.topic], true
}

// Run delivers messages until the queue drains or ctx ends. A fatal pipeline
// error stops the run and is returned; other handler errors are logged and
// returned together once the queue is empty.
func (b *Bus) Run(ctx context.Context) error {
	var errs []error
	for {
		d, h, ok := b.next()
		if !ok {
			return errors.Join(errs...)
		}
		if wait := d.due.Sub(b.now()); wait > 0 {
			b.log.Debug("Waiting for scheduled message.", "topic", d.topic, "wait", wait.String())
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if h == nil {
			errs = append(errs, fmt.Errorf("no handler subscribed to topic %s", d.topic))
			continue
		}

		msg := d.msg
		if msg.ID == "" {
			msg.ID = "local-" + strconv.Itoa(d.seq)
		}
		msg.PublishTime = b.now()
		if err := h(ctx, msg); err != nil {
			if pipeline.IsFatal(err) {
				return err
			}
			b.log.Error("Handler failed.", "topic", d.topic, "messageId", msg.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s message %s: %w", d.topic, msg.ID, err))
		}
	}
}

type delivery struct {
	topic string
	msg   models.Message
	due   time.Time
	seq   int
}

// deliveries is a min-heap on due time, then publish order.
type deliveries []*delivery

func (q deliveries) Len() int { return len(q) }
func (q deliveries) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q deliveries) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *deliveries) Push(x any)   { *q = append(*q, x.(*delivery)) }
func (q *deliveries) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return d
}

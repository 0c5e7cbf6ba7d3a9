package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"chatsync/pkg/telemetry"

	"github.com/valyala/bytebufferpool"
)

// Op is a lightweight in-memory representation of a send operation
// destined for the processing pipeline. Payload may be backed by a pooled
// ByteBuffer; consumers must call Item.Done() when finished.
type Op struct {
	Conv   string
	Sender string
	// Payload holds the raw JSON send request.
	Payload []byte
	// TS is the enqueue timestamp (nanoseconds).
	TS int64
	// EnqSeq is a monotonic enqueue sequence assigned when the op is
	// accepted, used for deterministic ordering inside the worker.
	EnqSeq uint64
	// Extras holds small metadata extracted from request headers.
	Extras map[string]string
}

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("ingest queue full")

// Item wraps an Op and owns a pooled ByteBuffer if one was used. Consumers
// MUST call Done() exactly once after processing the item.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// maxPooledBuffer controls the largest buffer returned to the pool;
// larger ones are dropped so resident memory stays bounded.
var maxPooledBuffer = 256 * 1024

// SetMaxPooledBuffer overrides the pooled-buffer retention cap. Values
// <= 0 are ignored. Call during startup, before workers run.
func SetMaxPooledBuffer(n int) {
	if n > 0 {
		maxPooledBuffer = n
	}
}

var opPool = sync.Pool{New: func() any { return &Op{} }}
var itemPool = sync.Pool{New: func() any { return &Item{} }}

// Done releases pooled resources back to their pools.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) > maxPooledBuffer {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.Op != nil {
			it.Op.Payload = nil
			it.Op.Extras = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
		itemPool.Put(it)
	})
}

// Queue is a bounded in-memory queue the API layer fills with send
// operations. Safe for concurrent producers; consumers range over Out().
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
}

var enqSeq uint64

// NewQueue creates a bounded Queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// DefaultQueue is the global queue used by handlers; replaceable at
// startup via SetDefaultQueue.
var DefaultQueue = NewQueue(16 * 1024)

// SetDefaultQueue replaces the package default queue.
func SetDefaultQueue(q *Queue) {
	if q != nil {
		DefaultQueue = q
	}
}

// Out returns the read-only consumer channel.
func (q *Queue) Out() <-chan *Item { return q.ch }

func (q *Queue) makeItem(op *Op) *Item {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	if op.Extras != nil {
		m := make(map[string]string, len(op.Extras))
		for k, v := range op.Extras {
			m[k] = v
		}
		newOp.Extras = m
	}
	newOp.EnqSeq = atomic.AddUint64(&enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		newOp.Payload = bb.B[:len(op.Payload)]
	}
	it := itemPool.Get().(*Item)
	*it = Item{Op: newOp, buf: bb}
	return it
}

func (q *Queue) release(it *Item) {
	atomic.AddUint64(&q.dropped, 1)
	telemetry.QueueDropped.Inc()
	it.Done()
}

// TryEnqueue attempts to enqueue op by copying its payload into a pooled
// buffer. Returns ErrQueueFull when the queue is at capacity.
func (q *Queue) TryEnqueue(op *Op) error {
	it := q.makeItem(op)
	select {
	case q.ch <- it:
		telemetry.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		q.release(it)
		return ErrQueueFull
	}
}

// Enqueue blocks until space is available or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, op *Op) error {
	it := q.makeItem(op)
	select {
	case q.ch <- it:
		telemetry.QueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		q.release(it)
		return ctx.Err()
	}
}

// CloseAndDrain closes the queue channel and drains remaining items,
// ensuring their resources are released.
func (q *Queue) CloseAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

// RunWorker invokes handler for each dequeued Op until stop closes or the
// queue is closed. Item.Done() is guaranteed even when handler errors.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Op) error) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *Item) {
				defer it.Done()
				_ = handler(it.Op)
			}(it)
			telemetry.QueueDepth.Set(float64(len(q.ch)))
		case <-stop:
			return
		}
	}
}

// Len returns the current number of items in the queue.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity of the queue.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the number of rejected or cancelled enqueues.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }

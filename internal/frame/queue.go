package frame

import (
	"errors"

	"go.uber.org/atomic"

	"github.com/flowforge/mediacore/internal/metrics"
)

// ErrQueueEmpty is returned by GetFront when elements == 0.
var ErrQueueEmpty = errors.New("frame: queue is empty")

// ErrNotConnected is returned by queue operations attempted before
// Connect has bound both endpoints.
var ErrNotConnected = errors.New("frame: queue is not connected")

// Queue is a bounded single-producer/single-consumer ring of Frame
// slots. Exactly one goroutine may act as producer (ForceGetRear /
// AddFrame) and exactly one as consumer (GetFront / RemoveFrame) at
// any time; that discipline is enforced by construction, not by
// internal locking — each queue is owned by exactly one graph edge.
//
// elements is the only state touched by both sides, and is published
// with atomic store/load so AddFrame's release is visible to a
// concurrent RemoveFrame's acquire and vice versa, matching spec.md
// §4.2's memory-ordering contract.
type Queue struct {
	name     string
	slots    []*Frame
	capacity int
	codec    Codec
	planar   bool

	front    int // touched by the consumer, and by AddFrame when it overwrites a full ring
	rear     int // touched only by the producer
	elements atomic.Int64

	connected atomic.Bool
	metrics   *metrics.Recorder
}

// NewQueue allocates a ring of capacity frame slots, each able to hold
// up to maxFrameLength bytes of the given codec/subtype.
func NewQueue(name string, capacity, maxFrameLength int, codec Codec, planar bool, rec *metrics.Recorder) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		name:     name,
		slots:    make([]*Frame, capacity),
		capacity: capacity,
		codec:    codec,
		planar:   planar,
		metrics:  rec,
	}
	for i := range q.slots {
		q.slots[i] = newFrame(maxFrameLength, codec, planar)
	}
	return q
}

// Name identifies the edge this queue belongs to, used as the metrics label.
func (q *Queue) Name() string { return q.name }

// Codec returns the codec/format shared by every slot.
func (q *Queue) Codec() Codec { return q.codec }

// GetElements returns the current number of unread frames.
func (q *Queue) GetElements() int { return int(q.elements.Load()) }

// GetMaxFrames returns the ring's fixed capacity.
func (q *Queue) GetMaxFrames() int { return q.capacity }

// GetFront returns the slot at front iff elements > 0.
func (q *Queue) GetFront() (*Frame, error) {
	if q.elements.Load() == 0 {
		return nil, ErrQueueEmpty
	}
	return q.slots[q.front], nil
}

// RemoveFrame commits the dequeue of the slot previously returned by
// GetFront, advancing front and decrementing elements.
func (q *Queue) RemoveFrame() {
	if q.elements.Load() == 0 {
		return
	}
	q.front = (q.front + 1) % q.capacity
	q.elements.Dec()
	if q.metrics != nil {
		q.metrics.SetQueueDepth(q.name, int(q.elements.Load()))
	}
}

// ForceGetRear returns the slot at rear even when the ring is full,
// in which case the caller is about to overwrite the oldest unread
// frame (lossy, real-time semantics per spec.md §4.2).
func (q *Queue) ForceGetRear() *Frame {
	if int(q.elements.Load()) == q.capacity && q.metrics != nil {
		q.metrics.IncQueueDrop(q.name)
	}
	return q.slots[q.rear]
}

// AddFrame commits the enqueue of the slot previously returned by
// ForceGetRear. If the ring was already full, rear and front both
// advance (the overwritten slot is retired from the unread set).
func (q *Queue) AddFrame() {
	wasFull := int(q.elements.Load()) == q.capacity
	q.rear = (q.rear + 1) % q.capacity
	if wasFull {
		q.front = (q.front + 1) % q.capacity
	} else {
		q.elements.Inc()
	}
	if q.metrics != nil {
		q.metrics.SetQueueDepth(q.name, int(q.elements.Load()))
	}
}

// Connect marks the queue as bound to its two endpoints. Idempotent.
func (q *Queue) Connect() { q.connected.Store(true) }

// Disconnect marks the queue as unbound. Idempotent; safe to call more
// than once as both endpoints tear down independently.
func (q *Queue) Disconnect() { q.connected.Store(false) }

// Connected reports whether Connect has been called without a
// matching Disconnect.
func (q *Queue) Connected() bool { return q.connected.Load() }

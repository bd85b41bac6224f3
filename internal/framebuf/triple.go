// Package framebuf provides a lock-free triple buffer for handing whole
// frames from one producer goroutine to one consumer goroutine.
//
// Three slots rotate between the producer, idle and consumer roles. The role
// assignment lives in a single atomic word, so a swap is one compare-and-swap
// and the two sides never block each other. The producer only ever touches the
// slot it holds, and so does the consumer; the CAS on the role word is what
// publishes writes made to a slot before it is handed over.
package framebuf

import "sync/atomic"

// Role word layout, one byte per role holding a slot index 0..2.
const (
	producerShift = 0
	idleShift     = 8
	consumerShift = 16
)

func packRoles(producer, idle, consumer uint32) uint32 {
	return producer<<producerShift | idle<<idleShift | consumer<<consumerShift
}

func unpackRoles(w uint32) (producer, idle, consumer uint32) {
	return (w >> producerShift) & 0xFF, (w >> idleShift) & 0xFF, (w >> consumerShift) & 0xFF
}

// TripleBuffer rotates three *T slots between a producer and a consumer.
//
// The producer side (Producer, SwapPresentSide) must be driven by one logical
// owner at a time, and the same holds for the consumer side (Consumer,
// SwapConsumerSide). The two sides may run concurrently.
type TripleBuffer[T any] struct {
	slots [3]*T
	roles atomic.Uint32
}

// New creates a triple buffer whose slots are built by alloc.
// Slot 0 starts as producer, 1 as idle, 2 as consumer.
func New[T any](alloc func() *T) *TripleBuffer[T] {
	b := &TripleBuffer[T]{}
	for i := range b.slots {
		b.slots[i] = alloc()
	}
	b.roles.Store(packRoles(0, 1, 2))
	return b
}

// Producer returns the slot currently held by the producer.
func (b *TripleBuffer[T]) Producer() *T {
	p, _, _ := unpackRoles(b.roles.Load())
	return b.slots[p]
}

// Consumer returns the slot currently held by the consumer.
func (b *TripleBuffer[T]) Consumer() *T {
	_, _, c := unpackRoles(b.roles.Load())
	return b.slots[c]
}

// SwapPresentSide exchanges the producer and idle slots, publishing the
// producer's frame and giving it the previous idle slot to fill next.
func (b *TripleBuffer[T]) SwapPresentSide() {
	for {
		old := b.roles.Load()
		p, i, c := unpackRoles(old)
		if b.roles.CompareAndSwap(old, packRoles(i, p, c)) {
			return
		}
	}
}

// SwapConsumerSide exchanges the idle and consumer slots, taking whatever
// the producer last published.
func (b *TripleBuffer[T]) SwapConsumerSide() {
	for {
		old := b.roles.Load()
		p, i, c := unpackRoles(old)
		if b.roles.CompareAndSwap(old, packRoles(p, c, i)) {
			return
		}
	}
}

// Roles reports the slot index held by each role.
func (b *TripleBuffer[T]) Roles() (producer, idle, consumer int) {
	p, i, c := unpackRoles(b.roles.Load())
	return int(p), int(i), int(c)
}

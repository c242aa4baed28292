package usbip

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// replyGate serializes the write side of the stream: one reply — header,
// payload, iso descriptors — hits the wire at a time. Waiters are served
// in FIFO order.
type replyGate struct {
	sem *semaphore.Weighted
}

func newReplyGate() *replyGate {
	return &replyGate{
		sem: semaphore.NewWeighted(1),
	}
}

func (g *replyGate) acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *replyGate) release() {
	g.sem.Release(1)
}

// Package channel provides the in-memory bidirectional pipe connecting a
// transport to the orchestrator. Each side holds an Endpoint; a message sent
// on one endpoint becomes receivable on the other.
package channel

import (
	"context"
	"sync"

	"foreman/pkg/proto"
)

// queue is a single-producer/single-consumer unbounded FIFO. The wake channel
// has capacity one so a send never blocks on a slow receiver.
type queue struct {
	mu    sync.Mutex
	items []proto.Envelope
	wake  chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(env proto.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop(ctx context.Context) (proto.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return proto.Envelope{}, ctx.Err()
		}
	}
}

// Endpoint is one side of a channel pair. Send delivers to the peer; Receive
// suspends until the peer has sent something. The endpoint performs no thread
// id validation or filtering; that is the consumer's job.
type Endpoint struct {
	out *queue
	in  *queue
}

// New creates a connected endpoint pair.
func New() (*Endpoint, *Endpoint) {
	a := newQueue()
	b := newQueue()
	return &Endpoint{out: a, in: b}, &Endpoint{out: b, in: a}
}

// Send makes msg available to the peer endpoint. Delivery is strict FIFO per
// direction, without loss or duplication. Send never blocks.
func (e *Endpoint) Send(threadID string, msg proto.Msg) {
	e.out.push(proto.Envelope{ThreadID: threadID, Msg: msg})
}

// Receive returns the next message the peer sent, waiting until one exists or
// ctx is done.
func (e *Endpoint) Receive(ctx context.Context) (proto.Envelope, error) {
	return e.in.pop(ctx)
}

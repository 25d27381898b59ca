package saga

import (
	"sync"

	"ms-booking-saga/internal/models"
)

type replyKey struct {
	sagaID string
	step   models.StepName
}

// ReplyRouter hands collaborator replies from the Kafka consumer to the
// goroutine waiting on that (saga, step). Replies with no waiter are
// duplicates or ghosts of a previous run and are dropped; step resolution in
// the store is what makes outcomes idempotent, not delivery.
type ReplyRouter struct {
	mu      sync.Mutex
	waiters map[replyKey]chan models.StepReply
}

func NewReplyRouter() *ReplyRouter {
	return &ReplyRouter{waiters: make(map[replyKey]chan models.StepReply)}
}

// Register opens a mailbox for one in-flight step. The channel is buffered
// so a dispatch never blocks the consumer loop.
func (r *ReplyRouter) Register(sagaID string, step models.StepName) chan models.StepReply {
	ch := make(chan models.StepReply, 1)
	r.mu.Lock()
	r.waiters[replyKey{sagaID, step}] = ch
	r.mu.Unlock()
	return ch
}

func (r *ReplyRouter) Unregister(sagaID string, step models.StepName) {
	r.mu.Lock()
	delete(r.waiters, replyKey{sagaID, step})
	r.mu.Unlock()
}

// Dispatch delivers a reply to its waiter. Returns false when nobody is
// waiting. A second reply for the same in-flight step is dropped rather than
// queued; the waiter only ever consumes one outcome per attempt.
func (r *ReplyRouter) Dispatch(reply models.StepReply) bool {
	r.mu.Lock()
	ch, ok := r.waiters[replyKey{reply.SagaID, reply.Step}]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- reply:
		return true
	default:
		return false
	}
}

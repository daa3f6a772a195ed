package worker

import (
	"sync"

	"github.com/caffeineduck/pynode/protocol"
	"github.com/google/uuid"
)

// Relay correlates input requests with their replies by id. Each id
// resolves at most once; late and unknown replies are dropped.
type Relay struct {
	mu      sync.Mutex
	pending map[string]chan protocol.InputReply
}

func NewRelay() *Relay {
	return &Relay{pending: make(map[string]chan protocol.InputReply)}
}

// Open allocates a new input id and the channel its reply arrives on.
func (r *Relay) Open() (string, <-chan protocol.InputReply) {
	id := uuid.NewString()
	ch := make(chan protocol.InputReply, 1)

	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()

	return id, ch
}

// Resolve delivers reply to the request id. It reports false when id was
// never opened or has already been resolved.
func (r *Relay) Resolve(id string, reply protocol.InputReply) bool {
	r.mu.Lock()
	ch, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply
	return true
}

// Forget drops id without resolving it.
func (r *Relay) Forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// CloseAll resolves every open request with an empty value.
func (r *Relay) CloseAll() int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan protocol.InputReply)
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- protocol.Value("")
	}
	return len(pending)
}

// Len returns the number of open requests.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

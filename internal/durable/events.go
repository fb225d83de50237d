package durable

import "sync"

type eventBus struct {
	mu      sync.Mutex
	seq     uint64
	waiters map[string]map[uint64]chan []byte
}

func newEventBus() *eventBus {
	return &eventBus{waiters: make(map[string]map[uint64]chan []byte)}
}

func (b *eventBus) subscribe(key string) (<-chan []byte, func()) {
	ch := make(chan []byte, 1)

	b.mu.Lock()
	b.seq++
	id := b.seq
	if b.waiters[key] == nil {
		b.waiters[key] = make(map[uint64]chan []byte)
	}
	b.waiters[key][id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.waiters[key], id)
		if len(b.waiters[key]) == 0 {
			delete(b.waiters, key)
		}
	}
}

// publish hands payload to every current waiter on key; each waiter is resolved once.
func (b *eventBus) publish(key string, payload []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	ws := b.waiters[key]
	for _, ch := range ws {
		ch <- append([]byte(nil), payload...)
	}
	delete(b.waiters, key)
	return len(ws)
}

func (b *eventBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ws := range b.waiters {
		n += len(ws)
	}
	return n
}

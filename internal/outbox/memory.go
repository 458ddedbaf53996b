package outbox

import (
	"context"
	"sync"
)

// MemRepository is an in-process Repository for tests and broker-less local
// runs. Items keep FIFO order by insertion ID.
type MemRepository struct {
	mu     sync.Mutex
	nextID int64
	items  []Item
}

var _ Repository = (*MemRepository)(nil)

func NewMemRepository() *MemRepository {
	return &MemRepository{nextID: 1}
}

func (r *MemRepository) Enqueue(_ context.Context, topic string, payload []byte, qos byte, retain bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	buf := make([]byte, len(payload))
	copy(buf, payload)
	r.items = append(r.items, Item{ID: id, Topic: topic, Payload: buf, QoS: qos, Retain: retain})
	return id, nil
}

func (r *MemRepository) PeekOldest(context.Context) (Item, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) == 0 {
		return Item{}, false, nil
	}
	return r.items[0], true, nil
}

func (r *MemRepository) MarkAttempt(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.items {
		if r.items[i].ID == id {
			r.items[i].Attempts++
			return nil
		}
	}
	return nil
}

func (r *MemRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.items {
		if r.items[i].ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *MemRepository) Count(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.items)), nil
}

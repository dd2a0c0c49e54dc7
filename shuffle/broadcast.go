package shuffle

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
)

// Broadcast is a handle to a byte payload published once and readable by many
// tasks. The publishing ShuffleStatus owns the handle and destroys it when its
// serialization cache is invalidated.
type Broadcast struct {
	Id string

	mu        sync.Mutex
	value     []byte
	destroyed bool
}

// Value returns the published bytes, or an error once destroyed.
func (b *Broadcast) Value() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, fmt.Errorf("broadcast %s already destroyed", b.Id)
	}
	return b.value, nil
}

// BroadcastManager registers broadcast handles by id so readers can resolve
// them out of the serialized-status payload.
type BroadcastManager struct {
	broadcasts cmap.ConcurrentMap
}

func NewBroadcastManager() *BroadcastManager {
	return &BroadcastManager{broadcasts: cmap.New()}
}

func (m *BroadcastManager) NewBroadcast(value []byte) *Broadcast {
	b := &Broadcast{Id: uuid.NewString(), value: value}
	m.broadcasts.Set(b.Id, b)
	return b
}

func (m *BroadcastManager) Resolve(id string) (*Broadcast, error) {
	v, ok := m.broadcasts.Get(id)
	if !ok {
		return nil, fmt.Errorf("broadcast %s not found", id)
	}
	return v.(*Broadcast), nil
}

func (m *BroadcastManager) Destroy(b *Broadcast) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return fmt.Errorf("broadcast %s already destroyed", b.Id)
	}
	b.destroyed = true
	b.value = nil
	m.broadcasts.Remove(b.Id)
	return nil
}

func (m *BroadcastManager) NumCached() int {
	return m.broadcasts.Count()
}

package events

import (
	"container/list"
	"sync"
	"time"
)

// InMemoryEventStore keeps a bounded buffer of recent events across all
// accounts. When full, the oldest event is dropped.
type InMemoryEventStore struct {
	mu            sync.RWMutex
	events        *list.List                 // oldest at the front
	accountEvents map[string][]*list.Element // accountID -> elements, oldest first
	maxSize       int
	now           func() time.Time
}

// NewEventStore creates a new InMemoryEventStore with the given buffer size.
func NewEventStore(maxSize int) *InMemoryEventStore {
	if maxSize <= 0 {
		maxSize = 1000
	}

	return &InMemoryEventStore{
		events:        list.New(),
		accountEvents: make(map[string][]*list.Element),
		maxSize:       maxSize,
		now:           time.Now,
	}
}

// Store saves an event, evicting the oldest one when the buffer is full.
func (es *InMemoryEventStore) Store(event Event) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.events.Len() >= es.maxSize {
		es.removeElementLocked(es.events.Front())
	}

	elem := es.events.PushBack(event)
	es.accountEvents[event.AccountID] = append(es.accountEvents[event.AccountID], elem)
	return nil
}

// Recent returns up to limit events for the account, newest first.
func (es *InMemoryEventStore) Recent(accountID string, limit int) ([]Event, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	elems := es.accountEvents[accountID]
	result := make([]Event, 0, min(limit, len(elems)))
	for i := len(elems) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, elems[i].Value.(Event))
	}
	return result, nil
}

// Cleanup removes events older than the given duration.
func (es *InMemoryEventStore) Cleanup(olderThan time.Duration) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	cutoff := es.now().Add(-olderThan)
	for es.events.Len() > 0 {
		front := es.events.Front()
		if front.Value.(Event).Timestamp.After(cutoff) {
			break
		}
		es.removeElementLocked(front)
	}
	return nil
}

// removeElementLocked removes an element from all indexes. Must be called with lock held.
func (es *InMemoryEventStore) removeElementLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	event := elem.Value.(Event)
	es.events.Remove(elem)

	elems := es.accountEvents[event.AccountID]
	for i, e := range elems {
		if e == elem {
			elems = append(elems[:i], elems[i+1:]...)
			break
		}
	}
	if len(elems) == 0 {
		delete(es.accountEvents, event.AccountID)
	} else {
		es.accountEvents[event.AccountID] = elems
	}
}

// Len returns the number of events in the store.
func (es *InMemoryEventStore) Len() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.events.Len()
}

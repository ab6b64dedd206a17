package sync

import (
	gosync "sync"
	"time"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventCompleted SyncEventType = "completed"
	SyncEventFailed    SyncEventType = "failed"
)

// SyncEvent is delivered to the event handler after every cycle.
type SyncEvent struct {
	Type      SyncEventType
	Result    *CycleResult
	Error     string
	Timestamp time.Time
}

// SyncEventHandler receives sync notifications.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// broadcaster fans the change counter out to subscribers. Each subscriber
// holds at most one undelivered value, always the latest.
type broadcaster struct {
	mu   gosync.Mutex
	next int
	subs map[int]chan uint64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan uint64)}
}

func (b *broadcaster) subscribe() (<-chan uint64, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan uint64, 1)
	b.subs[id] = ch

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broadcaster) publish(v uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

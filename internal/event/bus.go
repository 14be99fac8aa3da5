package event

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind 事件类型
type Kind string

const (
	StateChanged     Kind = "state_changed"
	ComponentChanged Kind = "component_changed"
	RecordDirty      Kind = "record_dirty"
	SyncStarted      Kind = "sync_started"
	SyncFinished     Kind = "sync_finished"
	ConflictDetected Kind = "conflict_detected"
	ConflictResolved Kind = "conflict_resolved"
	EvictionFinished Kind = "eviction_finished"
	ExternalOnline   Kind = "external_online"
	ExternalOffline  Kind = "external_offline"
)

// Event 组件对外发出的结构化事件
// Payload 的具体类型由 Kind 决定 (例如 SyncFinished 对应 *sync.Result)
type Event struct {
	Kind    Kind
	PairID  string
	Path    string
	Time    time.Time
	Payload any
}

type subscriber struct {
	ch chan Event
}

// Bus 简单的发布/订阅总线，Publish 永不阻塞
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe 返回事件通道和取消订阅函数
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish 向所有订阅者投递事件；订阅者缓冲区满时丢弃
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped 返回因订阅者缓冲区满而丢弃的事件数
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

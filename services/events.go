package services

import "sync"

// EventType 推送给界面的事件类型
type EventType string

const (
	EventEntries  EventType = "entries"
	EventTiles    EventType = "tiles"
	EventLegend   EventType = "legend"
	EventStyles   EventType = "styles"
	EventConflict EventType = "conflict"
	EventStatus   EventType = "status"
	EventSave     EventType = "save"
	EventView     EventType = "view"
	EventError    EventType = "error"
)

type Event struct {
	Type    EventType   `json:"type"`
	Version uint64      `json:"version,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// EventHub 事件分发，订阅方处理不过来时丢弃事件
type EventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[int]chan Event)}
}

// Subscribe 返回事件通道和取消函数
func (h *EventHub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Package realtime 通过 SSE 向客户端推送会话进度。
package realtime

import (
	"encoding/json"
	"sync"
)

// 事件类型。
const (
	EventProgress  = "session_progress"
	EventCompleted = "session_completed"
	EventFailed    = "session_failed"
)

// Event 描述 SSE 推送时的消息载荷。
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Broker 负责向实时订阅者（SSE 客户端）分发事件。
type Broker struct {
	mu        sync.RWMutex
	clients   map[chan []byte]string
	shutdown  chan struct{}
	closeOnce sync.Once
}

// NewBroker 创建一个新的 Broker 实例。
func NewBroker() *Broker {
	return &Broker{
		clients:  make(map[chan []byte]string),
		shutdown: make(chan struct{}),
	}
}

// Subscribe 注册客户端通道并返回清理函数。sessionID 非空时只接收该会话的事件。
func (b *Broker) Subscribe(sessionID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.clients[ch] = sessionID
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cleanup
}

// Publish 将事件广播给所有匹配的订阅者。
func (b *Broker) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.clients {
		if filter != "" && filter != evt.SessionID {
			continue
		}
		select {
		case ch <- data:
		default:
			// 订阅者处理过慢则丢弃消息，避免阻塞流水线。
		}
	}
}

// Subscribers 返回当前订阅者数量。
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Done 在 Broker 关闭后可读，SSE 处理器据此退出。
func (b *Broker) Done() <-chan struct{} {
	return b.shutdown
}

// Close 通知所有 SSE 连接结束。
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.shutdown) })
}

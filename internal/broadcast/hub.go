// internal/broadcast/hub.go
package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// DefaultBufferSize is the per subscriber queue length used when NewHub is
// given a non-positive size.
const DefaultBufferSize = 256

type subscriber struct {
	ch        chan schemas.BroadcastMessage
	sessionID string
}

// Hub fans broadcast messages out to subscribers. It satisfies
// schemas.Broadcaster, so Emit never blocks: a subscriber whose queue is
// full misses the message.
type Hub struct {
	logger     *zap.Logger
	bufferSize int

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool
	dropped     uint64
	dropMu      sync.Mutex
}

// NewHub initializes an empty Hub.
func NewHub(logger *zap.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		logger:      logger.Named("broadcast_hub"),
		bufferSize:  bufferSize,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Emit offers msg to every matching subscriber without waiting.
func (h *Hub) Emit(msg schemas.BroadcastMessage) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	// Sends happen under the read lock so Shutdown and unsubscribe, which
	// close channels under the write lock, never race a send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subscribers {
		if sub.sessionID != "" && msg.SessionID != "" && sub.sessionID != msg.SessionID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.dropMu.Lock()
			h.dropped++
			h.dropMu.Unlock()
			h.logger.Debug("Subscriber queue full, dropping message.",
				zap.String("type", string(msg.Type)),
				zap.String("session_id", msg.SessionID))
		}
	}
}

// Subscribe registers a listener. A non-empty sessionID limits delivery to
// that session's messages plus messages that carry no session. The returned
// func removes the subscription and closes the channel; calling it more than
// once is safe.
func (h *Hub) Subscribe(sessionID string) (<-chan schemas.BroadcastMessage, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan schemas.BroadcastMessage)
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{
		ch:        make(chan schemas.BroadcastMessage, h.bufferSize),
		sessionID: sessionID,
	}
	h.subscribers[sub] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subscribers[sub]; !ok {
				// Shutdown already closed it.
				return
			}
			delete(h.subscribers, sub)
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped reports how many deliveries were skipped because a queue was full.
func (h *Hub) Dropped() uint64 {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	return h.dropped
}

// Shutdown closes every subscriber channel. Later Emits are discarded and
// later Subscribes receive an already closed channel.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subscribers {
		close(sub.ch)
	}
	n := len(h.subscribers)
	h.subscribers = make(map[*subscriber]struct{})
	h.logger.Info("Broadcast hub shut down.", zap.Int("subscribers", n))
}

package pubsub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// historySize bounds the replay buffer kept per topic. Subscriber channels
// are larger, so the replay never blocks.
const (
	historySize   = 64
	subscriberBuf = historySize + 64
)

// Broker is an in-memory pub/sub system keyed by job id. Late subscribers get
// the recent history of a topic before live events.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string][]chan []byte
	history     map[string][][]byte
}

// Event is the frame written to job progress websockets.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Event types.
const (
	EventProgress = "progress"
	EventStatus   = "status"
	EventError    = "error"
)

func New() *Broker {
	return &Broker{
		subscribers: make(map[string][]chan []byte),
		history:     make(map[string][][]byte),
	}
}

// Subscribe returns a channel that receives the topic's history followed by
// live messages, and a function that cancels the subscription. The channel is
// closed by either the cancel function or CloseTopic.
func (b *Broker) Subscribe(topic string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, subscriberBuf)
	for _, msg := range b.history[topic] {
		ch <- msg
	}
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	zap.S().Debugf("new subscription to topic %s, replayed %d messages", topic, len(b.history[topic]))

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[topic]
			for i, sub := range subs {
				if sub == ch {
					b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
	return ch, unsubscribe
}

// Publish caches msg and delivers it to every subscriber. A subscriber whose
// buffer is full misses the message rather than blocking the publisher.
func (b *Broker) Publish(topic string, msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := append(b.history[topic], msg)
	if len(h) > historySize {
		h = h[len(h)-historySize:]
	}
	b.history[topic] = h

	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// PublishEvent encodes an Event and publishes it.
func (b *Broker) PublishEvent(topic, eventType string, data any) {
	b.Publish(topic, Encode(eventType, data))
}

// CloseTopic closes every subscriber channel and drops the topic's history.
func (b *Broker) CloseTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers[topic] {
		close(ch)
	}
	delete(b.subscribers, topic)
	delete(b.history, topic)
	zap.S().Debugf("closed pubsub topic %s", topic)
}

func Encode(eventType string, data any) []byte {
	bytes, err := json.Marshal(Event{Type: eventType, Data: data})
	if err != nil {
		return []byte(`{"type": "error", "data": "json format error"}`)
	}
	return bytes
}

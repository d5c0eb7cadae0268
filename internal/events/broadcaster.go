// Package events is the in-process message queue the status reporter
// publishes to. Subscribers receive messages on buffered channels, optionally
// filtered by topic, and can be attached over HTTP as a server-sent event
// stream.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmspipeline/analysismgr/internal/metrics"
)

const (
	TypeStatus = "status"
	TypeAbort  = "abort"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 64

// Message is one queued document.
type Message struct {
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster fans messages out to subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Message]string
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Message]string),
	}
}

// Subscribe adds a subscriber for topic ("" receives every topic) and
// returns its channel. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(topic string) chan Message {
	ch := make(chan Message, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = topic
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Message) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish delivers msg to every matching subscriber without blocking;
// a subscriber whose buffer is full misses the message.
func (b *Broadcaster) Publish(msg Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, topic := range b.subscribers {
		if topic != "" && topic != msg.Topic {
			continue
		}
		select {
		case ch <- msg:
		default:
			metrics.RecordEventDropped(msg.Topic)
		}
	}
	metrics.RecordEventPublished(msg.Topic)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalMessage serializes a message to JSON.
func MarshalMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Handler streams messages on topic as server-sent events until the client
// goes away.
func Handler(b *Broadcaster, topic string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := b.Subscribe(topic)
		defer b.Unsubscribe(ch)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				data, err := MarshalMessage(msg)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
				flusher.Flush()
			}
		}
	})
}

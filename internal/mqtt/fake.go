package mqtt

import (
	"strings"
	"sync"
)

// Message is one publish recorded by FakeClient.
type Message struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// FakeClient records publishes and lets tests deliver messages to
// subscribers.
type FakeClient struct {
	mu       sync.Mutex
	messages []Message
	subs     map[string]Handler
	closed   bool

	// SubscribeError, if set, is returned by Subscribe.
	SubscribeError error
	// PublishError, if set, is returned by Publish.
	PublishError error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{subs: map[string]Handler{}}
}

func (f *FakeClient) Subscribe(filter string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeError != nil {
		return f.SubscribeError
	}
	f.subs[filter] = h
	return nil
}

func (f *FakeClient) Publish(topic string, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.messages = append(f.messages, Message{Topic: topic, Retained: retained, Payload: append([]byte(nil), payload...)})
	return nil
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Messages returns a copy of everything published so far.
func (f *FakeClient) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

func (f *FakeClient) Subscribed(filter string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[filter]
	return ok
}

// Deliver hands a message to every matching subscription. It reports
// whether any handler ran.
func (f *FakeClient) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	var hs []Handler
	for filter, h := range f.subs {
		if Match(filter, topic) {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(topic, payload)
	}
	return len(hs) > 0
}

// Match reports whether topic matches an MQTT filter with + and # wildcards.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

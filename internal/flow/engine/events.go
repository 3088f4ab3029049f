package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event topics. Subscribers filter by topic; payload shapes are stable
// per topic.
const (
	TopicNodeUpdated       = "flowchart.node.updated"
	TopicRunUpdated        = "flowchart.run.updated"
	TopicArtifactPersisted = "flowchart:node_artifact:persisted"
)

type Event struct {
	Topic   string         `json:"topic"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload"`
}

type subscriber struct {
	topics map[string]bool
	ch     chan Event
}

// Publisher fans events out to in-process subscribers. Publishing never
// blocks: a subscriber whose buffer is full loses the event and the drop
// is counted.
type Publisher struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	bufSize int
	closed  bool
	dropped atomic.Uint64
}

func NewPublisher(bufSize int) *Publisher {
	if bufSize < 1 {
		bufSize = 64
	}
	return &Publisher{
		subs:    map[*subscriber]struct{}{},
		bufSize: bufSize,
	}
}

// Subscribe registers interest in the given topics (all topics when none
// given). The returned cancel func unsubscribes and closes the channel.
func (p *Publisher) Subscribe(topics ...string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, p.bufSize)}
	if len(topics) > 0 {
		sub.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			if _, ok := p.subs[sub]; ok {
				delete(p.subs, sub)
				close(sub.ch)
			}
			p.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (p *Publisher) Publish(topic string, payload map[string]any) {
	ev := Event{Topic: topic, At: time.Now().UTC(), Payload: payload}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for sub := range p.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			p.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were lost to slow subscribers.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close unsubscribes everyone and closes their channels. Idempotent.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subs {
		close(sub.ch)
	}
	p.subs = map[*subscriber]struct{}{}
}

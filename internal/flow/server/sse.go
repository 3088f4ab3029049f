package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/flowmason/flowmason/internal/flow/engine"
)

// subscriberBuffer is the live-event headroom each subscriber channel gets
// on top of the history replay.
const subscriberBuffer = 256

// Broadcaster fans one run's event stream out to any number of SSE clients.
// Late subscribers get the full history replayed before live events, so a
// client attaching mid-run still sees every transition. Thread-safe; one
// Broadcaster per FlowchartRun.
type Broadcaster struct {
	mu      sync.Mutex
	history []map[string]any
	subs    map[chan map[string]any]struct{}
	dropped int
	closed  bool

	// done closes when the run's event stream ends for good. Dropping a
	// subscriber that cannot keep up must not touch it.
	done chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan map[string]any]struct{}),
		done: make(chan struct{}),
	}
}

// Send records an event and delivers it to every subscriber. A subscriber
// whose buffer is full has stopped reading; it is disconnected rather than
// allowed to stall the run.
func (b *Broadcaster) Send(ev map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.disconnect(ch)
		}
	}
}

// disconnect removes one subscriber. Caller holds b.mu.
func (b *Broadcaster) disconnect(ch chan map[string]any) {
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
	b.dropped++
}

// Dropped reports how many subscribers were disconnected for falling behind.
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribe returns an events channel, a stream-end channel, and an
// unsubscribe function. The events channel replays history first, then
// carries live events. The stream-end channel closes only when the
// broadcaster itself closes, never for a slow-subscriber disconnect.
func (b *Broadcaster) Subscribe() (<-chan map[string]any, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Sized for the whole replay plus live headroom, so filling it under
	// the mutex cannot block.
	ch := make(chan map[string]any, len(b.history)+subscriberBuffer)
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.done, func() {}
	}

	b.subs[ch] = struct{}{}
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, b.done, unsub
}

// Close ends the stream: every subscriber channel closes and no further
// events are accepted. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// History returns a copy of every event sent so far.
func (b *Broadcaster) History() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.history))
	copy(out, b.history)
	return out
}

// pump drains an engine event subscription into the broadcaster, tagging
// each event with its topic and timestamp. Returns when the source closes.
func (b *Broadcaster) pump(events <-chan engine.Event) {
	for ev := range events {
		payload := make(map[string]any, len(ev.Payload)+2)
		for k, v := range ev.Payload {
			payload[k] = v
		}
		payload["topic"] = ev.Topic
		payload["ts"] = ev.At
		b.Send(payload)
	}
}

// WriteSSE streams a broadcaster's events to an HTTP response as
// Server-Sent Events, ending with a "done" event when the run finishes.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, streamEnd, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// The channel also closes when this client is dropped for
				// falling behind; only a finished run gets the done event.
				select {
				case <-streamEnd:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

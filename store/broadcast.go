// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package store

import (
	"sync"
	"sync/atomic"
)

// subscriptionBuf bounds how many undelivered messages a single handle may
// hold. A handle past this limit lags: publishes drop instead of blocking.
const subscriptionBuf = 1024

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is one receiver handle on a channel. Messages arrive on C in
// publish order. C is closed by Close; the broadcaster itself never closes
// a live handle.
type Subscription struct {
	// C yields the published payloads.
	C <-chan []byte

	channel string
	ch      chan []byte
	dropped atomic.Uint64

	b    *broadcaster
	once sync.Once
}

// Channel returns the channel name the handle is attached to.
func (s *Subscription) Channel() string { return s.channel }

// Dropped reports how many messages were lost to buffer overflow. The handle
// stays valid after a drop; only the dropped messages are missing.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the handle from its broadcaster and closes C. Buffered
// messages remain readable until drained. Close is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s)
	})
}

// broadcaster fans published messages out to its current subscribers. Each
// subscriber owns a bounded buffer; overflow drops for that subscriber only.
type broadcaster struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*Subscription]struct{})}
}

func (b *broadcaster) subscribe(channel string) *Subscription {
	ch := make(chan []byte, subscriptionBuf)
	s := &Subscription{C: ch, channel: channel, ch: ch, b: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// send delivers message to every subscriber and returns their count.
// Delivery never blocks: a full buffer counts a drop instead.
func (b *broadcaster) send(message []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- message:
		default:
			s.dropped.Add(1)
		}
	}
	return len(b.subs)
}

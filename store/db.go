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

// Package store holds the shared in-memory database: a key/value map with
// per-key expiration and the pub/sub channel registry.
package store

import (
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// DB is a cheap, copyable handle to shared state. All copies observe the
// same data. Creating a DB starts a background worker that evicts expired
// entries; Shutdown stops it.
type DB struct {
	shared *shared
}

type shared struct {
	mu    sync.Mutex
	state state

	// wake latches a pending signal for the eviction worker: writes that
	// establish a new earliest deadline and Shutdown both post here.
	// Capacity one makes multiple posts collapse into a single wake.
	wake chan struct{}
}

type state struct {
	entries map[string]entry

	// eviction order, ascending by (when, id). Exactly one element exists
	// per entry that carries a deadline.
	expirations *btree.BTreeG[expiration]

	// channel name to broadcaster
	pubsub map[string]*broadcaster

	// insertion counter, breaks deadline ties in the eviction order
	nextID uint64

	shutdown bool
}

type entry struct {
	id   uint64
	data []byte

	// zero when the entry never expires
	expiresAt time.Time
}

type expiration struct {
	when time.Time
	id   uint64
	key  string
}

func lessExpiration(a, b expiration) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.id < b.id
}

// NewDB creates an empty database and starts its eviction worker.
func NewDB() DB {
	s := &shared{
		state: state{
			entries:     make(map[string]entry),
			expirations: btree.NewBTreeG[expiration](lessExpiration),
			pubsub:      make(map[string]*broadcaster),
		},
		wake: make(chan struct{}, 1),
	}
	go s.evictLoop()
	return DB{shared: s}
}

// Get returns the value stored at key, or nil. The returned slice must not
// be modified; it is shared with the store.
func (db DB) Get(key string) []byte {
	s := db.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.entries[key]
	if !ok {
		return nil
	}
	return e.data
}

// Set stores value at key, replacing any previous entry. A positive expire
// schedules eviction after that duration; zero stores forever.
func (db DB) Set(key string, value []byte, expire time.Duration) {
	s := db.shared
	s.mu.Lock()

	id := s.state.nextID
	s.state.nextID++

	notify := false
	var expiresAt time.Time
	if expire > 0 {
		expiresAt = time.Now().Add(expire)

		// Wake the eviction worker only when this deadline precedes
		// everything it already tracks.
		if next, ok := s.state.expirations.Min(); !ok || expiresAt.Before(next.when) {
			notify = true
		}
		s.state.expirations.Set(expiration{when: expiresAt, id: id, key: key})
	}

	prev, existed := s.state.entries[key]
	s.state.entries[key] = entry{id: id, data: value, expiresAt: expiresAt}
	if existed && !prev.expiresAt.IsZero() {
		s.state.expirations.Delete(expiration{when: prev.expiresAt, id: prev.id})
	}

	s.mu.Unlock()

	if notify {
		s.notify()
	}
}

// Subscribe registers interest in a channel and returns a handle yielding
// the messages published from this moment on. The broadcaster is created
// lazily on first use.
func (db DB) Subscribe(channel string) *Subscription {
	s := db.shared
	s.mu.Lock()
	b, ok := s.state.pubsub[channel]
	if !ok {
		b = newBroadcaster()
		s.state.pubsub[channel] = b
	}
	s.mu.Unlock()

	return b.subscribe(channel)
}

// Publish fans message out to every current subscriber of channel and
// returns how many handles it was delivered to. Zero when the channel has
// no subscribers. Slow subscribers drop the message but still count.
func (db DB) Publish(channel string, message []byte) int {
	s := db.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.pubsub[channel]
	if !ok {
		return 0
	}
	return b.send(message)
}

// Shutdown stops the eviction worker. The data remains readable; further
// deadlines are no longer honored.
func (db DB) Shutdown() {
	s := db.shared
	s.mu.Lock()
	s.state.shutdown = true
	s.mu.Unlock()
	s.notify()
}

// notify posts a wake to the eviction worker. Non-blocking: a wake that is
// already pending absorbs this one.
func (s *shared) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// evictLoop runs until Shutdown. Each round removes every entry whose
// deadline has passed, then sleeps until the next deadline or a wake,
// whichever comes first.
func (s *shared) evictLoop() {
	for {
		when, ok, done := s.evictExpired()
		if done {
			return
		}
		if ok {
			timer := time.NewTimer(time.Until(when))
			select {
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
			}
		} else {
			<-s.wake
		}
	}
}

// evictExpired removes entries that are due and reports the next deadline,
// if any, plus whether shutdown was requested.
func (s *shared) evictExpired() (when time.Time, ok, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.shutdown {
		return time.Time{}, false, true
	}

	now := time.Now()
	for {
		next, exists := s.state.expirations.Min()
		if !exists {
			return time.Time{}, false, false
		}
		if next.when.After(now) {
			return next.when, true, false
		}
		s.state.expirations.Delete(next)
		delete(s.state.entries, next.key)
	}
}

package store

import (
	"fmt"
	"testing"
	"time"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := newBroadcaster()
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = b.subscribe("fan")
	}

	if n := b.send([]byte("payload")); n != 3 {
		t.Fatalf("send = %d, want 3", n)
	}
	for i, s := range subs {
		select {
		case got := <-s.C:
			if string(got) != "payload" {
				t.Fatalf("subscriber %d received %q", i, got)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestSubscriptionLag(t *testing.T) {
	b := newBroadcaster()
	slow := b.subscribe("busy")
	defer slow.Close()

	for i := 0; i < subscriptionBuf+10; i++ {
		if n := b.send([]byte(fmt.Sprintf("m%d", i))); n != 1 {
			t.Fatalf("send %d = %d subscribers, want 1", i, n)
		}
	}

	if got := slow.Dropped(); got != 10 {
		t.Fatalf("Dropped = %d, want 10", got)
	}

	// The handle survives the overflow: buffered messages arrive in order
	// and later publishes are received again once there is room.
	if got := <-slow.C; string(got) != "m0" {
		t.Fatalf("first buffered message = %q, want m0", got)
	}
	b.send([]byte("fresh"))
	for i := 1; i < subscriptionBuf; i++ {
		<-slow.C
	}
	select {
	case got := <-slow.C:
		if string(got) != "fresh" {
			t.Fatalf("post-lag message = %q, want fresh", got)
		}
	case <-time.After(time.Second):
		t.Fatal("post-lag message not delivered")
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	b := newBroadcaster()
	s := b.subscribe("once")
	s.Close()
	s.Close()

	if _, ok := <-s.C; ok {
		t.Fatal("C not closed")
	}
	if n := b.send([]byte("gone")); n != 0 {
		t.Fatalf("send after Close = %d, want 0", n)
	}
}

func TestCloseDrainsBufferedMessages(t *testing.T) {
	b := newBroadcaster()
	s := b.subscribe("tail")
	b.send([]byte("last"))
	s.Close()

	got, ok := <-s.C
	if !ok || string(got) != "last" {
		t.Fatalf("buffered message lost: %q ok=%v", got, ok)
	}
	if _, ok := <-s.C; ok {
		t.Fatal("C should be closed after the drain")
	}
}

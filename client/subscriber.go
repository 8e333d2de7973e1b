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

package client

import (
	"github.com/pkg/errors"

	"github.com/minikv/minikv/resp"
)

// Message is one pub/sub delivery received from the server.
type Message struct {
	Channel string
	Payload []byte
}

// Subscriber is a connection in subscribed mode. Messages pushed by the
// server arrive through NextMessage; the subscription set changes through
// Subscribe and Unsubscribe.
type Subscriber struct {
	conn       *resp.Conn
	subscribed map[string]struct{}

	// deliveries that arrived while a confirmation was awaited
	backlog []Message
}

// Channels returns the channels currently subscribed to.
func (s *Subscriber) Channels() []string {
	names := make([]string, 0, len(s.subscribed))
	for name := range s.subscribed {
		names = append(names, name)
	}
	return names
}

// Close tears the connection down.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}

// Subscribe adds channels to the subscription set and waits for the
// server's confirmations.
func (s *Subscriber) Subscribe(channels ...string) error {
	request := resp.Array{resp.Bulk("SUBSCRIBE")}
	for _, channel := range channels {
		request = append(request, resp.Bulk(channel))
	}
	if err := s.conn.WriteFrame(request); err != nil {
		return err
	}
	for _, channel := range channels {
		if err := s.awaitConfirmation("subscribe", channel); err != nil {
			return err
		}
		s.subscribed[channel] = struct{}{}
	}
	return nil
}

// Unsubscribe removes channels from the subscription set and waits for the
// confirmations. With no arguments it unsubscribes from everything.
func (s *Subscriber) Unsubscribe(channels ...string) error {
	request := resp.Array{resp.Bulk("UNSUBSCRIBE")}
	for _, channel := range channels {
		request = append(request, resp.Bulk(channel))
	}
	if err := s.conn.WriteFrame(request); err != nil {
		return err
	}

	if len(channels) == 0 {
		channels = s.Channels()
	}
	for range channels {
		channel, err := s.awaitAnyConfirmation("unsubscribe")
		if err != nil {
			return err
		}
		delete(s.subscribed, channel)
	}
	return nil
}

// NextMessage blocks until the server pushes the next delivery.
func (s *Subscriber) NextMessage() (Message, error) {
	if len(s.backlog) > 0 {
		msg := s.backlog[0]
		s.backlog = s.backlog[1:]
		return msg, nil
	}
	for {
		kind, channel, payload, err := s.readPush()
		if err != nil {
			return Message{}, err
		}
		if kind == "message" {
			return Message{Channel: channel, Payload: payload}, nil
		}
		// stray confirmation; nothing is awaiting it
	}
}

// awaitConfirmation reads pushes until the expected confirmation arrives,
// queueing message deliveries that interleave.
func (s *Subscriber) awaitConfirmation(kind, channel string) error {
	got, err := s.awaitAnyConfirmation(kind)
	if err != nil {
		return err
	}
	if got != channel {
		return errors.Errorf("%s confirmation for %q, want %q", kind, got, channel)
	}
	return nil
}

func (s *Subscriber) awaitAnyConfirmation(kind string) (string, error) {
	for {
		got, channel, payload, err := s.readPush()
		if err != nil {
			return "", err
		}
		if got == "message" {
			s.backlog = append(s.backlog, Message{Channel: channel, Payload: payload})
			continue
		}
		if got != kind {
			return "", errors.Errorf("push kind %q, want %q", got, kind)
		}
		return channel, nil
	}
}

// readPush decodes one pushed array: kind, channel, and the payload of a
// message. For a confirmation the payload is nil and the subscription count
// is discarded.
func (s *Subscriber) readPush() (kind, channel string, payload []byte, err error) {
	f, err := s.conn.ReadFrame()
	if err != nil {
		return "", "", nil, err
	}
	if e, ok := f.(resp.Error); ok {
		return "", "", nil, ServerError(e)
	}
	array, ok := f.(resp.Array)
	if !ok || len(array) != 3 {
		return "", "", nil, errors.Errorf("unexpected push %#v", f)
	}
	kindBulk, ok := array[0].(resp.Bulk)
	if !ok {
		return "", "", nil, errors.Errorf("unexpected push kind %#v", array[0])
	}
	channelBulk, ok := array[1].(resp.Bulk)
	if !ok {
		return "", "", nil, errors.Errorf("unexpected push channel %#v", array[1])
	}
	if p, ok := array[2].(resp.Bulk); ok {
		payload = p
	}
	return string(kindBulk), string(channelBulk), payload, nil
}

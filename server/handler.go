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

package server

import (
	"github.com/minikv/minikv/command"
	"github.com/minikv/minikv/resp"
	"github.com/minikv/minikv/store"
)

// handler owns one connection. It starts in normal mode, where every frame
// is one command and one reply, and flips into subscribed mode on the first
// SUBSCRIBE. Frames are pulled off the socket by a dedicated read pump so
// the main loop can also wait on pub/sub deliveries and shutdown.
type handler struct {
	db   store.DB
	conn *resp.Conn

	// closed by the listener to request a graceful finish
	shutdown <-chan struct{}

	// closed when the handler returns; releases the pump and forwarders
	done chan struct{}

	frames  chan resp.Frame
	readErr chan error
}

func (h *handler) run() error {
	defer close(h.done)

	h.frames = make(chan resp.Frame)
	h.readErr = make(chan error, 1)
	go h.readPump()

	for {
		select {
		case <-h.shutdown:
			return nil
		case err := <-h.readErr:
			return fatal(err)
		case f := <-h.frames:
			cmd, err := command.FromFrame(f)
			if err != nil {
				if err := h.replyParseError(err); err != nil {
					return err
				}
				continue
			}

			var reply resp.Frame
			switch cmd := cmd.(type) {
			case command.Get:
				if value := h.db.Get(cmd.Key); value != nil {
					reply = resp.Bulk(value)
				} else {
					reply = resp.Null{}
				}
			case command.Set:
				h.db.Set(cmd.Key, cmd.Value, cmd.Expire)
				reply = resp.Simple("OK")
			case command.Publish:
				n := h.db.Publish(cmd.Channel, cmd.Message)
				reply = resp.Integer(n)
			case command.Ping:
				reply = pong(cmd)
			case command.Subscribe:
				resume, err := h.subscribed(cmd.Channels)
				if err != nil || !resume {
					return err
				}
				continue
			case command.Unsubscribe:
				reply = resp.Error("ERR unsubscribe without an active subscription")
			case command.Unknown:
				reply = cmd.ErrorReply()
			}

			if err := h.conn.WriteFrame(reply); err != nil {
				return err
			}
		}
	}
}

// readPump feeds decoded frames to the mode loops. It quits on the first
// read error, or when the handler is gone.
func (h *handler) readPump() {
	for {
		f, err := h.conn.ReadFrame()
		if err != nil {
			select {
			case h.readErr <- err:
			case <-h.done:
			}
			return
		}
		select {
		case h.frames <- f:
		case <-h.done:
			return
		}
	}
}

// subscribed serves the connection while at least one subscription lives.
// It returns resume=true when the client unsubscribed from everything and
// the connection should continue in normal mode.
func (h *handler) subscribed(pending []string) (resume bool, err error) {
	subs := make(map[string]*store.Subscription)
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	// deliveries from every subscription funnel in here
	inbox := make(chan store.Message)

	for {
		for _, name := range pending {
			if _, ok := subs[name]; ok {
				// idempotent; the confirmation repeats the unchanged count
				if err := h.confirm("subscribe", name, len(subs)); err != nil {
					return false, err
				}
				continue
			}
			sub := h.db.Subscribe(name)
			subs[name] = sub
			go h.forward(sub, inbox)
			if err := h.confirm("subscribe", name, len(subs)); err != nil {
				return false, err
			}
		}
		pending = nil

		select {
		case <-h.shutdown:
			return false, nil
		case err := <-h.readErr:
			return false, fatal(err)
		case msg := <-inbox:
			if _, ok := subs[msg.Channel]; !ok {
				continue // unsubscribed while the delivery was in flight
			}
			push := resp.Array{resp.Bulk("message"), resp.Bulk(msg.Channel), resp.Bulk(msg.Payload)}
			if err := h.conn.WriteFrame(push); err != nil {
				return false, err
			}
		case f := <-h.frames:
			cmd, err := command.FromFrame(f)
			if err != nil {
				if err := h.replyParseError(err); err != nil {
					return false, err
				}
				continue
			}

			switch cmd := cmd.(type) {
			case command.Subscribe:
				pending = cmd.Channels
			case command.Unsubscribe:
				names := cmd.Channels
				if len(names) == 0 {
					names = make([]string, 0, len(subs))
					for name := range subs {
						names = append(names, name)
					}
				}
				for _, name := range names {
					if sub, ok := subs[name]; ok {
						sub.Close()
						delete(subs, name)
					}
					if err := h.confirm("unsubscribe", name, len(subs)); err != nil {
						return false, err
					}
				}
				if len(subs) == 0 {
					return true, nil
				}
			case command.Ping:
				if err := h.conn.WriteFrame(pong(cmd)); err != nil {
					return false, err
				}
			case command.Unknown:
				if cmd.Cmd == "quit" {
					return false, nil
				}
				if err := h.conn.WriteFrame(cmd.ErrorReply()); err != nil {
					return false, err
				}
			default:
				// GET, SET, PUBLISH: outside the subscribed vocabulary
				reply := command.Unknown{Cmd: cmd.Name()}.ErrorReply()
				if err := h.conn.WriteFrame(reply); err != nil {
					return false, err
				}
			}
		}
	}
}

// forward pumps one subscription into the shared inbox, tagging each
// payload with its channel. It exits when the subscription closes or the
// handler is gone.
func (h *handler) forward(sub *store.Subscription, inbox chan<- store.Message) {
	for payload := range sub.C {
		select {
		case inbox <- store.Message{Channel: sub.Channel(), Payload: payload}:
		case <-h.done:
			return
		}
	}
}

// confirm writes one subscribe or unsubscribe confirmation with the
// running subscription count.
func (h *handler) confirm(kind, channel string, count int) error {
	return h.conn.WriteFrame(resp.Array{resp.Bulk(kind), resp.Bulk(channel), resp.Integer(count)})
}

// replyParseError answers a malformed command with an error frame. Only
// ProtocolError is recoverable; anything else is already fatal.
func (h *handler) replyParseError(err error) error {
	pe, ok := err.(command.ProtocolError)
	if !ok {
		return err
	}
	return h.conn.WriteFrame(resp.Error(pe.Error()))
}

func pong(cmd command.Ping) resp.Frame {
	if cmd.Message == nil {
		return resp.Simple("PONG")
	}
	return resp.Bulk(cmd.Message)
}

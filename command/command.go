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

// Package command turns decoded frames into typed commands.
package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/minikv/minikv/resp"
)

// Command is one parsed client request. The concrete type carries the
// arguments; Name returns the lowercased command word for error replies.
type Command interface {
	Name() string
}

// Get asks for the value at Key.
type Get struct {
	Key string
}

// Set stores Value at Key. A positive Expire schedules eviction.
type Set struct {
	Key    string
	Value  []byte
	Expire time.Duration
}

// Publish fans Message out on Channel.
type Publish struct {
	Channel string
	Message []byte
}

// Subscribe switches the connection into subscribed mode, or extends the
// subscription set when already there.
type Subscribe struct {
	Channels []string
}

// Unsubscribe drops channels from the subscription set. An empty list
// means every currently subscribed channel.
type Unsubscribe struct {
	Channels []string
}

// Ping checks liveness. A nil Message gets the simple PONG reply, anything
// else is echoed back as a bulk.
type Ping struct {
	Message []byte
}

// Unknown is any command word the server does not implement. It is not a
// parse failure; the reply is an error frame naming the word.
type Unknown struct {
	Cmd string
}

func (Get) Name() string         { return "get" }
func (Set) Name() string         { return "set" }
func (Publish) Name() string     { return "publish" }
func (Subscribe) Name() string   { return "subscribe" }
func (Unsubscribe) Name() string { return "unsubscribe" }
func (Ping) Name() string        { return "ping" }
func (u Unknown) Name() string   { return u.Cmd }

// ErrorReply renders the reply for an unimplemented command word.
func (u Unknown) ErrorReply() resp.Error {
	return resp.Error(fmt.Sprintf("ERR unknown command '%s'", u.Cmd))
}

// FromFrame parses one decoded frame into a command. The frame must be an
// array whose first element is the command word; the remaining elements are
// consumed positionally. Shape violations come back as ProtocolError, which
// is non-fatal to the connection.
func FromFrame(f resp.Frame) (Command, error) {
	p, err := newParser(f)
	if err != nil {
		return nil, err
	}

	word, err := p.nextString()
	if err != nil {
		if err == errEndOfStream {
			return nil, ProtocolError("ERR protocol error: empty command array")
		}
		return nil, err
	}
	name := strings.ToLower(word)

	switch name {
	case "get":
		return parseGet(p)
	case "set":
		return parseSet(p)
	case "publish":
		return parsePublish(p)
	case "subscribe":
		return parseSubscribe(p)
	case "unsubscribe":
		return parseUnsubscribe(p)
	case "ping":
		return parsePing(p)
	}
	// Surplus arguments are irrelevant; the word alone makes the reply.
	return Unknown{Cmd: name}, nil
}

func parseGet(p *parser) (Command, error) {
	key, err := p.nextString()
	if err != nil {
		return nil, arity(err, "get")
	}
	if err := p.finish(); err != nil {
		return nil, arityError("get")
	}
	return Get{Key: key}, nil
}

func parseSet(p *parser) (Command, error) {
	key, err := p.nextString()
	if err != nil {
		return nil, arity(err, "set")
	}
	value, err := p.nextBytes()
	if err != nil {
		return nil, arity(err, "set")
	}

	cmd := Set{Key: key, Value: value}

	// Optional trailer: EX <seconds> or PX <millis>, uppercase, at most one.
	switch unit, err := p.nextString(); {
	case err == errEndOfStream:
	case err != nil:
		return nil, err
	case unit == "EX":
		secs, err := p.nextUint()
		if err != nil {
			return nil, arity(err, "set")
		}
		cmd.Expire = time.Duration(secs) * time.Second
	case unit == "PX":
		millis, err := p.nextUint()
		if err != nil {
			return nil, arity(err, "set")
		}
		cmd.Expire = time.Duration(millis) * time.Millisecond
	default:
		return nil, ProtocolError("ERR syntax error")
	}

	if err := p.finish(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func parsePublish(p *parser) (Command, error) {
	channel, err := p.nextString()
	if err != nil {
		return nil, arity(err, "publish")
	}
	message, err := p.nextBytes()
	if err != nil {
		return nil, arity(err, "publish")
	}
	if err := p.finish(); err != nil {
		return nil, arityError("publish")
	}
	return Publish{Channel: channel, Message: message}, nil
}

func parseSubscribe(p *parser) (Command, error) {
	// at least one channel
	channels := []string{}
	for {
		channel, err := p.nextString()
		if err == errEndOfStream {
			break
		}
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	if len(channels) == 0 {
		return nil, arityError("subscribe")
	}
	return Subscribe{Channels: channels}, nil
}

func parseUnsubscribe(p *parser) (Command, error) {
	// zero channels means all of them
	channels := []string{}
	for {
		channel, err := p.nextString()
		if err == errEndOfStream {
			break
		}
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	return Unsubscribe{Channels: channels}, nil
}

func parsePing(p *parser) (Command, error) {
	message, err := p.nextBytes()
	if err == errEndOfStream {
		return Ping{}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := p.finish(); err != nil {
		return nil, arityError("ping")
	}
	return Ping{Message: message}, nil
}

// arity converts argument exhaustion into the canonical arity error and
// passes other parse failures through.
func arity(err error, name string) error {
	if err == errEndOfStream {
		return arityError(name)
	}
	return err
}

func arityError(name string) error {
	return ProtocolError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
}

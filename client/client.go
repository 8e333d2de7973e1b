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

// Package client speaks the server's wire protocol over one connection.
// Methods are synchronous: one request, one reply. A Client is not safe for
// concurrent use.
package client

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/minikv/minikv/resp"
)

// ServerError is an error frame received from the server.
type ServerError string

func (e ServerError) Error() string {
	return fmt.Sprintf("server error %q", string(e))
}

// Client issues commands against a single server connection.
type Client struct {
	conn *resp.Conn
}

// Connect dials addr over TCP.
func Connect(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return New(conn), nil
}

// New wraps an established stream, which may be a std.CompStream when the
// server compresses.
func New(conn net.Conn) *Client {
	return &Client{conn: resp.NewConn(conn)}
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Get fetches the value stored at key. A missing key returns nil bytes and
// no error.
func (c *Client) Get(key string) ([]byte, error) {
	f, err := c.roundTrip(resp.Array{resp.Bulk("GET"), resp.Bulk(key)})
	if err != nil {
		return nil, err
	}
	switch f := f.(type) {
	case resp.Bulk:
		return f, nil
	case resp.Null:
		return nil, nil
	}
	return nil, errors.Errorf("GET: unexpected reply %#v", f)
}

// Set stores value at key.
func (c *Client) Set(key string, value []byte) error {
	return c.set(resp.Array{resp.Bulk("SET"), resp.Bulk(key), resp.Bulk(value)})
}

// SetExpires stores value at key and schedules its eviction. The duration
// is rounded down to whole milliseconds.
func (c *Client) SetExpires(key string, value []byte, expire time.Duration) error {
	millis := strconv.FormatInt(expire.Milliseconds(), 10)
	return c.set(resp.Array{
		resp.Bulk("SET"), resp.Bulk(key), resp.Bulk(value),
		resp.Bulk("PX"), resp.Bulk(millis),
	})
}

func (c *Client) set(request resp.Array) error {
	f, err := c.roundTrip(request)
	if err != nil {
		return err
	}
	if s, ok := f.(resp.Simple); ok && s == "OK" {
		return nil
	}
	return errors.Errorf("SET: unexpected reply %#v", f)
}

// Publish fans message out on channel and reports how many subscribers
// received it.
func (c *Client) Publish(channel string, message []byte) (uint64, error) {
	f, err := c.roundTrip(resp.Array{resp.Bulk("PUBLISH"), resp.Bulk(channel), resp.Bulk(message)})
	if err != nil {
		return 0, err
	}
	if n, ok := f.(resp.Integer); ok {
		return uint64(n), nil
	}
	return 0, errors.Errorf("PUBLISH: unexpected reply %#v", f)
}

// Ping checks the connection. Without a message the server answers PONG;
// with one it echoes the bytes.
func (c *Client) Ping(message []byte) ([]byte, error) {
	request := resp.Array{resp.Bulk("PING")}
	if message != nil {
		request = append(request, resp.Bulk(message))
	}
	f, err := c.roundTrip(request)
	if err != nil {
		return nil, err
	}
	switch f := f.(type) {
	case resp.Simple:
		return []byte(f), nil
	case resp.Bulk:
		return f, nil
	}
	return nil, errors.Errorf("PING: unexpected reply %#v", f)
}

// Subscribe switches the connection into subscribed mode. The Client must
// not be used for request/reply commands afterwards; the Subscriber owns
// the connection.
func (c *Client) Subscribe(channels ...string) (*Subscriber, error) {
	s := &Subscriber{conn: c.conn, subscribed: make(map[string]struct{})}
	if err := s.Subscribe(channels...); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) roundTrip(request resp.Array) (resp.Frame, error) {
	if err := c.conn.WriteFrame(request); err != nil {
		return nil, err
	}
	f, err := c.conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	if e, ok := f.(resp.Error); ok {
		return nil, ServerError(e)
	}
	return f, nil
}

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

package command

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/minikv/minikv/resp"
)

// ProtocolError is a reply-able command shape violation. The text goes to
// the client verbatim in an error frame; the connection keeps serving.
type ProtocolError string

func (e ProtocolError) Error() string { return string(e) }

// errEndOfStream marks exhaustion of the argument array. Commands with
// optional tails treat it as a terminator; everything else converts it into
// an arity error.
var errEndOfStream = errors.New("command: end of stream")

// parser walks the elements of a command array positionally.
type parser struct {
	parts resp.Array
	pos   int
}

func newParser(f resp.Frame) (*parser, error) {
	array, ok := f.(resp.Array)
	if !ok {
		return nil, ProtocolError("ERR protocol error: expected an array of arguments")
	}
	return &parser{parts: array}, nil
}

func (p *parser) next() (resp.Frame, error) {
	if p.pos >= len(p.parts) {
		return nil, errEndOfStream
	}
	f := p.parts[p.pos]
	p.pos++
	return f, nil
}

// nextString consumes a simple or bulk element as text.
func (p *parser) nextString() (string, error) {
	f, err := p.next()
	if err != nil {
		return "", err
	}
	switch f := f.(type) {
	case resp.Simple:
		return string(f), nil
	case resp.Bulk:
		return string(f), nil
	}
	return "", ProtocolError("ERR protocol error: expected a string argument")
}

// nextBytes consumes a simple or bulk element as raw bytes.
func (p *parser) nextBytes() ([]byte, error) {
	f, err := p.next()
	if err != nil {
		return nil, err
	}
	switch f := f.(type) {
	case resp.Simple:
		return []byte(f), nil
	case resp.Bulk:
		return []byte(f), nil
	}
	return nil, ProtocolError("ERR protocol error: expected a bulk argument")
}

// nextUint consumes an integer element. Bulk and simple digit strings are
// accepted as well; clients commonly send every argument as a bulk.
func (p *parser) nextUint() (uint64, error) {
	f, err := p.next()
	if err != nil {
		return 0, err
	}
	var s string
	switch f := f.(type) {
	case resp.Integer:
		return uint64(f), nil
	case resp.Simple:
		s = string(f)
	case resp.Bulk:
		s = string(f)
	default:
		return 0, ProtocolError("ERR value is not an integer or out of range")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, ProtocolError("ERR value is not an integer or out of range")
	}
	return v, nil
}

// finish asserts that every element was consumed.
func (p *parser) finish() error {
	if p.pos < len(p.parts) {
		return ProtocolError("ERR syntax error")
	}
	return nil
}

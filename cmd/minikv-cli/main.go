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

package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/urfave/cli"

	"github.com/minikv/minikv/client"
	"github.com/minikv/minikv/std"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "minikv-cli"
	myApp.Usage = "issue commands against a minikv server"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "host",
			Value: "127.0.0.1",
			Usage: "server hostname",
		},
		cli.StringFlag{
			Name:  "port",
			Value: "6379",
			Usage: "server port",
		},
		cli.BoolFlag{
			Name:  "comp",
			Usage: "compress the stream with snappy; must match the server",
		},
	}
	myApp.Commands = []cli.Command{
		{
			Name:      "get",
			Usage:     "get the value of key",
			ArgsUsage: "<key>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("usage: get <key>", 1)
				}
				kv, err := connect(c)
				if err != nil {
					return err
				}
				defer kv.Close()

				value, err := kv.Get(c.Args().Get(0))
				if err != nil {
					return err
				}
				printValue(value)
				return nil
			},
		},
		{
			Name:      "set",
			Usage:     "set key to hold the value, with an optional expiration in milliseconds",
			ArgsUsage: "<key> <value> [expiration-ms]",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 && c.NArg() != 3 {
					return cli.NewExitError("usage: set <key> <value> [expiration-ms]", 1)
				}
				kv, err := connect(c)
				if err != nil {
					return err
				}
				defer kv.Close()

				key, value := c.Args().Get(0), []byte(c.Args().Get(1))
				if c.NArg() == 3 {
					millis, err := strconv.ParseUint(c.Args().Get(2), 10, 63)
					if err != nil {
						return cli.NewExitError("expiration must be a positive number of milliseconds", 1)
					}
					err = kv.SetExpires(key, value, time.Duration(millis)*time.Millisecond)
					if err != nil {
						return err
					}
				} else if err := kv.Set(key, value); err != nil {
					return err
				}
				fmt.Println("OK")
				return nil
			},
		},
		{
			Name:      "publish",
			Usage:     "post a message to the channel",
			ArgsUsage: "<channel> <message>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return cli.NewExitError("usage: publish <channel> <message>", 1)
				}
				kv, err := connect(c)
				if err != nil {
					return err
				}
				defer kv.Close()

				n, err := kv.Publish(c.Args().Get(0), []byte(c.Args().Get(1)))
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			},
		},
		{
			Name:      "subscribe",
			Usage:     "listen on the channels and print messages as they arrive",
			ArgsUsage: "<channel>...",
			Action: func(c *cli.Context) error {
				if c.NArg() == 0 {
					return cli.NewExitError("usage: subscribe <channel>...", 1)
				}
				kv, err := connect(c)
				if err != nil {
					return err
				}
				defer kv.Close()

				sub, err := kv.Subscribe(c.Args()...)
				if err != nil {
					return err
				}
				for {
					msg, err := sub.NextMessage()
					if err != nil {
						return err
					}
					fmt.Printf("[%s] ", msg.Channel)
					printValue(msg.Payload)
				}
			},
		},
		{
			Name:      "ping",
			Usage:     "check the connection, optionally echoing a message",
			ArgsUsage: "[message]",
			Action: func(c *cli.Context) error {
				if c.NArg() > 1 {
					return cli.NewExitError("usage: ping [message]", 1)
				}
				kv, err := connect(c)
				if err != nil {
					return err
				}
				defer kv.Close()

				var message []byte
				if c.NArg() == 1 {
					message = []byte(c.Args().Get(0))
				}
				pong, err := kv.Ping(message)
				if err != nil {
					return err
				}
				printValue(pong)
				return nil
			},
		},
	}

	if err := myApp.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

// connect dials the server named by the global flags.
func connect(c *cli.Context) (*client.Client, error) {
	addr := net.JoinHostPort(c.GlobalString("host"), c.GlobalString("port"))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if c.GlobalBool("comp") {
		return client.New(std.NewCompStream(conn)), nil
	}
	return client.New(conn), nil
}

// printValue renders bytes the way redis-cli does: quoted when printable,
// hex escaped otherwise, (nil) for a missing value.
func printValue(value []byte) {
	switch {
	case value == nil:
		fmt.Println("(nil)")
	case utf8.Valid(value):
		fmt.Printf("%q\n", value)
	default:
		fmt.Printf("%x\n", value)
	}
}

package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/minikv/minikv/std"
)

// startServer runs a Server on an ephemeral port and returns its address.
// Shutdown happens during cleanup and must complete.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() {
		finished <- srv.Run(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-finished:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after shutdown")
		}
	})
	return lis.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, request string) {
	t.Helper()
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("write %q: %v", request, err)
	}
}

func expect(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	buf := make([]byte, len(want))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("awaiting %q: %v", want, err)
	}
	if got := string(buf); got != want {
		t.Fatalf("received %q, want %q", got, want)
	}
}

func TestGetMissingKey(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*2\r\n$3\r\nGET\r\n$5\r\nhello\r\n")
	expect(t, conn, "$-1\r\n")
}

func TestSetGet(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*3\r\n$3\r\nSET\r\n$5\r\nhello\r\n$5\r\nworld\r\n")
	expect(t, conn, "+OK\r\n")
	send(t, conn, "*2\r\n$3\r\nGET\r\n$5\r\nhello\r\n")
	expect(t, conn, "$5\r\nworld\r\n")
}

func TestSetWithExpiration(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*5\r\n$3\r\nSET\r\n$5\r\nhello\r\n$5\r\nworld\r\n+PX\r\n:200\r\n")
	expect(t, conn, "+OK\r\n")
	send(t, conn, "*2\r\n$3\r\nGET\r\n$5\r\nhello\r\n")
	expect(t, conn, "$5\r\nworld\r\n")

	time.Sleep(400 * time.Millisecond)
	send(t, conn, "*2\r\n$3\r\nGET\r\n$5\r\nhello\r\n")
	expect(t, conn, "$-1\r\n")
}

func TestSubscribeUnsubscribe(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*2\r\n$9\r\nsubscribe\r\n$5\r\nhello\r\n")
	expect(t, conn, "*3\r\n$9\r\nsubscribe\r\n$5\r\nhello\r\n:1\r\n")

	send(t, conn, "*2\r\n$11\r\nunsubscribe\r\n$5\r\nhello\r\n")
	expect(t, conn, "*3\r\n$11\r\nunsubscribe\r\n$5\r\nhello\r\n:0\r\n")

	// the connection is back in normal mode
	send(t, conn, "*3\r\n$3\r\nSET\r\n$5\r\nhello\r\n$5\r\nworld\r\n")
	expect(t, conn, "+OK\r\n")
}

func TestUnknownCommand(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*2\r\n$3\r\nFOO\r\n$5\r\nhello\r\n")
	expect(t, conn, "-ERR unknown command 'foo'\r\n")

	// non-fatal: the connection keeps serving
	send(t, conn, "*1\r\n$4\r\nPING\r\n")
	expect(t, conn, "+PONG\r\n")
}

func TestSubscribedModeRejectsDataCommands(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*2\r\n$9\r\nsubscribe\r\n$5\r\nhello\r\n")
	expect(t, conn, "*3\r\n$9\r\nsubscribe\r\n$5\r\nhello\r\n:1\r\n")

	send(t, conn, "*3\r\n$3\r\nSET\r\n$5\r\nhello\r\n$5\r\nworld\r\n")
	expect(t, conn, "-ERR unknown command 'set'\r\n")

	send(t, conn, "*2\r\n$3\r\nGET\r\n$5\r\nhello\r\n")
	expect(t, conn, "-ERR unknown command 'get'\r\n")

	// state must be unchanged
	send(t, conn, "*2\r\n$11\r\nunsubscribe\r\n$5\r\nhello\r\n")
	expect(t, conn, "*3\r\n$11\r\nunsubscribe\r\n$5\r\nhello\r\n:0\r\n")
	send(t, conn, "*2\r\n$3\r\nGET\r\n$5\r\nhello\r\n")
	expect(t, conn, "$-1\r\n")
}

func TestPublishToSubscriber(t *testing.T) {
	addr := startServer(t, new(Server))
	sub := dial(t, addr)
	pub := dial(t, addr)

	send(t, sub, "*2\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n")
	expect(t, sub, "*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n")

	send(t, pub, "*3\r\n$7\r\nPUBLISH\r\n$4\r\nnews\r\n$5\r\nhello\r\n")
	expect(t, pub, ":1\r\n")

	expect(t, sub, "*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$5\r\nhello\r\n")
}

func TestPublishCountsOnlyCurrentSubscribers(t *testing.T) {
	addr := startServer(t, new(Server))
	pub := dial(t, addr)

	send(t, pub, "*3\r\n$7\r\nPUBLISH\r\n$4\r\nnews\r\n$5\r\nhello\r\n")
	expect(t, pub, ":0\r\n")

	sub := dial(t, addr)
	send(t, sub, "*2\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n")
	expect(t, sub, "*3\r\n$9\r\nsubscribe\r\n$4\r\nnews\r\n:1\r\n")

	send(t, pub, "*3\r\n$7\r\nPUBLISH\r\n$4\r\nnews\r\n$5\r\nworld\r\n")
	expect(t, pub, ":1\r\n")
	// the late subscriber sees only the second message
	expect(t, sub, "*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$5\r\nworld\r\n")
}

func TestMultiChannelSubscription(t *testing.T) {
	addr := startServer(t, new(Server))
	sub := dial(t, addr)
	pub := dial(t, addr)

	send(t, sub, "*3\r\n$9\r\nsubscribe\r\n$1\r\na\r\n$1\r\nb\r\n")
	expect(t, sub, "*3\r\n$9\r\nsubscribe\r\n$1\r\na\r\n:1\r\n")
	expect(t, sub, "*3\r\n$9\r\nsubscribe\r\n$1\r\nb\r\n:2\r\n")

	// duplicate subscribe confirms without growing the set
	send(t, sub, "*2\r\n$9\r\nsubscribe\r\n$1\r\na\r\n")
	expect(t, sub, "*3\r\n$9\r\nsubscribe\r\n$1\r\na\r\n:2\r\n")

	send(t, pub, "*3\r\n$7\r\nPUBLISH\r\n$1\r\nb\r\n$2\r\nhi\r\n")
	expect(t, pub, ":1\r\n")
	expect(t, sub, "*3\r\n$7\r\nmessage\r\n$1\r\nb\r\n$2\r\nhi\r\n")

	// unsubscribing from everything returns the connection to normal mode
	send(t, sub, "*1\r\n$11\r\nunsubscribe\r\n")
	got := readConfirmations(t, sub, 2)
	if !got["*3\r\n$11\r\nunsubscribe\r\n$1\r\na\r\n"] || !got["*3\r\n$11\r\nunsubscribe\r\n$1\r\nb\r\n"] {
		t.Fatalf("unexpected confirmations %v", got)
	}
	send(t, sub, "*1\r\n$4\r\nPING\r\n")
	expect(t, sub, "+PONG\r\n")
}

// readConfirmations collects n unsubscribe confirmations whose order is not
// specified, stripping the trailing count lines.
func readConfirmations(t *testing.T, conn net.Conn, n int) map[string]bool {
	t.Helper()
	got := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		// *3, $11, unsubscribe, $1, <name>, :<count> — 33 bytes for one-byte names
		buf := make([]byte, 33)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatalf("awaiting confirmation %d: %v", i, err)
		}
		got[string(buf[:len(buf)-4])] = true
	}
	return got
}

func TestPingEcho(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*2\r\n$4\r\nPING\r\n$5\r\nhello\r\n")
	expect(t, conn, "$5\r\nhello\r\n")
}

func TestPingInSubscribedMode(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*2\r\n$9\r\nsubscribe\r\n$5\r\nhello\r\n")
	expect(t, conn, "*3\r\n$9\r\nsubscribe\r\n$5\r\nhello\r\n:1\r\n")
	send(t, conn, "*1\r\n$4\r\nPING\r\n")
	expect(t, conn, "+PONG\r\n")
}

func TestUnsubscribeInNormalMode(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*2\r\n$11\r\nunsubscribe\r\n$5\r\nhello\r\n")
	expect(t, conn, "-ERR unsubscribe without an active subscription\r\n")
}

func TestProtocolErrorKeepsServing(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*1\r\n$3\r\nGET\r\n")
	expect(t, conn, "-ERR wrong number of arguments for 'get' command\r\n")
	send(t, conn, "*1\r\n$4\r\nPING\r\n")
	expect(t, conn, "+PONG\r\n")
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "!nonsense\r\n")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("read after malformed frame = %v, want EOF", err)
	}
}

func TestPipelinedRequests(t *testing.T) {
	addr := startServer(t, new(Server))
	conn := dial(t, addr)

	send(t, conn, "*3\r\n$3\r\nSET\r\n$1\r\na\r\n$1\r\n1\r\n*3\r\n$3\r\nSET\r\n$1\r\nb\r\n$1\r\n2\r\n*2\r\n$3\r\nGET\r\n$1\r\na\r\n")
	expect(t, conn, "+OK\r\n+OK\r\n$1\r\n1\r\n")
}

func TestGracefulShutdown(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	srv := new(Server)
	go func() {
		finished <- srv.Run(ctx, lis)
	}()

	conn := dial(t, addr)
	send(t, conn, "*1\r\n$4\r\nPING\r\n")
	expect(t, conn, "+PONG\r\n")

	// also park a connection in subscribed mode
	sub := dial(t, addr)
	send(t, sub, "*2\r\n$9\r\nsubscribe\r\n$5\r\nhello\r\n")
	expect(t, sub, "*3\r\n$9\r\nsubscribe\r\n$5\r\nhello\r\n:1\r\n")

	cancel()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return; a handler is stuck")
	}

	// no new connections are accepted
	if c, err := net.Dial("tcp", addr); err == nil {
		c.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		if _, rerr := c.Read(buf); rerr == nil {
			t.Fatal("server accepted a connection after shutdown")
		}
		c.Close()
	}
}

func TestCompressedTransport(t *testing.T) {
	srv := &Server{Comp: true, Quiet: true}
	addr := startServer(t, srv)

	raw := dial(t, addr)
	conn := std.NewCompStream(raw)

	if _, err := conn.Write([]byte("*3\r\n$3\r\nSET\r\n$5\r\nhello\r\n$5\r\nworld\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "+OK\r\n" {
		t.Fatalf("received %q, want +OK", buf)
	}
}

package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kvredis/kvredis/internal/blocking"
	"github.com/kvredis/kvredis/internal/dispatch"
	"github.com/kvredis/kvredis/internal/pubsub"
	"github.com/kvredis/kvredis/internal/resp"
	"github.com/kvredis/kvredis/internal/store"
)

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	reg := blocking.New()
	ks := store.New()
	ks.SetWaiterHandoff(reg)
	hub := pubsub.New()
	exec := dispatch.New(ks, hub, reg, dispatch.Config{})

	s := New(Config{Addr: "127.0.0.1:0", ShutdownGrace: time.Second}, exec, hub, zerolog.Nop())
	require.NoError(t, s.Start())
	return s, func() { s.Shutdown() }
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	return conn
}

func sendCommand(t *testing.T, conn net.Conn, argv ...string) {
	t.Helper()
	elems := make([]resp.Value, len(argv))
	for i, a := range argv {
		elems[i] = resp.BulkFromString(a)
	}
	_, err := conn.Write(resp.Marshal(resp.Array(elems...)))
	require.NoError(t, err)
}

func readReply(t *testing.T, r *bufio.Reader) resp.Value {
	t.Helper()
	buf := make([]byte, 0, 512)
	scratch := make([]byte, 512)
	for {
		v, n, err := resp.Decode(buf)
		if err == nil {
			_ = n
			return v
		}
		k, rerr := r.Read(scratch)
		require.NoError(t, rerr)
		buf = append(buf, scratch[:k]...)
	}
}

func TestPingPongOverTCP(t *testing.T) {
	s, stop := newTestServer(t)
	defer stop()

	conn := dial(t, s)
	defer conn.Close()
	r := bufio.NewReader(conn)

	sendCommand(t, conn, "PING")
	v := readReply(t, r)
	require.Equal(t, resp.SimpleString("PONG"), v)
}

func TestSetGetOverTCP(t *testing.T) {
	s, stop := newTestServer(t)
	defer stop()

	conn := dial(t, s)
	defer conn.Close()
	r := bufio.NewReader(conn)

	sendCommand(t, conn, "SET", "k", "v")
	require.Equal(t, resp.SimpleString("OK"), readReply(t, r))

	sendCommand(t, conn, "GET", "k")
	require.Equal(t, resp.Bulk([]byte("v")), readReply(t, r))
}

func TestPublishDeliversToSubscribedConnection(t *testing.T) {
	s, stop := newTestServer(t)
	defer stop()

	sub := dial(t, s)
	defer sub.Close()
	subR := bufio.NewReader(sub)

	sendCommand(t, sub, "SUBSCRIBE", "news")
	ack := readReply(t, subR)
	require.Equal(t, resp.KindArray, ack.Kind)

	pub := dial(t, s)
	defer pub.Close()
	pubR := bufio.NewReader(pub)
	sendCommand(t, pub, "PUBLISH", "news", "hello")
	require.Equal(t, resp.Integer(1), readReply(t, pubR))

	msg := readReply(t, subR)
	require.Equal(t, resp.KindArray, msg.Kind)
	require.Len(t, msg.Elems, 3)
	require.Equal(t, resp.BulkFromString("message"), msg.Elems[0])
	require.Equal(t, resp.BulkFromString("news"), msg.Elems[1])
	require.Equal(t, resp.Bulk([]byte("hello")), msg.Elems[2])
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	s, stop := newTestServer(t)
	defer stop()

	conn := dial(t, s)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err := conn.Write([]byte("not-resp\r\n"))
	require.NoError(t, err)

	v := readReply(t, r)
	require.Equal(t, resp.KindError, v.Kind)
}

package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvredis/kvredis/internal/blocking"
	"github.com/kvredis/kvredis/internal/command"
	"github.com/kvredis/kvredis/internal/dispatch"
	"github.com/kvredis/kvredis/internal/pubsub"
	"github.com/kvredis/kvredis/internal/resp"
	"github.com/kvredis/kvredis/internal/store"
)

func newSession(id int64) (*Session, *pubsub.Hub) {
	reg := blocking.New()
	ks := store.New()
	ks.SetWaiterHandoff(reg)
	hub := pubsub.New()
	exec := dispatch.New(ks, hub, reg, dispatch.Config{})
	return New(id, exec, hub), hub
}

func TestNormalDispatchPassesThrough(t *testing.T) {
	s, _ := newSession(1)
	v := s.Handle(context.Background(), command.Command{Name: command.Ping})
	require.Equal(t, resp.SimpleString("PONG"), v)
	require.Equal(t, Normal, s.State())
}

func TestMultiQueuesThenExec(t *testing.T) {
	s, _ := newSession(1)
	v := s.Handle(context.Background(), command.Command{Name: command.Multi})
	require.Equal(t, resp.SimpleString("OK"), v)
	require.Equal(t, InTransaction, s.State())

	v = s.Handle(context.Background(), command.Command{Name: command.Set, Key: "a", Value: []byte("1")})
	require.Equal(t, resp.SimpleString("QUEUED"), v)

	v = s.Handle(context.Background(), command.Command{Name: command.Incr, Key: "a"})
	require.Equal(t, resp.SimpleString("QUEUED"), v)

	v = s.Handle(context.Background(), command.Command{Name: command.Exec})
	require.Equal(t, Normal, s.State())
	require.True(t, resp.Equal(resp.Array(resp.SimpleString("OK"), resp.Integer(2)), v))
}

func TestExecWithoutMultiIsError(t *testing.T) {
	s, _ := newSession(1)
	v := s.Handle(context.Background(), command.Command{Name: command.Exec})
	require.Equal(t, resp.KindError, v.Kind)
}

func TestDiscardWithoutMultiIsError(t *testing.T) {
	s, _ := newSession(1)
	v := s.Handle(context.Background(), command.Command{Name: command.Discard})
	require.Equal(t, resp.KindError, v.Kind)
}

func TestDiscardDropsQueue(t *testing.T) {
	s, _ := newSession(1)
	s.Handle(context.Background(), command.Command{Name: command.Multi})
	s.Handle(context.Background(), command.Command{Name: command.Set, Key: "a", Value: []byte("1")})
	v := s.Handle(context.Background(), command.Command{Name: command.Discard})
	require.Equal(t, resp.SimpleString("OK"), v)
	require.Equal(t, Normal, s.State())
}

func TestNestedMultiIsError(t *testing.T) {
	s, _ := newSession(1)
	s.Handle(context.Background(), command.Command{Name: command.Multi})
	v := s.Handle(context.Background(), command.Command{Name: command.Multi})
	require.Equal(t, resp.KindError, v.Kind)
}

func TestBlockingCommandRejectedInTransaction(t *testing.T) {
	s, _ := newSession(1)
	s.Handle(context.Background(), command.Command{Name: command.Multi})
	v := s.Handle(context.Background(), command.Command{Name: command.BLPop, Key: "q", Timeout: 1})
	require.Equal(t, resp.KindError, v.Kind)
}

func TestSubscribeEntersSubscribeModeAndRestrictsCommands(t *testing.T) {
	s, _ := newSession(1)
	v := s.Handle(context.Background(), command.Command{Name: command.Subscribe, Key: "news"})
	require.True(t, resp.Equal(resp.Array(
		resp.BulkFromString("subscribe"), resp.BulkFromString("news"), resp.Integer(1),
	), v))
	require.Equal(t, SubscribeMode, s.State())

	v = s.Handle(context.Background(), command.Command{Name: command.Get, Key: "x"})
	require.Equal(t, resp.KindError, v.Kind)

	v = s.Handle(context.Background(), command.Command{Name: command.Ping})
	require.True(t, resp.Equal(resp.Array(resp.BulkFromString("pong"), resp.BulkFromString("")), v))
}

func TestUnsubscribeToZeroReturnsToNormal(t *testing.T) {
	s, _ := newSession(1)
	s.Handle(context.Background(), command.Command{Name: command.Subscribe, Key: "news"})
	v := s.Handle(context.Background(), command.Command{Name: command.Unsubscribe, Key: "news"})
	require.True(t, resp.Equal(resp.Array(
		resp.BulkFromString("unsubscribe"), resp.BulkFromString("news"), resp.Integer(0),
	), v))
	require.Equal(t, Normal, s.State())
}

func TestMultiRejectedInSubscribeMode(t *testing.T) {
	s, _ := newSession(1)
	s.Handle(context.Background(), command.Command{Name: command.Subscribe, Key: "news"})
	v := s.Handle(context.Background(), command.Command{Name: command.Multi})
	require.Equal(t, resp.KindError, v.Kind)
}

func TestSubscribeQueuedInTransactionRunsAtExec(t *testing.T) {
	s, _ := newSession(1)
	s.Handle(context.Background(), command.Command{Name: command.Multi})
	s.Handle(context.Background(), command.Command{Name: command.Subscribe, Key: "news"})
	v := s.Handle(context.Background(), command.Command{Name: command.Exec})
	require.Equal(t, resp.KindArray, v.Kind)
	require.Equal(t, SubscribeMode, s.State())
}

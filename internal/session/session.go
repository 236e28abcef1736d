// Package session implements the per-connection state machine described
// in spec.md §4.9: Normal, InTransaction, and SubscribeMode, plus the
// MULTI/EXEC/DISCARD queue and the subscribe-mode command restriction.
// It owns no network I/O itself — internal/server drives it from the
// connection's read loop, the way the teacher's connection actor pattern
// separates state from transport in pump_read.go/pump_write.go.
package session

import (
	"context"

	"github.com/kvredis/kvredis/internal/command"
	"github.com/kvredis/kvredis/internal/dispatch"
	"github.com/kvredis/kvredis/internal/resp"
)

// State names the three connection states spec §4.9 defines.
type State int

const (
	Normal State = iota
	InTransaction
	SubscribeMode
)

// Session holds one connection's state machine: its transaction queue and
// subscribe-mode gating. It is owned exclusively by that connection's
// goroutine — no external synchronization is needed (spec §5).
type Session struct {
	ClientID int64

	state  State
	queue  []command.Command
	exec   *dispatch.Executor
	subHub subscriptionCounter
}

// subscriptionCounter is the slice of *pubsub.Hub the session needs: just
// enough to decide when SubscribeMode should end. Declared narrowly here
// so session doesn't need to import pubsub directly.
type subscriptionCounter interface {
	SubscriptionCount(clientID int64) int
}

// New returns a Session in the Normal state.
func New(clientID int64, exec *dispatch.Executor, hub subscriptionCounter) *Session {
	return &Session{ClientID: clientID, exec: exec, subHub: hub}
}

// State returns the session's current state, chiefly for tests.
func (s *Session) State() State { return s.state }

// Handle processes one parsed command and returns the reply to send. A
// command queued inside a transaction gets a QUEUED reply. BLPOP outside a
// transaction also returns its reply here — blocking happens inside dispatch.Exec, on
// the connection's own goroutine, matching spec §5's "no subsequent
// command is processed until the blocked reply is emitted"). ctx is the
// connection's lifetime context, cancelled by the caller when the
// connection closes so a blocked BLPOP unwinds instead of leaking.
func (s *Session) Handle(ctx context.Context, cmd command.Command) resp.Value {
	if s.state == SubscribeMode && !allowedInSubscribeMode(cmd.Name) {
		return resp.Errorf("ERR Can't execute '%s'", cmd.Name)
	}

	switch cmd.Name {
	case command.Multi:
		if s.state == InTransaction {
			return resp.Error("ERR MULTI calls can not be nested")
		}
		s.state = InTransaction
		s.queue = s.queue[:0]
		return resp.SimpleString("OK")

	case command.Discard:
		if s.state != InTransaction {
			return resp.Error("ERR DISCARD without MULTI")
		}
		s.state = Normal
		s.queue = nil
		return resp.SimpleString("OK")

	case command.Exec:
		if s.state != InTransaction {
			return resp.Error("ERR EXEC without MULTI")
		}
		return s.runTransaction(ctx)
	}

	if s.state == InTransaction {
		if cmd.IsBlocking() {
			return resp.Errorf("ERR %s is not allowed in transactions", cmd.Name)
		}
		s.queue = append(s.queue, cmd)
		return resp.SimpleString("QUEUED")
	}

	return s.dispatchOne(ctx, cmd)
}

// dispatchOne runs cmd through the executor and applies any state
// transition its result implies (subscribe mode entry/exit, PING's
// subscribe-mode reply shape).
func (s *Session) dispatchOne(ctx context.Context, cmd command.Command) resp.Value {
	if cmd.Name == command.Ping && s.state == SubscribeMode {
		return resp.Array(resp.BulkFromString("pong"), resp.BulkFromString(""))
	}

	v := s.exec.Exec(ctx, cmd, s.ClientID)

	switch cmd.Name {
	case command.Subscribe:
		s.state = SubscribeMode
	case command.Unsubscribe:
		if s.subHub.SubscriptionCount(s.ClientID) == 0 {
			s.state = Normal
		}
	}
	return v
}

func (s *Session) runTransaction(ctx context.Context) resp.Value {
	queued := s.queue
	s.queue = nil
	s.state = Normal

	results := make([]resp.Value, 0, len(queued))
	for _, cmd := range queued {
		results = append(results, s.dispatchOne(ctx, cmd))
	}
	return resp.ArrayFrom(results)
}

func allowedInSubscribeMode(n command.Name) bool {
	switch n {
	case command.Subscribe, command.Unsubscribe, command.Ping:
		return true
	default:
		return false
	}
}

// Close releases any resources the session owns (its hub subscriptions,
// per spec §3's "on destruction, all channel memberships must be removed
// from the hub"). The caller is responsible for providing the
// unsubscribe-all hook, since Session only holds the narrow
// subscriptionCounter interface.
func (s *Session) Close(unsubscribeAll func(clientID int64)) {
	if unsubscribeAll != nil {
		unsubscribeAll(s.ClientID)
	}
}

// Package server implements the TCP accept loop and per-connection
// goroutines described in spec.md §5: a reader and a writer goroutine per connection, a
// coarse keyspace lock shared across them, and a separate admin HTTP
// listener exposing /metrics and /healthz. It is grounded on the
// teacher's accept/shutdown loop (internal/shared/server.go) and its
// per-connection read/write pump split (pump_read.go/pump_write.go),
// adapted from a WebSocket frame loop to a RESP byte-stream loop.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kvredis/kvredis/internal/command"
	"github.com/kvredis/kvredis/internal/dispatch"
	"github.com/kvredis/kvredis/internal/metrics"
	"github.com/kvredis/kvredis/internal/pubsub"
	"github.com/kvredis/kvredis/internal/resp"
	"github.com/kvredis/kvredis/internal/session"
)

// Config carries the settings Server needs beyond its wired collaborators.
type Config struct {
	Addr           string
	AdminAddr      string // empty disables the admin HTTP listener
	MaxConnections int
	ConnRateBurst  int
	ConnRatePerSec float64
	ShutdownGrace  time.Duration
}

// Server accepts RESP connections and drives one session per connection.
// Grounded on the teacher's Server type (internal/shared/server.go):
// same listener/shutdown-flag/waitgroup shape, generalized from a
// WebSocket upgrade handler to a raw TCP accept loop.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	exec   *dispatch.Executor
	hub    *pubsub.Hub

	listener    net.Listener
	adminServer *http.Server

	connLimiter *rate.Limiter
	connSem     chan struct{}
	conns       sync.Map // net.Conn -> struct{}, for forced close on shutdown

	nextClientID int64

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// New returns a Server ready to Start. exec and hub must already be wired
// (keyspace, blocking registry, snapshot load all happen before this call).
func New(cfg Config, exec *dispatch.Executor, hub *pubsub.Hub, logger zerolog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.ConnRateBurst <= 0 {
		cfg.ConnRateBurst = 100
	}
	if cfg.ConnRatePerSec <= 0 {
		cfg.ConnRatePerSec = 50
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		logger:      logger,
		exec:        exec,
		hub:         hub,
		connLimiter: rate.NewLimiter(rate.Limit(cfg.ConnRatePerSec), cfg.ConnRateBurst),
		connSem:     make(chan struct{}, cfg.MaxConnections),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins listening and returns once the accept loop goroutine is
// running. It does not block; call Shutdown to stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("kvredis listening")

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", s.handleHealthz)
		s.adminServer = &http.Server{Addr: s.cfg.AdminAddr, Handler: mux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Msg("admin server error")
			}
		}()
		s.logger.Info().Str("addr", s.cfg.AdminAddr).Msg("admin listener started")
	}

	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok"}`)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return
			}
			s.logger.Error().Err(err).Msg("accept error")
			continue
		}

		if !s.connLimiter.Allow() {
			metrics.ConnectionRejected()
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection rejected: rate limit")
			conn.Close()
			continue
		}

		select {
		case s.connSem <- struct{}{}:
		default:
			metrics.ConnectionRejected()
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection rejected: max connections")
			conn.Close()
			continue
		}

		clientID := atomic.AddInt64(&s.nextClientID, 1)
		s.wg.Add(1)
		go s.serveConn(conn, clientID)
	}
}

// serveConn drives one connection end to end: decode-dispatch-encode on
// the read side, and a select-multiplexed write side that interleaves
// command replies with asynchronous pub/sub deliveries, matching the
// teacher's readPump/writePump split: the read side runs on this
// goroutine, the write side on a second one started here, whose select
// multiplexes the pub/sub mailbox instead of a keepalive ping, since RESP
// has no independent keepalive.
func (s *Server) serveConn(conn net.Conn, clientID int64) {
	defer func() {
		<-s.connSem
		s.wg.Done()
	}()

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)

	sess := session.New(clientID, s.exec, s.hub)
	defer sess.Close(s.hub.UnsubscribeAll)
	defer conn.Close()

	// connCtx bounds this connection's lifetime: cancelled as soon as its
	// read loop returns, so a goroutine parked in BLPOP on this connection's
	// behalf is released and its registry waiter reclaimed on disconnect,
	// rather than leaking until the process exits.
	connCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	mailbox := s.hub.Mailbox(clientID)
	out := make(chan resp.Value, 64)

	writerDone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(writerDone)
		s.writeLoop(conn, clientID, out, mailbox)
	}()

	s.readLoop(connCtx, conn, clientID, sess, out)
	cancel()
	// Closing out, rather than a separate done signal, guarantees any reply
	// already queued (e.g. a protocol-error reply written just before
	// readLoop returned) is delivered before writeLoop sees the close.
	close(out)
	<-writerDone
}

// readLoop decodes commands off the socket and pushes replies onto out.
// It never writes to conn directly, so writes stay serialized through
// writeLoop even while pub/sub deliveries are interleaved. ctx is this
// connection's lifetime context, passed through to sess.Handle so a
// blocking command's registry waiter is released on server shutdown or
// once this loop itself returns, instead of living past the connection.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, clientID int64, sess *session.Session, out chan<- resp.Value) {
	r := bufio.NewReaderSize(conn, 16*1024)
	buf := make([]byte, 0, 16*1024)
	scratch := make([]byte, 4096)

	for {
		argv, n, err := resp.DecodeCommand(buf)
		if err == nil {
			buf = buf[n:]
			cmd, perr := command.Parse(argv)
			var reply resp.Value
			if perr != nil {
				reply = resp.Errorf("ERR %s", perr.Error())
				metrics.RecordCommand("unknown", "error")
			} else {
				reply = sess.Handle(ctx, cmd)
				outcome := "ok"
				if reply.Kind == resp.KindError {
					outcome = "error"
				}
				metrics.RecordCommand(cmd.Name.String(), outcome)
			}
			select {
			case out <- reply:
			case <-s.ctx.Done():
				return
			}
			continue
		}
		if _, ok := err.(*resp.FramingError); ok {
			select {
			case out <- resp.Errorf("ERR Protocol error: %s", err.Error()):
			case <-s.ctx.Done():
			}
			return
		}

		// resp.ErrIncomplete: read more bytes and retry.
		n, rerr := r.Read(scratch)
		if n > 0 {
			buf = append(buf, scratch[:n]...)
		}
		if rerr != nil {
			return
		}
	}
}

// writeLoop owns the socket's write side exclusively: it multiplexes
// synchronous command replies against asynchronous pub/sub deliveries so
// neither can interleave a partial frame.
func (s *Server) writeLoop(conn net.Conn, clientID int64, out <-chan resp.Value, mailbox pubsub.Mailbox) {
	w := bufio.NewWriter(conn)
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return
			}
			w.Write(resp.Marshal(v))
			if err := w.Flush(); err != nil {
				return
			}
		case msg, ok := <-mailbox:
			if !ok {
				return
			}
			reply := resp.Array(
				resp.BulkFromString("message"),
				resp.BulkFromString(msg.Channel),
				resp.Bulk(msg.Payload),
			)
			w.Write(resp.Marshal(reply))
			if err := w.Flush(); err != nil {
				return
			}
			metrics.PubSubDelivered()
		case <-s.ctx.Done():
			return
		}
	}
}

// Shutdown stops accepting new connections, closes the admin listener,
// and waits up to the configured grace period for in-flight connections
// to finish, matching the teacher's drain-then-force-close shutdown
// (internal/shared/server.go Shutdown).
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("shutting down")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.adminServer.Shutdown(ctx)
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Info().Msg("all connections drained")
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn().Msg("shutdown grace period expired, force closing remaining connections")
		s.conns.Range(func(key, _ any) bool {
			key.(net.Conn).Close()
			return true
		})
		// Closing a socket does not wake a connection parked in BLPOP;
		// cancelling the server context releases its waiter.
		s.cancel()
		<-drained
	}

	s.cancel()
	return nil
}

// Package server implements the accepting side of the telemetry
// protocol: a TCP listener that speaks the line protocol with any
// number of producers and consumers, runs the challenge-response
// handshake when authentication is enabled, and dispatches writes and
// reads to a Handler. Malformed or unauthorized lines are dismissed,
// never answered.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/texie/texie/protocol"
	"github.com/texie/texie/utils"
)

const (
	// ReplyTimeout bounds a single response write to a peer.
	ReplyTimeout = 5 * time.Second

	// MaxLineLength caps inbound line size so a misbehaving peer
	// cannot grow the read buffer without bound.
	MaxLineLength = 64 * 1024
)

var (
	ErrAddressDuplicated = errors.New("the address already used")
	ErrAddressUnknown    = errors.New("address unknown")
)

type ServerOpt interface {
	Apply(s *Server)
}

// WithAuthBroker enables authentication: connections must complete
// the challenge-response handshake before writes and reads are
// accepted.
type WithAuthBroker struct {
	Broker *AuthBroker
}

func (o *WithAuthBroker) Apply(s *Server) {
	s.auth = o.Broker
}

// WithDefaultAccount sets the account attributed to connections on a
// server running without authentication. Relays use this for their
// producer-facing side.
type WithDefaultAccount struct {
	Account string
}

func (o *WithDefaultAccount) Apply(s *Server) {
	s.defaultAccount = o.Account
}

// conn is the per-connection state: identity, transport and the
// handshake progress.
type conn struct {
	name    string
	sock    net.Conn
	account string
	nonce   string
	authed  bool
}

type Server struct {
	wg      sync.WaitGroup
	log     utils.Logger
	handler Handler

	auth           *AuthBroker
	defaultAccount string

	conns   *xsync.MapOf[string, *conn]
	listens *xsync.MapOf[string, net.Listener]

	ctx       context.Context
	cancelCtx context.CancelFunc

	linesTotal     prometheus.Counter
	dismissedTotal prometheus.Counter
	writesTotal    prometheus.Counter
	readsTotal     prometheus.Counter
	authFailures   prometheus.Counter
}

func NewServer(log utils.Logger, handler Handler, opts ...ServerOpt) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		log:       log,
		handler:   handler,
		conns:     xsync.NewMapOf[string, *conn](),
		listens:   xsync.NewMapOf[string, net.Listener](),
		ctx:       ctx,
		cancelCtx: cancel,

		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texie", Subsystem: "server",
			Name: "lines_total", Help: "Inbound protocol lines received.",
		}),
		dismissedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texie", Subsystem: "server",
			Name: "dismissed_lines_total", Help: "Lines dropped as malformed or unauthorized.",
		}),
		writesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texie", Subsystem: "server",
			Name: "writes_total", Help: "Accepted stream writes.",
		}),
		readsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texie", Subsystem: "server",
			Name: "reads_total", Help: "Served stream reads.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "texie", Subsystem: "server",
			Name: "auth_failures_total", Help: "Rejected authentication attempts.",
		}),
	}
	for _, o := range opts {
		o.Apply(srv)
	}
	return srv
}

// Collectors returns the server's metrics for registration.
func (s *Server) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.linesTotal, s.dismissedTotal, s.writesTotal, s.readsTotal, s.authFailures,
	}
}

// Listen starts accepting connections on the address. Returns
// ErrAddressDuplicated if already listening on it.
func (s *Server) Listen(addr string) error {
	// nil keeps a second Listen out while the listener is created
	if _, ok := s.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}

	config := net.ListenConfig{}
	listener, err := config.Listen(s.ctx, "tcp", addr)
	if err != nil {
		s.listens.Delete(addr)
		return err
	}
	s.listens.Store(addr, listener)

	s.log.Info("server: listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		s.KeepListening(addr)
		s.wg.Done()
	}()

	return nil
}

func (s *Server) Unlisten(addr string) error {
	listener, ok := s.listens.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	return listener.Close()
}

// Addr reports the bound address of a listener, useful when
// listening on port 0.
func (s *Server) Addr(addr string) (net.Addr, error) {
	listener, ok := s.listens.Load(addr)
	if !ok || listener == nil {
		return nil, ErrAddressUnknown
	}
	return listener.Addr(), nil
}

func (s *Server) Close() error {
	s.cancelCtx()

	s.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			l.Close()
		}
		return true
	})
	s.listens.Clear()

	s.conns.Range(func(_ string, c *conn) bool {
		c.sock.Close()
		return true
	})
	s.conns.Clear()

	s.wg.Wait()
	return nil
}

// KeepListening accepts connections until the listener closes and
// spawns a serving goroutine per connection.
func (s *Server) KeepListening(addr string) {
	for s.ctx.Err() == nil {
		listener, ok := s.listens.Load(addr)
		if !ok || listener == nil {
			break
		}

		sock, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// reconnects are the peer's problem, just continue
			s.log.Error("server: couldn't accept", "addr", addr, "err", err)
			continue
		}

		remoteAddr := sock.RemoteAddr().String()
		name := fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remoteAddr)
		s.log.Info("server: accept connection", "addr", addr, "remoteAddr", remoteAddr)

		s.wg.Add(1)
		go func() {
			s.keepConn(name, sock)
			s.wg.Done()
		}()
	}

	if l, ok := s.listens.LoadAndDelete(addr); ok && l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("server: couldn't close listener", "addr", addr, "err", err)
		}
	}

	s.log.Info("server: listener closed", "addr", addr)
}

func (s *Server) keepConn(name string, sock net.Conn) {
	c := &conn{
		name:    name,
		sock:    sock,
		account: s.defaultAccount,
		authed:  s.auth == nil,
	}
	s.conns.Store(name, c)

	// the connection name travels with the context so every log
	// entry for this peer carries it
	cctx := utils.WithDefaultArgs(s.ctx, "name", name)

	scanner := bufio.NewScanner(sock)
	scanner.Buffer(make([]byte, 4096), MaxLineLength)
	for scanner.Scan() {
		s.handleLine(c, scanner.Text())
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		s.log.DebugCtx(cctx, "server: connection read failed", "err", err)
	}

	s.conns.Delete(name)
	sock.Close()
	s.log.InfoCtx(cctx, "server: connection closed", "account", c.account)
}

// handleLine parses and dispatches one inbound line. Anything the
// connection is not entitled to, and anything that does not parse, is
// dismissed with a debug log entry and a counter bump.
func (s *Server) handleLine(c *conn, line string) {
	s.linesTotal.Inc()

	cmd, err := protocol.ParseLine(line)
	if err != nil {
		s.dismiss(c, line, err.Error())
		return
	}

	switch req := cmd.(type) {
	case protocol.AuthChallengeRequest:
		if s.auth == nil {
			s.dismiss(c, line, "auth disabled")
			return
		}
		c.nonce = s.auth.NewNonce()
		s.reply(c, protocol.AuthChallenge{Nonce: c.nonce})

	case protocol.AuthResponse:
		if s.auth == nil || c.nonce == "" {
			s.dismiss(c, line, "no pending challenge")
			return
		}
		ok := s.auth.Verify(req.Account, c.nonce, req.Digest)
		c.nonce = ""
		if ok {
			c.account = req.Account
			c.authed = true
			s.log.Info("server: authenticated", "name", c.name, "account", c.account)
		} else {
			s.authFailures.Inc()
			s.log.Warn("server: auth rejected", "name", c.name, "account", req.Account)
		}
		s.reply(c, protocol.AuthResult{OK: ok})

	case protocol.WriteRequest:
		if !c.authed {
			s.dismiss(c, line, "not authenticated")
			return
		}
		if err := s.handler.HandleWrite(c.account, req); err != nil {
			s.log.Warn("server: write rejected", "name", c.name, "stream", req.Stream, "err", err)
			return
		}
		s.writesTotal.Inc()

	case protocol.ReadRequest:
		if !c.authed {
			s.dismiss(c, line, "not authenticated")
			return
		}
		value, has, err := s.handler.HandleRead(c.account, req.Stream)
		if err != nil {
			s.log.Error("server: read failed", "name", c.name, "stream", req.Stream, "err", err)
			has = false
		}
		s.readsTotal.Inc()
		s.reply(c, protocol.ReadResponse{Stream: req.Stream, Value: value, HasValue: has})

	default:
		// answer lines have no business arriving at a server
		s.dismiss(c, line, "unexpected answer line")
	}
}

func (s *Server) dismiss(c *conn, line, reason string) {
	s.dismissedTotal.Inc()
	s.log.Debug("server: dismissed line", "name", c.name, "line", line, "reason", reason)
}

func (s *Server) reply(c *conn, cmd protocol.Command) {
	_ = c.sock.SetWriteDeadline(time.Now().Add(ReplyTimeout))
	if _, err := c.sock.Write(protocol.Line(cmd)); err != nil {
		s.log.Debug("server: reply failed", "name", c.name, "err", err)
		c.sock.Close()
	}
}

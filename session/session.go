// Package session implements the calling side of the telemetry
// protocol: a TCP session that dials one of a set of endpoints,
// authenticates when an account is configured, and exposes stream
// reads and writes over a single-slot request/response matcher. The
// session owns its reconnect loop; callers only observe state changes.
package session

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/texie/texie/protocol"
	"github.com/texie/texie/utils"
)

const (
	// ReadPollPeriod bounds a single blocking read so the receive
	// loop can notice shutdown and feed keepalive state.
	ReadPollPeriod = 500 * time.Millisecond

	// WriteTimeout bounds a single send on the socket.
	WriteTimeout = 500 * time.Millisecond

	// ReconnectDelay is the pause between failed dial attempts.
	ReconnectDelay = 10 * time.Millisecond

	// WriteRetryDelay is the pause between send retries after a
	// transient timeout.
	WriteRetryDelay = 100 * time.Millisecond

	// DialTimeout bounds a single dial attempt.
	DialTimeout = 3 * time.Second
)

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrNoEndpoints    = errors.New("no endpoints configured")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrWriteTimeout   = errors.New("write retries exhausted")
	ErrClosed         = errors.New("session is closed")
)

// State is the connection lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateAuthFailed:
		return "auth failed"
	default:
		return "unknown"
	}
}

type SessionOpt interface {
	Apply(s *Session)
}

// WithAuth makes the session authenticate as the given account after
// every (re)connect. Without it the session goes straight to
// Connected, which is how relays run their upstream-facing peers by
// default.
type WithAuth struct {
	Account string
	Secret  string
}

func (o *WithAuth) Apply(s *Session) {
	s.account = o.Account
	s.secret = o.Secret
	s.authRequired = true
}

// WithReadTimeout bounds how long Read waits for a response. Zero
// means wait until the response arrives or the connection is lost,
// which is the desired behavior for interactive clients.
type WithReadTimeout struct {
	Timeout time.Duration
}

func (o *WithReadTimeout) Apply(s *Session) {
	s.readTimeout = o.Timeout
}

// WithWriteRetries retries a timed-out send the given number of extra
// times before giving up. Embedded producers typically run with zero
// retries and rely on the server's ingestion queue instead.
type WithWriteRetries struct {
	Retries int
}

func (o *WithWriteRetries) Apply(s *Session) {
	s.writeRetries = o.Retries
}

type WithLogger struct {
	Log utils.Logger
}

func (o *WithLogger) Apply(s *Session) {
	s.log = o.Log
}

// Session is a live connection to the telemetry fabric. All exported
// methods are safe for concurrent use; reads and writes are
// serialized internally because the wire protocol correlates at most
// one outstanding request.
type Session struct {
	log          utils.Logger
	endpoints    []string
	account      string
	secret       string
	authRequired bool
	readTimeout  time.Duration
	writeRetries int

	state atomic.Int32

	connLock sync.Mutex
	conn     net.Conn

	// reqLock serializes request/response exchanges and sends.
	reqLock sync.Mutex
	match   matcher

	reconnecting atomic.Bool
	closed       atomic.Bool
	closedCh     chan struct{}
	cancel       context.CancelFunc
	done         sync.WaitGroup
}

func NewSession(endpoints []string, opts ...SessionOpt) *Session {
	s := &Session{
		log:       utils.NewDefaultLogger(slog.LevelInfo),
		endpoints: endpoints,
		closedCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt.Apply(s)
	}
	return s
}

// Run starts the receive loop, which also owns connecting and
// reconnecting. It returns immediately; use State to observe
// progress.
func (s *Session) Run() error {
	if len(s.endpoints) == 0 {
		return ErrNoEndpoints
	}
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done.Add(1)
	go s.receiveLoop(ctx)
	return nil
}

// Close tears the session down and waits for the receive loop to
// exit. Safe to call more than once.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.closedCh)
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()
	s.done.Wait()
	s.setState(StateDisconnected)
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("session state change", "from", prev.String(), "to", st.String())
	}
}

func (s *Session) currentConn() net.Conn {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	return s.conn
}

func (s *Session) closeConn() {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// receiveLoop pumps inbound bytes, slices them into lines and feeds
// the matcher. It is also the sole owner of reconnection: any read
// failure other than a poll timeout drops the connection and dials
// again.
func (s *Session) receiveLoop(ctx context.Context) {
	defer s.done.Done()
	var acc bytes.Buffer
	var chunk [512]byte
	for ctx.Err() == nil {
		conn := s.currentConn()
		if conn == nil {
			acc.Reset()
			s.reconnect(ctx)
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(ReadPollPeriod))
		n, err := conn.Read(chunk[:])
		if n > 0 {
			acc.Write(chunk[:n])
			s.drainLines(&acc)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			s.log.Debug("session read failed", "error", err.Error())
			s.closeConn()
		}
	}
	s.match.abort()
}

func (s *Session) drainLines(acc *bytes.Buffer) {
	for {
		raw := acc.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return
		}
		line := string(bytes.TrimRight(raw[:idx], "\r"))
		acc.Next(idx + 1)
		if line != "" {
			s.match.deliver(line)
		}
	}
}

// reconnect dials endpoints until one accepts, then kicks off
// authentication when the session has an account. The guard makes
// concurrent entry a no-op so only one dial cycle runs at a time.
func (s *Session) reconnect(ctx context.Context) {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)
	s.setState(StateReconnecting)
	s.match.abort()
	for ctx.Err() == nil {
		s.setState(StateConnecting)
		endpoint := s.endpoints[rand.Intn(len(s.endpoints))]
		conn, err := net.DialTimeout("tcp", endpoint, DialTimeout)
		if err != nil {
			s.log.Debug("session dial failed", "endpoint", endpoint, "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(ReconnectDelay):
			}
			continue
		}
		s.connLock.Lock()
		s.conn = conn
		s.connLock.Unlock()
		if s.closed.Load() {
			s.closeConn()
			return
		}
		s.log.Debug("session connected", "endpoint", endpoint)
		if s.authRequired {
			// The receive loop has to resume pumping lines for the
			// handshake responses to arrive, so run it concurrently.
			// Close waits for the handshake goroutine too.
			s.done.Add(1)
			go func() {
				defer s.done.Done()
				if err := s.authenticate(); err != nil && !errors.Is(err, ErrClosed) {
					s.log.Error("session auth failed", "account", s.account, "error", err.Error())
				}
			}()
		} else {
			s.setState(StateConnected)
		}
		return
	}
}

// wait blocks for the armed response, or until Close is called. A
// close while waiting disarms the matcher so late lines get dismissed.
func (s *Session) wait(ch <-chan waitResult) (waitResult, error) {
	select {
	case res := <-ch:
		return res, nil
	case <-s.closedCh:
		s.match.disarm()
		return waitResult{}, ErrClosed
	}
}

// authenticate runs the challenge-response handshake: request a
// nonce, answer with the hex SHA1 of nonce plus secret, and read the
// verdict. A rejected digest parks the session in AuthFailed until
// the transport drops and a fresh cycle starts.
func (s *Session) authenticate() error {
	s.reqLock.Lock()
	defer s.reqLock.Unlock()
	s.setState(StateAuthenticating)

	ch := s.match.arm("AXH")
	if err := s.send(protocol.AuthChallengeRequest{}); err != nil {
		s.match.disarm()
		return err
	}
	res, err := s.wait(ch)
	if err != nil {
		return err
	}
	if res.status == waitLost {
		return ErrConnectionLost
	}
	nonce := res.line[len("AXH"):]

	sum := sha1.Sum([]byte(nonce + s.secret))
	digest := hex.EncodeToString(sum[:])
	ch = s.match.arm("AXA")
	if err := s.send(protocol.AuthResponse{Account: s.account, Digest: digest}); err != nil {
		s.match.disarm()
		return err
	}
	res, err = s.wait(ch)
	if err != nil {
		return err
	}
	if res.status == waitLost {
		return ErrConnectionLost
	}
	if res.line != "AXAok" {
		s.setState(StateAuthFailed)
		return ErrAuthFailed
	}
	s.setState(StateConnected)
	return nil
}

func (s *Session) send(cmd protocol.Command) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrConnectionLost
	}
	_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	_, err := conn.Write(protocol.Line(cmd))
	return err
}

// Write publishes a value to a stream. It does not wait for any
// acknowledgement; the protocol has none for writes. Transient send
// timeouts are retried per the configured retry count.
func (s *Session) Write(stream string, value protocol.Value) error {
	if !protocol.StreamSafe(stream) || !protocol.StreamSafe(value.Literal()) {
		return protocol.ErrBadChars
	}
	if !s.Connected() {
		return ErrConnectionLost
	}
	s.reqLock.Lock()
	defer s.reqLock.Unlock()
	req := protocol.WriteRequest{Stream: stream, Value: value}
	for attempt := 0; attempt <= s.writeRetries; attempt++ {
		err := s.send(req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return err
		}
		s.log.Debug("session write timed out", "stream", stream, "attempt", attempt+1)
		time.Sleep(WriteRetryDelay)
	}
	return ErrWriteTimeout
}

// Read requests the latest value of a stream. The second return is
// false when the server has no value for it, or when the configured
// read timeout elapsed without a response.
func (s *Session) Read(stream string) (protocol.Value, bool, error) {
	if !protocol.StreamSafe(stream) {
		return protocol.Value{}, false, protocol.ErrBadChars
	}
	if !s.Connected() {
		return protocol.Value{}, false, ErrConnectionLost
	}
	s.reqLock.Lock()
	defer s.reqLock.Unlock()

	ch := s.match.arm("AR" + stream + ":")
	if err := s.send(protocol.ReadRequest{Stream: stream}); err != nil {
		s.match.disarm()
		return protocol.Value{}, false, err
	}

	var res waitResult
	if s.readTimeout > 0 {
		select {
		case res = <-ch:
		case <-s.closedCh:
			s.match.disarm()
			return protocol.Value{}, false, ErrClosed
		case <-time.After(s.readTimeout):
			s.match.disarm()
			return protocol.Value{}, false, nil
		}
	} else {
		var err error
		res, err = s.wait(ch)
		if err != nil {
			return protocol.Value{}, false, err
		}
	}
	if res.status == waitLost {
		return protocol.Value{}, false, ErrConnectionLost
	}

	cmd, err := protocol.ParseLine(res.line)
	if err != nil {
		return protocol.Value{}, false, err
	}
	resp, ok := cmd.(protocol.ReadResponse)
	if !ok {
		return protocol.Value{}, false, protocol.ErrBadLine
	}
	return resp.Value, resp.HasValue, nil
}

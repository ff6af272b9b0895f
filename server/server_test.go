package server

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/texie/texie/protocol"
	"github.com/texie/texie/session"
	"github.com/texie/texie/utils"
)

// mapHandler records writes and serves reads from a map, keyed by
// account plus stream.
type mapHandler struct {
	mu     sync.Mutex
	values map[string]protocol.Value
	writes []string
}

func newMapHandler() *mapHandler {
	return &mapHandler{values: make(map[string]protocol.Value)}
}

func (h *mapHandler) HandleWrite(account string, req protocol.WriteRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values[account+"/"+req.Stream] = req.Value
	h.writes = append(h.writes, account+"/"+req.Stream+"="+req.Value.String())
	return nil
}

func (h *mapHandler) HandleRead(account string, stream string) (protocol.Value, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.values[account+"/"+stream]
	return v, ok, nil
}

type mapSecrets map[string]string

func (m mapSecrets) Secret(account string) (string, error) {
	s, ok := m[account]
	if !ok {
		return "", errors.New("unknown account")
	}
	return s, nil
}

func testLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func startServer(t *testing.T, handler Handler, opts ...ServerOpt) (*Server, string) {
	t.Helper()
	srv := NewServer(testLogger(), handler, opts...)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })
	addr, err := srv.Addr("127.0.0.1:0")
	require.NoError(t, err)
	return srv, addr.String()
}

// rawConn is a bare line-level client for poking at the server
// without the session machinery.
type rawConn struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawConn{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (r *rawConn) sendLine(line string) {
	r.t.Helper()
	_, err := r.conn.Write([]byte(line + "\n"))
	require.NoError(r.t, err)
}

func (r *rawConn) readLine() string {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := r.rd.ReadString('\n')
	require.NoError(r.t, err)
	return line[:len(line)-1]
}

func (r *rawConn) expectSilence() {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := r.rd.ReadByte()
	assert.Error(r.t, err)
}

func TestServerWriteRead(t *testing.T) {
	handler := newMapHandler()
	_, addr := startServer(t, handler, &WithDefaultAccount{Account: "open"})

	c := dialRaw(t, addr)
	c.sendLine("WItest/nummer1:42")
	c.sendLine("Rtest/nummer1")
	assert.Equal(t, "ARtest/nummer1:I42", c.readLine())

	c.sendLine("WFcabin/temp:21.5")
	c.sendLine("Rcabin/temp")
	assert.Equal(t, "ARcabin/temp:F21.5", c.readLine())
}

func TestServerReadAbsent(t *testing.T) {
	_, addr := startServer(t, newMapHandler())

	c := dialRaw(t, addr)
	c.sendLine("Rnever/written")
	assert.Equal(t, "ARnever/written:", c.readLine())
}

func TestServerDismissesMalformed(t *testing.T) {
	handler := newMapHandler()
	_, addr := startServer(t, handler)

	c := dialRaw(t, addr)
	c.sendLine("garbage")
	c.sendLine("WQbadkind:1")
	c.sendLine("W")
	c.expectSilence()

	// the connection survives dismissed lines
	c.sendLine("WItest:1")
	c.sendLine("Rtest")
	assert.Equal(t, "ARtest:I1", c.readLine())
}

func TestServerRequiresAuth(t *testing.T) {
	handler := newMapHandler()
	broker, err := NewAuthBroker(testLogger(), mapSecrets{"ground": "s3cret"})
	require.NoError(t, err)
	_, addr := startServer(t, handler, &WithAuthBroker{Broker: broker})

	c := dialRaw(t, addr)
	// unauthenticated traffic is dismissed silently
	c.sendLine("WItest:1")
	c.sendLine("Rtest")
	c.expectSilence()

	c.sendLine("XH")
	challenge := c.readLine()
	require.True(t, len(challenge) > 3 && challenge[:3] == "AXH")
	nonce := challenge[3:]
	assert.Len(t, nonce, NonceLength)

	sum := sha1.Sum([]byte(nonce + "s3cret"))
	c.sendLine("XAground:" + hex.EncodeToString(sum[:]))
	assert.Equal(t, "AXAok", c.readLine())

	c.sendLine("WItest:1")
	c.sendLine("Rtest")
	assert.Equal(t, "ARtest:I1", c.readLine())

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"ground/test=I1"}, handler.writes)
}

func TestServerRejectsBadDigest(t *testing.T) {
	broker, err := NewAuthBroker(testLogger(), mapSecrets{"ground": "s3cret"})
	require.NoError(t, err)
	_, addr := startServer(t, newMapHandler(), &WithAuthBroker{Broker: broker})

	c := dialRaw(t, addr)
	c.sendLine("XH")
	_ = c.readLine()
	c.sendLine("XAground:deadbeef")
	assert.Equal(t, "AXAfalse", c.readLine())

	// still unauthorized afterwards
	c.sendLine("Rtest")
	c.expectSilence()
}

func TestServerRejectsUnknownAccount(t *testing.T) {
	broker, err := NewAuthBroker(testLogger(), mapSecrets{})
	require.NoError(t, err)
	_, addr := startServer(t, newMapHandler(), &WithAuthBroker{Broker: broker})

	c := dialRaw(t, addr)
	c.sendLine("XH")
	challenge := c.readLine()
	sum := sha1.Sum([]byte(challenge[3:] + "whatever"))
	c.sendLine("XAnobody:" + hex.EncodeToString(sum[:]))
	assert.Equal(t, "AXAfalse", c.readLine())
}

func TestServerDismissesResponseWithoutChallenge(t *testing.T) {
	broker, err := NewAuthBroker(testLogger(), mapSecrets{"ground": "s3cret"})
	require.NoError(t, err)
	_, addr := startServer(t, newMapHandler(), &WithAuthBroker{Broker: broker})

	c := dialRaw(t, addr)
	c.sendLine("XAground:deadbeef")
	c.expectSilence()
}

func TestServerAccountIsolation(t *testing.T) {
	handler := newMapHandler()
	broker, err := NewAuthBroker(testLogger(), mapSecrets{"a": "pa", "b": "pb"})
	require.NoError(t, err)
	_, addr := startServer(t, handler, &WithAuthBroker{Broker: broker})

	authed := func(account, secret string) *rawConn {
		c := dialRaw(t, addr)
		c.sendLine("XH")
		nonce := c.readLine()[3:]
		sum := sha1.Sum([]byte(nonce + secret))
		c.sendLine("XA" + account + ":" + hex.EncodeToString(sum[:]))
		require.Equal(t, "AXAok", c.readLine())
		return c
	}

	ca := authed("a", "pa")
	cb := authed("b", "pb")

	ca.sendLine("WItemp:1")
	cb.sendLine("Rtemp")
	assert.Equal(t, "ARtemp:", cb.readLine())
	ca.sendLine("Rtemp")
	assert.Equal(t, "ARtemp:I1", ca.readLine())
}

// The session package and the server speak the same dialect end to
// end, including the handshake.
func TestServerWithSession(t *testing.T) {
	handler := newMapHandler()
	broker, err := NewAuthBroker(testLogger(), mapSecrets{"ground": "s3cret"})
	require.NoError(t, err)
	_, addr := startServer(t, handler, &WithAuthBroker{Broker: broker})

	sess := session.NewSession([]string{addr},
		&session.WithAuth{Account: "ground", Secret: "s3cret"},
		&session.WithLogger{Log: testLogger()})
	require.NoError(t, sess.Run())
	defer sess.Close()
	require.Eventually(t, sess.Connected, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.Write("deck/pressure", protocol.Float(101.3)))
	require.Eventually(t, func() bool {
		_, ok, err := sess.Read("deck/pressure")
		return err == nil && ok
	}, 3*time.Second, 10*time.Millisecond)

	v, ok, err := sess.Read("deck/pressure")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 101.3, v.Float())
}

func TestAuthBrokerNonce(t *testing.T) {
	broker, err := NewAuthBroker(testLogger(), mapSecrets{})
	require.NoError(t, err)
	a, b := broker.NewNonce(), broker.NewNonce()
	assert.Len(t, a, NonceLength)
	assert.NotEqual(t, a, b)
	for _, r := range a {
		assert.Contains(t, nonceAlphabet, string(r))
	}
}

func TestAuthBrokerVerify(t *testing.T) {
	broker, err := NewAuthBroker(testLogger(), mapSecrets{"ground": "s3cret"})
	require.NoError(t, err)

	nonce := broker.NewNonce()
	sum := sha1.Sum([]byte(nonce + "s3cret"))
	digest := hex.EncodeToString(sum[:])

	assert.True(t, broker.Verify("ground", nonce, digest))
	assert.False(t, broker.Verify("ground", nonce, "deadbeef"))
	assert.False(t, broker.Verify("nobody", nonce, digest))

	// cached secret keeps verifying after the source stops knowing it
	broker.Forget("ground")
	assert.True(t, broker.Verify("ground", nonce, digest))
}

// Package relay implements the groundstation role: a server facing
// local producers and consumers, backed by an upstream session to the
// central hub. Every write and read is forwarded verbatim; the relay
// holds no data of its own. Local peers connect without credentials
// by default, the relay authenticates upstream with its own account.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/texie/texie/protocol"
	"github.com/texie/texie/server"
	"github.com/texie/texie/session"
	"github.com/texie/texie/utils"
)

const (
	DefaultHeartbeatStream = "relay/heartbeat"
	DefaultHeartbeatPeriod = 30 * time.Second
)

type RelayOpt interface {
	Apply(r *Relay)
}

// WithHeartbeat overrides the stream and period of the liveness
// beacon. An empty stream disables it.
type WithHeartbeat struct {
	Stream string
	Period time.Duration
}

func (o *WithHeartbeat) Apply(r *Relay) {
	r.heartbeatStream = o.Stream
	if o.Period > 0 {
		r.heartbeatPeriod = o.Period
	}
}

// WithDownstreamAuth makes local peers authenticate too. Off by
// default; a relay normally trusts its own network segment.
type WithDownstreamAuth struct {
	Broker *server.AuthBroker
}

func (o *WithDownstreamAuth) Apply(r *Relay) {
	r.broker = o.Broker
}

type WithLogger struct {
	Log utils.Logger
}

func (o *WithLogger) Apply(r *Relay) {
	r.log = o.Log
}

type Relay struct {
	log    utils.Logger
	broker *server.AuthBroker

	srv *server.Server
	up  *session.Session

	heartbeatStream string
	heartbeatPeriod time.Duration

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// NewRelay wires a relay that forwards to the given upstream
// endpoints. With a non-empty account the upstream session runs the
// full handshake after every reconnect.
func NewRelay(log utils.Logger, upstream []string, account, secret string, opts ...RelayOpt) *Relay {
	r := &Relay{
		log:             log,
		heartbeatStream: DefaultHeartbeatStream,
		heartbeatPeriod: DefaultHeartbeatPeriod,
	}
	for _, o := range opts {
		o.Apply(r)
	}

	sessOpts := []session.SessionOpt{&session.WithLogger{Log: r.log}}
	if account != "" {
		sessOpts = append(sessOpts, &session.WithAuth{Account: account, Secret: secret})
	}
	r.up = session.NewSession(upstream, sessOpts...)

	srvOpts := []server.ServerOpt{}
	if r.broker != nil {
		srvOpts = append(srvOpts, &server.WithAuthBroker{Broker: r.broker})
	}
	r.srv = server.NewServer(r.log, r, srvOpts...)

	return r
}

// Server exposes the downstream listener, e.g. for metrics
// registration or bound-address lookup in tests.
func (r *Relay) Server() *server.Server { return r.srv }

// Upstream exposes the hub-facing session.
func (r *Relay) Upstream() *session.Session { return r.up }

// Run starts the downstream listener on addr and the upstream
// session. It returns once both are started; forwarding runs in the
// background until Close.
func (r *Relay) Run(addr string) error {
	if err := r.srv.Listen(addr); err != nil {
		return err
	}
	if err := r.up.Run(); err != nil {
		_ = r.srv.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if r.heartbeatStream != "" {
		r.done.Add(1)
		go func() {
			defer r.done.Done()
			r.keepHeartbeat(ctx)
		}()
	}
	return nil
}

func (r *Relay) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.done.Wait()
	err := r.srv.Close()
	r.up.Close()
	return err
}

// HandleWrite forwards a local write upstream. A write that cannot be
// forwarded is dropped; local producers never block on the uplink.
func (r *Relay) HandleWrite(account string, req protocol.WriteRequest) error {
	return r.up.Write(req.Stream, req.Value)
}

// HandleRead forwards a read and relays whatever the hub answers,
// absent values included. With the uplink down the read reports no
// value rather than failing the local connection.
func (r *Relay) HandleRead(account string, stream string) (protocol.Value, bool, error) {
	value, ok, err := r.up.Read(stream)
	if err != nil {
		r.log.Debug("relay: upstream read failed", "stream", stream, "err", err.Error())
		return protocol.Value{}, false, nil
	}
	return value, ok, err
}

// keepHeartbeat publishes the relay clock upstream so the hub can
// tell a silent segment from a dead uplink.
func (r *Relay) keepHeartbeat(ctx context.Context) {
	t := time.NewTicker(r.heartbeatPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			beat := protocol.Float(float64(time.Now().UnixMilli()) / 1000)
			if err := r.up.Write(r.heartbeatStream, beat); err != nil {
				r.log.Debug("relay: heartbeat skipped", "err", err.Error())
			}
		}
	}
}

package server

import "github.com/texie/texie/protocol"

// Handler receives the telemetry operations a connection was
// authorized for. The account is the authenticated account name, or
// the server's default account when the server runs without
// authentication.
type Handler interface {
	// HandleWrite accepts a published stream value. It must not
	// block; slow persistence belongs behind a queue.
	HandleWrite(account string, req protocol.WriteRequest) error

	// HandleRead resolves the latest value of a stream. The second
	// return is false when the stream has no value.
	HandleRead(account string, stream string) (protocol.Value, bool, error)
}

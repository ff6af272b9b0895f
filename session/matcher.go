package session

import (
	"strings"
	"sync"
)

type waitStatus int

const (
	waitReceived waitStatus = iota
	waitLost
)

// waitResult is the explicit outcome of a response wait: either the
// matched line arrived, or the connection died while waiting. A
// pending wait is represented by the channel not having fired yet.
type waitResult struct {
	status waitStatus
	line   string
}

// matcher is the single-slot request/response correlator. The protocol
// has no request ids; a caller arms the matcher with the expected
// response prefix before sending, and the receive loop feeds every
// completed line through deliver. Only one outstanding wait is
// supported; callers are serialized by the session's request lock.
type matcher struct {
	lock   sync.Mutex
	prefix string
	ch     chan waitResult
}

// arm registers the expected prefix and returns the channel the
// result will arrive on.
func (m *matcher) arm(prefix string) <-chan waitResult {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.prefix = prefix
	m.ch = make(chan waitResult, 1)
	return m.ch
}

// disarm forgets the outstanding wait, e.g. after a local timeout.
func (m *matcher) disarm() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.prefix = ""
	m.ch = nil
}

// deliver hands a completed inbound line to the waiter if its prefix
// matches. Unmatched lines are discarded.
func (m *matcher) deliver(line string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.ch == nil || !strings.HasPrefix(line, m.prefix) {
		return
	}
	m.ch <- waitResult{status: waitReceived, line: line}
	m.prefix = ""
	m.ch = nil
}

// abort wakes the waiter with a connection-lost result. Called by the
// receive loop when the transport drops.
func (m *matcher) abort() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.ch == nil {
		return
	}
	m.ch <- waitResult{status: waitLost}
	m.prefix = ""
	m.ch = nil
}

// Package protocol implements the TeXie line protocol: newline-framed
// UTF-8 commands for typed stream reads and writes plus the
// challenge-response authentication handshake.
//
// One command per line. The grammar, with T one of I/F/B/S and CHARS
// the set of letters, digits and "()_.-/ ":
//
//	write-req   = "W" T stream ":" value
//	read-req    = "R" stream
//	read-resp   = "AR" stream ":" [ T value ]
//	auth-chal   = "XH"
//	auth-chal-r = "AXH" nonce
//	auth-resp   = "XA" account ":" digest
//	auth-ok     = "AXAok"
//	auth-fail   = "AXAfalse"
//
// A read response with nothing after the colon means the stream has no
// value yet. The colon is the only field separator and therefore
// excluded from CHARS.
package protocol

import (
	"errors"
	"strings"
)

var (
	ErrBadLine  = errors.New("line does not match the protocol grammar")
	ErrBadChars = errors.New("stream or value contains forbidden characters")
)

// Command is one decoded protocol line.
type Command interface {
	// AppendLine appends the wire form of the command, including the
	// trailing newline, and returns the extended slice.
	AppendLine(buf []byte) []byte
}

type WriteRequest struct {
	Stream string
	Value  Value
}

type ReadRequest struct {
	Stream string
}

type ReadResponse struct {
	Stream   string
	Value    Value
	HasValue bool
}

type AuthChallengeRequest struct{}

type AuthChallenge struct {
	Nonce string
}

type AuthResponse struct {
	Account string
	Digest  string
}

type AuthResult struct {
	OK bool
}

func (w WriteRequest) AppendLine(buf []byte) []byte {
	buf = append(buf, 'W', byte(w.Value.Kind()))
	buf = append(buf, w.Stream...)
	buf = append(buf, ':')
	buf = append(buf, w.Value.Literal()...)
	return append(buf, '\n')
}

func (r ReadRequest) AppendLine(buf []byte) []byte {
	buf = append(buf, 'R')
	buf = append(buf, r.Stream...)
	return append(buf, '\n')
}

func (r ReadResponse) AppendLine(buf []byte) []byte {
	buf = append(buf, 'A', 'R')
	buf = append(buf, r.Stream...)
	buf = append(buf, ':')
	if r.HasValue {
		buf = append(buf, byte(r.Value.Kind()))
		buf = append(buf, r.Value.Literal()...)
	}
	return append(buf, '\n')
}

func (AuthChallengeRequest) AppendLine(buf []byte) []byte {
	return append(buf, 'X', 'H', '\n')
}

func (a AuthChallenge) AppendLine(buf []byte) []byte {
	buf = append(buf, 'A', 'X', 'H')
	buf = append(buf, a.Nonce...)
	return append(buf, '\n')
}

func (a AuthResponse) AppendLine(buf []byte) []byte {
	buf = append(buf, 'X', 'A')
	buf = append(buf, a.Account...)
	buf = append(buf, ':')
	buf = append(buf, a.Digest...)
	return append(buf, '\n')
}

func (a AuthResult) AppendLine(buf []byte) []byte {
	if a.OK {
		return append(buf, "AXAok\n"...)
	}
	return append(buf, "AXAfalse\n"...)
}

// Line is a convenience wrapper around AppendLine.
func Line(cmd Command) []byte {
	return cmd.AppendLine(nil)
}

// StreamSafe reports whether s is non-empty and uses only the allowed
// charset.
func StreamSafe(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !safeChar(s[i]) {
			return false
		}
	}
	return true
}

func safeChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '(', c == ')', c == '_', c == '.', c == '-', c == '/', c == ' ':
		return true
	}
	return false
}

// ParseLine decodes one protocol line. The line must not contain the
// newline terminator; a trailing "\r" is tolerated and stripped.
func ParseLine(line string) (Command, error) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return nil, ErrBadLine
	}

	switch line[0] {
	case 'W':
		if len(line) < 4 {
			return nil, ErrBadLine
		}
		kind := Kind(line[1])
		if !kind.Valid() {
			return nil, ErrBadLine
		}
		stream, literal, ok := strings.Cut(line[2:], ":")
		if !ok || !StreamSafe(stream) || !StreamSafe(literal) {
			return nil, ErrBadChars
		}
		value, err := ParseValue(kind, literal)
		if err != nil {
			return nil, err
		}
		return WriteRequest{Stream: stream, Value: value}, nil

	case 'R':
		stream := line[1:]
		if !StreamSafe(stream) {
			return nil, ErrBadChars
		}
		return ReadRequest{Stream: stream}, nil

	case 'X':
		if line == "XH" {
			return AuthChallengeRequest{}, nil
		}
		if len(line) > 2 && line[1] == 'A' {
			account, digest, ok := strings.Cut(line[2:], ":")
			if !ok || !StreamSafe(account) || !StreamSafe(digest) {
				return nil, ErrBadChars
			}
			return AuthResponse{Account: account, Digest: digest}, nil
		}
		return nil, ErrBadLine

	case 'A':
		return parseAnswer(line)
	}

	return nil, ErrBadLine
}

func parseAnswer(line string) (Command, error) {
	switch {
	case line == "AXAok":
		return AuthResult{OK: true}, nil
	case line == "AXAfalse":
		return AuthResult{OK: false}, nil
	case strings.HasPrefix(line, "AXH"):
		nonce := line[3:]
		if !StreamSafe(nonce) {
			return nil, ErrBadChars
		}
		return AuthChallenge{Nonce: nonce}, nil
	case strings.HasPrefix(line, "AR"):
		stream, payload, ok := strings.Cut(line[2:], ":")
		if !ok || !StreamSafe(stream) {
			return nil, ErrBadChars
		}
		if payload == "" {
			return ReadResponse{Stream: stream}, nil
		}
		kind := Kind(payload[0])
		if !kind.Valid() {
			return nil, ErrUnknownKind
		}
		value, err := ParseValue(kind, payload[1:])
		if err != nil {
			return nil, err
		}
		return ReadResponse{Stream: stream, Value: value, HasValue: true}, nil
	}
	return nil, ErrBadLine
}

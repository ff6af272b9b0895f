package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind is the single-character wire tag of a typed value.
type Kind byte

const (
	KindInt   Kind = 'I'
	KindFloat Kind = 'F'
	KindBool  Kind = 'B'
	KindText  Kind = 'S'
)

var ErrUnknownKind = errors.New("unknown value kind")

func (k Kind) Valid() bool {
	switch k {
	case KindInt, KindFloat, KindBool, KindText:
		return true
	}
	return false
}

// Value is a tagged union over the four wire types. The zero Value is
// not valid; construct through Int/Float/Bool/Text or ParseValue.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
}

func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Text(v string) Value   { return Value{kind: KindText, s: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Int() int64     { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) Bool() bool     { return v.b }
func (v Value) Text() string   { return v.s }

// ParseValue builds a Value from a wire tag and its literal.
func ParseValue(kind Kind, literal string) (Value, error) {
	switch kind {
	case KindInt:
		i, err := strconv.ParseInt(literal, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q", ErrBadLine, literal)
		}
		return Int(i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q", ErrBadLine, literal)
		}
		return Float(f), nil
	case KindBool:
		switch literal {
		case "True", "true", "1":
			return Bool(true), nil
		case "False", "false", "0":
			return Bool(false), nil
		}
		return Value{}, fmt.Errorf("%w: %q", ErrBadLine, literal)
	case KindText:
		return Text(literal), nil
	}
	return Value{}, ErrUnknownKind
}

// Literal renders the value the way it travels on the wire, without
// the kind tag.
func (v Value) Literal() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		if v.b {
			return "True"
		}
		return "False"
	case KindText:
		return v.s
	}
	return ""
}

func (v Value) String() string {
	if !v.kind.Valid() {
		return "?"
	}
	return string(v.kind) + v.Literal()
}

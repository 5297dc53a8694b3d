package kvstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// InlineSize is the largest value stored without a heap buffer.
const InlineSize = 8

// MaxValueLen is the largest value the cache accepts.
const MaxValueLen = 2048

// ValueKind is the type tag of an entry.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindInt32
	KindUint32
	KindString
)

func (k ValueKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// storage holds entry bytes either inline or on the heap.
type storage interface {
	bytes() []byte
}

type inline struct {
	buf [InlineSize]byte
	n   uint8
}

func (s *inline) bytes() []byte {
	return s.buf[:s.n]
}

type heap struct {
	buf []byte
}

func (s *heap) bytes() []byte {
	return s.buf
}

// entry is one table slot. It is never removed, only cleared to KindNone.
type entry struct {
	kind  ValueKind
	data  storage
	dirty bool

	// loaded is set once a credential key was fetched from the store.
	loaded bool
}

func (e *entry) bytes() []byte {
	if e.data == nil {
		return nil
	}
	return e.data.bytes()
}

// store replaces the entry contents. Values that fit inline drop any heap
// buffer; larger values reuse the heap buffer when it is big enough.
func (e *entry) store(kind ValueKind, b []byte) {
	e.kind = kind
	if len(b) <= InlineSize {
		s := &inline{n: uint8(len(b))}
		copy(s.buf[:], b)
		e.data = s
		return
	}

	if h, ok := e.data.(*heap); ok && cap(h.buf) >= len(b) {
		h.buf = h.buf[:len(b)]
		copy(h.buf, b)
		return
	}
	e.data = &heap{buf: append([]byte(nil), b...)}
}

func (e *entry) clear() {
	e.kind = KindNone
	e.data = nil
}

// inlined reports whether the value is held without a heap buffer.
func (e *entry) inlined() bool {
	_, ok := e.data.(*inline)
	return ok || e.data == nil
}

// Value is a copy of an entry handed to callers.
type Value struct {
	Kind  ValueKind
	Data  []byte
	Dirty bool
}

// Empty reports whether the value holds no data.
func (v Value) Empty() bool {
	return v.Kind == KindNone || len(v.Data) == 0
}

// String returns the value as text.
func (v Value) String() string {
	switch v.Kind {
	case KindInt32:
		if n, err := v.Int32(); err == nil {
			return fmt.Sprintf("%d", n)
		}
	case KindUint32:
		if n, err := v.Uint32(); err == nil {
			return fmt.Sprintf("%d", n)
		}
	}
	return string(v.Data)
}

// Int32 decodes an Int32 value.
func (v Value) Int32() (int32, error) {
	if v.Kind != KindInt32 || len(v.Data) != 4 {
		return 0, fmt.Errorf("%w: %s value is not int32", ErrKindMismatch, v.Kind)
	}
	return int32(binary.LittleEndian.Uint32(v.Data)), nil
}

// Uint32 decodes a Uint32 value.
func (v Value) Uint32() (uint32, error) {
	if v.Kind != KindUint32 || len(v.Data) != 4 {
		return 0, fmt.Errorf("%w: %s value is not uint32", ErrKindMismatch, v.Kind)
	}
	return binary.LittleEndian.Uint32(v.Data), nil
}

// Printable reports whether the value is text safe to show on a terminal:
// printable ASCII plus CR and LF.
func (v Value) Printable() bool {
	for _, c := range bytes.TrimRight(v.Data, "\x00") {
		if (c < 0x20 || c > 0x7e) && c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}

package internal

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrInvalidID = errors.New("invalid id")
	ErrZeroID    = errors.New("id must not be zero")
)

// TraceID is a 128-bit trace identifier split into two 64-bit halves.
// Most carriers only transport Low; High travels out of band when set.
type TraceID struct {
	High uint64
	Low  uint64
}

// NewTraceID generates a new random trace ID.
func NewTraceID() TraceID {
	var b [16]byte
	rand.Read(b[:])
	id := TraceID{
		High: binary.BigEndian.Uint64(b[:8]),
		Low:  binary.BigEndian.Uint64(b[8:]),
	}
	if id.Low == 0 {
		id.Low = 1
	}
	return id
}

// NewSpanID generates a new random, non-zero span ID.
func NewSpanID() uint64 {
	var b [8]byte
	rand.Read(b[:])
	id := binary.BigEndian.Uint64(b[:])
	if id == 0 {
		return 1
	}
	return id
}

// IsZero returns true if both halves are zero.
func (t TraceID) IsZero() bool {
	return t.High == 0 && t.Low == 0
}

// String returns the 32 character lowercase hex form.
func (t TraceID) String() string {
	return fmt.Sprintf("%016x%016x", t.High, t.Low)
}

// TraceIDFromHex parses a 32 character hex trace ID.
func TraceIDFromHex(s string) (TraceID, error) {
	if len(s) != 32 {
		return TraceID{}, ErrInvalidID
	}
	high, err := Uint64FromHex(s[:16])
	if err != nil {
		return TraceID{}, err
	}
	low, err := Uint64FromHex(s[16:])
	if err != nil {
		return TraceID{}, err
	}
	return TraceID{High: high, Low: low}, nil
}

// Uint64FromHex parses a 16 character hex value.
func Uint64FromHex(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, ErrInvalidID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidID
	}
	return binary.BigEndian.Uint64(b), nil
}

// SpanIDHex returns the 16 character lowercase hex form of a span ID.
func SpanIDHex(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

// ParseDecimalID parses an unsigned decimal id. Signs, whitespace and zero are rejected.
func ParseDecimalID(s string) (uint64, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, ErrInvalidID
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, ErrInvalidID
	}
	if id == 0 {
		return 0, ErrZeroID
	}
	return id, nil
}

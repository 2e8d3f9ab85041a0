package repo

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// A TID is a 13 character, string-sortable encoding of a 64 bit value:
// microseconds since the Unix epoch shifted left by 10, with a 10 bit clock
// identifier in the low bits.
const (
	tidLen      = 13
	tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"
	clockIDBits = 10
	clockIDMask = 1<<clockIDBits - 1
)

var tidIndex = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(tidAlphabet); i++ {
		idx[tidAlphabet[i]] = int8(i)
	}
	return idx
}()

// FormatTID encodes v.
func FormatTID(v uint64) string {
	var out [tidLen]byte
	for i := tidLen - 1; i >= 0; i-- {
		out[i] = tidAlphabet[v&31]
		v >>= 5
	}
	return string(out[:])
}

// ParseTID decodes s.
func ParseTID(s string) (uint64, error) {
	if len(s) != tidLen {
		return 0, fmt.Errorf("%w: %q has length %d", ErrInvalidTID, s, len(s))
	}
	// 13 digits carry 65 bits; the first may only use the low four
	if tidIndex[s[0]] >= 16 {
		return 0, fmt.Errorf("%w: %q overflows 64 bits", ErrInvalidTID, s)
	}
	var v uint64
	for i := 0; i < tidLen; i++ {
		d := tidIndex[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTID, s)
		}
		v = v<<5 | uint64(d)
	}
	return v, nil
}

// TIDTime returns the wall-clock time encoded in a TID.
func TIDTime(s string) (time.Time, error) {
	v, err := ParseTID(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(int64(v >> clockIDBits)).UTC(), nil
}

// TIDClock mints strictly increasing TIDs, also when the wall clock stalls
// or steps backwards. It is safe for concurrent use.
type TIDClock struct {
	clockID uint64
	now     func() time.Time
	last    atomic.Uint64
}

// NewTIDClock uses the low 10 bits of clockID.
func NewTIDClock(clockID uint16) *TIDClock {
	return &TIDClock{clockID: uint64(clockID) & clockIDMask, now: time.Now}
}

// NewRandomTIDClock picks a random clock identifier.
func NewRandomTIDClock() *TIDClock {
	return NewTIDClock(uint16(rand.IntN(clockIDMask + 1)))
}

// Next returns a TID greater than any this clock returned before.
func (c *TIDClock) Next() string {
	return FormatTID(c.next(0))
}

// NextAfter returns a TID that also sorts after prev. An empty prev
// behaves like Next.
func (c *TIDClock) NextAfter(prev string) (string, error) {
	if prev == "" {
		return c.Next(), nil
	}
	floor, err := ParseTID(prev)
	if err != nil {
		return "", err
	}
	return FormatTID(c.next(floor)), nil
}

// next returns a value above both floor and the last value handed out.
func (c *TIDClock) next(floor uint64) uint64 {
	for {
		last := c.last.Load()
		us := uint64(c.now().UnixMicro())
		if bound := max(last, floor) >> clockIDBits; us <= bound {
			us = bound + 1
		}
		v := us<<clockIDBits | c.clockID
		if c.last.CompareAndSwap(last, v) {
			return v
		}
	}
}

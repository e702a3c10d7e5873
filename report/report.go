// Package report assembles the space-delimited key:value payload sent uplink.
package report

import (
	"errors"
	"math"
	"strconv"

	"github.com/mklimuk/sensornode"
)

// Capacity is the fixed size of the report buffer.
const Capacity = 1024

var ErrOverflow = errors.New("report buffer overflow")

// Report is an append-only text buffer backed by a fixed array. Every
// fragment is followed by a single space.
type Report struct {
	buf [Capacity]byte
	n   int
	// scratch for formatting a single fragment
	frag [128]byte
}

// Reset empties the report.
func (r *Report) Reset() {
	r.n = 0
}

func (r *Report) Len() int {
	return r.n
}

func (r *Report) Empty() bool {
	return r.n == 0
}

// appendField formats one field as a fragment into dst.
func appendField(dst []byte, f sensornode.Field) []byte {
	dst = append(dst, f.Key...)
	switch f.Kind {
	case sensornode.FixedPoint:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, int64(math.Round(f.Value*100)), 10)
	case sensornode.Integer:
		dst = append(dst, ':')
		dst = strconv.AppendInt(dst, f.Count, 10)
	case sensornode.Label:
		dst = append(dst, ':', ' ')
		dst = append(dst, f.Text...)
	}
	return append(dst, ' ')
}

// Append formats fields and appends them as one unit. When they do not all
// fit, nothing is written and ErrOverflow is returned.
func (r *Report) Append(fields ...sensornode.Field) error {
	total := 0
	for _, f := range fields {
		frag := appendField(r.frag[:0], f)
		total += len(frag)
	}
	if r.n+total > Capacity {
		return ErrOverflow
	}
	for _, f := range fields {
		frag := appendField(r.frag[:0], f)
		r.n += copy(r.buf[r.n:], frag)
	}
	return nil
}

// Payload returns the report bytes. The slice aliases the internal buffer
// and is only valid until the next Reset or Append.
func (r *Report) Payload() []byte {
	return r.buf[:r.n]
}

// Line returns a copy of the report terminated with CRLF for trace output.
func (r *Report) Line() string {
	return string(r.buf[:r.n]) + "\r\n"
}

func (r *Report) String() string {
	return string(r.buf[:r.n])
}

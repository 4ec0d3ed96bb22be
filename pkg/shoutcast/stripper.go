package shoutcast

import (
	"io"
	"strconv"
	"strings"
)

// MetaBlockUnit is the multiplier applied to the metadata length byte.
const MetaBlockUnit = 16

// MetaState tracks where a byte stream is relative to its ICY metadata frames.
//
// Exactly one of BytesUntilMeta and MetaRemaining counts down at a time. When
// BytesUntilMeta reaches zero the next byte is the metadata length byte; the
// state stays at zero across a chunk boundary until that byte arrives.
type MetaState struct {
	MetaInt        int
	BytesUntilMeta int
	MetaRemaining  int
}

// NewMetaState returns the state for a fresh upstream body. A metaInt of zero
// or less disables stripping.
func NewMetaState(metaInt int) MetaState {
	if metaInt < 0 {
		metaInt = 0
	}
	return MetaState{
		MetaInt:        metaInt,
		BytesUntilMeta: metaInt,
	}
}

// Enabled reports whether the state strips anything at all.
func (s MetaState) Enabled() bool {
	return s.MetaInt > 0
}

// Strip appends the audio bytes of chunk to dst and returns the extended
// slice along with the number of bytes discarded (length bytes included).
// Contiguous audio ranges are appended in one copy each.
func (s *MetaState) Strip(dst, chunk []byte) ([]byte, int) {
	if !s.Enabled() {
		return append(dst, chunk...), 0
	}

	var skipped int
	for off := 0; off < len(chunk); {
		if s.MetaRemaining > 0 {
			n := min(s.MetaRemaining, len(chunk)-off)
			s.MetaRemaining -= n
			off += n
			skipped += n
			continue
		}

		if s.BytesUntilMeta == 0 {
			s.MetaRemaining = int(chunk[off]) * MetaBlockUnit
			s.BytesUntilMeta = s.MetaInt
			off++
			skipped++
			continue
		}

		n := min(s.BytesUntilMeta, len(chunk)-off)
		dst = append(dst, chunk[off:off+n]...)
		s.BytesUntilMeta -= n
		off += n
	}

	return dst, skipped
}

// ParseMetaInt reads an icy-metaint header value. Missing or malformed values
// disable stripping.
func ParseMetaInt(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Reader strips ICY metadata from an underlying body.
type Reader struct {
	r       io.Reader
	state   MetaState
	buf     []byte
	skipped int64
}

// NewReader wraps r, removing the metadata frames announced every metaInt
// bytes. bufSize bounds how much is read from r per call.
func NewReader(r io.Reader, metaInt, bufSize int) *Reader {
	if bufSize <= 0 {
		bufSize = 16 * 1024
	}
	return &Reader{
		r:     r,
		state: NewMetaState(metaInt),
		buf:   make([]byte, bufSize),
	}
}

// Read implements io.Reader. A read that yields only metadata is not surfaced
// as (0, nil); Read keeps going until audio or an error arrives.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		want := min(len(p), len(r.buf))
		n, err := r.r.Read(r.buf[:want])
		if n > 0 {
			// Audio never outgrows the input, so p has room for it.
			out, skipped := r.state.Strip(p[:0], r.buf[:n])
			r.skipped += int64(skipped)
			if len(out) > 0 || err != nil {
				return len(out), err
			}
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

// Skipped returns the number of metadata bytes discarded so far.
func (r *Reader) Skipped() int64 {
	return r.skipped
}

package dialect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/zachfi/icyrelay/pkg/shoutcast"
	"github.com/zachfi/icyrelay/pkg/target"
)

// LegacyDialer talks to origins whose responses net/http cannot frame: a
// bare "ICY 200 OK" status line, or no status line at all.
type LegacyDialer struct {
	cfg Config
}

var _ Dialer = (*LegacyDialer)(nil)

func NewLegacy(cfg Config) *LegacyDialer {
	return &LegacyDialer{cfg: cfg.withDefaults()}
}

func (d *LegacyDialer) Dialect() Dialect { return Legacy }

// Dial writes a minimal HTTP/1.0 request line and splits whatever comes back
// into an optional header block and the audio body. When no header block is
// recognised, everything read is body and Header is nil.
func (d *LegacyDialer) Dial(ctx context.Context, t target.StreamTarget, opts target.RequestOptions) (*Response, error) {
	conn, err := dialConn(ctx, d.cfg, t, opts.TLS)
	if err != nil {
		return nil, classify(Legacy, err)
	}

	_ = conn.SetDeadline(time.Now().Add(d.cfg.ResponseHeaderTimeout))
	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.0\r\n\r\n", t.RequestURI()); err != nil {
		_ = conn.Close()
		return nil, classify(Legacy, err)
	}

	head, err := readLegacyHead(conn, d.cfg.HeaderLimit)
	if err != nil {
		_ = conn.Close()
		return nil, classify(Legacy, err)
	}
	_ = conn.SetDeadline(time.Time{})

	if head.status >= 400 || (head.header != nil && !shoutcast.LooksLikeAudio(head.header)) {
		_ = conn.Close()
		return nil, &Error{
			Dialect:    Legacy,
			Kind:       KindNonAudio,
			StatusCode: head.status,
			Err:        fmt.Errorf("status line %q", head.statusLine),
		}
	}

	conn.r = io.MultiReader(bytes.NewReader(head.rest), conn.Conn)

	status := head.status
	if status == 0 {
		status = http.StatusOK
	}

	return &Response{
		Dialect:    Legacy,
		StatusCode: status,
		Header:     head.header,
		Body:       conn,
	}, nil
}

type legacyHead struct {
	statusLine string
	status     int
	header     http.Header
	rest       []byte
}

// readLegacyHead reads until a blank line ends the header block, the limit is
// reached, or the first bytes show there is no status line at all.
func readLegacyHead(r io.Reader, limit int) (legacyHead, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)

	for {
		n, err := r.Read(tmp)
		buf = append(buf, tmp[:n]...)

		if len(buf) > 0 && !maybeStatusLine(buf) {
			return legacyHead{rest: buf}, nil
		}

		if end, sep := headerEnd(buf); end >= 0 {
			h := parseLegacyHeader(buf[:end])
			h.rest = buf[end+sep:]
			return h, nil
		}

		if len(buf) >= limit {
			return legacyHead{rest: buf}, nil
		}

		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return legacyHead{rest: buf}, nil
			}
			if err == io.EOF {
				return legacyHead{}, fmt.Errorf("%w before any data", io.ErrUnexpectedEOF)
			}
			return legacyHead{}, err
		}
	}
}

var statusPrefixes = [][]byte{[]byte("ICY "), []byte("HTTP/")}

// maybeStatusLine reports whether buf starts, or could still start, with a
// status line.
func maybeStatusLine(buf []byte) bool {
	for _, p := range statusPrefixes {
		n := min(len(buf), len(p))
		if bytes.EqualFold(buf[:n], p[:n]) {
			return true
		}
	}
	return false
}

// headerEnd finds the blank line ending a header block, tolerating bare LF.
func headerEnd(buf []byte) (int, int) {
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return i, 4
	}
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return i, 2
	}
	return -1, 0
}

func parseLegacyHeader(block []byte) legacyHead {
	lines := strings.Split(string(block), "\n")

	h := legacyHead{
		statusLine: strings.TrimSpace(lines[0]),
		status:     http.StatusOK,
		header:     make(http.Header),
	}

	if fields := strings.Fields(h.statusLine); len(fields) >= 2 {
		if code, err := strconv.Atoi(fields[1]); err == nil {
			h.status = code
		}
	}

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		h.header.Add(textproto.CanonicalMIMEHeaderKey(key), strings.TrimSpace(value))
	}

	return h
}

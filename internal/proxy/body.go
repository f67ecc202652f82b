package proxy

import (
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/oagw/internal/errors"
)

// DefaultMaxBodySize is the request body limit when neither the gateway
// config nor the upstream sets one.
const DefaultMaxBodySize int64 = 100 << 20

// DefaultMaxResponseBodySize bounds upstream response bodies buffered by
// response plugins.
const DefaultMaxResponseBodySize int64 = 16 << 20

// CheckRequest validates the framing of an inbound request before any body
// byte is read: Transfer-Encoding must be absent or chunked, Content-Length
// must be a single non-negative integer, and a declared length above limit
// is rejected with 413.
func CheckRequest(r *http.Request, limit int64) error {
	te := r.TransferEncoding
	if v := r.Header.Values("Transfer-Encoding"); len(v) > 0 {
		te = splitTokens(v)
	}
	if len(te) > 0 && (len(te) != 1 || !strings.EqualFold(te[0], "chunked")) {
		return errors.Validation("unsupported Transfer-Encoding %q", strings.Join(te, ", "))
	}

	if vals := r.Header.Values("Content-Length"); len(vals) > 0 {
		n, err := parseContentLength(vals)
		if err != nil {
			return err
		}
		if len(te) > 0 {
			return errors.Validation("Content-Length and Transfer-Encoding are mutually exclusive")
		}
		if r.ContentLength >= 0 && r.ContentLength != n {
			return errors.Validation("Content-Length %d does not match body size %d", n, r.ContentLength)
		}
		r.ContentLength = n
	}

	if limit > 0 && r.ContentLength > limit {
		return errors.PayloadTooLarge(r.ContentLength, limit)
	}
	return nil
}

func parseContentLength(vals []string) (int64, error) {
	first := strings.TrimSpace(vals[0])
	for _, v := range vals[1:] {
		if strings.TrimSpace(v) != first {
			return 0, errors.Validation("conflicting Content-Length values")
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 || first[0] == '+' {
		return 0, errors.Validation("invalid Content-Length %q", first)
	}
	return n, nil
}

func splitTokens(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

// bodyReader streams a request body to the upstream while enforcing the
// size limit and the declared Content-Length. The body is never buffered.
type bodyReader struct {
	rc       io.ReadCloser
	declared int64 // -1 when unknown
	limit    int64
	n        int64
}

func newBodyReader(rc io.ReadCloser, declared, limit int64) *bodyReader {
	return &bodyReader{rc: rc, declared: declared, limit: limit}
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.n += int64(n)
	if b.limit > 0 && b.n > b.limit {
		return n, errors.PayloadTooLarge(-1, b.limit)
	}
	if b.declared >= 0 {
		switch {
		case b.n > b.declared:
			return n, errors.Validation("body is longer than Content-Length %d", b.declared)
		case err == io.EOF && b.n < b.declared,
			stderrors.Is(err, io.ErrUnexpectedEOF):
			return n, errors.Validation("body is shorter than Content-Length %d", b.declared)
		}
	}
	return n, err
}

func (b *bodyReader) Close() error {
	return b.rc.Close()
}

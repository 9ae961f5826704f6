package middleware

import (
	"bytes"
	"net/http"
	"strconv"
)

// bufferedWriter holds the host response back so the relay can look at its
// headers and extend its body. Past maxBytes, or on an explicit Flush, it
// gives up and streams straight to the client.
type bufferedWriter struct {
	underlying  http.ResponseWriter
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
	maxBytes    int64
	passthrough bool
	written     int64
}

func newBufferedWriter(w http.ResponseWriter, maxBytes int64) *bufferedWriter {
	return &bufferedWriter{
		underlying: w,
		header:     make(http.Header),
		status:     http.StatusOK,
		maxBytes:   maxBytes,
	}
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.status = status
	b.wroteHeader = true
	if b.passthrough {
		b.underlying.WriteHeader(status)
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	if !b.passthrough && b.maxBytes > 0 && int64(b.body.Len()+len(p)) > b.maxBytes {
		b.startPassthrough()
	}
	if b.passthrough {
		n, err := b.underlying.Write(p)
		b.written += int64(n)
		return n, err
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) Flush() {
	b.startPassthrough()
	if flusher, ok := b.underlying.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (b *bufferedWriter) Unwrap() http.ResponseWriter {
	return b.underlying
}

func (b *bufferedWriter) Status() int {
	return b.status
}

func (b *bufferedWriter) Passthrough() bool {
	return b.passthrough
}

func (b *bufferedWriter) BytesWritten() int64 {
	return b.written
}

func (b *bufferedWriter) startPassthrough() {
	if b.passthrough {
		return
	}
	b.passthrough = true
	b.copyHeader()
	b.underlying.WriteHeader(b.status)
	if b.body.Len() > 0 {
		n, _ := b.underlying.Write(b.body.Bytes())
		b.written += int64(n)
	}
	b.body.Reset()
}

func (b *bufferedWriter) copyHeader() {
	dest := b.underlying.Header()
	for key, values := range b.header {
		dest[key] = append([]string(nil), values...)
	}
}

// sniff fills in the content type the way net/http would.
func (b *bufferedWriter) sniff() {
	if b.passthrough || b.body.Len() == 0 {
		return
	}
	if _, set := b.header["Content-Type"]; set {
		return
	}
	b.header.Set("Content-Type", http.DetectContentType(b.body.Bytes()))
}

// reset drops what the handler produced so far, keeping headers set before
// it ran.
func (b *bufferedWriter) reset() {
	b.body.Reset()
	b.status = http.StatusOK
	b.wroteHeader = false
}

// inject places snippet before the last </body>, or at the end when the
// document has none. Content-encoded bodies are never rewritten.
func (b *bufferedWriter) inject(snippet string) bool {
	if b.passthrough || snippet == "" || encoded(b.header) {
		return false
	}
	body := b.body.Bytes()
	at := lastIndexFold(body, []byte("</body>"))
	if at < 0 {
		at = len(body)
	}
	var out bytes.Buffer
	out.Grow(len(body) + len(snippet))
	out.Write(body[:at])
	out.WriteString(snippet)
	out.Write(body[at:])
	b.body = out
	b.header.Del("Content-Length")
	return true
}

func (b *bufferedWriter) finish() {
	if b.passthrough {
		return
	}
	if _, set := b.header["Content-Length"]; set {
		b.header.Set("Content-Length", strconv.Itoa(b.body.Len()))
	}
	b.copyHeader()
	b.underlying.WriteHeader(b.status)
	if b.body.Len() > 0 {
		n, _ := b.underlying.Write(b.body.Bytes())
		b.written += int64(n)
	}
}

func lastIndexFold(s []byte, sep []byte) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if bytes.EqualFold(s[i:i+len(sep)], sep) {
			return i
		}
	}
	return -1
}

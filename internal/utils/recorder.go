package utils

import (
	"bufio"
	"net"
	"net/http"
)

// ResponseRecorder remembers the status and size of the response written
// through it. The first status wins; later WriteHeader calls are dropped.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

// NewResponseRecorder wraps w.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w}
}

func (rr *ResponseRecorder) WriteHeader(code int) {
	if rr.wrote {
		return
	}
	rr.status = code
	rr.wrote = true
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	if !rr.wrote {
		rr.WriteHeader(http.StatusOK)
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// Status is 200 until a header is written.
func (rr *ResponseRecorder) Status() int {
	if !rr.wrote {
		return http.StatusOK
	}
	return rr.status
}

// Bytes is the body size written so far.
func (rr *ResponseRecorder) Bytes() int { return rr.bytes }

// Written reports whether the header has gone out.
func (rr *ResponseRecorder) Written() bool { return rr.wrote }

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter { return rr.ResponseWriter }

func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (rr *ResponseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

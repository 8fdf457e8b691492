package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/0xReLogic/Cigano/internal/logging"
	"github.com/0xReLogic/Cigano/internal/utils"
)

const maxLoggedBody = 2048

type panicResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

// bodyCapture keeps a copy of the first bytes read from a request body.
type bodyCapture struct {
	io.ReadCloser
	buf bytes.Buffer
}

func (bc *bodyCapture) Read(p []byte) (int, error) {
	n, err := bc.ReadCloser.Read(p)
	if room := maxLoggedBody - bc.buf.Len(); room > 0 && n > 0 {
		bc.buf.Write(p[:min(n, room)])
	}
	return n, err
}

// Recover turns a panic in the wrapped handler into a 500 JSON response and
// logs it with the stack and the triggering request. onPanic may be nil.
func Recover(onPanic func()) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var capture *bodyCapture
			if r.Body != nil && r.Body != http.NoBody {
				capture = &bodyCapture{ReadCloser: r.Body}
				r.Body = capture
			}
			rec := utils.NewResponseRecorder(w)

			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				if onPanic != nil {
					onPanic()
				}

				message := fmt.Sprint(v)
				if err, ok := v.(error); ok {
					message = err.Error()
				}

				logging.WithContext(r.Context()).Error().
					Str("panic", message).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("body", capturedBody(capture)).
					Interface("headers", utils.LoggableHeaders(r.Header)).
					Bytes("stack", debug.Stack()).
					Msg("recovered from panic")

				if rec.Written() {
					return
				}
				_ = utils.WriteJSON(rec, http.StatusInternalServerError, panicResponse{
					Error:     "internal server error",
					Message:   message,
					RequestID: logging.RequestIDFromContext(r.Context()),
					Timestamp: utils.Timestamp(time.Now()),
				})
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

func capturedBody(c *bodyCapture) string {
	if c == nil {
		return ""
	}
	// pick up what the handler had not read yet
	if room := maxLoggedBody - c.buf.Len(); room > 0 {
		_, _ = io.CopyN(&c.buf, c.ReadCloser, int64(room))
	}
	return c.buf.String()
}

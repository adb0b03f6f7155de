package middleware

import (
	"bytes"
	"net/http"
	"runtime/debug"

	"github.com/Sternrassler/response-cache/pkg/cache"
)

// capture is a ResponseWriter that records the whole response in memory.
// Nothing reaches the client until the interceptor decides what to send.
type capture struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newCapture() *capture {
	return &capture{header: http.Header{}}
}

// Implementation of http.ResponseWriter
func (c *capture) Header() http.Header {
	return c.header
}

// Implementation of http.ResponseWriter
func (c *capture) WriteHeader(statusCode int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.status = statusCode
}

// Implementation of http.ResponseWriter
func (c *capture) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	return c.body.Write(b)
}

// Flush is a no-op; the response is released as a whole.
func (c *capture) Flush() {}

func (c *capture) response() *Response {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		StatusCode: status,
		Header:     c.header,
		Body:       c.body.Bytes(),
	}
}

// captureHandler adapts next to a ResponseFunc.
// Panics become *cache.PanicError; http.ErrAbortHandler is re-raised.
func captureHandler(next http.Handler) ResponseFunc {
	return func(r *http.Request) (resp *Response, err error) {
		c := newCapture()
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				resp = nil
				err = &cache.PanicError{Value: v, Stack: debug.Stack()}
			}
		}()
		next.ServeHTTP(c, r)
		return c.response(), nil
	}
}

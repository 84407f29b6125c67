package middleware

import (
	"net/http"
)

// ResponseRecorder captures the status code and body size of a response
// while still exposing http.Flusher of the wrapped writer.
type ResponseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
	bytes      int64
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code
func (w *ResponseRecorder) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *ResponseRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush implements the http.Flusher interface
func (w *ResponseRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *ResponseRecorder) StatusCode() int {
	return w.statusCode
}

func (w *ResponseRecorder) BytesWritten() int64 {
	return w.bytes
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController
func (w *ResponseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

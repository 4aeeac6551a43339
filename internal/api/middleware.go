package api

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// apiError is the JSON envelope for every non-2xx response.
type apiError struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
	Timestamp  int64  `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Error: message, StatusCode: status, Timestamp: time.Now().Unix()})
}

// sanitizeError logs the raw error and returns a generic message safe to
// hand to the client.
func sanitizeError(err error, generic string) string {
	if err != nil {
		log.Error().Err(err).Msg(generic)
	}
	return generic
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.written {
		return
	}
	rw.status = code
	rw.written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// logRequests logs every request with its outcome and turns handler panics
// into 500 responses.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			evt := log.Debug()
			if rw.status >= http.StatusBadRequest {
				evt = log.Warn()
			}
			evt.Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", rw.status).
				Dur("duration", time.Since(start)).
				Msg("Request handled")
		}()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in HTTP handler")
				writeError(rw, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(rw, req)
	})
}

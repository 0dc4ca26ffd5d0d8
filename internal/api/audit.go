package api

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const maxAuditBodyBytes = 1024 // 1KB summary limit

// generateRequestID creates a short random request ID for audit correlation.
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// AuditMiddleware logs all mutating (POST/DELETE) requests. Every custody
// mutation leaves an audit line: who called, what they sent, what came back.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	auditLogger := logger.With("component", "api_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := generateRequestID()

		// Tee the body: the handler reads the full stream untouched while the
		// first 1KB is captured for the audit line. Mutation payloads routinely
		// exceed the summary limit (passkey members carry 78-digit decimal
		// coordinates), so the summary must never replace the stream.
		capture := &cappedCapture{}
		if r.Body != nil {
			r.Body = teeReadCloser{Reader: io.TeeReader(r.Body, capture), Closer: r.Body}
		}

		// Wrap response writer to capture status code
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sw, r)

		bodySummary := capture.buf.String()
		if capture.truncated {
			bodySummary += "...(truncated)"
		}

		auditLogger.Info("vault API audit",
			"request_id", requestID,
			"timestamp", start.UTC().Format(time.RFC3339),
			"identity", r.Header.Get(identityHeader),
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"body_summary", bodySummary,
			"response_status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// cappedCapture keeps the first maxAuditBodyBytes of whatever passes through
// and discards the rest, remembering that it overflowed. It never errors, so
// the TeeReader it backs cannot disturb the handler's read.
type cappedCapture struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *cappedCapture) Write(p []byte) (int, error) {
	if remaining := maxAuditBodyBytes - c.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

// teeReadCloser keeps the original body's Close while reading through the tee.
type teeReadCloser struct {
	io.Reader
	io.Closer
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

package apierror

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sandchest/sandchest/internal/httpjson"
)

type requestIDKey struct{}

// WithRequestID stores the request id for later envelope rendering.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id attached by the middleware,
// or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// Envelope is the uniform error response body.
type Envelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
	RetryAfter *int   `json:"retry_after"`
}

// Respond logs err and writes the envelope for it. The cause stays in the
// log; only Code and Message reach the client.
func Respond(w http.ResponseWriter, r *http.Request, err error) {
	e := From(err)
	status := e.HTTPStatus()
	requestID := RequestIDFromContext(r.Context())

	if status >= http.StatusInternalServerError {
		slog.Error("api error", "status", status, "code", e.Code, "request_id", requestID, "error", err.Error())
	} else {
		slog.Warn("api error", "status", status, "code", e.Code, "request_id", requestID, "error", err.Error())
	}

	var retryAfter *int
	if RetryableStatus(status) {
		seconds := e.RetryAfter
		if seconds <= 0 {
			seconds = 1
		}
		retryAfter = &seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	_ = httpjson.Respond(w, status, Envelope{
		Error:      string(e.Code),
		Message:    e.Message,
		RequestID:  requestID,
		RetryAfter: retryAfter,
	})
}

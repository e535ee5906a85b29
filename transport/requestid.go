// Package transport builds the authenticated HTTP client: every request gets
// a correlation id and the current bearer token, and a 401 is handed to an
// Authenticator that may supply one retried request.
package transport

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID stores id on ctx for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the id stored by WithRequestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// EnsureRequestID makes sure req carries an id header and returns a request
// whose context knows the id. An existing header is kept, so a resent request
// keeps the id of the logical request it belongs to.
func EnsureRequestID(req *http.Request) (*http.Request, string) {
	id := req.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
		req = req.Clone(req.Context())
		req.Header.Set(RequestIDHeader, id)
	}
	if RequestIDFrom(req.Context()) != id {
		req = req.WithContext(WithRequestID(req.Context(), id))
	}
	return req, id
}

// RequestID is the outermost round tripper: it tags each request with an id.
type RequestID struct {
	Next http.RoundTripper
}

func (t *RequestID) RoundTrip(req *http.Request) (*http.Response, error) {
	req, _ = EnsureRequestID(req)
	return next(t.Next).RoundTrip(req)
}

func next(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}

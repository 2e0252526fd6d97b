package core

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Headers carrying the trust envelope on every outbound call.
const (
	HeaderTraceID       = "X-Trace-ID"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
	HeaderUserID        = "X-User-ID"
	HeaderSessionID     = "X-Session-ID"
)

// RequestContext is the ambient identity propagated across service calls.
type RequestContext struct {
	TraceID       string `json:"trace_id"`
	CorrelationID string `json:"correlation_id"`
	RequestID     string `json:"request_id"`
	UserID        string `json:"user_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

type requestContextKey struct{}

// NewRequestContext mints a context with fresh trace and correlation ids.
func NewRequestContext() *RequestContext {
	return &RequestContext{
		TraceID:       uuid.NewString(),
		CorrelationID: uuid.NewString(),
		RequestID:     uuid.NewString(),
	}
}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the ambient RequestContext, or nil when absent.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}

// EnsureRequestContext returns the ambient RequestContext, minting one (and
// attaching it) when the context carries none. Every outbound call goes
// through this so downstream services always see a complete trust envelope.
func EnsureRequestContext(ctx context.Context) (context.Context, *RequestContext) {
	if rc := RequestContextFrom(ctx); rc != nil {
		if rc.RequestID == "" {
			rc.RequestID = uuid.NewString()
		}
		return ctx, rc
	}
	rc := NewRequestContext()
	return WithRequestContext(ctx, rc), rc
}

// Inject writes the trust envelope headers onto an outbound request.
func (rc *RequestContext) Inject(h http.Header) {
	h.Set(HeaderTraceID, rc.TraceID)
	h.Set(HeaderCorrelationID, rc.CorrelationID)
	h.Set(HeaderRequestID, rc.RequestID)
	if rc.UserID != "" {
		h.Set(HeaderUserID, rc.UserID)
	}
	if rc.SessionID != "" {
		h.Set(HeaderSessionID, rc.SessionID)
	}
}

// ExtractRequestContext reads the trust envelope from inbound headers,
// minting ids for any that are missing.
func ExtractRequestContext(h http.Header) *RequestContext {
	rc := &RequestContext{
		TraceID:       h.Get(HeaderTraceID),
		CorrelationID: h.Get(HeaderCorrelationID),
		RequestID:     h.Get(HeaderRequestID),
		UserID:        h.Get(HeaderUserID),
		SessionID:     h.Get(HeaderSessionID),
	}
	if rc.TraceID == "" {
		rc.TraceID = uuid.NewString()
	}
	if rc.CorrelationID == "" {
		rc.CorrelationID = rc.TraceID
	}
	if rc.RequestID == "" {
		rc.RequestID = uuid.NewString()
	}
	return rc
}

// Package audit holds the vocabulary shared by everything that writes or
// reads the audit trail: action names, resource types, and the request
// metadata carried in a context.
package audit

import (
	"context"
	"strings"
)

type ctxKey string

const requestMetaKey ctxKey = "audit_request_meta"

// RequestMeta is the origin of the request that triggered an audited action.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// WithRequestMeta attaches request origin details to ctx. Empty values are
// dropped so a later layer can still fill them in.
func WithRequestMeta(ctx context.Context, ip, userAgent string) context.Context {
	meta := RequestMetaFromContext(ctx)
	if v := strings.TrimSpace(ip); v != "" {
		meta.IPAddress = v
	}
	if v := strings.TrimSpace(userAgent); v != "" {
		meta.UserAgent = v
	}
	return context.WithValue(ctx, requestMetaKey, meta)
}

// RequestMetaFromContext returns the request metadata or a zero value.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	if v, ok := ctx.Value(requestMetaKey).(RequestMeta); ok {
		return v
	}
	return RequestMeta{}
}

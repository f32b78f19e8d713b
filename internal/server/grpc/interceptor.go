package grpc

import (
	"context"
	"errors"
	"strings"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/server/audit"
	"github.com/justincihi/cognisync/internal/server/models"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type ctxKey string

const actorKey ctxKey = "actor"

// ActorFromContext returns the actor the session interceptor resolved.
func ActorFromContext(ctx context.Context) (*models.Actor, bool) {
	a, ok := ctx.Value(actorKey).(*models.Actor)
	return a, ok
}

func tokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(common.AccessTokenHeaderName); len(values) > 0 {
		return values[0]
	}
	return ""
}

// requestMetaInterceptor records the caller address and user agent for the
// audit trail.
func (s *GRPCServer) requestMetaInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var ip, ua string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ip = p.Addr.String()
		if i := strings.LastIndex(ip, ":"); i > 0 {
			ip = strings.Trim(ip[:i], "[]")
		}
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("user-agent"); len(v) > 0 {
			ua = v[0]
		}
	}
	return handler(audit.WithRequestMeta(ctx, ip, ua), req)
}

// accessTokenInterceptor authorizes every operations call except Login.
// Logout needs any live session; everything else needs an admin.
func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if info.FullMethod == FullMethod(MethodLogin) || !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
		return handler(ctx, req)
	}

	token := tokenFromContext(ctx)
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	actor, err := s.sessions.Authorize(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}
	if info.FullMethod != FullMethod(MethodLogout) && !actor.IsAdmin() {
		s.logger.Warn(ctx, "operations call denied", "method", info.FullMethod, "user_id", actor.UserID)
		return nil, status.Error(codes.PermissionDenied, "admin role required")
	}

	return handler(context.WithValue(ctx, actorKey, actor), req)
}

// toStatus maps service errors to gRPC codes without leaking detail.
func toStatus(err error) error {
	switch {
	case errors.Is(err, common.ErrSessionExpired):
		return status.Error(codes.Unauthenticated, "session expired")
	case errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrorUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, common.ErrMFAVerification):
		return status.Error(codes.Unauthenticated, "mfa verification failed")
	case errors.Is(err, common.ErrAccountLocked):
		return status.Error(codes.PermissionDenied, "account locked")
	case errors.Is(err, common.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "too many attempts")
	case errors.Is(err, common.ErrPHIUnavailable), errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, "not found")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

package grpc

import (
	"context"
	"time"

	"github.com/justincihi/cognisync/internal/server/models"
	"github.com/justincihi/cognisync/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func (s *GRPCServer) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.sessions.Login(ctx, services.LoginRequest{
		Username:   str(req, "username"),
		Password:   str(req, "password"),
		OTP:        str(req, "otp"),
		BackupCode: str(req, "backup_code"),
	})
	if err != nil {
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]any{
		"token":      res.Token,
		"expires_at": res.ExpiresAt.UTC().Format(time.RFC3339),
		"username":   res.Actor.Username,
		"role":       res.Actor.Role,
	})
}

func (s *GRPCServer) Logout(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.sessions.Logout(ctx, tokenFromContext(ctx)); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *GRPCServer) RetentionStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.retention.GetRetentionStats(ctx)
	if err != nil {
		s.logger.Error(ctx, "retention stats failed", "err", err)
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]any{
		"total_sessions":  st.TotalSessions,
		"with_retention":  st.WithRetention,
		"expired":         st.Expired,
		"expiring_soon":   st.ExpiringSoon,
		"retention_years": st.RetentionYears(),
	})
}

func (s *GRPCServer) RunCleanup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	dryRun := req.GetFields()["dry_run"].GetBoolValue()

	report, err := s.retention.RunCleanup(ctx, dryRun)
	if report == nil {
		s.logger.Error(ctx, "retention cleanup failed", "err", err)
		return nil, toStatus(err)
	}

	candidates := make([]any, 0, len(report.Candidates))
	for _, c := range report.Candidates {
		candidates = append(candidates, c.SessionID)
	}
	out := map[string]any{
		"dry_run":    report.DryRun,
		"candidates": candidates,
		"deleted":    report.Deleted,
		"failed":     report.Failed,
	}
	if err != nil {
		s.logger.Warn(ctx, "retention cleanup finished with failures", "failed", report.Failed)
	}
	return structpb.NewStruct(out)
}

func (s *GRPCServer) InvalidateSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	n, err := s.sessions.InvalidateExpiredSessions(ctx)
	if err != nil {
		s.logger.Error(ctx, "session sweep failed", "err", err)
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"invalidated": n})
}

func parseTime(in *structpb.Struct, key string) (*time.Time, error) {
	v := str(in, key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s: want RFC3339 time", key)
	}
	return &t, nil
}

func (s *GRPCServer) AuditTrail(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := models.AuditFilter{
		ResourceID: str(req, "resource_id"),
		Action:     str(req, "action"),
		Limit:      int(req.GetFields()["limit"].GetNumberValue()),
	}
	if v, ok := req.GetFields()["user_id"]; ok {
		id := int64(v.GetNumberValue())
		f.ActorID = &id
	}
	var err error
	if f.From, err = parseTime(req, "from"); err != nil {
		return nil, err
	}
	if f.To, err = parseTime(req, "to"); err != nil {
		return nil, err
	}

	entries, err := s.audit.GetAuditTrail(ctx, f)
	if err != nil {
		s.logger.Error(ctx, "audit query failed", "err", err)
		return nil, toStatus(err)
	}

	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, s.entryValue(ctx, e))
	}
	return structpb.NewStruct(map[string]any{"entries": list})
}

func (s *GRPCServer) entryValue(ctx context.Context, e *models.AuditEntry) map[string]any {
	m := map[string]any{
		"id":            e.ID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"username":      e.Username,
		"action":        e.Action,
		"resource_type": e.ResourceType,
		"success":       e.Success,
	}
	if e.UserID != nil {
		m["user_id"] = *e.UserID
	}
	if e.ResourceID != nil {
		m["resource_id"] = *e.ResourceID
	}
	if e.IPAddress != nil {
		m["ip_address"] = *e.IPAddress
	}
	details, err := s.audit.Details(e)
	if err != nil {
		s.logger.Warn(ctx, "audit details unreadable", "id", e.ID, "err", err)
		m["details_unreadable"] = true
	} else if details != nil {
		m["details"] = details
	}
	return m
}

package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/health"
	"github.com/matheus3301/msgrelay/internal/ingest"
	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/store"
	intsync "github.com/matheus3301/msgrelay/internal/sync"
	"github.com/matheus3301/msgrelay/internal/syncstate"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Deps are the components the service reads from and drives.
type Deps struct {
	Health   *health.Machine
	Delivery *delivery.Machine
	Engine   *intsync.Engine
	Ingest   *ingest.Ingestor
	Store    *store.DB
	// Gateway reports whether the AMQP transport is connected.
	Gateway bool
}

// Service implements RelayServer.
type Service struct {
	profile string
	started time.Time
	deps    Deps
	logger  *zap.Logger
}

var _ RelayServer = (*Service)(nil)

// NewService creates the control service for one profile.
func NewService(profile string, deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{profile: profile, started: time.Now(), deps: deps, logger: logger}
}

func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := Status{
		Profile:  s.profile,
		State:    string(s.deps.Health.Current()),
		Reason:   s.deps.Health.Reason(),
		UptimeMS: time.Since(s.started).Milliseconds(),
		Gateway:  s.deps.Gateway,
	}
	if s.deps.Ingest != nil {
		st.PendingFragments = s.deps.Ingest.Pending()
	}
	if s.deps.Store != nil {
		st.LastSyncPass = s.checkpoint(ctx, intsync.CheckpointLastPass)
		st.LastSyncSuccess = s.checkpoint(ctx, intsync.CheckpointLastSuccess)
	}
	return encode(toStruct(st))
}

func (s *Service) checkpoint(ctx context.Context, key string) string {
	v, err := s.deps.Store.GetCheckpoint(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to read checkpoint", zap.String("key", key), zap.Error(err))
	}
	return v
}

func (s *Service) GetDeliveryStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats, err := s.deps.Delivery.Stats(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "delivery stats: %v", err)
	}
	return encode(toStruct(stats))
}

func (s *Service) GetSyncStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.deps.Engine.Stats(ctx, stringField(req, "type"))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "sync stats: %v", err)
	}
	return encode(toStruct(stats))
}

func (s *Service) SyncEntity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ref, err := entityRef(req)
	if err != nil {
		return nil, err
	}
	return encode(toStruct(entityResult(s.deps.Engine.SyncEntity(ctx, ref.Type, ref.ID))))
}

func (s *Service) SyncAll(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	pass := s.deps.Engine.SyncAll(ctx)
	report := PassReport{
		Outcome:   pass.Outcome.String(),
		Synced:    pass.Synced,
		Conflicts: pass.Conflicts,
		Retryable: pass.Retryable,
		Fatal:     pass.Fatal,
	}
	for _, r := range pass.Results {
		if r.Outcome != intsync.Synced {
			report.Failures = append(report.Failures, entityResult(r))
		}
	}
	return encode(toStruct(report))
}

func (s *Service) ResolveConflict(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ref, err := entityRef(req)
	if err != nil {
		return nil, err
	}
	return encode(toStruct(entityResult(s.deps.Engine.ResolveConflict(ctx, ref.Type, ref.ID))))
}

func (s *Service) RequeueEntity(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	ref, err := entityRef(req)
	if err != nil {
		return nil, err
	}
	err = s.deps.Engine.Requeue(ctx, ref.Type, ref.ID)
	switch {
	case errors.Is(err, syncstate.ErrNotFound):
		return nil, grpcstatus.Errorf(codes.NotFound, "%s/%s: %v", ref.Type, ref.ID, err)
	case errors.Is(err, syncstate.ErrNotRequeueable):
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "%s/%s: %v", ref.Type, ref.ID, err)
	case err != nil:
		return nil, grpcstatus.Errorf(codes.Internal, "requeue: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in SendRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	if in.Address == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "address is required")
	}
	msg, err := s.deps.Delivery.Enqueue(ctx, in.Address, in.Body, in.ThreadID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "enqueue: %v", err)
	}
	return encode(toStruct(Sent{ID: msg.ID, Status: string(msg.Status)}))
}

func (s *Service) ListConflicts(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	records, err := s.deps.Engine.Conflicts(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conflicts: %v", err)
	}
	list := ConflictList{Conflicts: make([]ConflictInfo, 0, len(records))}
	for _, r := range records {
		list.Conflicts = append(list.Conflicts, conflictInfo(r))
	}
	return encode(toStruct(list))
}

func conflictInfo(r *model.SyncRecord) ConflictInfo {
	return ConflictInfo{
		Type:      r.Key.Type,
		ID:        r.Key.ID,
		UpdatedAt: r.UpdatedAt.UnixMilli(),
		Payload:   r.ConflictPayload,
	}
}

func entityResult(r intsync.Result) EntityResult {
	out := EntityResult{
		Type:    r.Key.Type,
		ID:      r.Key.ID,
		Outcome: r.Outcome.String(),
		Action:  string(r.Action),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

func entityRef(req *structpb.Struct) (EntityRef, error) {
	ref := EntityRef{Type: stringField(req, "type"), ID: stringField(req, "id")}
	if ref.Type == "" || ref.ID == "" {
		return ref, grpcstatus.Error(codes.InvalidArgument, "type and id are required")
	}
	return ref, nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func encode(s *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	return s, nil
}

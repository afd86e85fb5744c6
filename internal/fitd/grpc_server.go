package fitd

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/welltest-lab/fitting-core/internal/policy"
	"github.com/welltest-lab/fitting-core/pkg/logger"
	"github.com/welltest-lab/fitting-core/pkg/models"
)

// FittingGRPCServer implements FittingServiceServer on a RunStore and
// RunExecutor.
type FittingGRPCServer struct {
	store    *RunStore
	Executor *RunExecutor
	limiter  *policy.RateLimiter
}

var _ FittingServiceServer = (*FittingGRPCServer)(nil)

func NewFittingGRPCServer(store *RunStore, executor *RunExecutor) *FittingGRPCServer {
	return &FittingGRPCServer{
		store:    store,
		Executor: executor,
	}
}

// WithRateLimiter limits CreateFit calls per peer address.
func (s *FittingGRPCServer) WithRateLimiter(l *policy.RateLimiter) *FittingGRPCServer {
	s.limiter = l
	return s
}

func peerAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}

// grpcError maps service and core errors to gRPC status errors.
func grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, ErrRunNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrRunExists):
		code = codes.AlreadyExists
	case errors.Is(err, ErrDatasetBusy), errors.Is(err, ErrRunActive):
		code = codes.Aborted
	case errors.Is(err, ErrRunTerminal):
		code = codes.FailedPrecondition
	case isBadRequest(err):
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func fitResponse(rec *FitRecord) (*structpb.Struct, error) {
	out, err := toStruct(map[string]any{"fit": fitToJSON(rec)})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func fitIDOf(req *structpb.Struct) string {
	if req == nil {
		return ""
	}
	return req.GetFields()["fit_id"].GetStringValue()
}

// CreateFit takes {"fit_id"?, "request": FitRequest, "start"?}.
func (s *FittingGRPCServer) CreateFit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var body struct {
		FitID   string             `json:"fit_id"`
		Request *models.FitRequest `json:"request"`
		Start   bool               `json:"start"`
	}
	if !s.limiter.Allow(peerAddr(ctx)) {
		return nil, status.Error(codes.ResourceExhausted, "fit creation rate limit exceeded")
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if err := fromStruct(req, &body); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	if body.Request == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	create := s.Executor.Create
	if body.Start {
		create = s.Executor.CreateAndStart
	}
	rec, err := create(body.FitID, body.Request)
	if err != nil {
		return nil, grpcError(err)
	}
	logger.ForFit(rec.Run.ID).Info("fit created", "model", rec.Request.Model, "started", body.Start, "peer", peerAddr(ctx))
	return fitResponse(rec)
}

func (s *FittingGRPCServer) StartFit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fitID := fitIDOf(req)
	if fitID == "" {
		return nil, status.Error(codes.InvalidArgument, ErrRunIDMissing.Error())
	}
	rec, err := s.Executor.Start(fitID)
	if err != nil {
		return nil, grpcError(err)
	}
	logger.ForFit(fitID).Info("fit started")
	return fitResponse(rec)
}

func (s *FittingGRPCServer) StopFit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fitID := fitIDOf(req)
	if fitID == "" {
		return nil, status.Error(codes.InvalidArgument, ErrRunIDMissing.Error())
	}
	rec, err := s.Executor.Stop(fitID)
	if err != nil {
		return nil, grpcError(err)
	}
	logger.ForFit(fitID).Info("fit cancelled")
	return fitResponse(rec)
}

func (s *FittingGRPCServer) GetFit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fitID := fitIDOf(req)
	if fitID == "" {
		return nil, status.Error(codes.InvalidArgument, ErrRunIDMissing.Error())
	}
	rec, ok := s.store.Get(fitID)
	if !ok {
		return nil, status.Error(codes.NotFound, "fit not found")
	}
	return fitResponse(rec)
}

// ListFits takes {"limit"?, "offset"?, "status"?}.
func (s *FittingGRPCServer) ListFits(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, offset := 50, 0
	var filter RunStatus
	if req != nil {
		fields := req.GetFields()
		if v := int(fields["limit"].GetNumberValue()); v > 0 {
			limit = v
		}
		if v := int(fields["offset"].GetNumberValue()); v > 0 {
			offset = v
		}
		if raw := fields["status"].GetStringValue(); raw != "" {
			st, ok := ParseRunStatus(raw)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "unknown status: "+raw)
			}
			filter = st
		}
	}

	recs := s.store.ListFiltered(limit, offset, filter)
	fits := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		fits = append(fits, fitToJSON(rec))
	}
	out, err := toStruct(map[string]any{"fits": fits})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// StreamFitEvents takes {"fit_id", "interval_ms"?} and sends events
// {"type": "status_change"|"iteration", ...} until the run is terminal.
func (s *FittingGRPCServer) StreamFitEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	fitID := fitIDOf(req)
	if fitID == "" {
		return status.Error(codes.InvalidArgument, ErrRunIDMissing.Error())
	}
	rec, ok := s.store.Get(fitID)
	if !ok {
		return status.Error(codes.NotFound, "fit not found")
	}

	send := func(event map[string]any) error {
		event["fit_id"] = fitID
		event["at_unix_ms"] = time.Now().UTC().UnixMilli()
		msg, err := toStruct(event)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.Send(msg)
	}

	previous := RunStatus("")
	lastIteration := 0
	// emit sends what changed and reports whether the stream is done.
	emit := func(rec *FitRecord) (bool, error) {
		for _, u := range rec.History {
			if u.Iteration <= lastIteration {
				continue
			}
			if err := send(map[string]any{"type": "iteration", "update": u}); err != nil {
				return true, err
			}
			lastIteration = u.Iteration
		}
		if rec.Run.Status != previous {
			ev := map[string]any{"type": "status_change", "previous": previous, "current": rec.Run.Status}
			if rec.Run.Status.Terminal() {
				ev["fit"] = fitToJSON(rec)
			}
			if err := send(ev); err != nil {
				return true, err
			}
			previous = rec.Run.Status
		}
		return rec.Run.Status.Terminal(), nil
	}

	if done, err := emit(rec); done || err != nil {
		return err
	}

	interval := 250 * time.Millisecond
	if v := req.GetFields()["interval_ms"].GetNumberValue(); v > 0 {
		interval = time.Duration(v) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ticker.C:
			rec, ok := s.store.Get(fitID)
			if !ok {
				return status.Error(codes.NotFound, "fit not found")
			}
			if done, err := emit(rec); done || err != nil {
				return err
			}
		}
	}
}
